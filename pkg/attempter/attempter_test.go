package attempter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/download"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hardware"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payloadstate"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy/variable"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/postinstall"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/updatecheck"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

var testEpoch = time.Date(2020, time.March, 4, 10, 0, 0, 0, time.UTC)

const (
	testServerURL  = "https://updates.example/check"
	testPayloadURL = "https://updates.example/payloads/1.1.0"
)

// fakeTransport answers update checks with fn and accepts every event
// unless eventErr is set.
type fakeTransport struct {
	mu       sync.Mutex
	reqs     []*updatecheck.Request
	fn       func(req *updatecheck.Request) (*updatecheck.Response, int, error)
	eventErr error
}

func (f *fakeTransport) Send(ctx context.Context, url string, req *updatecheck.Request) (*updatecheck.Response, int, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn, eventErr := f.fn, f.eventErr
	f.mu.Unlock()
	if fn == nil || req.IsEvent() {
		if req.IsEvent() {
			if eventErr != nil {
				return nil, 502, eventErr
			}
			return nil, 200, nil
		}
		return &updatecheck.Response{Status: updatecheck.StatusNoUpdate}, 200, nil
	}
	return fn(req)
}

func (f *fakeTransport) requests() []*updatecheck.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*updatecheck.Request(nil), f.reqs...)
}

func (f *fakeTransport) events() []updatecheck.Event {
	var events []updatecheck.Event
	for _, req := range f.requests() {
		if req.Event != nil {
			events = append(events, *req.Event)
		}
	}
	return events
}

func (f *fakeTransport) checks() int {
	n := 0
	for _, req := range f.requests() {
		if req.UpdateCheck {
			n++
		}
	}
	return n
}

type fakeRebooter struct {
	called chan struct{}
}

func (r *fakeRebooter) Reboot(ctx context.Context) error {
	close(r.called)
	return nil
}

// deferringPolicy refuses to apply any update.
type deferringPolicy struct {
	*policy.DefaultPolicy
}

func (deferringPolicy) UpdateCanBeApplied(ec *policy.EvaluationContext, st *policy.State, result *errorcode.Code, plan *payload.InstallPlan) (policy.EvalStatus, error) {
	*result = errorcode.UpdateDeferredPerPolicy
	return policy.Succeeded, nil
}

type env struct {
	t         *testing.T
	log       logging.Logger
	clock     *clock.Fake
	loop      *loop.Fake
	prefs     *prefs.Memory
	hw        *hardware.Fake
	bc        *bootcontrol.Stub
	um        *policy.UpdateManager
	transport *fakeTransport
	rebooter  *fakeRebooter
	resources map[string][]byte
	dir       string

	numSlots  int
	newPolicy func(logging.Logger) policy.Policy

	u        *UpdateAttempter
	statuses []status.Status
}

type option func(*env)

func withSlots(n int) option {
	return func(e *env) { e.numSlots = n }
}

func withPolicy(fn func(logging.Logger) policy.Policy) option {
	return func(e *env) { e.newPolicy = fn }
}

func withPrefs(fn func(p *prefs.Memory, hw *hardware.Fake)) option {
	return func(e *env) { fn(e.prefs, e.hw) }
}

func newEnv(t *testing.T, opts ...option) *env {
	bootcontrol.ResetBootFlags()
	c := clock.NewFake(testEpoch)
	e := &env{
		t:         t,
		log:       testoutput.Logger(t, "attempter"),
		clock:     c,
		loop:      loop.NewFake(c),
		prefs:     prefs.NewMemory(),
		hw:        hardware.NewFake(),
		transport: &fakeTransport{},
		rebooter:  &fakeRebooter{called: make(chan struct{})},
		resources: map[string][]byte{},
		dir:       t.TempDir(),
		numSlots:  2,
		newPolicy: func(log logging.Logger) policy.Policy { return policy.NewDefaultPolicy(log) },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bc = bootcontrol.NewStub(e.numSlots, 0)
	st := policy.NewState(c, policy.StateOptions{OfficialBuild: true, NumSlots: e.numSlots, Seed: 1})
	e.um = policy.NewUpdateManager(e.log, c, e.loop, st, e.newPolicy(e.log))
	e.u = New(e.log, Deps{
		Loop:         e.loop,
		Clock:        c,
		Prefs:        e.prefs,
		Manager:      e.um,
		PayloadState: payloadstate.New(e.log, e.prefs, c),
		BootControl:  e.bc,
		Hardware:     e.hw,
		Transport:    e.transport,
		NewFetcher:   func() download.Fetcher { return download.NewMockFetcher(e.loop, e.resources) },
		Runner:       hostexec.New(e.log, ""),
		Rebooter:     e.rebooter,
	}, Config{
		ServerURL:   testServerURL,
		AppID:       "retriever-test",
		AppVersion:  "1.0.0",
		Board:       "x86_64",
		Channel:     "stable",
		StagingDir:  e.dir,
		Postinstall: postinstall.Config{MountDir: filepath.Join(e.dir, "mnt")},
	})
	e.u.AddObserver(status.ObserverFunc(func(s status.Status) {
		e.statuses = append(e.statuses, s)
	}))
	e.u.Init()
	return e
}

// offerUpdate makes the server offer data as version 1.1.0.
func (e *env) offerUpdate(data []byte) {
	sum := sha256.Sum256(data)
	e.resources[testPayloadURL] = data
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		return &updatecheck.Response{
			Status:  updatecheck.StatusOK,
			Version: "1.1.0",
			Payloads: []updatecheck.ResponsePayload{{
				URLs: []string{testPayloadURL},
				Size: int64(len(data)),
				Hash: hex.EncodeToString(sum[:]),
			}},
		}, 200, nil
	}
}

// settle runs the loop until cond holds, waiting for work done off the loop
// to be posted back.
func (e *env) settle(cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		e.loop.RunUntilIdle()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("gave up waiting, status is %s", e.u.status)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *env) statusIs(s status.UpdateStatus) func() bool {
	return func() bool { return e.u.status == s && !e.u.processor.IsRunning() }
}

// transitions lists the statuses broadcast, without repeats.
func (e *env) transitions() []status.UpdateStatus {
	var out []status.UpdateStatus
	for _, s := range e.statuses {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func interactive() policy.UpdateCheckParams {
	return policy.UpdateCheckParams{UpdatesEnabled: true, Interactive: true}
}

func value[T any](t *testing.T, v *variable.Async[T]) T {
	t.Helper()
	got, err := v.Value(context.Background())
	assert.NilError(t, err)
	return got
}

// typed is an action that only has a type.
type typed struct {
	action.Base
	typ action.Type
}

func (a *typed) Type() action.Type { return a.typ }

func (a *typed) PerformAction(done action.Completer) { done.Complete(errorcode.Success) }

func TestUpdateAppliesUpdate(t *testing.T) {
	e := newEnv(t)
	data := make([]byte, 5*4096+123)
	for i := range data {
		data[i] = byte(i)
	}
	e.offerUpdate(data)

	e.u.Update("", "", interactive())
	assert.Equal(t, e.u.status, status.CheckingForUpdate)
	e.settle(e.statusIs(status.UpdatedNeedReboot))

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{
		status.Idle,
		status.CheckingForUpdate,
		status.UpdateAvailable,
		status.Downloading,
		status.Verifying,
		status.Finalizing,
		status.UpdatedNeedReboot,
	})
	assert.Equal(t, e.bc.ActiveSlot(), bootcontrol.Slot(1))
	assert.Check(t, e.bc.BootSuccessful())

	assert.Equal(t, e.transport.checks(), 1)
	var types []updatecheck.EventType
	for _, ev := range e.transport.events() {
		types = append(types, ev.Type)
	}
	assert.DeepEqual(t, types, []updatecheck.EventType{
		updatecheck.EventUpdateDownloadStarted,
		updatecheck.EventUpdateDownloadFinished,
		updatecheck.EventUpdateComplete,
	})

	assert.Equal(t, prefs.StringOr(e.prefs, prefs.KeyPreviousVersion, ""), "1.0.0")
	assert.Equal(t, prefs.StringOr(e.prefs, prefs.KeyUpdateCompletedOnBootID, ""), e.hw.ID)
	assert.Equal(t, prefs.Int64Or(e.prefs, prefs.KeyDeltaUpdateFailures, -1), int64(0))
	assert.Check(t, value(t, e.um.State().Updater.UpdateCompletedTime).Equal(testEpoch))

	s := e.u.Status()
	assert.Equal(t, s.NewVersion, "1.1.0")
	assert.Equal(t, s.NewSize, int64(len(data)))
	assert.Equal(t, s.CurrentVersion, "1.0.0")
	assert.Check(t, !s.IsRollback)

	// Progress was broadcast on the way, ending with the whole payload.
	var last float64
	for _, st := range e.statuses {
		if st.Status == status.Downloading {
			assert.Check(t, st.Progress >= last)
			last = st.Progress
		}
	}
	assert.Equal(t, last, 1.0)
}

func TestUpdateNoUpdate(t *testing.T) {
	e := newEnv(t)
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		return &updatecheck.Response{Status: updatecheck.StatusNoUpdate, PollInterval: 600}, 200, nil
	}

	e.u.Update("", "", interactive())
	e.settle(e.statusIs(status.Idle))

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{status.Idle, status.CheckingForUpdate, status.Idle})
	assert.Equal(t, len(e.transport.events()), 0)
	updater := e.um.State().Updater
	assert.Equal(t, value(t, updater.ServerDictatedPollInterval), 10*time.Minute)
	assert.Equal(t, value(t, updater.ConsecutiveFailedUpdateChecks), 0)
	assert.Check(t, value(t, updater.LastCheckedTime).Equal(testEpoch))
	assert.Equal(t, e.u.AttemptErrorCode(), errorcode.NoUpdate)
}

func TestUpdateServerErrorReportsEvent(t *testing.T) {
	e := newEnv(t)
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		return nil, 503, errors.New("unavailable")
	}

	e.u.Update("", "", interactive())
	e.settle(func() bool { return len(e.transport.events()) == 1 && e.u.status == status.Idle })

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{
		status.Idle,
		status.CheckingForUpdate,
		status.ReportingErrorEvent,
		status.Idle,
	})
	ev := e.transport.events()[0]
	assert.Equal(t, ev.Type, updatecheck.EventUpdateComplete)
	assert.Equal(t, ev.Result, updatecheck.EventResultError)
	assert.Equal(t, ev.ErrorCode, errorcode.HTTPResponseError)
	assert.Equal(t, value(t, e.um.State().Updater.ConsecutiveFailedUpdateChecks), 1)
	assert.Equal(t, prefs.Int64Or(e.prefs, prefs.KeyConsecutiveFailedChecks, 0), int64(1))
	assert.Check(t, e.u.errorEvent == nil)
}

func TestUpdateDeferredPerPolicy(t *testing.T) {
	e := newEnv(t, withPolicy(func(log logging.Logger) policy.Policy {
		return deferringPolicy{policy.NewDefaultPolicy(log)}
	}))
	e.offerUpdate([]byte("payload"))

	e.u.Update("", "", interactive())
	e.settle(func() bool { return len(e.transport.events()) == 1 && e.u.status == status.Idle })

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{
		status.Idle,
		status.CheckingForUpdate,
		status.UpdateAvailable,
		status.ReportingErrorEvent,
		status.Idle,
	})
	ev := e.transport.events()[0]
	assert.Equal(t, ev.Result, updatecheck.EventResultUpdateDeferred)
	assert.Equal(t, ev.ErrorCode, errorcode.UpdateDeferredPerPolicy)
	assert.Equal(t, e.u.Status().NewVersion, "1.1.0")
	assert.Equal(t, e.bc.ActiveSlot(), bootcontrol.Slot(0))
	// The deferred plan does not outlive the attempt.
	assert.Check(t, e.u.plan == nil)
}

func TestUpdateDeferredPlanNotReported(t *testing.T) {
	e := newEnv(t, withPolicy(func(log logging.Logger) policy.Policy {
		return deferringPolicy{policy.NewDefaultPolicy(log)}
	}))
	e.offerUpdate([]byte("payload"))
	offer := e.transport.fn
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		resp, code, err := offer(req)
		resp.Powerwash = true
		return resp, code, err
	}

	e.u.Update("", "", interactive())
	e.settle(func() bool { return len(e.transport.events()) == 1 && e.statusIs(status.Idle)() })

	var offered bool
	for _, st := range e.statuses {
		switch st.Status {
		case status.UpdateAvailable:
			offered = offered || st.WillPowerwash
		case status.Idle:
			assert.Check(t, !st.WillPowerwash)
		}
	}
	assert.Check(t, offered)
	s := e.u.Status()
	assert.Check(t, !s.WillPowerwash)
	assert.Check(t, !s.IsRollback)
}

func TestFailedErrorEventNotCountedAsDeltaFailure(t *testing.T) {
	e := newEnv(t)
	unreachable := errors.New("connection refused")
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		return nil, 0, unreachable
	}
	e.transport.eventErr = unreachable
	assert.NilError(t, e.prefs.SetInt64(prefs.KeyUpdateStateNextDataOffset, 42))

	e.u.Update("", "", interactive())
	e.settle(func() bool { return len(e.transport.events()) == 1 && e.statusIs(status.Idle)() })

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{
		status.Idle,
		status.CheckingForUpdate,
		status.ReportingErrorEvent,
		status.Idle,
	})
	assert.Check(t, !e.prefs.Exists(prefs.KeyDeltaUpdateFailures))
	assert.Check(t, e.prefs.Exists(prefs.KeyUpdateStateNextDataOffset))
	assert.Check(t, e.u.errorEvent == nil)
}

func TestUpdateOnlyFromIdle(t *testing.T) {
	e := newEnv(t)
	e.u.Update("", "", interactive())
	queued := e.u.processor.Len()
	assert.Equal(t, queued, 9)

	e.u.Update("", "", interactive())
	assert.Equal(t, e.u.processor.Len(), queued)
	assert.Equal(t, e.u.status, status.CheckingForUpdate)

	for _, s := range []status.UpdateStatus{status.Downloading, status.ReportingErrorEvent, status.AttemptingRollback} {
		e.u.status = s
		e.u.Update("", "", interactive())
		assert.Equal(t, e.u.processor.Len(), queued)
		assert.Equal(t, e.u.status, s)
	}
}

func TestUpdatePingsWhileWaitingForReboot(t *testing.T) {
	e := newEnv(t)
	e.u.status = status.UpdatedNeedReboot

	e.u.Update("", "", interactive())
	assert.Check(t, !e.u.processor.IsRunning())
	assert.Equal(t, e.u.processor.Len(), 0)
	e.settle(func() bool { return len(e.transport.requests()) == 1 })
	e.loop.RunUntilIdle()

	req := e.transport.requests()[0]
	assert.Check(t, req.Ping)
	assert.Check(t, !req.UpdateCheck)
	assert.Equal(t, e.u.status, status.UpdatedNeedReboot)
	// The ping counts as a check for scheduling.
	assert.Check(t, value(t, e.um.State().Updater.LastCheckedTime).Equal(testEpoch))
}

func TestUpdateParams(t *testing.T) {
	e := newEnv(t, withPrefs(func(p *prefs.Memory, hw *hardware.Fake) {
		assert.NilError(t, p.SetInt64(prefs.KeyDeltaUpdateFailures, MaxDeltaUpdateFailures))
		assert.NilError(t, p.SetString(prefs.KeyPreviousVersion, "0.9.0"))
		hw.OfficialBuild = false
	}))
	e.u.Update("1.0.0-forced", "https://test.example/check", policy.UpdateCheckParams{
		UpdatesEnabled:      true,
		TargetChannel:       "beta",
		TargetVersionPrefix: "1.1",
	})
	e.settle(e.statusIs(status.Idle))

	req := e.transport.requests()[0]
	assert.Check(t, !req.DeltaOK)
	assert.Equal(t, req.Version, "1.0.0-forced")
	assert.Equal(t, req.PreviousVersion, "0.9.0")
	assert.Equal(t, req.Channel, "beta")
	assert.Equal(t, req.TargetVersionPrefix, "1.1")
	assert.Equal(t, e.u.params.ServerURL, "https://test.example/check")
}

func TestUpdateIgnoresCustomURLOnOfficialBuild(t *testing.T) {
	e := newEnv(t)
	e.u.Update("", "https://test.example/check", interactive())
	assert.Equal(t, e.u.params.ServerURL, testServerURL)
	assert.Equal(t, e.u.params.Channel, "stable")
	assert.Check(t, e.u.params.DeltaOK)
}

func TestScheduleUpdates(t *testing.T) {
	e := newEnv(t)
	assert.Check(t, e.u.ScheduleUpdates())
	assert.Check(t, !e.u.ScheduleUpdates())
	assert.Check(t, e.u.IsUpdateRunningOrScheduled())

	e.settle(func() bool { return e.transport.checks() == 1 && e.u.status == status.Idle })
	// The next check waits for the policy's interval.
	assert.Check(t, e.u.IsUpdateRunningOrScheduled())
	e.loop.Advance(policy.DefaultCheckInterval / 2)
	assert.Equal(t, e.transport.checks(), 1)

	e.loop.Advance(policy.DefaultCheckInterval)
	e.settle(func() bool { return e.transport.checks() == 2 && e.u.status == status.Idle })
}

func TestScheduleUpdatesDisabled(t *testing.T) {
	e := newEnv(t, withSlots(1), withPolicy(func(log logging.Logger) policy.Policy {
		return policy.NewStandardPolicy(log)
	}))
	assert.Check(t, e.u.ScheduleUpdates())
	e.loop.RunUntilIdle()

	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{status.Idle, status.Disabled, status.Idle})
	assert.Check(t, !e.u.IsUpdateRunningOrScheduled())
	assert.Equal(t, len(e.transport.requests()), 0)
}

func TestCheckForUpdate(t *testing.T) {
	e := newEnv(t)
	e.u.status = status.Downloading
	assert.Check(t, !e.u.CheckForUpdate("", "", true))
	// Non-interactive requests are only recorded.
	assert.Check(t, e.u.CheckForUpdate("", "", false))
	assert.Equal(t, value(t, e.um.State().Updater.ForcedUpdateRequested), policy.ForcedUpdatePeriodic)

	e = newEnv(t)
	assert.Check(t, e.u.CheckForUpdate("", "", true))
	assert.Equal(t, value(t, e.um.State().Updater.ForcedUpdateRequested), policy.ForcedUpdateInteractive)
	e.loop.RunUntilIdle()
	assert.Equal(t, value(t, e.um.State().Updater.ForcedUpdateRequested), policy.ForcedUpdateNone)
	e.settle(func() bool { return e.transport.checks() == 1 && e.u.status == status.Idle })
}

func TestGetRollbackSlot(t *testing.T) {
	for _, tc := range []struct {
		name       string
		slots      int
		current    bootcontrol.Slot
		unbootable []bootcontrol.Slot
		expected   bootcontrol.Slot
	}{
		{name: "other slot", slots: 2, current: 0, expected: 1},
		{name: "from second slot", slots: 2, current: 1, expected: 0},
		{name: "single slot", slots: 1, current: 0, expected: bootcontrol.InvalidSlot},
		{name: "invalid current", slots: 2, current: bootcontrol.InvalidSlot, expected: bootcontrol.InvalidSlot},
		{name: "other unbootable", slots: 2, current: 0, unbootable: []bootcontrol.Slot{1}, expected: bootcontrol.InvalidSlot},
		{name: "skips unbootable", slots: 3, current: 0, unbootable: []bootcontrol.Slot{1}, expected: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.bc = bootcontrol.NewStub(tc.slots, tc.current)
			for _, s := range tc.unbootable {
				assert.NilError(t, e.bc.MarkSlotUnbootable(s))
			}
			e.u.deps.BootControl = e.bc
			assert.Equal(t, e.u.GetRollbackSlot(), tc.expected)
			assert.Equal(t, e.u.CanRollback(), tc.expected.Valid())
		})
	}
}

func TestRollback(t *testing.T) {
	e := newEnv(t)
	assert.Check(t, e.u.Rollback(true))
	assert.Equal(t, e.u.status, status.AttemptingRollback)
	assert.Check(t, !e.u.CanRollback())
	assert.Check(t, !e.u.Rollback(false))

	e.settle(e.statusIs(status.UpdatedNeedReboot))
	assert.DeepEqual(t, e.transitions(), []status.UpdateStatus{
		status.Idle,
		status.AttemptingRollback,
		status.UpdatedNeedReboot,
	})
	assert.Equal(t, e.bc.ActiveSlot(), bootcontrol.Slot(1))
	assert.Check(t, e.hw.PowerwashScheduled)
	assert.Check(t, e.u.deps.PayloadState.RollbackHappened())
	s := e.u.Status()
	assert.Check(t, s.IsRollback)
	assert.Check(t, s.WillPowerwash)
	assert.Equal(t, e.transport.checks(), 0)
}

func TestRollbackRefusedWhileBusy(t *testing.T) {
	e := newEnv(t)
	e.u.status = status.CheckingForUpdate
	assert.Check(t, !e.u.Rollback(false))
	assert.Equal(t, e.u.processor.Len(), 0)
}

func TestErrorEventIsCreatedOnce(t *testing.T) {
	e := newEnv(t)
	verifier := &typed{typ: action.TypeFilesystemVerifier}

	e.u.createPendingErrorEvent(verifier, errorcode.Error)
	assert.Equal(t, e.u.errorEvent.ErrorCode, errorcode.FilesystemVerifierError)
	assert.Equal(t, e.u.errorEvent.Result, updatecheck.EventResultError)

	e.u.createPendingErrorEvent(verifier, errorcode.PayloadHashMismatch)
	assert.Equal(t, e.u.errorEvent.ErrorCode, errorcode.FilesystemVerifierError)

	e.u.errorEvent = nil
	e.u.status = status.ReportingErrorEvent
	e.u.createPendingErrorEvent(verifier, errorcode.PayloadHashMismatch)
	assert.Check(t, e.u.errorEvent == nil)
}

func TestErrorForAction(t *testing.T) {
	for typ, expected := range map[action.Type]errorcode.Code{
		action.TypeUpdateCheck:        errorcode.UpdateCheckError,
		action.TypeResponseHandler:    errorcode.ResponseHandlerError,
		action.TypeFilesystemVerifier: errorcode.FilesystemVerifierError,
		action.TypePostinstallRunner:  errorcode.PostinstallRunnerError,
		action.TypeDownload:           errorcode.Error,
	} {
		assert.Equal(t, errorForAction(&typed{typ: typ}, errorcode.Error), expected, typ.String())
	}
	assert.Equal(t, errorForAction(&typed{typ: action.TypeDownload}, errorcode.PayloadHashMismatch), errorcode.PayloadHashMismatch)
}

func TestErrorEventFlags(t *testing.T) {
	e := newEnv(t, withPrefs(func(p *prefs.Memory, hw *hardware.Fake) {
		hw.NormalBootMode = false
		hw.OfficialBuild = false
	}))
	e.u.plan = &payload.InstallPlan{IsResume: true}
	e.u.params.ServerURL = "https://test.example/check"

	e.u.createPendingErrorEvent(&typed{typ: action.TypeDownload}, errorcode.PayloadSizeMismatch)
	code := e.u.errorEvent.ErrorCode
	assert.Equal(t, code.Base(), errorcode.PayloadSizeMismatch)
	assert.Equal(t, code.Flags(), errorcode.DevModeFlag|errorcode.ResumedFlag|errorcode.TestImageFlag|errorcode.TestURLFlag)
}

func TestFailedTransferReportNotCountedAsDeltaFailure(t *testing.T) {
	e := newEnv(t)
	unreachable := errors.New("connection refused")
	e.transport.fn = func(req *updatecheck.Request) (*updatecheck.Response, int, error) {
		return nil, 0, unreachable
	}
	e.transport.eventErr = unreachable
	e.u.status = status.Downloading

	e.u.ActionCompleted(e.u.processor, &typed{typ: action.TypeDownload}, errorcode.DownloadTransferError)
	e.u.ProcessingDone(e.u.processor, errorcode.DownloadTransferError)
	e.settle(func() bool { return len(e.transport.events()) >= 1 && e.statusIs(status.Idle)() })

	// Every later check fails and its report fails too, none of it counts.
	assert.Check(t, !e.prefs.Exists(prefs.KeyDeltaUpdateFailures))
}

func TestDeltaFailuresCountedByStatus(t *testing.T) {
	for _, tc := range []struct {
		status   status.UpdateStatus
		code     errorcode.Code
		expected int64
	}{
		{status.Idle, errorcode.Error, 0},
		{status.CheckingForUpdate, errorcode.Error, 0},
		{status.UpdateAvailable, errorcode.PayloadHashMismatch, 0},
		{status.NeedPermissionToUpdate, errorcode.Error, 0},
		{status.Downloading, errorcode.PayloadHashMismatch, 1},
		{status.Downloading, errorcode.DownloadTransferError, 0},
		{status.Verifying, errorcode.FilesystemVerifierError, 1},
		{status.Finalizing, errorcode.PostinstallRunnerError, 1},
		{status.ReportingErrorEvent, errorcode.EventSendError, 0},
		{status.ReportingErrorEvent, errorcode.PayloadHashMismatch, 0},
	} {
		t.Run(tc.status.String()+"/"+tc.code.String(), func(t *testing.T) {
			e := newEnv(t)
			assert.NilError(t, e.prefs.SetInt64(prefs.KeyUpdateStateNextDataOffset, 42))
			e.u.status = tc.status
			e.u.ActionCompleted(e.u.processor, &typed{typ: action.TypeDownload}, tc.code)
			assert.Equal(t, prefs.Int64Or(e.prefs, prefs.KeyDeltaUpdateFailures, 0), tc.expected)
			// A failed delta is not resumed.
			assert.Equal(t, e.prefs.Exists(prefs.KeyUpdateStateNextDataOffset), tc.expected == 0)
		})
	}
}

func TestBytesReceivedThrottlesProgress(t *testing.T) {
	e := newEnv(t)
	e.u.status = status.UpdateAvailable
	const total = 100000
	broadcasts := func() int { return len(e.statuses) }

	e.u.BytesReceived(100, 100, total)
	assert.Equal(t, e.u.status, status.Downloading)
	n := broadcasts()

	e.u.BytesReceived(100, 200, total)
	assert.Equal(t, broadcasts(), n)

	e.u.BytesReceived(2000, 2200, total)
	assert.Equal(t, broadcasts(), n+1)
	assert.Equal(t, e.u.Status().Progress, 0.022)

	e.u.BytesReceived(10, 2210, total)
	assert.Equal(t, broadcasts(), n+1)
	e.clock.Advance(broadcastThresholdSeconds)
	e.u.BytesReceived(10, 2220, total)
	assert.Equal(t, broadcasts(), n+2)

	e.u.BytesReceived(total-2220, total, total)
	assert.Equal(t, broadcasts(), n+3)
	assert.Equal(t, e.u.Status().Progress, 1.0)
	assert.Equal(t, e.u.deps.PayloadState.BytesDownloaded(), int64(total))
}

func TestShouldCancelOnChannelChange(t *testing.T) {
	e := newEnv(t)
	e.u.Update("", "", interactive())
	_, cancel := e.u.ShouldCancel()
	assert.Check(t, !cancel)

	e.um.State().Device.TargetChannel.SetValue("stable")
	_, cancel = e.u.ShouldCancel()
	assert.Check(t, !cancel)

	e.um.State().Device.TargetChannel.SetValue("beta")
	code, cancel := e.u.ShouldCancel()
	assert.Check(t, cancel)
	assert.Equal(t, code, errorcode.UpdateCanceledByChannelChange)
}

func TestBootedFromFirmwareBRequestsReboot(t *testing.T) {
	e := newEnv(t)
	e.u.status = status.Finalizing
	post := &typed{typ: action.TypePostinstallRunner}

	e.u.ActionCompleted(e.u.processor, post, errorcode.PostinstallBootedFromFirmwareB)
	assert.Check(t, e.u.fakeUpdateSuccess)
	e.u.ProcessingDone(e.u.processor, errorcode.PostinstallBootedFromFirmwareB)
	assert.Equal(t, e.u.status, status.ReportingErrorEvent)

	e.settle(e.statusIs(status.UpdatedNeedReboot))
	ev := e.transport.events()[0]
	assert.Equal(t, ev.ErrorCode, errorcode.PostinstallBootedFromFirmwareB)
	assert.Equal(t, prefs.StringOr(e.prefs, prefs.KeyUpdateCompletedOnBootID, ""), e.hw.ID)
}

func TestInitRestoresAppliedUpdate(t *testing.T) {
	e := newEnv(t, withPrefs(func(p *prefs.Memory, hw *hardware.Fake) {
		assert.NilError(t, p.SetString(prefs.KeyUpdateCompletedOnBootID, hw.ID))
		assert.NilError(t, p.SetInt64(prefs.KeyUpdateCompletedBootTime, testEpoch.Add(-time.Hour).Unix()))
		assert.NilError(t, p.SetInt64(prefs.KeyLastCheckedTime, testEpoch.Add(-2*time.Hour).Unix()))
		assert.NilError(t, p.SetInt64(prefs.KeyConsecutiveFailedChecks, 2))
	}))
	assert.Equal(t, e.u.status, status.UpdatedNeedReboot)
	updater := e.um.State().Updater
	assert.Check(t, value(t, updater.UpdateCompletedTime).Equal(testEpoch.Add(-time.Hour)))
	assert.Check(t, value(t, updater.LastCheckedTime).Equal(testEpoch.Add(-2*time.Hour)))
	assert.Equal(t, value(t, updater.ConsecutiveFailedUpdateChecks), 2)

	// After a reboot the marker belongs to another boot.
	e = newEnv(t, withPrefs(func(p *prefs.Memory, hw *hardware.Fake) {
		assert.NilError(t, p.SetString(prefs.KeyUpdateCompletedOnBootID, "previous-boot"))
	}))
	assert.Equal(t, e.u.status, status.Idle)
}

func TestUpdateEngineStartedReportsReboot(t *testing.T) {
	e := newEnv(t, withPrefs(func(p *prefs.Memory, hw *hardware.Fake) {
		assert.NilError(t, p.SetString(prefs.KeyUpdateCompletedOnBootID, "previous-boot"))
		assert.NilError(t, p.SetInt64(prefs.KeySystemUpdatedMarker, testEpoch.Unix()))
		assert.NilError(t, p.SetString(prefs.KeyPreviousVersion, "0.9.0"))
	}))
	e.u.UpdateEngineStarted()
	e.settle(func() bool { return len(e.transport.events()) == 1 })

	ev := e.transport.events()[0]
	assert.Equal(t, ev.Type, updatecheck.EventRebootedAfterUpdate)
	assert.Equal(t, ev.Result, updatecheck.EventResultSuccessReboot)
	assert.Check(t, !e.prefs.Exists(prefs.KeySystemUpdatedMarker))

	// Nothing to report the second time.
	e.u.UpdateEngineStarted()
	e.loop.RunUntilIdle()
	assert.Equal(t, len(e.transport.requests()), 1)
}

func TestResetStatus(t *testing.T) {
	e := newEnv(t)
	assert.NilError(t, e.u.ResetStatus())

	e.u.status = status.Downloading
	assert.ErrorContains(t, e.u.ResetStatus(), "not allowed")

	e.u.status = status.UpdatedNeedReboot
	assert.NilError(t, e.bc.SetActiveBootSlot(1))
	assert.NilError(t, e.prefs.SetString(prefs.KeyUpdateCompletedOnBootID, e.hw.ID))
	assert.NilError(t, e.prefs.SetString(prefs.KeyPreviousVersion, "1.0.0"))

	assert.NilError(t, e.u.ResetStatus())
	assert.Equal(t, e.u.status, status.Idle)
	assert.Equal(t, e.bc.ActiveSlot(), bootcontrol.Slot(0))
	assert.Check(t, e.bc.BootSuccessful())
	assert.Check(t, !e.prefs.Exists(prefs.KeyUpdateCompletedOnBootID))
	assert.Equal(t, prefs.StringOr(e.prefs, prefs.KeyPreviousVersion, "unset"), "")
}

func TestRebootIfNeeded(t *testing.T) {
	e := newEnv(t)
	assert.Check(t, !e.u.RebootIfNeeded())

	e.u.status = status.UpdatedNeedReboot
	assert.Check(t, e.u.RebootIfNeeded())
	select {
	case <-e.rebooter.called:
	case <-time.After(5 * time.Second):
		t.Fatal("reboot was not requested")
	}
}

func TestSetUpdateOverCellularPermission(t *testing.T) {
	e := newEnv(t)
	assert.NilError(t, e.u.SetUpdateOverCellularPermission(true))
	assert.Check(t, value(t, e.um.State().Updater.CellularEnabled))
	allowed, err := e.prefs.GetBoolean(prefs.KeyUpdateOverCellularPermission)
	assert.NilError(t, err)
	assert.Check(t, allowed)
}

func TestStopCancelsSchedule(t *testing.T) {
	e := newEnv(t)
	assert.Check(t, e.u.ScheduleUpdates())
	e.u.Stop()
	assert.Equal(t, e.um.PendingRequests(), 0)
	assert.Check(t, !e.u.ScheduleUpdates())
	e.loop.RunUntilIdle()
	assert.Equal(t, len(e.transport.requests()), 0)
}
