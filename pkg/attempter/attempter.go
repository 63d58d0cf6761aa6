// Package attempter drives update attempts: it asks the policy when to check,
// assembles the actions of an attempt and follows them to completion.
package attempter

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/download"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hardware"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/p2p"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payloadstate"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/postinstall"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/updatecheck"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/verify"
	"github.com/sirupsen/logrus"
)

const (
	// MaxDeltaUpdateFailures is the number of failed delta attempts after
	// which only full payloads are requested.
	MaxDeltaUpdateFailures = 3

	// broadcastThresholdProgress and broadcastThresholdSeconds throttle
	// progress notifications.
	broadcastThresholdProgress = 0.01
	broadcastThresholdSeconds  = 10 * time.Second

	// rescheduleDelay spaces out update check requests the policy failed to
	// answer.
	rescheduleDelay = time.Minute

	httpInternalServerError   = 500
	httpServiceUnavailable    = 503
	rebootRequestTimeout      = 10 * time.Minute
	rebootedAfterUpdateMarker = prefs.KeySystemUpdatedMarker
)

// Rebooter restarts the host.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Config is the static description of the host and its update server.
type Config struct {
	ServerURL  string
	AppID      string
	AppVersion string
	Board      string
	MachineID  string
	// Channel is requested when the policy names no target channel.
	Channel string
	// StagingDir receives payloads that are not written to a partition.
	StagingDir  string
	Postinstall postinstall.Config
}

// Deps are the collaborators of an UpdateAttempter.
type Deps struct {
	Loop         loop.Loop
	Clock        clock.Clock
	Prefs        prefs.Prefs
	Manager      *policy.UpdateManager
	PayloadState *payloadstate.State
	BootControl  bootcontrol.BootControl
	Hardware     hardware.Hardware
	Transport    updatecheck.Transport
	NewFetcher   func() download.Fetcher
	// NewWriter defaults to a download.FileWriter.
	NewWriter func() download.Writer
	Runner    *hostexec.Runner
	// P2P and Rebooter may be nil.
	P2P      p2p.Manager
	Rebooter Rebooter
}

// UpdateAttempter is the state machine of update attempts. All of its methods
// must be called on the loop.
type UpdateAttempter struct {
	log  logging.Logger
	deps Deps
	cfg  Config

	processor   *action.Processor
	broadcaster *status.Broadcaster

	status           status.UpdateStatus
	params           updatecheck.Params
	plan             *payload.InstallPlan
	httpResponseCode int
	errorEvent       *updatecheck.Event
	attemptErrorCode errorcode.Code
	// fakeUpdateSuccess turns the error event of a postinstall that booted
	// from firmware B into a request for reboot.
	fakeUpdateSuccess bool

	downloadProgress float64
	lastNotify       time.Time
	newVersion       string
	newPayloadSize   int64
	lastCheckedTime  time.Time

	consecutiveFailedChecks int
	serverPollInterval      time.Duration

	forcedAppVersion string
	forcedServerURL  string

	// actions of the current attempt read back on completion
	handler  *updatecheck.ResponseHandlerAction
	download *download.DownloadAction

	scheduled  *policy.AsyncRequest
	reschedule loop.TaskID
	stopped    bool
}

var (
	_ action.Delegate   = (*UpdateAttempter)(nil)
	_ download.Delegate = (*UpdateAttempter)(nil)
)

// New creates an UpdateAttempter. Call Init before anything else.
func New(log logging.Logger, deps Deps, cfg Config) *UpdateAttempter {
	if deps.NewWriter == nil {
		deps.NewWriter = func() download.Writer { return &download.FileWriter{} }
	}
	u := &UpdateAttempter{
		log:         log,
		deps:        deps,
		cfg:         cfg,
		processor:   action.NewProcessor(logging.SubLogger(log, "processor")),
		broadcaster: &status.Broadcaster{},
		reschedule:  loop.NoTask,
	}
	u.processor.SetDelegate(u)
	return u
}

// Init restores what survives a restart of the daemon: the bookkeeping
// variables read by the policy and, within the boot that applied it, a
// completed update awaiting reboot.
func (u *UpdateAttempter) Init() {
	p := u.deps.Prefs
	updater := u.deps.Manager.State().Updater

	if ts := prefs.Int64Or(p, prefs.KeyLastCheckedTime, 0); ts > 0 {
		u.lastCheckedTime = time.Unix(ts, 0)
		updater.LastCheckedTime.SetValue(u.lastCheckedTime)
	}
	u.consecutiveFailedChecks = int(prefs.Int64Or(p, prefs.KeyConsecutiveFailedChecks, 0))
	updater.ConsecutiveFailedUpdateChecks.SetValue(u.consecutiveFailedChecks)
	if allowed, err := p.GetBoolean(prefs.KeyUpdateOverCellularPermission); err == nil {
		updater.CellularEnabled.SetValue(allowed)
	}

	if u.updateCompletedOnThisBoot() {
		if ts := prefs.Int64Or(p, prefs.KeyUpdateCompletedBootTime, 0); ts > 0 {
			updater.UpdateCompletedTime.SetValue(time.Unix(ts, 0))
		}
		u.log.Info("update applied during this boot, waiting for reboot")
		u.setStatusAndNotify(status.UpdatedNeedReboot)
		return
	}
	u.setStatusAndNotify(status.Idle)
}

// UpdateEngineStarted reports the outcome of an update once the host
// rebooted after applying it.
func (u *UpdateAttempter) UpdateEngineStarted() {
	p := u.deps.Prefs
	if !p.Exists(rebootedAfterUpdateMarker) || u.updateCompletedOnThisBoot() {
		return
	}
	previous := prefs.StringOr(p, prefs.KeyPreviousVersion, "")
	event := &updatecheck.Event{Type: updatecheck.EventRebootedAfterUpdate, Result: updatecheck.EventResultSuccessReboot}
	log := u.log.WithFields(logrus.Fields{"previous": previous, "current": u.cfg.AppVersion})
	if previous != "" && previous == u.cfg.AppVersion {
		log.Warn("rebooted after an update but still running the previous version")
		event.Result = updatecheck.EventResultError
	} else {
		log.Info("rebooted into the updated version")
	}
	if err := p.Delete(rebootedAfterUpdateMarker); err != nil {
		u.log.WithError(err).Warn("unable to remove updated marker")
	}
	u.sendPing(event)
}

// AddObserver registers o for status updates. The returned function
// unregisters it.
func (u *UpdateAttempter) AddObserver(o status.Observer) func() {
	return u.broadcaster.Add(o)
}

// Status returns a snapshot of the attempter.
func (u *UpdateAttempter) Status() status.Status {
	s := status.Status{
		Status:          u.status,
		Progress:        u.downloadProgress,
		CurrentVersion:  u.cfg.AppVersion,
		NewVersion:      u.newVersion,
		NewSize:         u.newPayloadSize,
		LastCheckedTime: u.lastCheckedTime,
	}
	if u.plan != nil {
		s.WillPowerwash = u.plan.PowerwashRequired
		s.IsRollback = u.plan.IsRollback
	}
	return s
}

// AttemptErrorCode is the base code of the last finished attempt.
func (u *UpdateAttempter) AttemptErrorCode() errorcode.Code {
	return u.attemptErrorCode
}

func (u *UpdateAttempter) setStatusAndNotify(s status.UpdateStatus) {
	if s != u.status {
		u.log.WithFields(logrus.Fields{"from": u.status, "status": s}).Info("status changed")
	}
	u.status = s
	u.broadcastStatus()
}

func (u *UpdateAttempter) broadcastStatus() {
	u.broadcaster.SendStatusUpdate(u.Status())
	u.lastNotify = u.deps.Clock.Monotonic()
}

// IsUpdateRunningOrScheduled reports whether an attempt is under way or an
// update check is waiting for the policy.
func (u *UpdateAttempter) IsUpdateRunningOrScheduled() bool {
	return (u.status != status.Idle && u.status != status.UpdatedNeedReboot) ||
		u.scheduled != nil || u.reschedule != loop.NoTask
}

// ScheduleUpdates asks the policy when the next update check may run.
func (u *UpdateAttempter) ScheduleUpdates() bool {
	if u.stopped || u.IsUpdateRunningOrScheduled() {
		return false
	}
	u.log.Debug("scheduling update check")
	u.scheduled = policy.AsyncPolicyRequest[policy.UpdateCheckParams](u.deps.Manager, policy.UpdateCheckAllowed{}, u.onUpdateScheduled)
	return true
}

func (u *UpdateAttempter) onUpdateScheduled(st policy.EvalStatus, params policy.UpdateCheckParams) {
	u.scheduled = nil
	switch st {
	case policy.Succeeded:
		if !params.UpdatesEnabled {
			u.log.Warn("updates permanently disabled")
			u.setStatusAndNotify(status.Disabled)
			u.setStatusAndNotify(status.Idle)
			return
		}
		u.log.WithFields(logrus.Fields{
			"interactive": params.Interactive,
			"channel":     params.TargetChannel,
		}).Info("running update check")
		u.Update(u.forcedAppVersion, u.forcedServerURL, params)
		u.forcedAppVersion, u.forcedServerURL = "", ""
		u.deps.Manager.State().Updater.ForcedUpdateRequested.SetValue(policy.ForcedUpdateNone)
	default:
		u.log.WithField("result", st).Error("update check policy failed, rescheduling")
		u.reschedule = u.deps.Loop.PostDelayed(rescheduleDelay, func() {
			u.reschedule = loop.NoTask
			u.ScheduleUpdates()
		})
		return
	}
	if !u.IsUpdateRunningOrScheduled() {
		u.ScheduleUpdates()
	}
}

// CheckForUpdate requests an update check outside of the schedule. An
// interactive request is refused while an attempt is under way.
func (u *UpdateAttempter) CheckForUpdate(appVersion, serverURL string, interactive bool) bool {
	if interactive && u.status != status.Idle {
		u.log.WithField("status", u.status).Info("refusing interactive update check while busy")
		return false
	}
	u.forcedAppVersion, u.forcedServerURL = appVersion, serverURL
	req := policy.ForcedUpdatePeriodic
	if interactive {
		req = policy.ForcedUpdateInteractive
	}
	u.log.WithField("request", req).Info("forced update check requested")
	if u.reschedule != loop.NoTask {
		u.deps.Loop.Cancel(u.reschedule)
		u.reschedule = loop.NoTask
	}
	// A waiting request is evaluated again as the variable changes.
	u.deps.Manager.State().Updater.ForcedUpdateRequested.SetValue(req)
	u.ScheduleUpdates()
	return true
}

// SetUpdateOverCellularPermission records the user's consent to download
// updates over cellular connections.
func (u *UpdateAttempter) SetUpdateOverCellularPermission(allowed bool) error {
	if err := u.deps.Prefs.SetBoolean(prefs.KeyUpdateOverCellularPermission, allowed); err != nil {
		return err
	}
	u.deps.Manager.State().Updater.CellularEnabled.SetValue(allowed)
	return nil
}

// Update starts an attempt with params approved by the policy. While an
// applied update awaits reboot, the server is only pinged.
func (u *UpdateAttempter) Update(appVersion, serverURL string, params policy.UpdateCheckParams) {
	if u.status == status.UpdatedNeedReboot {
		u.log.Info("update already applied, pinging server")
		u.sendPing(nil)
		u.updateLastCheckedTime()
		return
	}
	if u.status != status.Idle || u.processor.IsRunning() {
		u.log.WithField("status", u.status).Info("update attempt already in progress")
		return
	}
	u.resetAttempt()
	peers := u.calculateUpdateParams(appVersion, serverURL, params)
	u.buildUpdateActions(params.Interactive, peers)
	u.setStatusAndNotify(status.CheckingForUpdate)
	u.updateLastCheckedTime()
	u.scheduleProcessingStart()
}

func (u *UpdateAttempter) resetAttempt() {
	u.plan = nil
	u.newVersion, u.newPayloadSize = "", 0
	u.httpResponseCode = 0
	u.errorEvent = nil
	u.fakeUpdateSuccess = false
	u.downloadProgress = 0
	u.handler, u.download = nil, nil
}

// calculateUpdateParams fills the request parameters of the attempt and
// returns the P2P manager when it may be used for it.
func (u *UpdateAttempter) calculateUpdateParams(appVersion, serverURL string, params policy.UpdateCheckParams) p2p.Manager {
	if appVersion == "" {
		appVersion = u.cfg.AppVersion
	}
	url := u.cfg.ServerURL
	if serverURL != "" {
		if u.deps.Hardware.IsOfficialBuild() {
			u.log.WithField("url", serverURL).Warn("ignoring custom server url on an official build")
		} else {
			url = serverURL
		}
	}
	channel := params.TargetChannel
	if channel == "" {
		channel = u.cfg.Channel
	}
	u.params = updatecheck.Params{
		ServerURL:           url,
		AppID:               u.cfg.AppID,
		AppVersion:          appVersion,
		PreviousVersion:     prefs.StringOr(u.deps.Prefs, prefs.KeyPreviousVersion, ""),
		Board:               u.cfg.Board,
		MachineID:           u.cfg.MachineID,
		Channel:             channel,
		TargetVersionPrefix: params.TargetVersionPrefix,
		RollbackAllowed:     params.RollbackAllowed,
		Interactive:         params.Interactive,
		DeltaOK:             !u.deltaUpdatesDisabled(),
	}
	return u.startP2P()
}

func (u *UpdateAttempter) startP2P() p2p.Manager {
	m := u.deps.P2P
	if m == nil || !m.IsP2PEnabled() {
		return nil
	}
	if err := m.EnsureP2PRunning(); err != nil {
		u.log.WithError(err).Error("unable to start p2p, not using it for this attempt")
		return nil
	}
	if err := m.PerformHousekeeping(); err != nil {
		u.log.WithError(err).Warn("unable to clean up shared files")
	}
	return m
}

func (u *UpdateAttempter) deltaUpdatesDisabled() bool {
	failures := prefs.Int64Or(u.deps.Prefs, prefs.KeyDeltaUpdateFailures, 0)
	if failures >= MaxDeltaUpdateFailures {
		u.log.WithField("failures", failures).Warn("too many delta update failures, requesting full payloads")
		return true
	}
	return false
}

func (u *UpdateAttempter) markDeltaUpdateFailure() {
	u.resetUpdateProgress()
	failures := prefs.Int64Or(u.deps.Prefs, prefs.KeyDeltaUpdateFailures, 0)
	if failures < 0 {
		failures = 0
	}
	if err := u.deps.Prefs.SetInt64(prefs.KeyDeltaUpdateFailures, failures+1); err != nil {
		u.log.WithError(err).Error("unable to record delta update failure")
	}
}

// resetUpdateProgress drops the resume point of an interrupted download.
func (u *UpdateAttempter) resetUpdateProgress() {
	if err := u.deps.Prefs.Delete(prefs.KeyUpdateStateNextDataOffset); err != nil && !prefs.IsNotFound(err) {
		u.log.WithError(err).Warn("unable to reset update progress")
	}
}

func (u *UpdateAttempter) buildUpdateActions(interactive bool, peers p2p.Manager) {
	d := u.deps
	sub := func(name string) logging.Logger { return logging.SubLogger(u.log, name) }

	deps := updatecheck.HandlerDeps{
		Loop:         d.Loop,
		Manager:      d.Manager,
		PayloadState: d.PayloadState,
		BootControl:  d.BootControl,
		Hardware:     d.Hardware,
		Prefs:        d.Prefs,
		StagingDir:   u.cfg.StagingDir,
	}
	var sharer download.Sharer
	if peers != nil {
		deps.Peers = peers
		sharer = peers
	}

	check := updatecheck.NewCheckAction(sub("check"), d.Loop, d.Transport, u.params)
	handler := updatecheck.NewResponseHandlerAction(sub("response-handler"), deps, interactive)
	flags := bootcontrol.NewUpdateBootFlagsAction(sub("boot-flags"), d.BootControl, d.Loop)
	started := updatecheck.NewPingAction(sub("event"), d.Loop, d.Transport, u.params,
		&updatecheck.Event{Type: updatecheck.EventUpdateDownloadStarted, Result: updatecheck.EventResultSuccess})
	dl := download.NewDownloadAction(sub("download"), d.Prefs, d.NewFetcher, d.NewWriter(), sharer)
	dl.SetDelegate(u)
	finished := updatecheck.NewPingAction(sub("event"), d.Loop, d.Transport, u.params,
		&updatecheck.Event{Type: updatecheck.EventUpdateDownloadFinished, Result: updatecheck.EventResultSuccess})
	verifier := verify.NewFilesystemVerifierAction(sub("verify"), d.Loop)
	verifier.SetProgress(u.progressUpdate)
	post := postinstall.NewPostinstallRunnerAction(sub("postinstall"), d.Loop, d.Runner, d.BootControl, d.Hardware, u.cfg.Postinstall)
	post.SetProgress(u.progressUpdate)
	complete := updatecheck.NewPingAction(sub("event"), d.Loop, d.Transport, u.params,
		&updatecheck.Event{Type: updatecheck.EventUpdateComplete, Result: updatecheck.EventResultSuccessReboot})

	action.Bond[*updatecheck.Response](check, handler)
	action.Bond[*payload.InstallPlan](handler, dl)
	action.Bond[*payload.InstallPlan](dl, verifier)
	action.Bond[*payload.InstallPlan](verifier, post)

	u.handler, u.download = handler, dl
	for _, a := range []action.Action{check, handler, flags, started, dl, finished, verifier, post, complete} {
		u.processor.EnqueueAction(a)
	}
}

// scheduleProcessingStart starts the processor on the next turn of the loop.
func (u *UpdateAttempter) scheduleProcessingStart() {
	u.log.Debug("scheduling processor start")
	u.deps.Loop.Post(func() {
		if err := u.processor.StartProcessing(); err != nil {
			u.log.WithError(err).Error("unable to start update attempt")
		}
	})
}

// sendPing reports event, or pings, on a processor of its own so the
// attempt's state is left alone.
func (u *UpdateAttempter) sendPing(event *updatecheck.Event) {
	p := action.NewProcessor(logging.SubLogger(u.log, "ping"))
	p.EnqueueAction(updatecheck.NewPingAction(logging.SubLogger(u.log, "event"), u.deps.Loop, u.deps.Transport, u.pingParams(), event))
	if err := p.StartProcessing(); err != nil {
		u.log.WithError(err).Warn("unable to ping update server")
	}
}

func (u *UpdateAttempter) pingParams() updatecheck.Params {
	if u.params.ServerURL != "" {
		return u.params
	}
	return updatecheck.Params{
		ServerURL:       u.cfg.ServerURL,
		AppID:           u.cfg.AppID,
		AppVersion:      u.cfg.AppVersion,
		PreviousVersion: prefs.StringOr(u.deps.Prefs, prefs.KeyPreviousVersion, ""),
		Board:           u.cfg.Board,
		MachineID:       u.cfg.MachineID,
		Channel:         u.cfg.Channel,
	}
}

func (u *UpdateAttempter) updateLastCheckedTime() {
	u.lastCheckedTime = u.deps.Clock.Now()
	u.deps.Manager.State().Updater.LastCheckedTime.SetValue(u.lastCheckedTime)
	if err := u.deps.Prefs.SetInt64(prefs.KeyLastCheckedTime, u.lastCheckedTime.Unix()); err != nil {
		u.log.WithError(err).Warn("unable to persist last checked time")
	}
}

// Stop abandons the current attempt and any scheduled check.
func (u *UpdateAttempter) Stop() {
	u.stopped = true
	if u.scheduled != nil {
		u.scheduled.Cancel()
		u.scheduled = nil
	}
	if u.reschedule != loop.NoTask {
		u.deps.Loop.Cancel(u.reschedule)
		u.reschedule = loop.NoTask
	}
	u.processor.StopProcessing()
}
