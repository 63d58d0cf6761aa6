package policy

import (
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"gotest.tools/assert"
)

func (e *testEnv) checkAllowed(p Policy) (EvalStatus, UpdateCheckParams) {
	ec := e.context()
	defer ec.Close()
	var result UpdateCheckParams
	status, _ := p.UpdateCheckAllowed(ec, e.state, &result)
	return status, result
}

func (e *testEnv) canStart(p Policy, update UpdateState) (EvalStatus, UpdateDownloadParams) {
	ec := e.context()
	defer ec.Close()
	var result UpdateDownloadParams
	status, _ := p.UpdateCanStart(ec, e.state, &result, update)
	return status, result
}

func (e *testEnv) loadDevicePolicy() {
	e.state.Device.PolicyIsLoaded.SetValue(true)
}

func TestUpdateCheckNotEnoughSlots(t *testing.T) {
	env := newTestEnv(t)
	env.state = NewState(env.clock, StateOptions{OfficialBuild: true, NumSlots: 1, Seed: 1})
	status, result := env.checkAllowed(NewStandardPolicy(env.log))
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, !result.UpdatesEnabled)
}

func TestUpdateCheckInitialInterval(t *testing.T) {
	env := newTestEnv(t)
	p := NewStandardPolicy(env.log)

	status, _ := env.checkAllowed(p)
	assert.Equal(t, status, AskMeAgainLater)

	env.clock.Advance(TimeoutInitialInterval + TimeoutRegularFuzz/2 + time.Second)
	status, result := env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, result.UpdatesEnabled)
	assert.Assert(t, !result.Interactive)
}

func TestUpdateCheckPeriodicInterval(t *testing.T) {
	env := newTestEnv(t)
	p := NewStandardPolicy(env.log)
	env.clock.Advance(time.Hour)
	env.state.Updater.LastCheckedTime.SetValue(env.clock.Now())

	env.clock.Advance(TimeoutPeriodicInterval - TimeoutRegularFuzz/2 - time.Second)
	status, _ := env.checkAllowed(p)
	assert.Equal(t, status, AskMeAgainLater)

	env.clock.Advance(TimeoutRegularFuzz + 2*time.Second)
	status, _ = env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
}

func TestNextUpdateCheckTimeBackoff(t *testing.T) {
	for _, tc := range []struct {
		name     string
		failures int
		poll     time.Duration
		min, max time.Duration
	}{
		{name: "periodic", min: 40 * time.Minute, max: 50 * time.Minute},
		{name: "one failure", failures: 1, min: 45 * time.Minute, max: 135 * time.Minute},
		{name: "capped", failures: 10, min: 2 * time.Hour, max: 6 * time.Hour},
		{name: "server interval", poll: 2 * time.Hour, min: time.Hour, max: 3 * time.Hour},
		{name: "server interval short", poll: time.Minute, min: 40 * time.Minute, max: 50 * time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			last := testEpoch.Add(time.Hour)
			env.state.Updater.LastCheckedTime.SetValue(last)
			env.state.Updater.ConsecutiveFailedUpdateChecks.SetValue(tc.failures)
			env.state.Updater.ServerDictatedPollInterval.SetValue(tc.poll)

			for i := 0; i < 20; i++ {
				ec := env.context()
				next, err := NextUpdateCheckTime(ec, env.state)
				ec.Close()
				assert.NilError(t, err)
				wait := next.Sub(last)
				assert.Assert(t, wait >= tc.min && wait <= tc.max, "wait %s", wait)
			}
		})
	}
}

func TestUpdateCheckDisabledByDevicePolicy(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(time.Hour)
	env.loadDevicePolicy()
	env.state.Device.UpdateDisabled.SetValue(true)

	status, _ := env.checkAllowed(NewStandardPolicy(env.log))
	assert.Equal(t, status, AskMeAgainLater)
}

func TestUpdateCheckDevicePolicySettings(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(time.Hour)
	env.loadDevicePolicy()
	env.state.Device.TargetChannel.SetValue("beta")
	env.state.Device.TargetVersionPrefix.SetValue("1.2.")
	env.state.Device.RollbackAllowed.SetValue(true)

	status, result := env.checkAllowed(NewStandardPolicy(env.log))
	assert.Equal(t, status, Succeeded)
	assert.Equal(t, result.TargetChannel, "beta")
	assert.Equal(t, result.TargetVersionPrefix, "1.2.")
	assert.Assert(t, result.RollbackAllowed)
}

func TestUpdateCheckForced(t *testing.T) {
	env := newTestEnv(t)
	env.state = NewState(env.clock, StateOptions{OfficialBuild: false, NumSlots: 2, Seed: 1})
	p := NewStandardPolicy(env.log)

	status, _ := env.checkAllowed(p)
	assert.Equal(t, status, AskMeAgainLater)

	env.state.Updater.ForcedUpdateRequested.SetValue(ForcedUpdateInteractive)
	status, result := env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, result.Interactive)

	env.state.Updater.ForcedUpdateRequested.SetValue(ForcedUpdatePeriodic)
	status, result = env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, !result.Interactive)
}

func TestUpdateCheckWaitsForOOBE(t *testing.T) {
	env := newTestEnv(t)
	env.state = NewState(env.clock, StateOptions{OfficialBuild: true, OOBEEnabled: true, NumSlots: 2, Seed: 1})
	env.clock.Advance(time.Hour)
	p := NewStandardPolicy(env.log)

	status, _ := env.checkAllowed(p)
	assert.Equal(t, status, AskMeAgainLater)

	env.state.System.IsOOBEComplete.SetValue(true)
	status, _ = env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
}

func TestUpdateCanStartFresh(t *testing.T) {
	env := newTestEnv(t)
	status, result := env.canStart(NewStandardPolicy(env.log), UpdateState{
		DownloadURLs:       []string{"https://a", "https://b"},
		DownloadErrorsMax:  3,
		LastDownloadURLIdx: -1,
		FirstSeen:          testEpoch,
	})
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, result.UpdateCanStart)
	assert.Equal(t, result.DownloadURLIdx, 0)
	assert.Assert(t, result.DownloadURLAllowed)
	assert.Assert(t, !result.DoIncrementFailures)
}

func TestUpdateCanStartCheckDue(t *testing.T) {
	env := newTestEnv(t)
	env.state.Updater.ForcedUpdateRequested.SetValue(ForcedUpdateInteractive)
	status, result := env.canStart(NewStandardPolicy(env.log), UpdateState{
		DownloadURLs: []string{"https://a"},
		Interactive:  true,
	})
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, !result.UpdateCanStart)
	assert.Equal(t, result.CannotStartReason, CannotStartCheckDue)
}

func TestUpdateCanStartCountsTransferErrors(t *testing.T) {
	env := newTestEnv(t)
	errAt := testEpoch.Add(-time.Hour)
	update := UpdateState{
		DownloadURLs:       []string{"https://a", "https://b"},
		DownloadErrorsMax:  2,
		LastDownloadURLIdx: 0,
		DownloadErrors: []DownloadError{
			{URLIdx: 0, Code: errorcode.DownloadTransferError, Time: errAt},
			{URLIdx: 0, Code: errorcode.DownloadTransferError, Time: errAt.Add(time.Minute)},
		},
	}
	_, result := env.canStart(NewStandardPolicy(env.log), update)
	assert.Assert(t, result.UpdateCanStart)
	assert.Equal(t, result.DownloadURLIdx, 0)
	assert.Equal(t, result.DownloadURLNumErrors, 2)

	update.DownloadErrors = append(update.DownloadErrors,
		DownloadError{URLIdx: 0, Code: errorcode.DownloadTransferError, Time: errAt.Add(2 * time.Minute)})
	_, result = env.canStart(NewStandardPolicy(env.log), update)
	assert.Assert(t, result.UpdateCanStart)
	assert.Equal(t, result.DownloadURLIdx, 1)
	assert.Equal(t, result.DownloadURLNumErrors, 0)
	assert.Assert(t, !result.DoIncrementFailures)
}

func TestUpdateCanStartBacksOffAfterWrap(t *testing.T) {
	env := newTestEnv(t)
	errAt := testEpoch.Add(-time.Hour)
	status, result := env.canStart(NewStandardPolicy(env.log), UpdateState{
		DownloadURLs:       []string{"https://a", "https://b"},
		DownloadErrorsMax:  2,
		LastDownloadURLIdx: 1,
		DownloadErrors: []DownloadError{
			{URLIdx: 1, Code: errorcode.PayloadHashMismatch, Time: errAt},
		},
	})
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, result.DoIncrementFailures)
	assert.Equal(t, result.DownloadURLIdx, 0)
	assert.Equal(t, result.CannotStartReason, CannotStartBackoff)
	wait := result.BackoffExpiry.Sub(errAt)
	assert.Assert(t, wait >= 18*time.Hour && wait <= 30*time.Hour, "wait %s", wait)
}

func TestUpdateCanStartNoBackoffForInteractive(t *testing.T) {
	env := newTestEnv(t)
	errAt := testEpoch.Add(-time.Hour)
	_, result := env.canStart(NewStandardPolicy(env.log), UpdateState{
		Interactive:        true,
		DownloadURLs:       []string{"https://a"},
		LastDownloadURLIdx: 0,
		DownloadErrors: []DownloadError{
			{URLIdx: 0, Code: errorcode.PayloadSizeMismatch, Time: errAt},
		},
	})
	assert.Assert(t, result.DoIncrementFailures)
	assert.Assert(t, result.BackoffExpiry.IsZero())
	assert.Assert(t, result.UpdateCanStart)
}

func TestUpdateCanStartPreviousBackoff(t *testing.T) {
	env := newTestEnv(t)
	p := NewStandardPolicy(env.log)
	update := UpdateState{
		DownloadURLs:       []string{"https://a"},
		LastDownloadURLIdx: 0,
		BackoffExpiry:      testEpoch.Add(time.Hour),
	}
	_, result := env.canStart(p, update)
	assert.Equal(t, result.CannotStartReason, CannotStartBackoff)
	assert.Equal(t, result.BackoffExpiry, update.BackoffExpiry)

	update.BackoffExpiry = testEpoch.Add(-time.Second)
	_, result = env.canStart(p, update)
	assert.Assert(t, result.UpdateCanStart)
	assert.Assert(t, result.BackoffExpiry.IsZero())
}

func TestUpdateCanStartSkipsHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.loadDevicePolicy()
	env.state.Device.HTTPDownloadsEnabled.SetValue(false)
	_, result := env.canStart(NewStandardPolicy(env.log), UpdateState{
		DownloadURLs:       []string{"http://a", "https://b"},
		LastDownloadURLIdx: -1,
	})
	assert.Equal(t, result.DownloadURLIdx, 1)

	_, result = env.canStart(NewStandardPolicy(env.log), UpdateState{
		DownloadURLs:       []string{"http://a"},
		LastDownloadURLIdx: -1,
	})
	assert.Equal(t, result.DownloadURLIdx, -1)
	assert.Equal(t, result.CannotStartReason, CannotStartCannotDownload)
}

func TestUpdateCanStartScattering(t *testing.T) {
	env := newTestEnv(t)
	env.loadDevicePolicy()
	env.state.Device.ScatterFactor.SetValue(24 * time.Hour)
	p := NewStandardPolicy(env.log)

	update := UpdateState{
		DownloadURLs:         []string{"https://a"},
		LastDownloadURLIdx:   -1,
		FirstSeen:            testEpoch,
		ScatterWaitPeriod:    time.Hour,
		ScatterWaitPeriodMax: 48 * time.Hour,
	}
	_, result := env.canStart(p, update)
	assert.Equal(t, result.CannotStartReason, CannotStartScattering)
	assert.Equal(t, result.ScatterWaitPeriod, time.Hour)

	update.FirstSeen = testEpoch.Add(-2 * time.Hour)
	_, result = env.canStart(p, update)
	assert.Assert(t, result.UpdateCanStart)
	assert.Equal(t, result.ScatterWaitPeriod, time.Duration(0))
}

func TestUpdateCanStartP2PReplacesBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.state.Updater.P2PEnabled.SetValue(true)
	p := NewStandardPolicy(env.log)
	update := UpdateState{
		DownloadURLs:       []string{"https://a"},
		LastDownloadURLIdx: 0,
		BackoffExpiry:      testEpoch.Add(time.Hour),
	}
	_, result := env.canStart(p, update)
	assert.Assert(t, result.UpdateCanStart)
	assert.Assert(t, result.P2PDownloadingAllowed)
	assert.Assert(t, result.P2PSharingAllowed)
	assert.Assert(t, !result.DownloadURLAllowed)

	update.P2PNumAttempts = MaxP2PAttempts
	_, result = env.canStart(p, update)
	assert.Assert(t, !result.P2PDownloadingAllowed)
	assert.Equal(t, result.CannotStartReason, CannotStartBackoff)

	update.P2PNumAttempts = 1
	update.P2PFirstAttempted = testEpoch.Add(-MaxP2PAttemptsPeriod - time.Second)
	_, result = env.canStart(p, update)
	assert.Assert(t, !result.P2PDownloadingAllowed)
}

func TestUpdateDownloadAllowed(t *testing.T) {
	for _, tc := range []struct {
		name      string
		conn      ConnectionType
		tethering Tethering
		setup     func(st *State)
		status    EvalStatus
		allowed   bool
	}{
		{name: "ethernet", conn: ConnectionEthernet, status: Succeeded, allowed: true},
		{name: "wifi", conn: ConnectionWifi, status: Succeeded, allowed: true},
		{name: "bluetooth", conn: ConnectionBluetooth, status: Succeeded},
		{name: "cellular", conn: ConnectionCellular, status: Succeeded},
		{name: "tethered", conn: ConnectionWifi, tethering: TetheringConfirmed, status: Succeeded},
		{name: "unknown", conn: ConnectionUnknown, status: Failed},
		{name: "cellular allowed by policy", conn: ConnectionCellular, status: Succeeded, allowed: true,
			setup: func(st *State) {
				st.Device.PolicyIsLoaded.SetValue(true)
				st.Device.AllowedConnectionTypes.SetValue([]ConnectionType{ConnectionEthernet, ConnectionCellular})
			}},
		{name: "cellular excluded by policy", conn: ConnectionCellular, status: Succeeded,
			setup: func(st *State) {
				st.Device.PolicyIsLoaded.SetValue(true)
				st.Device.AllowedConnectionTypes.SetValue([]ConnectionType{ConnectionEthernet})
				st.Updater.CellularEnabled.SetValue(true)
			}},
		{name: "cellular allowed by user", conn: ConnectionCellular, status: Succeeded, allowed: true,
			setup: func(st *State) {
				st.Device.PolicyIsLoaded.SetValue(true)
				st.Updater.CellularEnabled.SetValue(true)
			}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.state.Network.ConnectionType.SetValue(tc.conn)
			if tc.tethering != TetheringUnknown {
				env.state.Network.Tethering.SetValue(tc.tethering)
			}
			if tc.setup != nil {
				tc.setup(env.state)
			}
			ec := env.context()
			defer ec.Close()
			var allowed bool
			status, _ := NewStandardPolicy(env.log).UpdateDownloadAllowed(ec, env.state, &allowed)
			assert.Equal(t, status, tc.status)
			if status == Succeeded {
				assert.Equal(t, allowed, tc.allowed)
			}
		})
	}
}

func TestP2PEnabledChanged(t *testing.T) {
	env := newTestEnv(t)
	p := NewStandardPolicy(env.log)
	ask := func(prev bool) (EvalStatus, bool) {
		ec := env.context()
		defer ec.Close()
		var result bool
		status, _ := p.P2PEnabledChanged(ec, env.state, &result, prev)
		return status, result
	}

	status, _ := ask(false)
	assert.Equal(t, status, AskMeAgainLater)

	env.loadDevicePolicy()
	env.state.Device.P2PEnabled.SetValue(true)
	status, enabled := ask(false)
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, enabled)

	env.state.Device.P2PEnabled.SetValue(false)
	env.state.Updater.P2PEnabled.SetValue(true)
	status, _ = ask(true)
	assert.Equal(t, status, AskMeAgainLater)
}

func TestUpdateCanBeAppliedTimeRestrictions(t *testing.T) {
	env := newTestEnv(t)
	p := NewStandardPolicy(env.log)
	apply := func() errorcode.Code {
		ec := env.context()
		defer ec.Close()
		var code errorcode.Code
		status, _ := p.UpdateCanBeApplied(ec, env.state, &code, nil)
		assert.Equal(t, status, Succeeded)
		return code
	}
	assert.Equal(t, apply(), errorcode.Success)

	// testEpoch is a Wednesday at 10:00.
	env.state.Device.DisallowedIntervals.SetValue([]WeeklyTimeInterval{{
		Start: WeeklyTime{Day: time.Wednesday, Hour: 9},
		End:   WeeklyTime{Day: time.Wednesday, Hour: 11},
	}})
	assert.Equal(t, apply(), errorcode.UpdateDeferredPerPolicy)

	env.state.Updater.ForcedUpdateRequested.SetValue(ForcedUpdateInteractive)
	assert.Equal(t, apply(), errorcode.Success)

	env.state.Updater.ForcedUpdateRequested.SetValue(ForcedUpdateNone)
	env.clock.Advance(2 * time.Hour)
	assert.Equal(t, apply(), errorcode.Success)
}

func TestDefaultPolicy(t *testing.T) {
	env := newTestEnv(t)
	p := NewDefaultPolicy(env.log)

	status, result := env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, result.UpdatesEnabled)

	env.state.Updater.LastCheckedTime.SetValue(testEpoch)
	env.clock.Advance(10 * time.Minute)
	status, _ = env.checkAllowed(p)
	assert.Equal(t, status, AskMeAgainLater)

	env.clock.Advance(DefaultCheckInterval)
	status, _ = env.checkAllowed(p)
	assert.Equal(t, status, Succeeded)

	status, start := env.canStart(p, UpdateState{})
	assert.Equal(t, status, Succeeded)
	assert.Assert(t, start.UpdateCanStart)
	assert.Equal(t, start.DownloadURLIdx, 0)

	ec := env.context()
	defer ec.Close()
	var changed bool
	s, _ := p.P2PEnabledChanged(ec, env.state, &changed, true)
	assert.Equal(t, s, Succeeded)
	assert.Assert(t, !changed)
	s, _ = p.P2PEnabledChanged(ec, env.state, &changed, false)
	assert.Equal(t, s, AskMeAgainLater)
}
