package policy

import (
	"math/rand"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/pkg/errors"
)

const (
	// TimeoutInitialInterval is the delay before the first check after start.
	TimeoutInitialInterval = 7 * time.Minute
	// TimeoutPeriodicInterval is the normal time between checks.
	TimeoutPeriodicInterval = 45 * time.Minute
	// TimeoutMaxBackoffInterval caps the time between failing checks.
	TimeoutMaxBackoffInterval = 4 * time.Hour
	// TimeoutRegularFuzz is the spread applied to the regular intervals.
	TimeoutRegularFuzz = 10 * time.Minute
)

// enoughSlotsPolicy disables updates on hosts without a second slot.
type enoughSlotsPolicy struct {
	continuePolicy
	log logging.Logger
}

func (enoughSlotsPolicy) Name() string { return "EnoughSlotsPolicy" }

func (p enoughSlotsPolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	slots, ok := Get[int](ec, st.System.NumSlots)
	if !ok || slots < 2 {
		p.log.WithField("slots", slots).Warn("not enough slots for A/B updates, disabling update checks")
		result.UpdatesEnabled = false
		return Succeeded, nil
	}
	return Continue, nil
}

// devicePolicy applies the operator's settings.
type devicePolicy struct {
	continuePolicy
	log logging.Logger
}

func (devicePolicy) Name() string { return "DevicePolicy" }

func (p devicePolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	dp := st.Device
	if loaded, ok := Get[bool](ec, dp.PolicyIsLoaded); !ok || !loaded {
		return Continue, nil
	}
	if disabled, ok := Get[bool](ec, dp.UpdateDisabled); ok && disabled {
		p.log.Info("updates disabled by device policy, blocking update checks")
		return AskMeAgainLater, nil
	}
	if prefix, ok := Get[string](ec, dp.TargetVersionPrefix); ok {
		result.TargetVersionPrefix = prefix
	}
	if rollback, ok := Get[bool](ec, dp.RollbackAllowed); ok {
		result.RollbackAllowed = rollback
	}
	if channel, ok := Get[string](ec, dp.TargetChannel); ok {
		result.TargetChannel = channel
	}
	return Continue, nil
}

// interactivePolicy lets forced update requests through.
type interactivePolicy struct {
	continuePolicy
	log logging.Logger
}

func (interactivePolicy) Name() string { return "InteractivePolicy" }

func forcedUpdate(ec *EvaluationContext, st *State) (interactive bool, forced bool) {
	req, ok := Get[ForcedUpdateRequest](ec, st.Updater.ForcedUpdateRequested)
	if !ok || req == ForcedUpdateNone {
		return false, false
	}
	return req == ForcedUpdateInteractive, true
}

func (p interactivePolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	interactive, forced := forcedUpdate(ec, st)
	if !forced {
		return Continue, nil
	}
	result.Interactive = interactive
	p.log.WithField("interactive", interactive).Info("forced update requested, allowing update check")
	return Succeeded, nil
}

func (p interactivePolicy) UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error) {
	if interactive, _ := forcedUpdate(ec, st); interactive {
		p.log.Info("interactive update, applying regardless of restrictions")
		*result = errorcode.Success
		return Succeeded, nil
	}
	return Continue, nil
}

// officialBuildPolicy keeps unofficial builds from checking on a schedule.
type officialBuildPolicy struct {
	continuePolicy
	log logging.Logger
}

func (officialBuildPolicy) Name() string { return "OfficialBuildPolicy" }

func (p officialBuildPolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	if official, ok := Get[bool](ec, st.System.IsOfficialBuild); ok && !official {
		p.log.Info("unofficial build, blocking periodic update checks")
		return AskMeAgainLater, nil
	}
	return Continue, nil
}

// oobePolicy waits for first-boot setup to complete.
type oobePolicy struct {
	continuePolicy
	log logging.Logger
}

func (oobePolicy) Name() string { return "OOBEPolicy" }

func (p oobePolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	if enabled, ok := Get[bool](ec, st.Config.IsOOBEEnabled); !ok || !enabled {
		return Continue, nil
	}
	if complete, ok := Get[bool](ec, st.System.IsOOBEComplete); !ok || !complete {
		p.log.Info("first boot setup not complete, blocking update checks")
		return AskMeAgainLater, nil
	}
	return Continue, nil
}

// nextCheckTimePolicy spaces periodic checks, backing off on failures.
type nextCheckTimePolicy struct {
	continuePolicy
	log logging.Logger
}

func (nextCheckTimePolicy) Name() string { return "NextCheckTimePolicy" }

func (p nextCheckTimePolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	next, err := NextUpdateCheckTime(ec, st)
	if err != nil {
		return Failed, err
	}
	if !ec.IsWallclockTimeGreaterThan(next) {
		p.log.WithField("next", next).Debug("periodic check interval not satisfied")
		return AskMeAgainLater, nil
	}
	return Continue, nil
}

// NextUpdateCheckTime computes when the next periodic check is due.
func NextUpdateCheckTime(ec *EvaluationContext, st *State) (time.Time, error) {
	started, ok := Get[time.Time](ec, st.Updater.UpdaterStartedTime)
	if !ok {
		return time.Time{}, errors.New("updater start time unavailable")
	}
	seed, ok := Get[int64](ec, st.Random.Seed)
	if !ok {
		return time.Time{}, errors.New("random seed unavailable")
	}
	rng := rand.New(rand.NewSource(seed))

	last, ok := Get[time.Time](ec, st.Updater.LastCheckedTime)
	if !ok || last.Before(started) {
		return started.Add(fuzzedInterval(rng, TimeoutInitialInterval, TimeoutRegularFuzz)), nil
	}

	interval, ok := Get[time.Duration](ec, st.Updater.ServerDictatedPollInterval)
	if !ok {
		return time.Time{}, errors.New("server poll interval unavailable")
	}
	if interval == 0 {
		failures, ok := Get[int](ec, st.Updater.ConsecutiveFailedUpdateChecks)
		if !ok {
			return time.Time{}, errors.New("consecutive failed checks unavailable")
		}
		interval = TimeoutPeriodicInterval
		for ; interval < TimeoutMaxBackoffInterval && failures > 0; failures-- {
			interval *= 2
		}
	}
	if interval > TimeoutMaxBackoffInterval {
		interval = TimeoutMaxBackoffInterval
	}

	// Backed off intervals spread over half their length either way.
	fuzz := interval
	if interval <= TimeoutPeriodicInterval {
		interval = TimeoutPeriodicInterval
		fuzz = TimeoutRegularFuzz
	}
	return last.Add(fuzzedInterval(rng, interval, fuzz)), nil
}
