package policy

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/pkg/errors"
)

// StandardPolicy is the policy used on hosts in a fleet.
type StandardPolicy struct {
	log logging.Logger

	checkPolicies []Policy
	applyPolicies []Policy
}

var _ Policy = (*StandardPolicy)(nil)

// NewStandardPolicy creates a StandardPolicy.
func NewStandardPolicy(log logging.Logger) *StandardPolicy {
	interactive := interactivePolicy{log: log}
	return &StandardPolicy{
		log: log,
		checkPolicies: []Policy{
			enoughSlotsPolicy{log: log},
			devicePolicy{log: log},
			interactive,
			officialBuildPolicy{log: log},
			oobePolicy{log: log},
			nextCheckTimePolicy{log: log},
		},
		applyPolicies: []Policy{
			interactive,
			timeRestrictionsPolicy{log: log},
		},
	}
}

func (*StandardPolicy) Name() string { return "StandardPolicy" }

func (p *StandardPolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	*result = UpdateCheckParams{UpdatesEnabled: true}
	status, err := consultPolicies(p.checkPolicies, func(sub Policy) (EvalStatus, error) {
		return sub.UpdateCheckAllowed(ec, st, result)
	})
	if status == Continue {
		p.log.Debug("allowing update check")
		return Succeeded, nil
	}
	return status, err
}

func (p *StandardPolicy) UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error) {
	*result = errorcode.Success
	status, err := consultPolicies(p.applyPolicies, func(sub Policy) (EvalStatus, error) {
		return sub.UpdateCanBeApplied(ec, st, result, plan)
	})
	if status == Continue {
		return Succeeded, nil
	}
	return status, err
}

// UpdateCanStart always resolves so that it can be asked synchronously.
// Waiting conditions are reported through CannotStartReason.
func (p *StandardPolicy) UpdateCanStart(ec *EvaluationContext, st *State, result *UpdateDownloadParams, update UpdateState) (EvalStatus, error) {
	*result = UpdateDownloadParams{
		DownloadURLIdx:        -1,
		DownloadURLAllowed:    true,
		BackoffExpiry:         update.BackoffExpiry,
		ScatterWaitPeriod:     update.ScatterWaitPeriod,
		ScatterCheckThreshold: update.ScatterCheckThreshold,
	}

	var check UpdateCheckParams
	checkStatus, err := p.UpdateCheckAllowed(ec, st, &check)
	if checkStatus == Failed {
		return Failed, err
	}
	checkDue := checkStatus == Succeeded && check.UpdatesEnabled

	backoff, err := backoffAndDownloadURL(p.log, ec, st, update)
	if err != nil {
		return Failed, err
	}
	result.DownloadURLIdx = backoff.urlIdx
	result.DownloadURLNumErrors = backoff.urlNumErrors
	result.DoIncrementFailures = backoff.doIncrementFailures
	result.BackoffExpiry = backoff.backoffExpiry
	backoffActive := backoff.waiting || !backoff.backoffExpiry.IsZero()

	scatterActive := false
	if loaded, ok := Get[bool](ec, st.Device.PolicyIsLoaded); ok && loaded {
		result.ScatterWaitPeriod = 0
		result.ScatterCheckThreshold = 0
		if p.scatteringApplies(ec, st, update) {
			scatter, err := scattering(ec, st, update)
			if err != nil {
				return Failed, err
			}
			result.ScatterWaitPeriod = scatter.waitPeriod
			result.ScatterCheckThreshold = scatter.checkThreshold
			scatterActive = scatter.isScattering
		}
	}

	var p2p bool
	if status, err := p.P2PEnabled(ec, st, &p2p); status != Succeeded {
		return Failed, errors.Wrap(err, "unable to determine P2P state")
	}
	if p2p {
		if update.P2PSharingDisabled {
			p.log.Info("P2P sharing disabled by update server")
		} else {
			result.P2PSharingAllowed = true
		}

		switch {
		case update.P2PDownloadingDisabled:
			p.log.Info("P2P downloading disabled by update server")
		case update.Interactive:
			p.log.Info("P2P downloading blocked for interactive update")
		case update.P2PNumAttempts >= MaxP2PAttempts:
			p.log.Info("P2P downloading blocked after too many attempts")
		case !update.P2PFirstAttempted.IsZero() && ec.IsWallclockTimeGreaterThan(update.P2PFirstAttempted.Add(MaxP2PAttemptsPeriod)):
			p.log.Info("P2P downloading blocked, attempts span too long")
		default:
			result.P2PDownloadingAllowed = true
			// Peers are used instead of waiting out backoff or scattering,
			// but the download URL must not be.
			if backoffActive || scatterActive {
				backoffActive, scatterActive = false, false
				result.DownloadURLAllowed = false
			}
		}
	}

	switch {
	case checkDue:
		result.CannotStartReason = CannotStartCheckDue
	case backoffActive:
		result.CannotStartReason = CannotStartBackoff
	case scatterActive:
		result.CannotStartReason = CannotStartScattering
	case result.DownloadURLIdx < 0 && !result.P2PDownloadingAllowed:
		result.CannotStartReason = CannotStartCannotDownload
	default:
		result.UpdateCanStart = true
	}
	return Succeeded, nil
}

func (p *StandardPolicy) scatteringApplies(ec *EvaluationContext, st *State, update UpdateState) bool {
	if update.Interactive {
		return false
	}
	if enabled, ok := Get[bool](ec, st.Config.IsOOBEEnabled); ok && !enabled {
		return true
	}
	complete, ok := Get[bool](ec, st.System.IsOOBEComplete)
	return ok && complete
}

// UpdateDownloadAllowed always resolves so that it can be asked
// synchronously. A disallowed connection resolves to false.
func (p *StandardPolicy) UpdateDownloadAllowed(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	conn, ok := Get[ConnectionType](ec, st.Network.ConnectionType)
	if !ok {
		return Failed, errors.New("connection type unavailable")
	}
	if conn != ConnectionCellular {
		tethering, ok := Get[Tethering](ec, st.Network.Tethering)
		if !ok {
			return Failed, errors.New("tethering state unavailable")
		}
		if tethering == TetheringConfirmed {
			conn = ConnectionCellular
		}
	}

	*result = true
	overridable := false
	switch conn {
	case ConnectionBluetooth:
		*result = false
	case ConnectionCellular:
		*result = false
		overridable = true
	case ConnectionUnknown:
		return Failed, errors.New("unknown connection type")
	}
	if *result || !overridable {
		return Succeeded, nil
	}

	if loaded, ok := Get[bool](ec, st.Device.PolicyIsLoaded); ok && loaded {
		if allowed, ok := Get[[]ConnectionType](ec, st.Device.AllowedConnectionTypes); ok {
			for _, c := range allowed {
				if c == conn {
					*result = true
				}
			}
		} else if enabled, ok := Get[bool](ec, st.Updater.CellularEnabled); ok && enabled {
			*result = true
		}
	}
	if !*result {
		p.log.WithField("connection", conn).Info("downloads not allowed over connection")
	}
	return Succeeded, nil
}

func (p *StandardPolicy) P2PEnabled(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	enabled := false
	if loaded, ok := Get[bool](ec, st.Device.PolicyIsLoaded); ok && loaded {
		if v, ok := Get[bool](ec, st.Device.P2PEnabled); ok {
			enabled = v
		}
	}
	if !enabled {
		v, ok := Get[bool](ec, st.Updater.P2PEnabled)
		enabled = ok && v
	}
	*result = enabled
	return Succeeded, nil
}

func (p *StandardPolicy) P2PEnabledChanged(ec *EvaluationContext, st *State, result *bool, prev bool) (EvalStatus, error) {
	status, err := p.P2PEnabled(ec, st, result)
	if status == Succeeded && *result == prev {
		return AskMeAgainLater, nil
	}
	return status, err
}

// timeRestrictionsPolicy defers applying updates during the operator's
// disallowed intervals.
type timeRestrictionsPolicy struct {
	continuePolicy
	log logging.Logger
}

func (timeRestrictionsPolicy) Name() string { return "TimeRestrictionsPolicy" }

func (p timeRestrictionsPolicy) UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error) {
	intervals, ok := Get[[]WeeklyTimeInterval](ec, st.Device.DisallowedIntervals)
	if !ok || len(intervals) == 0 {
		return Continue, nil
	}
	now, ok := Get[time.Time](ec, st.Time.CurrTime)
	if !ok {
		return Failed, errors.New("current time unavailable")
	}
	wt := WeeklyTimeOf(now)
	for _, interval := range intervals {
		if interval.InRange(wt) {
			p.log.WithField("now", wt).Info("update deferred by disallowed time interval")
			*result = errorcode.UpdateDeferredPerPolicy
			return Succeeded, nil
		}
	}
	return Continue, nil
}
