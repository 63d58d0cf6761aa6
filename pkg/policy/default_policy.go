package policy

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
)

// DefaultCheckInterval is the minimum time between update checks allowed by
// the DefaultPolicy.
const DefaultCheckInterval = 45 * time.Minute

// DefaultPolicy is a permissive policy that never fails. It answers for any
// policy that does.
type DefaultPolicy struct {
	log logging.Logger
}

var _ Policy = (*DefaultPolicy)(nil)

// NewDefaultPolicy creates a DefaultPolicy.
func NewDefaultPolicy(log logging.Logger) *DefaultPolicy {
	return &DefaultPolicy{log: log}
}

func (*DefaultPolicy) Name() string { return "DefaultPolicy" }

func (p *DefaultPolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	*result = UpdateCheckParams{UpdatesEnabled: true}

	last, ok := Get[time.Time](ec, st.Updater.LastCheckedTime)
	if !ok || ec.IsWallclockTimeGreaterThan(last.Add(DefaultCheckInterval)) {
		return Succeeded, nil
	}
	return AskMeAgainLater, nil
}

func (*DefaultPolicy) UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error) {
	*result = errorcode.Success
	return Succeeded, nil
}

func (*DefaultPolicy) UpdateCanStart(ec *EvaluationContext, st *State, result *UpdateDownloadParams, update UpdateState) (EvalStatus, error) {
	*result = UpdateDownloadParams{
		UpdateCanStart:        true,
		CannotStartReason:     CannotStartUndefined,
		DownloadURLIdx:        0,
		DownloadURLAllowed:    true,
		BackoffExpiry:         update.BackoffExpiry,
		ScatterWaitPeriod:     update.ScatterWaitPeriod,
		ScatterCheckThreshold: update.ScatterCheckThreshold,
	}
	return Succeeded, nil
}

func (*DefaultPolicy) UpdateDownloadAllowed(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	*result = true
	return Succeeded, nil
}

func (*DefaultPolicy) P2PEnabled(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	*result = false
	return Succeeded, nil
}

func (p *DefaultPolicy) P2PEnabledChanged(ec *EvaluationContext, st *State, result *bool, prev bool) (EvalStatus, error) {
	*result = false
	if prev == *result {
		return AskMeAgainLater, nil
	}
	return Succeeded, nil
}
