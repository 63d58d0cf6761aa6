package policy

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
)

// continuePolicy answers Continue to everything. Partial policies embed it
// and override the requests they decide.
type continuePolicy struct{}

func (continuePolicy) UpdateCheckAllowed(*EvaluationContext, *State, *UpdateCheckParams) (EvalStatus, error) {
	return Continue, nil
}

func (continuePolicy) UpdateCanBeApplied(*EvaluationContext, *State, *errorcode.Code, *payload.InstallPlan) (EvalStatus, error) {
	return Continue, nil
}

func (continuePolicy) UpdateCanStart(*EvaluationContext, *State, *UpdateDownloadParams, UpdateState) (EvalStatus, error) {
	return Continue, nil
}

func (continuePolicy) UpdateDownloadAllowed(*EvaluationContext, *State, *bool) (EvalStatus, error) {
	return Continue, nil
}

func (continuePolicy) P2PEnabled(*EvaluationContext, *State, *bool) (EvalStatus, error) {
	return Continue, nil
}

func (continuePolicy) P2PEnabledChanged(*EvaluationContext, *State, *bool, bool) (EvalStatus, error) {
	return Continue, nil
}

// consultPolicies asks each policy in turn and returns the first answer
// other than Continue.
func consultPolicies(policies []Policy, ask func(Policy) (EvalStatus, error)) (EvalStatus, error) {
	for _, p := range policies {
		status, err := ask(p)
		if status != Continue {
			return status, err
		}
	}
	return Continue, nil
}
