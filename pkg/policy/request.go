package policy

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
)

// Policy decides the questions the attempter asks. Every method writes its
// answer to result only when it returns Succeeded.
type Policy interface {
	Name() string

	// UpdateCheckAllowed says whether an update check may run now.
	UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error)
	// UpdateCanBeApplied says whether a found update may be installed.
	UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error)
	// UpdateCanStart decides whether and from where a download may start.
	UpdateCanStart(ec *EvaluationContext, st *State, result *UpdateDownloadParams, update UpdateState) (EvalStatus, error)
	// UpdateDownloadAllowed says whether the current connection may be used.
	UpdateDownloadAllowed(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error)
	// P2PEnabled says whether peer-to-peer sharing is on.
	P2PEnabled(ec *EvaluationContext, st *State, result *bool) (EvalStatus, error)
	// P2PEnabledChanged is P2PEnabled, waiting until it differs from prev.
	P2PEnabledChanged(ec *EvaluationContext, st *State, result *bool, prev bool) (EvalStatus, error)
}

// RequestKind names a policy request.
type RequestKind int

const (
	KindUpdateCheckAllowed RequestKind = iota
	KindUpdateCanBeApplied
	KindUpdateCanStart
	KindUpdateDownloadAllowed
	KindP2PEnabled
	KindP2PEnabledChanged
)

func (k RequestKind) String() string {
	switch k {
	case KindUpdateCheckAllowed:
		return "UpdateCheckAllowed"
	case KindUpdateCanBeApplied:
		return "UpdateCanBeApplied"
	case KindUpdateCanStart:
		return "UpdateCanStart"
	case KindUpdateDownloadAllowed:
		return "UpdateDownloadAllowed"
	case KindP2PEnabled:
		return "P2PEnabled"
	case KindP2PEnabledChanged:
		return "P2PEnabledChanged"
	}
	return "Unknown"
}

// Request is a question for a Policy whose answer is an R.
type Request[R any] interface {
	Kind() RequestKind
	Evaluate(p Policy, ec *EvaluationContext, st *State, result *R) (EvalStatus, error)
}

// UpdateCheckAllowed asks Policy.UpdateCheckAllowed.
type UpdateCheckAllowed struct{}

func (UpdateCheckAllowed) Kind() RequestKind { return KindUpdateCheckAllowed }

func (UpdateCheckAllowed) Evaluate(p Policy, ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	return p.UpdateCheckAllowed(ec, st, result)
}

// UpdateCanBeApplied asks Policy.UpdateCanBeApplied for Plan.
type UpdateCanBeApplied struct {
	Plan *payload.InstallPlan
}

func (UpdateCanBeApplied) Kind() RequestKind { return KindUpdateCanBeApplied }

func (r UpdateCanBeApplied) Evaluate(p Policy, ec *EvaluationContext, st *State, result *errorcode.Code) (EvalStatus, error) {
	return p.UpdateCanBeApplied(ec, st, result, r.Plan)
}

// UpdateCanStart asks Policy.UpdateCanStart for State.
type UpdateCanStart struct {
	State UpdateState
}

func (UpdateCanStart) Kind() RequestKind { return KindUpdateCanStart }

func (r UpdateCanStart) Evaluate(p Policy, ec *EvaluationContext, st *State, result *UpdateDownloadParams) (EvalStatus, error) {
	return p.UpdateCanStart(ec, st, result, r.State)
}

// UpdateDownloadAllowed asks Policy.UpdateDownloadAllowed.
type UpdateDownloadAllowed struct{}

func (UpdateDownloadAllowed) Kind() RequestKind { return KindUpdateDownloadAllowed }

func (UpdateDownloadAllowed) Evaluate(p Policy, ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	return p.UpdateDownloadAllowed(ec, st, result)
}

// P2PEnabled asks Policy.P2PEnabled.
type P2PEnabled struct{}

func (P2PEnabled) Kind() RequestKind { return KindP2PEnabled }

func (P2PEnabled) Evaluate(p Policy, ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	return p.P2PEnabled(ec, st, result)
}

// P2PEnabledChanged asks Policy.P2PEnabledChanged relative to Previous.
type P2PEnabledChanged struct {
	Previous bool
}

func (P2PEnabledChanged) Kind() RequestKind { return KindP2PEnabledChanged }

func (r P2PEnabledChanged) Evaluate(p Policy, ec *EvaluationContext, st *State, result *bool) (EvalStatus, error) {
	return p.P2PEnabledChanged(ec, st, result, r.Previous)
}
