package policy

// EvalStatus is the outcome of evaluating a policy request.
type EvalStatus int

const (
	// Failed means the policy could not decide; the dispatcher uses the
	// default policy's answer instead.
	Failed EvalStatus = iota
	// Succeeded means the result is valid.
	Succeeded
	// AskMeAgainLater means the decision depends on values that may change;
	// the request is evaluated again when they do or a deadline passes.
	AskMeAgainLater
	// Continue means a partial policy has no opinion and the next one in a
	// composite policy should be consulted.
	Continue
)

func (s EvalStatus) String() string {
	switch s {
	case Failed:
		return "Failed"
	case Succeeded:
		return "Succeeded"
	case AskMeAgainLater:
		return "AskMeAgainLater"
	case Continue:
		return "Continue"
	}
	return "Unknown"
}

// resolved reports whether the status ends an evaluation.
func (s EvalStatus) resolved() bool {
	return s == Succeeded || s == Failed
}
