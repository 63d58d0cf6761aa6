package policy

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEvaluationTimeout bounds each variable read.
	DefaultEvaluationTimeout = 5 * time.Second
	// DefaultExpirationTimeout bounds how long an async request keeps
	// waiting before it settles for the default policy's answer.
	DefaultExpirationTimeout = 12 * time.Hour
)

// ErrPolicyWouldBlock is returned by PolicyRequest when the policy asked to
// be evaluated again later, which a synchronous caller cannot do.
var ErrPolicyWouldBlock = errors.New("policy would block")

// UpdateManager owns the State and the active Policy and dispatches requests
// to them. It is used only from the loop.
type UpdateManager struct {
	log           logging.Logger
	clock         clock.Clock
	loop          loop.Loop
	state         *State
	policy        Policy
	defaultPolicy Policy

	evaluationTimeout time.Duration
	expirationTimeout time.Duration

	requests map[*AsyncRequest]struct{}
}

// Option configures an UpdateManager.
type Option func(*UpdateManager)

// WithEvaluationTimeout sets the per-read timeout.
func WithEvaluationTimeout(d time.Duration) Option {
	return func(um *UpdateManager) { um.evaluationTimeout = d }
}

// WithExpirationTimeout sets how long async requests wait.
func WithExpirationTimeout(d time.Duration) Option {
	return func(um *UpdateManager) { um.expirationTimeout = d }
}

// NewUpdateManager creates an UpdateManager consulting p.
func NewUpdateManager(log logging.Logger, c clock.Clock, l loop.Loop, st *State, p Policy, opts ...Option) *UpdateManager {
	um := &UpdateManager{
		log:               log,
		clock:             c,
		loop:              l,
		state:             st,
		policy:            p,
		defaultPolicy:     NewDefaultPolicy(log),
		evaluationTimeout: DefaultEvaluationTimeout,
		expirationTimeout: DefaultExpirationTimeout,
		requests:          make(map[*AsyncRequest]struct{}),
	}
	for _, opt := range opts {
		opt(um)
	}
	return um
}

// State returns the variables policies read.
func (um *UpdateManager) State() *State {
	return um.state
}

// Policy returns the active policy.
func (um *UpdateManager) Policy() Policy {
	return um.policy
}

// SetPolicy replaces the active policy. Pending async requests use it on
// their next evaluation.
func (um *UpdateManager) SetPolicy(p Policy) {
	um.policy = p
}

// PendingRequests is the number of unresolved async requests.
func (um *UpdateManager) PendingRequests() int {
	return len(um.requests)
}

// Close cancels every pending async request.
func (um *UpdateManager) Close() {
	for r := range um.requests {
		r.Cancel()
	}
}

func (um *UpdateManager) newContext(expiration time.Duration) *EvaluationContext {
	return newEvaluationContext(um.log, um.clock, um.loop, um.evaluationTimeout, expiration)
}

// evaluate runs req against the active policy, falling back to the default
// policy when the active one fails.
func evaluate[R any](um *UpdateManager, ec *EvaluationContext, req Request[R], result *R) (EvalStatus, error) {
	ec.ResetEvaluation()
	log := um.log.WithField("request", req.Kind())

	status, err := req.Evaluate(um.policy, ec, um.state, result)
	if status == Failed {
		if err == nil {
			err = errors.Errorf("%s failed without a reason", um.policy.Name())
		}
		log.WithError(err).WithField("policy", um.policy.Name()).Warn("policy failed, using default policy")
		status, err = req.Evaluate(um.defaultPolicy, ec, um.state, result)
		if status == Failed {
			log.WithError(err).Error("default policy failed")
		}
	}
	log.WithFields(logrus.Fields{
		"status":  status,
		"context": ec.String(),
	}).Debug("evaluated policy request")
	return status, err
}

// PolicyRequest evaluates req once. Policies that would wait produce
// ErrPolicyWouldBlock.
func PolicyRequest[R any](um *UpdateManager, req Request[R], result *R) (EvalStatus, error) {
	ec := um.newContext(0)
	defer ec.Close()

	status, err := evaluate(um, ec, req, result)
	if !status.resolved() {
		err = errors.Wrapf(ErrPolicyWouldBlock, "%s returned %s", req.Kind(), status)
		um.log.WithError(err).Error("synchronous policy request cannot wait")
	}
	return status, err
}

// AsyncRequest is a pending AsyncPolicyRequest.
type AsyncRequest struct {
	um   *UpdateManager
	ec   *EvaluationContext
	kind RequestKind
	done bool
}

// Kind is the request being evaluated.
func (r *AsyncRequest) Kind() RequestKind {
	return r.kind
}

// Done reports whether the callback ran or the request was canceled.
func (r *AsyncRequest) Done() bool {
	return r.done
}

// Cancel stops further evaluations. The callback will not run.
func (r *AsyncRequest) Cancel() {
	r.finish()
}

func (r *AsyncRequest) finish() {
	if r.done {
		return
	}
	r.done = true
	r.ec.Close()
	delete(r.um.requests, r)
}

// AsyncPolicyRequest evaluates req on the loop until the policy succeeds or
// fails, then calls callback exactly once. While the policy asks to be asked
// again, the request waits for a variable it read to change or a deadline it
// checked to pass. A request that cannot wait, or waits past the expiration
// timeout, settles for the default policy's answer.
func AsyncPolicyRequest[R any](um *UpdateManager, req Request[R], callback func(EvalStatus, R)) *AsyncRequest {
	ar := &AsyncRequest{
		um:   um,
		ec:   um.newContext(um.expirationTimeout),
		kind: req.Kind(),
	}
	um.requests[ar] = struct{}{}
	log := um.log.WithField("request", req.Kind())

	var run func()
	run = func() {
		if ar.done {
			return
		}
		var result R
		status, _ := evaluate(um, ar.ec, req, &result)
		if status.resolved() {
			ar.finish()
			callback(status, result)
			return
		}
		if ar.ec.RunOnValueChangeOrTimeout(run) {
			log.WithField("status", status).Debug("waiting to evaluate again")
			return
		}

		if ar.ec.Expired() {
			log.Warn("request expired, using default policy")
		} else {
			log.Error("policy asked to wait on nothing, using default policy")
		}
		var fallback R
		status, err := req.Evaluate(um.defaultPolicy, ar.ec, um.state, &fallback)
		if !status.resolved() {
			log.WithError(err).WithField("status", status).Error("default policy did not resolve")
			status = Failed
		}
		ar.finish()
		callback(status, fallback)
	}
	um.loop.Post(run)
	return ar
}
