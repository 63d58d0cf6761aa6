package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy/variable"
)

const minDeadlineDelay = time.Second

type cachedValue struct {
	value interface{}
	err   error
}

// EvaluationContext caches the variables read during one evaluation of a
// policy request and arranges for the request to be evaluated again when any
// of them may have changed. It is used only from the loop.
type EvaluationContext struct {
	log               logging.Logger
	clock             clock.Clock
	loop              loop.Loop
	evaluationTimeout time.Duration

	values         map[variable.Any]cachedValue
	startWallclock time.Time
	startMonotonic time.Time
	// Earliest deadlines passed to the Is*TimeGreaterThan checks that were
	// not yet reached. Zero when none.
	wallclockDeadline time.Time
	monotonicDeadline time.Time

	expirationTimeout time.Duration
	expirationTask    loop.TaskID
	expired           bool

	callback    func()
	timeoutTask loop.TaskID
	observing   []variable.Any
	closed      bool
}

var _ variable.Observer = (*EvaluationContext)(nil)

func newEvaluationContext(log logging.Logger, c clock.Clock, l loop.Loop, evaluationTimeout, expirationTimeout time.Duration) *EvaluationContext {
	ec := &EvaluationContext{
		log:               log,
		clock:             c,
		loop:              l,
		evaluationTimeout: evaluationTimeout,
		expirationTimeout: expirationTimeout,
	}
	ec.ResetEvaluation()
	ec.ResetExpiration()
	return ec
}

// Get returns the value of v, reading it at most once per evaluation. The
// second result is false when the variable has no value.
func Get[T any](ec *EvaluationContext, v variable.Variable[T]) (T, bool) {
	var zero T
	if cached, ok := ec.values[v]; ok {
		if cached.err != nil {
			return zero, false
		}
		return cached.value.(T), true
	}

	ctx, cancel := context.WithTimeout(context.Background(), ec.evaluationTimeout)
	defer cancel()
	value, err := v.Value(ctx)
	if err != nil {
		ec.values[v] = cachedValue{err: err}
		if err != variable.ErrUnset {
			ec.log.WithError(err).WithField("variable", v.Name()).Debug("variable read failed")
		}
		return zero, false
	}
	ec.values[v] = cachedValue{value: value}
	return value, true
}

// IsWallclockTimeGreaterThan reports whether the evaluation started after t.
// When it did not, t becomes a deadline at which to evaluate again.
func (ec *EvaluationContext) IsWallclockTimeGreaterThan(t time.Time) bool {
	if ec.startWallclock.After(t) {
		return true
	}
	if ec.wallclockDeadline.IsZero() || t.Before(ec.wallclockDeadline) {
		ec.wallclockDeadline = t
	}
	return false
}

// IsMonotonicTimeGreaterThan is IsWallclockTimeGreaterThan for monotonic time.
func (ec *EvaluationContext) IsMonotonicTimeGreaterThan(t time.Time) bool {
	if ec.startMonotonic.After(t) {
		return true
	}
	if ec.monotonicDeadline.IsZero() || t.Before(ec.monotonicDeadline) {
		ec.monotonicDeadline = t
	}
	return false
}

// ResetEvaluation clears cached values and deadlines before evaluating again.
func (ec *EvaluationContext) ResetEvaluation() {
	ec.values = make(map[variable.Any]cachedValue)
	ec.startWallclock = ec.clock.Now()
	ec.startMonotonic = ec.clock.Monotonic()
	ec.wallclockDeadline = time.Time{}
	ec.monotonicDeadline = time.Time{}
}

// ResetExpiration restarts the expiration timer.
func (ec *EvaluationContext) ResetExpiration() {
	ec.expired = false
	if ec.expirationTask != loop.NoTask {
		ec.loop.Cancel(ec.expirationTask)
		ec.expirationTask = loop.NoTask
	}
	if ec.expirationTimeout > 0 {
		ec.expirationTask = ec.loop.PostDelayed(ec.expirationTimeout, ec.onExpiration)
	}
}

// Expired reports whether the expiration timeout has passed.
func (ec *EvaluationContext) Expired() bool {
	return ec.expired
}

// reevaluationDelay is the time until the nearest deadline or poll interval
// of the current evaluation.
func (ec *EvaluationContext) reevaluationDelay() (time.Duration, bool) {
	var (
		delay time.Duration
		found bool
	)
	consider := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if !found || d < delay {
			delay, found = d, true
		}
	}
	for v := range ec.values {
		if v.Mode() == variable.ModePoll && v.PollInterval() > 0 {
			consider(v.PollInterval())
		}
	}
	// A deadline reached but not passed must not be retried immediately.
	untilPassed := func(d time.Duration) time.Duration {
		if d <= 0 {
			return minDeadlineDelay
		}
		return d
	}
	if !ec.wallclockDeadline.IsZero() {
		consider(untilPassed(ec.wallclockDeadline.Sub(ec.clock.Now())))
	}
	if !ec.monotonicDeadline.IsZero() {
		consider(untilPassed(ec.monotonicDeadline.Sub(ec.clock.Monotonic())))
	}
	return delay, found
}

// RunOnValueChangeOrTimeout arranges for callback to be posted to the loop
// once, when an async variable read in this evaluation changes, a deadline
// or poll interval passes, or the context expires. It returns false when
// nothing could trigger a new evaluation.
func (ec *EvaluationContext) RunOnValueChangeOrTimeout(callback func()) bool {
	if ec.callback != nil {
		ec.log.Error("evaluation context is already waiting")
		return false
	}
	if ec.closed || ec.expired {
		return false
	}

	var async []variable.Any
	for v := range ec.values {
		if v.Mode() == variable.ModeAsync {
			async = append(async, v)
		}
	}
	delay, hasDelay := ec.reevaluationDelay()
	if len(async) == 0 && !hasDelay {
		return false
	}

	ec.callback = callback
	for _, v := range async {
		v.AddObserver(ec)
	}
	ec.observing = async
	if hasDelay {
		ec.timeoutTask = ec.loop.PostDelayed(delay, ec.onTimeout)
	}
	return true
}

// ValueChanged may be called from any goroutine.
func (ec *EvaluationContext) ValueChanged(v variable.Any) {
	ec.loop.Post(func() {
		if ec.callback == nil {
			return
		}
		ec.log.WithField("variable", v.Name()).Debug("value changed, evaluating again")
		ec.fire()
	})
}

func (ec *EvaluationContext) onTimeout() {
	ec.timeoutTask = loop.NoTask
	if ec.callback == nil {
		return
	}
	ec.fire()
}

func (ec *EvaluationContext) onExpiration() {
	ec.expirationTask = loop.NoTask
	ec.expired = true
	if ec.callback == nil {
		return
	}
	ec.log.Debug("evaluation context expired")
	ec.fire()
}

// fire consumes the pending callback and removes every other trigger.
func (ec *EvaluationContext) fire() {
	callback := ec.callback
	ec.callback = nil
	ec.removeTriggers()
	ec.loop.Post(callback)
}

func (ec *EvaluationContext) removeTriggers() {
	for _, v := range ec.observing {
		v.RemoveObserver(ec)
	}
	ec.observing = nil
	if ec.timeoutTask != loop.NoTask {
		ec.loop.Cancel(ec.timeoutTask)
		ec.timeoutTask = loop.NoTask
	}
}

// Close drops any pending callback and stops all timers.
func (ec *EvaluationContext) Close() {
	ec.closed = true
	ec.callback = nil
	ec.removeTriggers()
	if ec.expirationTask != loop.NoTask {
		ec.loop.Cancel(ec.expirationTask)
		ec.expirationTask = loop.NoTask
	}
}

// String lists the values read in the current evaluation.
func (ec *EvaluationContext) String() string {
	parts := make([]string, 0, len(ec.values))
	for v, cached := range ec.values {
		if cached.err != nil {
			parts = append(parts, fmt.Sprintf("%s=<%v>", v.Name(), cached.err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", v.Name(), cached.value))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}
