// Package clock abstracts time so that the update state machines can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides wallclock and monotonic time.
type Clock interface {
	// Now is the wallclock time. It may jump.
	Now() time.Time
	// Monotonic only moves forward and is only meaningful when compared with
	// other Monotonic readings.
	Monotonic() time.Time
}

// System is the process clock.
type System struct{}

var _ Clock = System{}

func (System) Now() time.Time {
	return time.Now().Round(0)
}

func (System) Monotonic() time.Time {
	return time.Now()
}

// Fake is a manually advanced Clock.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	monotonic time.Time
}

var _ Clock = (*Fake)(nil)

// NewFake returns a Fake starting at the given wallclock time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now, monotonic: time.Unix(0, 0)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Monotonic() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monotonic
}

// Advance moves both clocks forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.monotonic = f.monotonic.Add(d)
	f.mu.Unlock()
}

// SetNow moves the wallclock only, as a clock adjustment would.
func (f *Fake) SetNow(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}
