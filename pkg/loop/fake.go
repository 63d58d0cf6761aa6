package loop

import (
	"sort"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
)

// Fake is a deterministic Loop driven by a clock.Fake. Tasks run only when
// the test calls RunUntilIdle or Advance.
type Fake struct {
	clock *clock.Fake

	mu    sync.Mutex
	next  TaskID
	seq   uint64
	tasks []*fakeTask
}

type fakeTask struct {
	id  TaskID
	due time.Time
	seq uint64
	fn  func()
}

var _ Loop = (*Fake)(nil)

// NewFake creates a Fake loop on the clock.
func NewFake(c *clock.Fake) *Fake {
	return &Fake{clock: c}
}

func (f *Fake) Post(fn func()) TaskID {
	return f.PostDelayed(0, fn)
}

func (f *Fake) PostDelayed(d time.Duration, fn func()) TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.seq++
	f.tasks = append(f.tasks, &fakeTask{
		id:  f.next,
		due: f.clock.Monotonic().Add(d),
		seq: f.seq,
		fn:  fn,
	})
	return f.next
}

func (f *Fake) Cancel(id TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, task := range f.tasks {
		if task.id == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Pending is the number of tasks not yet run, due or not.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// NextDue returns how long until the earliest pending task is due.
func (f *Fake) NextDue() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return 0, false
	}
	f.sortLocked()
	return f.tasks[0].due.Sub(f.clock.Monotonic()), true
}

func (f *Fake) sortLocked() {
	sort.SliceStable(f.tasks, func(i, j int) bool {
		if !f.tasks[i].due.Equal(f.tasks[j].due) {
			return f.tasks[i].due.Before(f.tasks[j].due)
		}
		return f.tasks[i].seq < f.tasks[j].seq
	})
}

// RunOnce runs the earliest due task and reports whether one ran.
func (f *Fake) RunOnce() bool {
	f.mu.Lock()
	f.sortLocked()
	if len(f.tasks) == 0 || f.tasks[0].due.After(f.clock.Monotonic()) {
		f.mu.Unlock()
		return false
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	f.mu.Unlock()

	task.fn()
	return true
}

// RunUntilIdle runs due tasks, including ones they post, until none are due.
func (f *Fake) RunUntilIdle() int {
	ran := 0
	for f.RunOnce() {
		ran++
	}
	return ran
}

// Advance moves the clock forward in steps, running tasks as they become due.
func (f *Fake) Advance(d time.Duration) {
	deadline := f.clock.Monotonic().Add(d)
	f.RunUntilIdle()
	for {
		next, ok := f.NextDue()
		now := f.clock.Monotonic()
		if !ok || now.Add(next).After(deadline) {
			break
		}
		if next > 0 {
			f.clock.Advance(next)
		}
		f.RunUntilIdle()
	}
	if rest := deadline.Sub(f.clock.Monotonic()); rest > 0 {
		f.clock.Advance(rest)
	}
	f.RunUntilIdle()
}
