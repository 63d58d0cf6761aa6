// Package loop provides the single logical thread of control that all of the
// update state machines run on.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// TaskID identifies a posted task.
type TaskID uint64

// NoTask is never returned by Post or PostDelayed.
const NoTask TaskID = 0

// Loop runs posted tasks one at a time.
type Loop interface {
	// Post schedules fn on a later turn of the loop.
	Post(fn func()) TaskID
	// PostDelayed schedules fn after at least d has elapsed.
	PostDelayed(d time.Duration, fn func()) TaskID
	// Cancel prevents a task that has not yet run from running. It reports
	// whether the task was pending.
	Cancel(id TaskID) bool
}

// EventLoop is a Loop backed by a goroutine started with Run.
type EventLoop struct {
	log logging.Logger

	mu      sync.Mutex
	next    TaskID
	pending map[TaskID]func()
	timers  map[TaskID]*time.Timer
	ready   *linkedlistqueue.Queue
	wake    chan struct{}
}

var _ Loop = (*EventLoop)(nil)

// New creates an EventLoop. Tasks may be posted before Run is called.
func New(log logging.Logger) *EventLoop {
	return &EventLoop{
		log:     log,
		pending: make(map[TaskID]func()),
		timers:  make(map[TaskID]*time.Timer),
		ready:   linkedlistqueue.New(),
		wake:    make(chan struct{}, 1),
	}
}

func (l *EventLoop) add(fn func()) TaskID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.pending[l.next] = fn
	return l.next
}

func (l *EventLoop) Post(fn func()) TaskID {
	id := l.add(fn)
	l.enqueue(id)
	return id
}

func (l *EventLoop) enqueue(id TaskID) {
	l.mu.Lock()
	l.ready.Enqueue(id)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) PostDelayed(d time.Duration, fn func()) TaskID {
	if d <= 0 {
		return l.Post(fn)
	}
	id := l.add(fn)
	l.mu.Lock()
	l.timers[id] = time.AfterFunc(d, func() { l.enqueue(id) })
	l.mu.Unlock()
	return id
}

func (l *EventLoop) Cancel(id TaskID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	delete(l.pending, id)
	if timer, found := l.timers[id]; found {
		timer.Stop()
		delete(l.timers, id)
	}
	return ok
}

// dequeue returns the next runnable task, skipping canceled ones.
func (l *EventLoop) dequeue() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		v, ok := l.ready.Dequeue()
		if !ok {
			return nil, false
		}
		id := v.(TaskID)
		fn, found := l.pending[id]
		if !found {
			continue
		}
		delete(l.pending, id)
		delete(l.timers, id)
		return fn, true
	}
}

// Run executes tasks until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	l.log.Debug("loop running")
	defer l.log.Debug("loop stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn, ok := l.dequeue()
				if !ok {
					break
				}
				fn()
			}
		}
	}
}
