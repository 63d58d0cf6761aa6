// Package variable provides the typed values that policies read.
package variable

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode says how a variable's changes can be observed.
type Mode int

const (
	// ModeConst values never change during the life of the process.
	ModeConst Mode = iota
	// ModePoll values change without notice and must be re-read after
	// their poll interval.
	ModePoll
	// ModeAsync values notify their observers when they change.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeConst:
		return "const"
	case ModePoll:
		return "poll"
	case ModeAsync:
		return "async"
	}
	return "unknown"
}

// ErrUnset is returned by variables that have no value.
var ErrUnset = errors.New("variable is not set")

// Observer is notified when an async variable changes.
type Observer interface {
	ValueChanged(v Any)
}

// Any is the untyped view of a variable.
type Any interface {
	Name() string
	Mode() Mode
	PollInterval() time.Duration
	AddObserver(Observer)
	RemoveObserver(Observer)
}

// Variable is a named, typed value.
type Variable[T any] interface {
	Any
	Value(ctx context.Context) (T, error)
}

type base struct {
	name string
}

func (b base) Name() string { return b.name }

func (base) PollInterval() time.Duration { return 0 }
func (base) AddObserver(Observer)        {}
func (base) RemoveObserver(Observer)     {}

// Const is a variable that never changes.
type Const[T any] struct {
	base
	value T
}

// NewConst returns a Const holding value.
func NewConst[T any](name string, value T) *Const[T] {
	return &Const[T]{base: base{name: name}, value: value}
}

func (*Const[T]) Mode() Mode { return ModeConst }

func (c *Const[T]) Value(context.Context) (T, error) {
	return c.value, nil
}

// Poll is a variable computed on each read and re-read after its interval.
type Poll[T any] struct {
	base
	interval time.Duration
	get      func(ctx context.Context) (T, error)
}

// NewPoll returns a Poll variable backed by get.
func NewPoll[T any](name string, interval time.Duration, get func(ctx context.Context) (T, error)) *Poll[T] {
	return &Poll[T]{base: base{name: name}, interval: interval, get: get}
}

func (*Poll[T]) Mode() Mode { return ModePoll }

func (p *Poll[T]) PollInterval() time.Duration { return p.interval }

func (p *Poll[T]) Value(ctx context.Context) (T, error) {
	return p.get(ctx)
}

// Async is a variable set by its owner that notifies observers of changes.
type Async[T any] struct {
	base

	mu        sync.Mutex
	value     T
	set       bool
	observers []Observer
}

// NewAsync returns an unset Async variable.
func NewAsync[T any](name string) *Async[T] {
	return &Async[T]{base: base{name: name}}
}

// NewAsyncWith returns an Async variable holding value.
func NewAsyncWith[T any](name string, value T) *Async[T] {
	return &Async[T]{base: base{name: name}, value: value, set: true}
}

func (*Async[T]) Mode() Mode { return ModeAsync }

func (a *Async[T]) Value(context.Context) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.set {
		var zero T
		return zero, ErrUnset
	}
	return a.value, nil
}

// SetValue stores v, notifying observers if it differs from the last value.
func (a *Async[T]) SetValue(v T) {
	a.mu.Lock()
	changed := !a.set || !reflect.DeepEqual(a.value, v)
	a.value = v
	a.set = true
	observers := a.snapshotLocked()
	a.mu.Unlock()
	if changed {
		a.notify(observers)
	}
}

// UnsetValue clears the value, notifying observers if one was set.
func (a *Async[T]) UnsetValue() {
	a.mu.Lock()
	changed := a.set
	var zero T
	a.value = zero
	a.set = false
	observers := a.snapshotLocked()
	a.mu.Unlock()
	if changed {
		a.notify(observers)
	}
}

func (a *Async[T]) AddObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.observers {
		if existing == o {
			return
		}
	}
	a.observers = append(a.observers, o)
}

func (a *Async[T]) RemoveObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.observers {
		if existing == o {
			a.observers = append(a.observers[:i], a.observers[i+1:]...)
			return
		}
	}
}

// Observers is the number of registered observers.
func (a *Async[T]) Observers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

func (a *Async[T]) snapshotLocked() []Observer {
	return append([]Observer(nil), a.observers...)
}

func (a *Async[T]) notify(observers []Observer) {
	for _, o := range observers {
		o.ValueChanged(a)
	}
}
