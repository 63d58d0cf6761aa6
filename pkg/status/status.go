// Package status describes the progress of update attempts to observers.
package status

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// UpdateStatus is the externally visible state of the attempter.
type UpdateStatus int

const (
	Idle UpdateStatus = iota
	CheckingForUpdate
	UpdateAvailable
	NeedPermissionToUpdate
	Downloading
	Verifying
	Finalizing
	UpdatedNeedReboot
	ReportingErrorEvent
	AttemptingRollback
	Disabled
)

var names = map[UpdateStatus]string{
	Idle:                   "idle",
	CheckingForUpdate:      "checking-for-update",
	UpdateAvailable:        "update-available",
	NeedPermissionToUpdate: "need-permission-to-update",
	Downloading:            "downloading",
	Verifying:              "verifying",
	Finalizing:             "finalizing",
	UpdatedNeedReboot:      "updated-need-reboot",
	ReportingErrorEvent:    "reporting-error-event",
	AttemptingRollback:     "attempting-rollback",
	Disabled:               "disabled",
}

func (s UpdateStatus) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return "unknown"
}

// Parse reads an UpdateStatus from its String form.
func Parse(s string) (UpdateStatus, error) {
	for k, v := range names {
		if v == strings.ToLower(s) {
			return k, nil
		}
	}
	return Idle, errors.Errorf("unknown update status %q", s)
}

func (s UpdateStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UpdateStatus) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Busy reports whether an attempt is under way.
func (s UpdateStatus) Busy() bool {
	switch s {
	case Idle, UpdatedNeedReboot, Disabled:
		return false
	}
	return true
}

// Status is a snapshot of the attempter.
type Status struct {
	Status          UpdateStatus `json:"status"`
	Progress        float64      `json:"progress"`
	CurrentVersion  string       `json:"current_version"`
	NewVersion      string       `json:"new_version,omitempty"`
	NewSize         int64        `json:"new_size,omitempty"`
	LastCheckedTime time.Time    `json:"last_checked_time"`
	// WillPowerwash is set when the staged update wipes stateful data.
	WillPowerwash bool `json:"will_powerwash,omitempty"`
	IsRollback    bool `json:"is_rollback,omitempty"`
}

// Observer receives every status change.
type Observer interface {
	SendStatusUpdate(Status)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Status)

func (fn ObserverFunc) SendStatusUpdate(s Status) { fn(s) }

// Broadcaster fans snapshots out to observers.
type Broadcaster struct {
	mu        sync.Mutex
	next      int
	observers []registered
	last      Status
	sent      bool
}

type registered struct {
	id int
	o  Observer
}

// Add registers o and returns a function unregistering it. o is sent the
// last snapshot, if any.
func (b *Broadcaster) Add(o Observer) (remove func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.observers = append(b.observers, registered{id: id, o: o})
	last, sent := b.last, b.sent
	b.mu.Unlock()
	if sent {
		o.SendStatusUpdate(last)
	}
	return func() { b.remove(id) }
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.observers {
		if b.observers[i].id == id {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) SendStatusUpdate(s Status) {
	b.mu.Lock()
	b.last, b.sent = s, true
	observers := append([]registered(nil), b.observers...)
	b.mu.Unlock()
	for _, r := range observers {
		r.o.SendStatusUpdate(s)
	}
}

// Last is the most recent snapshot sent.
func (b *Broadcaster) Last() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.sent
}
