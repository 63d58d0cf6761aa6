package bootcontrol

import (
	"sync"

	"github.com/pkg/errors"
)

// Stub is an in-memory BootControl for hosts without slot support and for
// tests.
type Stub struct {
	mu         sync.Mutex
	current    Slot
	active     Slot
	bootable   []bool
	successful bool
	devices    map[string]string
}

var _ BootControl = (*Stub)(nil)

// NewStub creates a Stub with slots bootable slots, running from current.
func NewStub(slots int, current Slot) *Stub {
	bootable := make([]bool, slots)
	for i := range bootable {
		bootable[i] = true
	}
	return &Stub{
		current:  current,
		active:   current,
		bootable: bootable,
		devices:  make(map[string]string),
	}
}

func (s *Stub) GetNumSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bootable)
}

func (s *Stub) GetCurrentSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Stub) IsSlotBootable(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slot.Valid() || int(slot) >= len(s.bootable) {
		return false
	}
	return s.bootable[slot]
}

func (s *Stub) SetActiveBootSlot(slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slot.Valid() || int(slot) >= len(s.bootable) {
		return errors.Wrapf(errInvalidSlot, "cannot activate slot %s", slot)
	}
	s.active = slot
	s.bootable[slot] = true
	return nil
}

func (s *Stub) MarkSlotUnbootable(slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slot.Valid() || int(slot) >= len(s.bootable) {
		return errors.Wrapf(errInvalidSlot, "cannot mark slot %s", slot)
	}
	s.bootable[slot] = false
	return nil
}

func (s *Stub) MarkBootSuccessful() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successful = true
	return nil
}

func (s *Stub) GetPartitionDevice(name string, slot Slot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[name+"_"+slot.String()]; ok {
		return dev, nil
	}
	return "", errors.Errorf("no device for partition %s in slot %s", name, slot)
}

// SetPartitionDevice registers the device path of a partition.
func (s *Stub) SetPartitionDevice(name string, slot Slot, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[name+"_"+slot.String()] = device
}

// ActiveSlot is the slot that boots next.
func (s *Stub) ActiveSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// BootSuccessful reports whether MarkBootSuccessful was called.
func (s *Stub) BootSuccessful() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successful
}
