// Package bootcontrol exposes the A/B slot layout of the host.
package bootcontrol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Slot is one of the bootable partition sets.
type Slot int

// InvalidSlot is returned when no slot applies.
const InvalidSlot Slot = -1

func (s Slot) String() string {
	if s == InvalidSlot {
		return "INVALID"
	}
	if s >= 0 && s < 26 {
		return string(rune('A' + s))
	}
	return fmt.Sprintf("TOO_BIG_%d", int(s))
}

// Valid reports whether s names a slot.
func (s Slot) Valid() bool {
	return s >= 0
}

// BootControl reads and changes which slot boots next.
type BootControl interface {
	GetNumSlots() int
	GetCurrentSlot() Slot
	IsSlotBootable(Slot) bool
	SetActiveBootSlot(Slot) error
	MarkSlotUnbootable(Slot) error
	// MarkBootSuccessful records that the current slot booted well.
	MarkBootSuccessful() error
	// GetPartitionDevice returns the device path of the named partition in
	// slot.
	GetPartitionDevice(name string, slot Slot) (string, error)
}

var errInvalidSlot = errors.New("invalid slot")

// OtherSlot returns the slot that is not current on a two slot system.
func OtherSlot(bc BootControl) Slot {
	if bc.GetNumSlots() < 2 {
		return InvalidSlot
	}
	current := bc.GetCurrentSlot()
	if !current.Valid() {
		return InvalidSlot
	}
	return (current + 1) % Slot(bc.GetNumSlots())
}
