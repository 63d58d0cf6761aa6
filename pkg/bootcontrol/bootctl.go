package bootcontrol

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBootctl is the helper used to manipulate slot flags.
	DefaultBootctl = "/usr/bin/bootctl"
	// DefaultDeviceDir holds the by-name links of the slotted partitions.
	DefaultDeviceDir = "/dev/block/by-name"
)

// command runs the helper with arguments and returns its output.
type command interface {
	Run(args ...string) (string, error)
}

type executable struct {
	bin    string
	runner *hostexec.Runner
}

func (e *executable) Run(args ...string) (string, error) {
	return e.runner.Run(context.Background(), e.bin, args...)
}

// Bootctl is a BootControl driven by the host's bootctl helper.
type Bootctl struct {
	log       logging.Logger
	bin       command
	deviceDir string

	once     sync.Once
	numSlots int
	current  Slot
}

var _ BootControl = (*Bootctl)(nil)

// NewBootctl returns a BootControl that runs bin through runner. An empty bin
// or deviceDir selects the defaults.
func NewBootctl(log logging.Logger, runner *hostexec.Runner, bin string, deviceDir string) *Bootctl {
	if bin == "" {
		bin = DefaultBootctl
	}
	if deviceDir == "" {
		deviceDir = DefaultDeviceDir
	}
	return &Bootctl{
		log:       log,
		bin:       &executable{bin: bin, runner: runner},
		deviceDir: deviceDir,
	}
}

// The slot layout cannot change while the process runs.
func (b *Bootctl) load() {
	b.once.Do(func() {
		b.numSlots = 1
		b.current = InvalidSlot

		out, err := b.bin.Run("get-number-slots")
		if n, perr := parseNumber(out, err); perr != nil {
			b.log.WithError(perr).Error("unable to query number of slots")
		} else {
			b.numSlots = n
		}

		out, err = b.bin.Run("get-current-slot")
		if n, perr := parseNumber(out, err); perr != nil {
			b.log.WithError(perr).Error("unable to query current slot")
		} else {
			b.current = Slot(n)
		}
		b.log.WithFields(logrus.Fields{
			"slots":   b.numSlots,
			"current": b.current,
		}).Info("loaded boot slots")
	})
}

func parseNumber(out string, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected output %q", out)
	}
	return n, nil
}

func (b *Bootctl) GetNumSlots() int {
	b.load()
	return b.numSlots
}

func (b *Bootctl) GetCurrentSlot() Slot {
	b.load()
	return b.current
}

func (b *Bootctl) validate(slot Slot) error {
	if !slot.Valid() || int(slot) >= b.GetNumSlots() {
		return errors.Wrapf(errInvalidSlot, "slot %s", slot)
	}
	return nil
}

func (b *Bootctl) IsSlotBootable(slot Slot) bool {
	if err := b.validate(slot); err != nil {
		return false
	}
	// bootctl signals an unbootable slot with a non-zero exit.
	_, err := b.bin.Run("is-slot-bootable", strconv.Itoa(int(slot)))
	return err == nil
}

func (b *Bootctl) SetActiveBootSlot(slot Slot) error {
	if err := b.validate(slot); err != nil {
		return err
	}
	_, err := b.bin.Run("set-active-boot-slot", strconv.Itoa(int(slot)))
	return errors.WithMessagef(err, "unable to set active slot %s", slot)
}

func (b *Bootctl) MarkSlotUnbootable(slot Slot) error {
	if err := b.validate(slot); err != nil {
		return err
	}
	_, err := b.bin.Run("set-slot-as-unbootable", strconv.Itoa(int(slot)))
	return errors.WithMessagef(err, "unable to mark slot %s unbootable", slot)
}

func (b *Bootctl) MarkBootSuccessful() error {
	_, err := b.bin.Run("mark-boot-successful")
	return errors.WithMessage(err, "unable to mark boot successful")
}

func (b *Bootctl) GetPartitionDevice(name string, slot Slot) (string, error) {
	if err := b.validate(slot); err != nil {
		return "", err
	}
	out, err := b.bin.Run("get-suffix", strconv.Itoa(int(slot)))
	if err != nil {
		return "", errors.WithMessagef(err, "unable to get suffix of slot %s", slot)
	}
	return filepath.Join(b.deviceDir, name+strings.TrimSpace(out)), nil
}
