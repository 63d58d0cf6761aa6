// Package hardware reports facts about the host the daemon updates.
package hardware

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultBootIDPath changes on every boot.
	DefaultBootIDPath = "/proc/sys/kernel/random/boot_id"
	// DefaultOOBEMarker exists once first boot setup finished.
	DefaultOOBEMarker = "/var/lib/retriever/oobe-completed"
	// DefaultPowerwashMarker requests a data wipe on the next boot.
	DefaultPowerwashMarker = "/var/lib/retriever/powerwash"
)

// Hardware is the platform a device update runs on.
type Hardware interface {
	// IsOfficialBuild is false for developer images.
	IsOfficialBuild() bool
	// IsNormalBootMode is false in developer mode.
	IsNormalBootMode() bool
	IsOOBEEnabled() bool
	// IsOOBEComplete reports whether first boot setup finished and when.
	IsOOBEComplete() (time.Time, bool)
	SchedulePowerwash() error
	CancelPowerwash() error
	IsPowerwashScheduled() bool
	// BootID identifies the running boot.
	BootID() (string, error)
}

// Config describes a Host.
type Config struct {
	OfficialBuild   bool
	NormalBootMode  bool
	OOBEEnabled     bool
	OOBEMarker      string
	PowerwashMarker string
	BootIDPath      string
}

// Host is the Hardware of the machine the daemon runs on.
type Host struct {
	cfg Config
}

var _ Hardware = (*Host)(nil)

// NewHost creates a Host, filling unset paths with the defaults.
func NewHost(cfg Config) *Host {
	if cfg.OOBEMarker == "" {
		cfg.OOBEMarker = DefaultOOBEMarker
	}
	if cfg.PowerwashMarker == "" {
		cfg.PowerwashMarker = DefaultPowerwashMarker
	}
	if cfg.BootIDPath == "" {
		cfg.BootIDPath = DefaultBootIDPath
	}
	return &Host{cfg: cfg}
}

func (h *Host) IsOfficialBuild() bool  { return h.cfg.OfficialBuild }
func (h *Host) IsNormalBootMode() bool { return h.cfg.NormalBootMode }
func (h *Host) IsOOBEEnabled() bool    { return h.cfg.OOBEEnabled }

func (h *Host) IsOOBEComplete() (time.Time, bool) {
	info, err := os.Stat(h.cfg.OOBEMarker)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (h *Host) SchedulePowerwash() error {
	if err := os.MkdirAll(filepath.Dir(h.cfg.PowerwashMarker), 0755); err != nil {
		return errors.Wrap(err, "unable to create powerwash marker directory")
	}
	err := ioutil.WriteFile(h.cfg.PowerwashMarker, []byte("safe fast keepimg reason=update\n"), 0644)
	return errors.Wrap(err, "unable to schedule powerwash")
}

func (h *Host) CancelPowerwash() error {
	err := os.Remove(h.cfg.PowerwashMarker)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to cancel powerwash")
	}
	return nil
}

func (h *Host) IsPowerwashScheduled() bool {
	_, err := os.Stat(h.cfg.PowerwashMarker)
	return err == nil
}

func (h *Host) BootID() (string, error) {
	data, err := ioutil.ReadFile(h.cfg.BootIDPath)
	if err != nil {
		return "", errors.Wrap(err, "unable to read boot id")
	}
	return strings.TrimSpace(string(data)), nil
}
