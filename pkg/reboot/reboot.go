// Package reboot restarts the host into the updated slot.
package reboot

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
)

const (
	DefaultTarget       = "reboot.target"
	DefaultShutdownBin  = "/sbin/shutdown"
	DefaultDrainTimeout = 5 * time.Minute

	unitTimeout = 30 * time.Second
)

// UnitStarter starts systemd units.
type UnitStarter interface {
	Start(ctx context.Context, name string) error
}

// Drainer moves workload off the host before it goes down.
type Drainer interface {
	Drain(ctx context.Context) error
}

type Config struct {
	// Target is the systemd unit started to reboot.
	Target      string
	ShutdownBin string
	// Drain evicts workload first when a Drainer is available.
	Drain        bool
	DrainTimeout time.Duration
}

// Rebooter reboots the host, preferring systemd and falling back to
// shutdown(8).
type Rebooter struct {
	log     logging.Logger
	units   UnitStarter
	runner  *hostexec.Runner
	drainer Drainer
	cfg     Config
}

// New creates a Rebooter. units and drainer may be nil.
func New(log logging.Logger, units UnitStarter, runner *hostexec.Runner, drainer Drainer, cfg Config) *Rebooter {
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	if cfg.ShutdownBin == "" {
		cfg.ShutdownBin = DefaultShutdownBin
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Rebooter{log: log, units: units, runner: runner, drainer: drainer, cfg: cfg}
}

// Reboot asks the host to reboot. It returns once the request was accepted;
// the process is expected to be stopped by the host soon after.
func (r *Rebooter) Reboot(ctx context.Context) error {
	if r.cfg.Drain && r.drainer != nil {
		drainCtx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
		err := r.drainer.Drain(drainCtx)
		cancel()
		if err != nil {
			r.log.WithError(err).Warn("unable to drain workload, rebooting anyway")
		}
	}

	if r.units != nil {
		unitCtx, cancel := context.WithTimeout(ctx, unitTimeout)
		err := r.units.Start(unitCtx, r.cfg.Target)
		cancel()
		if err == nil {
			r.log.WithField("unit", r.cfg.Target).Info("reboot requested")
			return nil
		}
		r.log.WithError(err).Warn("unable to reboot through systemd")
	}

	out, err := r.runner.Run(ctx, r.cfg.ShutdownBin, "-r", "now")
	if err != nil {
		r.log.WithError(err).WithField("output", out).Error("unable to reboot")
		return errors.WithMessage(err, "reboot")
	}
	r.log.Info("reboot requested")
	return nil
}
