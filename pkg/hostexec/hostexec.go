// Package hostexec runs the host's platform executables on behalf of the
// daemon, which may itself run inside a container with the host root mounted.
package hostexec

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PlatformBin is where platform interfacing executables are located.
const PlatformBin = "/usr/bin"

// Runner runs commands, optionally chrooted into the host's root filesystem.
type Runner struct {
	log logging.Logger
	// Root is the host root filesystem. Empty when the daemon runs on the
	// host directly.
	Root string
}

// New creates a Runner. An empty root runs commands without a chroot.
func New(log logging.Logger, root string) *Runner {
	return &Runner{log: log, Root: root}
}

// ProcessAttrs may be used to exec a process in the PlatformBin.
func (r *Runner) ProcessAttrs() *syscall.SysProcAttr {
	attrs := &syscall.SysProcAttr{
		// Let the whole process group be signaled.
		Setpgid: true,
	}
	if r.Root != "" {
		attrs.Chroot = r.Root
	}
	return attrs
}

// Command prepares bin to run in the host's context.
func (r *Runner) Command(ctx context.Context, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = r.ProcessAttrs()
	return cmd
}

// Run runs bin to completion and returns its combined output.
func (r *Runner) Run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := r.Command(ctx, bin, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if logging.Debuggable {
		r.log.WithFields(logrus.Fields{
			"cmd": cmd.String(),
		}).Debug("Executing")
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "unable to start %s", bin)
	}
	err := cmd.Wait()
	if err != nil {
		if logging.Debuggable {
			r.log.WithFields(logrus.Fields{
				"cmd":    cmd.String(),
				"output": buf.String(),
			}).WithError(err).Error("Command errored during run")
		}
		return buf.String(), errors.Wrapf(err, "%s %s", filepath.Base(bin), strings.Join(args, " "))
	}
	if logging.Debuggable {
		r.log.WithFields(logrus.Fields{
			"cmd":    cmd.String(),
			"output": buf.String(),
		}).Debug("Command completed successfully")
	}
	return buf.String(), nil
}

// ExitCode extracts the exit status of a command that ran, or -1.
func ExitCode(err error) int {
	if exit, ok := errors.Cause(err).(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return -1
}
