// Package postinstall runs the programs shipped in updated partitions and
// switches the active slot once they succeed.
package postinstall

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hardware"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Exit statuses of a postinstall program with a meaning of their own.
const (
	ExitBootedFromFirmwareB    = 3
	ExitFirmwareRONotUpdatable = 4
)

const (
	DefaultMountDir  = "/var/lib/retriever/postinstall"
	DefaultMountBin  = "/usr/bin/mount"
	DefaultUmountBin = "/usr/bin/umount"
)

// Environment handed to postinstall programs.
const (
	EnvTargetSlot        = "RETRIEVER_TARGET_SLOT"
	EnvTargetVersion     = "RETRIEVER_TARGET_VERSION"
	EnvStagingPath       = "RETRIEVER_STAGING_PATH"
	EnvPowerwashRequired = "RETRIEVER_POWERWASH"
)

// Config locates the helpers used to run postinstall programs.
type Config struct {
	// MountDir is where partitions with a filesystem are mounted read-only
	// while their program runs.
	MountDir  string
	MountBin  string
	UmountBin string
}

// ProgressFunc receives the fraction of postinstall programs finished.
type ProgressFunc func(fraction float64)

// PostinstallRunnerAction runs the postinstall program of every partition
// that asks for one, then makes the target slot active.
type PostinstallRunnerAction struct {
	action.Input[*payload.InstallPlan]
	action.Output[*payload.InstallPlan]

	log      logging.Logger
	loop     loop.Loop
	runner   *hostexec.Runner
	bc       bootcontrol.BootControl
	hw       hardware.Hardware
	cfg      Config
	progress ProgressFunc

	done       action.Completer
	plan       *payload.InstallPlan
	parts      []payload.Partition
	idx        int
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	suspended  bool
	terminated bool
}

var (
	_ action.InputAction[*payload.InstallPlan]  = (*PostinstallRunnerAction)(nil)
	_ action.OutputAction[*payload.InstallPlan] = (*PostinstallRunnerAction)(nil)
)

func NewPostinstallRunnerAction(log logging.Logger, l loop.Loop, runner *hostexec.Runner, bc bootcontrol.BootControl, hw hardware.Hardware, cfg Config) *PostinstallRunnerAction {
	if cfg.MountDir == "" {
		cfg.MountDir = DefaultMountDir
	}
	if cfg.MountBin == "" {
		cfg.MountBin = DefaultMountBin
	}
	if cfg.UmountBin == "" {
		cfg.UmountBin = DefaultUmountBin
	}
	return &PostinstallRunnerAction{
		log:    log,
		loop:   l,
		runner: runner,
		bc:     bc,
		hw:     hw,
		cfg:    cfg,
	}
}

func (*PostinstallRunnerAction) Type() action.Type { return action.TypePostinstallRunner }

// SetProgress sets the receiver of progress reports.
func (a *PostinstallRunnerAction) SetProgress(fn ProgressFunc) {
	a.progress = fn
}

func (a *PostinstallRunnerAction) PerformAction(done action.Completer) {
	a.done = done
	plan := a.InputObject()
	if plan == nil {
		a.log.Error("no install plan to finalize")
		done.Complete(errorcode.PostinstallRunnerError)
		return
	}
	a.plan = plan
	a.parts = nil
	if plan.RunPostInstall {
		for _, p := range plan.Partitions {
			if p.RunPostinstall && p.PostinstallPath != "" {
				a.parts = append(a.parts, p)
			}
		}
	}
	a.idx = 0
	a.runNext()
}

func (a *PostinstallRunnerAction) runNext() {
	if a.terminated {
		a.done.Complete(errorcode.UserCanceled)
		return
	}
	if a.idx >= len(a.parts) {
		a.finalize()
		return
	}
	part := a.parts[a.idx]
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		mountPoint, err := a.mount(ctx, part)
		a.loop.Post(func() { a.mounted(ctx, part, mountPoint, err) })
	}()
}

func (a *PostinstallRunnerAction) mount(ctx context.Context, part payload.Partition) (string, error) {
	if part.FilesystemType == "" {
		return "", nil
	}
	mountPoint := filepath.Join(a.cfg.MountDir, part.Name)
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return "", errors.Wrap(err, "create mount point")
	}
	_, err := a.runner.Run(ctx, a.cfg.MountBin,
		"-t", part.FilesystemType, "-o", "ro", part.TargetPath, mountPoint)
	if err != nil {
		return "", errors.WithMessagef(err, "mount %s", part.TargetPath)
	}
	return mountPoint, nil
}

func (a *PostinstallRunnerAction) unmount(mountPoint string) {
	if mountPoint == "" {
		return
	}
	if _, err := a.runner.Run(context.Background(), a.cfg.UmountBin, mountPoint); err != nil {
		a.log.WithError(err).WithField("mount", mountPoint).Warn("unable to unmount partition")
	}
}

func (a *PostinstallRunnerAction) mounted(ctx context.Context, part payload.Partition, mountPoint string, err error) {
	log := a.log.WithField("partition", part.Name)
	if a.terminated {
		go a.unmount(mountPoint)
		a.done.Complete(errorcode.UserCanceled)
		return
	}
	if err != nil {
		log.WithError(err).Error("unable to prepare postinstall")
		a.partitionFailed(part, errorcode.PostinstallRunnerError)
		return
	}

	program := part.PostinstallPath
	if mountPoint != "" {
		program = filepath.Join(mountPoint, part.PostinstallPath)
	}
	cmd := a.runner.Command(ctx, program, part.TargetPath)
	cmd.Env = append(os.Environ(),
		EnvTargetSlot+"="+strconv.Itoa(int(a.plan.TargetSlot)),
		EnvTargetVersion+"="+a.plan.Version,
		EnvStagingPath+"="+a.plan.StagingPath,
		EnvPowerwashRequired+"="+strconv.FormatBool(a.plan.PowerwashRequired),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log = log.WithField("program", program)
	log.Info("running postinstall")
	if err := cmd.Start(); err != nil {
		a.unmount(mountPoint)
		log.WithError(err).Error("unable to start postinstall")
		a.partitionFailed(part, errorcode.PostinstallRunnerError)
		return
	}
	a.cmd = cmd
	if a.suspended {
		a.signal(syscall.SIGSTOP)
	}
	go func() {
		err := cmd.Wait()
		a.unmount(mountPoint)
		a.loop.Post(func() { a.exited(part, out.String(), err) })
	}()
}

func (a *PostinstallRunnerAction) exited(part payload.Partition, output string, err error) {
	a.cmd = nil
	a.cancel()
	log := a.log.WithFields(logrus.Fields{
		"partition": part.Name,
		"output":    output,
	})
	if a.terminated {
		log.Info("postinstall terminated")
		a.done.Complete(errorcode.UserCanceled)
		return
	}
	if err != nil {
		code := hostexec.ExitCode(err)
		log.WithError(err).WithField("exit", code).Error("postinstall failed")
		switch code {
		case ExitBootedFromFirmwareB:
			a.done.Complete(errorcode.PostinstallBootedFromFirmwareB)
		case ExitFirmwareRONotUpdatable:
			a.done.Complete(errorcode.PostinstallFirmwareRONotUpdatable)
		default:
			a.partitionFailed(part, errorcode.PostinstallRunnerError)
		}
		return
	}
	log.Info("postinstall succeeded")
	a.advance()
}

func (a *PostinstallRunnerAction) partitionFailed(part payload.Partition, code errorcode.Code) {
	if part.PostinstallOptional {
		a.log.WithField("partition", part.Name).Warn("ignoring failure of optional postinstall")
		a.advance()
		return
	}
	a.done.Complete(code)
}

func (a *PostinstallRunnerAction) advance() {
	a.idx++
	if a.progress != nil && len(a.parts) > 0 {
		a.progress(float64(a.idx) / float64(len(a.parts)))
	}
	a.runNext()
}

func (a *PostinstallRunnerAction) finalize() {
	plan := a.plan
	if plan.SwitchSlotOnReboot {
		log := a.log.WithField("slot", plan.TargetSlot)
		if err := a.bc.SetActiveBootSlot(plan.TargetSlot); err != nil {
			log.WithError(err).Error("unable to activate slot")
			a.done.Complete(errorcode.PostinstallRunnerError)
			return
		}
		log.Info("slot will be booted next")
	}
	if plan.PowerwashRequired {
		if err := a.hw.SchedulePowerwash(); err != nil {
			a.log.WithError(err).Error("unable to schedule powerwash")
			a.done.Complete(errorcode.PostinstallPowerwashError)
			return
		}
		a.log.Info("powerwash scheduled")
	}
	a.SetOutputObject(plan)
	a.done.Complete(errorcode.Success)
}

func (a *PostinstallRunnerAction) signal(sig syscall.Signal) {
	if a.cmd == nil || a.cmd.Process == nil {
		return
	}
	// The program runs in its own process group.
	if err := syscall.Kill(-a.cmd.Process.Pid, sig); err != nil {
		a.log.WithError(err).WithField("signal", sig).Warn("unable to signal postinstall")
	}
}

func (a *PostinstallRunnerAction) TerminateProcessing() {
	if a.cancel == nil {
		return
	}
	a.terminated = true
	if a.suspended {
		a.signal(syscall.SIGCONT)
	}
	a.signal(syscall.SIGKILL)
	a.cancel()
}

func (a *PostinstallRunnerAction) SuspendAction() {
	a.suspended = true
	a.signal(syscall.SIGSTOP)
}

func (a *PostinstallRunnerAction) ResumeAction() {
	a.suspended = false
	a.signal(syscall.SIGCONT)
}
