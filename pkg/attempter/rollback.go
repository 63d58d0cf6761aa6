package attempter

import (
	"context"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/postinstall"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GetRollbackSlot returns the first bootable slot other than the current
// one, or InvalidSlot.
func (u *UpdateAttempter) GetRollbackSlot() bootcontrol.Slot {
	bc := u.deps.BootControl
	n := bc.GetNumSlots()
	current := bc.GetCurrentSlot()
	if !current.Valid() || n < 2 {
		return bootcontrol.InvalidSlot
	}
	for slot := bootcontrol.Slot(0); int(slot) < n; slot++ {
		if slot != current && bc.IsSlotBootable(slot) {
			return slot
		}
	}
	return bootcontrol.InvalidSlot
}

// CanRollback reports whether Rollback would be attempted.
func (u *UpdateAttempter) CanRollback() bool {
	return u.status == status.Idle && u.GetRollbackSlot().Valid()
}

// Rollback makes the other bootable slot active again, wiping stateful data
// when powerwash is set.
func (u *UpdateAttempter) Rollback(powerwash bool) bool {
	if !u.CanRollback() {
		u.log.WithField("status", u.status).Error("rollback not possible")
		return false
	}
	bc := u.deps.BootControl
	plan := &payload.InstallPlan{
		SourceSlot:         bc.GetCurrentSlot(),
		TargetSlot:         u.GetRollbackSlot(),
		PowerwashRequired:  powerwash,
		IsRollback:         true,
		RunPostInstall:     true,
		SwitchSlotOnReboot: true,
	}
	if err := plan.LoadPartitionsFromSlots(bc); err != nil {
		u.log.WithError(err).Error("unable to resolve partitions for rollback")
		return false
	}
	u.log.WithFields(logrus.Fields{
		"slot":      plan.TargetSlot,
		"powerwash": powerwash,
	}).Info("rolling back")

	u.resetAttempt()
	u.plan = plan
	inject := payload.NewInstallPlanAction(plan)
	post := postinstall.NewPostinstallRunnerAction(logging.SubLogger(u.log, "postinstall"), u.deps.Loop, u.deps.Runner, bc, u.deps.Hardware, u.cfg.Postinstall)
	post.SetProgress(u.progressUpdate)
	action.Bond[*payload.InstallPlan](inject, post)
	u.processor.EnqueueAction(inject)
	u.processor.EnqueueAction(post)

	u.setStatusAndNotify(status.AttemptingRollback)
	u.scheduleProcessingStart()
	return true
}

// ResetStatus forgets an applied update that awaits reboot, making the
// current slot active again.
func (u *UpdateAttempter) ResetStatus() error {
	u.log.WithField("status", u.status).Info("resetting status")
	switch u.status {
	case status.Idle:
		return nil
	case status.UpdatedNeedReboot:
	default:
		return errors.Errorf("reset not allowed while %s", u.status)
	}

	var failed error
	keep := func(err error, msg string) {
		if err != nil && !prefs.IsNotFound(err) && failed == nil {
			failed = errors.WithMessage(err, msg)
		}
	}
	p := u.deps.Prefs
	keep(p.Delete(prefs.KeyUpdateCompletedOnBootID), "remove update completed marker")
	keep(p.Delete(prefs.KeyUpdateCompletedBootTime), "remove update completed time")
	keep(p.Delete(prefs.KeySystemUpdatedMarker), "remove updated marker")

	bc := u.deps.BootControl
	keep(bc.SetActiveBootSlot(bc.GetCurrentSlot()), "activate current slot")
	// Activating a slot may clear its successful boot flag.
	keep(bc.MarkBootSuccessful(), "mark boot successful")

	// The previous version is reported with the next check; there is none now.
	keep(p.SetString(prefs.KeyPreviousVersion, ""), "clear previous version")
	u.deps.Manager.State().Updater.UpdateCompletedTime.UnsetValue()

	u.plan = nil
	u.newVersion, u.newPayloadSize = "", 0
	u.setStatusAndNotify(status.Idle)
	if failed != nil {
		u.log.WithError(failed).Error("reset status incomplete")
	}
	return failed
}

// RebootIfNeeded reboots the host when an applied update awaits it. The
// reboot runs in the background; its failure is only logged.
func (u *UpdateAttempter) RebootIfNeeded() bool {
	if u.status != status.UpdatedNeedReboot {
		u.log.WithField("status", u.status).Debug("not rebooting, no update applied")
		return false
	}
	if u.deps.Rebooter == nil {
		u.log.Warn("no way to reboot the host")
		return false
	}
	r := u.deps.Rebooter
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rebootRequestTimeout)
		defer cancel()
		err := r.Reboot(ctx)
		u.deps.Loop.Post(func() {
			if err != nil {
				u.log.WithError(err).Error("unable to reboot into the update")
			}
		})
	}()
	return true
}
