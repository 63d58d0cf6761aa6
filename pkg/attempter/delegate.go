package attempter

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/download"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/updatecheck"
	"github.com/sirupsen/logrus"
)

func (u *UpdateAttempter) ActionCompleted(p *action.Processor, a action.Action, code errorcode.Code) {
	// Reporting an earlier failure is best effort and never counts against
	// the payload.
	if u.status == status.ReportingErrorEvent {
		if !code.IsSuccess() {
			u.log.WithField("code", code).Warn("unable to report error event")
		}
		return
	}

	switch a.Type() {
	case action.TypeDownload:
		u.downloadProgress = 0
		if dl, ok := a.(*download.DownloadAction); ok {
			u.httpResponseCode = dl.HTTPResponseCode()
		}
	case action.TypeUpdateCheck:
		if check, ok := a.(*updatecheck.CheckAction); ok && !check.IsEvent() {
			u.updateCheckCompleted(check)
		}
	case action.TypeResponseHandler:
		u.responseHandled(code)
	}

	if !code.IsSuccess() {
		// Transfer errors say nothing about the payload.
		if code.Base() != errorcode.DownloadTransferError {
			switch u.status {
			case status.Idle, status.CheckingForUpdate, status.UpdateAvailable, status.NeedPermissionToUpdate:
			default:
				u.markDeltaUpdateFailure()
			}
		}
		if code != errorcode.NoUpdate {
			u.createPendingErrorEvent(a, code)
		}
		return
	}

	switch a.Type() {
	case action.TypeDownload:
		u.setStatusAndNotify(status.Verifying)
	case action.TypeFilesystemVerifier:
		u.setStatusAndNotify(status.Finalizing)
	}
}

func (u *UpdateAttempter) updateCheckCompleted(check *updatecheck.CheckAction) {
	updater := u.deps.Manager.State().Updater
	u.httpResponseCode = check.HTTPResponseCode()
	switch u.httpResponseCode {
	case httpInternalServerError, httpServiceUnavailable:
		u.consecutiveFailedChecks++
	default:
		u.consecutiveFailedChecks = 0
	}
	updater.ConsecutiveFailedUpdateChecks.SetValue(u.consecutiveFailedChecks)
	if err := u.deps.Prefs.SetInt64(prefs.KeyConsecutiveFailedChecks, int64(u.consecutiveFailedChecks)); err != nil {
		u.log.WithError(err).Warn("unable to persist failed update check count")
	}

	u.serverPollInterval = 0
	if u.handler != nil {
		if resp := u.handler.InputObject(); resp != nil && resp.PollInterval > 0 {
			u.serverPollInterval = time.Duration(resp.PollInterval) * time.Second
		}
	}
	updater.ServerDictatedPollInterval.SetValue(u.serverPollInterval)
}

func (u *UpdateAttempter) responseHandled(code errorcode.Code) {
	switch code {
	case errorcode.Success, errorcode.UpdateDeferredPerPolicy, errorcode.UpdateIgnoredOverCellular:
	default:
		return
	}
	if u.download == nil {
		return
	}
	plan := u.download.InputObject()
	if plan == nil {
		return
	}
	u.newVersion = plan.Version
	u.newPayloadSize = plan.PayloadSize()
	if code == errorcode.UpdateIgnoredOverCellular {
		u.setStatusAndNotify(status.NeedPermissionToUpdate)
		return
	}
	// Downloading is announced with the first bytes received.
	u.plan = plan
	u.updateLastCheckedTime()
	u.setStatusAndNotify(status.UpdateAvailable)
}

func (u *UpdateAttempter) ProcessingDone(p *action.Processor, code errorcode.Code) {
	if u.status == status.ReportingErrorEvent {
		if code.IsSuccess() {
			u.log.Info("error event sent")
		} else {
			u.log.WithField("code", code).Warn("error event not sent")
		}
		fake := u.fakeUpdateSuccess
		u.fakeUpdateSuccess = false
		if !fake {
			u.plan = nil
		}
		u.setStatusAndNotify(status.Idle)
		u.ScheduleUpdates()
		if !fake {
			return
		}
		u.log.Info("booted from firmware B and updated firmware, asking for a reboot")
	}

	u.attemptErrorCode = code.Base()
	if code.IsSuccess() {
		u.updateSucceeded()
		u.setStatusAndNotify(status.UpdatedNeedReboot)
		u.ScheduleUpdates()
		u.log.WithField("version", u.newVersion).Info("update applied, waiting for reboot")
		return
	}

	if u.scheduleErrorEventAction() {
		return
	}
	u.log.WithField("code", code).Info("no update")
	// A deferred update is found again on the next check.
	u.plan = nil
	u.setStatusAndNotify(status.Idle)
	u.ScheduleUpdates()
}

// updateSucceeded records a completed attempt.
func (u *UpdateAttempter) updateSucceeded() {
	p := u.deps.Prefs
	log := u.log
	if err := u.writeUpdateCompletedMarker(); err != nil {
		log.WithError(err).Error("unable to write update completed marker")
	}
	if err := p.SetInt64(prefs.KeyDeltaUpdateFailures, 0); err != nil {
		log.WithError(err).Warn("unable to reset delta update failures")
	}
	if err := p.SetString(prefs.KeyPreviousVersion, u.currentVersion()); err != nil {
		log.WithError(err).Warn("unable to record previous version")
	}
	if err := p.SetInt64(prefs.KeySystemUpdatedMarker, u.deps.Clock.Now().Unix()); err != nil {
		log.WithError(err).Warn("unable to write updated marker")
	}
	u.resetUpdateProgress()
	u.deps.PayloadState.UpdateSucceeded()
	// A new wait period and check count are drawn for the next update.
	u.deps.PayloadState.ResetScattering()

	if u.plan != nil && u.plan.IsRollback {
		u.deps.PayloadState.SetRollbackHappened(true)
	}
}

func (u *UpdateAttempter) currentVersion() string {
	if u.params.AppVersion != "" {
		return u.params.AppVersion
	}
	return u.cfg.AppVersion
}

func (u *UpdateAttempter) ProcessingStopped(p *action.Processor) {
	u.downloadProgress = 0
	u.errorEvent = nil
	u.plan = nil
	u.deps.Manager.State().Updater.ForcedUpdateRequested.SetValue(policy.ForcedUpdateNone)
	u.setStatusAndNotify(status.Idle)
	u.ScheduleUpdates()
}

// BytesReceived follows the download action's progress.
func (u *UpdateAttempter) BytesReceived(length, received, total int64) {
	u.deps.PayloadState.DownloadProgress(length)
	var progress float64
	if total > 0 {
		progress = float64(received) / float64(total)
	}
	if u.status != status.Downloading || received == total {
		u.downloadProgress = progress
		u.setStatusAndNotify(status.Downloading)
		return
	}
	u.progressUpdate(progress)
}

// progressUpdate broadcasts progress when it moved enough or enough time
// passed.
func (u *UpdateAttempter) progressUpdate(progress float64) {
	if progress == 1 ||
		progress-u.downloadProgress >= broadcastThresholdProgress ||
		u.deps.Clock.Monotonic().Sub(u.lastNotify) >= broadcastThresholdSeconds {
		u.downloadProgress = progress
		u.broadcastStatus()
	}
}

// ShouldCancel stops the download once the target channel moved away from
// the one the update was found on.
func (u *UpdateAttempter) ShouldCancel() (errorcode.Code, bool) {
	target, err := u.deps.Manager.State().Device.TargetChannel.Value(context.Background())
	if err != nil || target == "" || target == u.params.Channel {
		return errorcode.Success, false
	}
	u.log.WithFields(logrus.Fields{
		"target":   target,
		"download": u.params.Channel,
	}).Error("target channel changed, aborting download")
	return errorcode.UpdateCanceledByChannelChange, true
}

func (u *UpdateAttempter) DownloadComplete() {
	u.deps.PayloadState.DownloadComplete()
}

// errorCodeFlags describes the environment of the attempt.
func (u *UpdateAttempter) errorCodeFlags() errorcode.Code {
	var flags errorcode.Code
	hw := u.deps.Hardware
	if !hw.IsNormalBootMode() {
		flags |= errorcode.DevModeFlag
	}
	if u.plan != nil && u.plan.IsResume {
		flags |= errorcode.ResumedFlag
	}
	if !hw.IsOfficialBuild() {
		flags |= errorcode.TestImageFlag
	}
	if u.params.ServerURL != "" && u.params.ServerURL != u.cfg.ServerURL {
		flags |= errorcode.TestURLFlag
	}
	return flags
}

// errorForAction makes a generic failure specific to the action that failed.
func errorForAction(a action.Action, code errorcode.Code) errorcode.Code {
	if code != errorcode.Error {
		return code
	}
	switch a.Type() {
	case action.TypeUpdateCheck:
		return errorcode.UpdateCheckError
	case action.TypeResponseHandler:
		return errorcode.ResponseHandlerError
	case action.TypeFilesystemVerifier:
		return errorcode.FilesystemVerifierError
	case action.TypePostinstallRunner:
		return errorcode.PostinstallRunnerError
	}
	return code
}

func (u *UpdateAttempter) createPendingErrorEvent(a action.Action, code errorcode.Code) {
	if u.errorEvent != nil || u.status == status.ReportingErrorEvent {
		u.log.WithField("code", code).Warn("error event already pending")
		return
	}
	result := updatecheck.EventResultError
	switch code.Base() {
	case errorcode.UpdateIgnoredPerPolicy, errorcode.UpdateDeferredPerPolicy, errorcode.UpdateDeferredForBackoff:
		result = updatecheck.EventResultUpdateDeferred
	}
	code = errorForAction(a, code)
	u.fakeUpdateSuccess = code == errorcode.PostinstallBootedFromFirmwareB
	u.errorEvent = &updatecheck.Event{
		Type:      updatecheck.EventUpdateComplete,
		Result:    result,
		ErrorCode: code | u.errorCodeFlags(),
	}
}

// scheduleErrorEventAction reports the pending error event, if any, in a run
// of its own.
func (u *UpdateAttempter) scheduleErrorEventAction() bool {
	event := u.errorEvent
	if event == nil {
		return false
	}
	u.errorEvent = nil
	u.log.WithField("code", event.ErrorCode).Error("update failed")
	u.deps.PayloadState.UpdateFailed(event.ErrorCode)

	u.processor.EnqueueAction(updatecheck.NewEventAction(logging.SubLogger(u.log, "event"), u.deps.Loop, u.deps.Transport, u.pingParams(), event))
	u.setStatusAndNotify(status.ReportingErrorEvent)
	if err := u.processor.StartProcessing(); err != nil {
		u.log.WithError(err).Error("unable to report error event")
		u.setStatusAndNotify(status.Idle)
		u.ScheduleUpdates()
	}
	return true
}

// writeUpdateCompletedMarker ties the applied update to the current boot.
func (u *UpdateAttempter) writeUpdateCompletedMarker() error {
	now := u.deps.Clock.Now()
	u.deps.Manager.State().Updater.UpdateCompletedTime.SetValue(now)
	id, err := u.deps.Hardware.BootID()
	if err != nil {
		return err
	}
	if err := u.deps.Prefs.SetString(prefs.KeyUpdateCompletedOnBootID, id); err != nil {
		return err
	}
	return u.deps.Prefs.SetInt64(prefs.KeyUpdateCompletedBootTime, now.Unix())
}

func (u *UpdateAttempter) updateCompletedOnThisBoot() bool {
	marked, err := u.deps.Prefs.GetString(prefs.KeyUpdateCompletedOnBootID)
	if err != nil || marked == "" {
		return false
	}
	id, err := u.deps.Hardware.BootID()
	return err == nil && id == marked
}
