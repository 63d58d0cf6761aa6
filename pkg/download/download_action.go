package download

import (
	"encoding/hex"
	"hash"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/sirupsen/logrus"
)

// progressPersistInterval is how many bytes may be received between writes
// of the resume offset.
const progressPersistInterval = 1 << 20

// Delegate follows the progress of a DownloadAction.
type Delegate interface {
	// BytesReceived reports length new bytes, received of total so far.
	BytesReceived(length, received, total int64)
	// ShouldCancel returns the code to stop the download with, if any.
	ShouldCancel() (errorcode.Code, bool)
	DownloadComplete()
}

// Sharer publishes the first payload to peers while it downloads.
type Sharer interface {
	// FileShare returns the path the shared copy is written to.
	FileShare(fileID string, expectedSize int64) (string, error)
	FileMakeVisible(fileID string) error
}

// DownloadAction fetches every payload of the plan, checks sizes and hashes,
// and passes the plan on.
type DownloadAction struct {
	action.Input[*payload.InstallPlan]
	action.Output[*payload.InstallPlan]

	log        logging.Logger
	prefs      prefs.Prefs
	newFetcher func() Fetcher
	writer     Writer
	sharer     Sharer
	delegate   Delegate

	done     action.Completer
	plan     *payload.InstallPlan
	fetcher  Fetcher
	hasher   hash.Hash
	idx      int
	current  int64
	received int64
	total    int64

	persisted int64
	code      errorcode.Code
	share     *FileWriter
	httpCode  int
}

var (
	_ action.InputAction[*payload.InstallPlan]  = (*DownloadAction)(nil)
	_ action.OutputAction[*payload.InstallPlan] = (*DownloadAction)(nil)
	_ FetcherDelegate                           = (*DownloadAction)(nil)
)

// NewDownloadAction creates a DownloadAction. newFetcher is called once per
// payload. sharer may be nil.
func NewDownloadAction(log logging.Logger, p prefs.Prefs, newFetcher func() Fetcher, w Writer, sharer Sharer) *DownloadAction {
	return &DownloadAction{
		log:        log,
		prefs:      p,
		newFetcher: newFetcher,
		writer:     w,
		sharer:     sharer,
	}
}

func (*DownloadAction) Type() action.Type { return action.TypeDownload }

func (a *DownloadAction) SetDelegate(d Delegate) {
	a.delegate = d
}

// HTTPResponseCode is the status of the last payload response.
func (a *DownloadAction) HTTPResponseCode() int {
	if a.fetcher != nil {
		return a.fetcher.HTTPResponseCode()
	}
	return a.httpCode
}

func (a *DownloadAction) PerformAction(done action.Completer) {
	a.done = done
	plan := a.InputObject()
	if plan == nil {
		a.log.Error("no install plan to download")
		done.Complete(errorcode.Error)
		return
	}
	if len(plan.Payloads) == 0 {
		a.log.Error("install plan has no payloads")
		done.Complete(errorcode.InstallPlanError)
		return
	}
	a.plan = plan
	a.total = plan.PayloadSize()
	a.code = errorcode.Success

	var offset int64
	if plan.IsResume {
		offset = prefs.Int64Or(a.prefs, prefs.KeyUpdateStateNextDataOffset, 0)
		if offset < 0 || offset > a.total {
			offset = 0
		}
		a.log.WithField("offset", offset).Info("resuming download")
	} else {
		a.resetProgress()
	}
	a.persisted = offset

	a.idx = 0
	for a.idx < len(plan.Payloads) && offset >= plan.Payloads[a.idx].Size {
		offset -= plan.Payloads[a.idx].Size
		a.received += plan.Payloads[a.idx].Size
		a.idx++
	}
	if a.idx == len(plan.Payloads) {
		a.finish()
		return
	}
	if code := a.beginPayload(offset); code != errorcode.Success {
		a.complete(code)
	}
}

func (a *DownloadAction) beginPayload(offset int64) errorcode.Code {
	p := a.plan.Payloads[a.idx]
	path := a.plan.PayloadPath(a.idx)
	log := a.log.WithFields(logrus.Fields{
		"payload": a.idx,
		"target":  path,
		"offset":  offset,
		"size":    p.Size,
	})
	if path == "" {
		log.Error("payload has no target")
		return errorcode.InstallPlanError
	}
	if err := a.writer.Open(path, offset); err != nil {
		log.WithError(err).Error("unable to open payload target")
		return errorcode.DownloadStateInitializationError
	}
	h, err := hashPrefix(path, offset)
	if err != nil {
		log.WithError(err).Error("unable to hash resumed payload")
		a.writer.Close()
		a.resetProgress()
		return errorcode.DownloadStateInitializationError
	}
	a.hasher = h
	a.current = offset
	a.received += offset

	if a.idx == 0 && a.plan.ShareOverP2P && a.sharer != nil {
		a.openShare(offset)
	}

	url := a.plan.PayloadURL(a.idx)
	log.WithField("url", url).Info("starting payload download")
	f := a.newFetcher()
	f.SetDelegate(a)
	f.SetOffset(offset)
	f.SetLength(0)
	a.fetcher = f
	f.BeginTransfer(url)
	return errorcode.Success
}

func (a *DownloadAction) openShare(offset int64) {
	path, err := a.sharer.FileShare(a.plan.P2PFileID, a.plan.Payloads[0].Size)
	if err != nil {
		a.log.WithError(err).Warn("unable to share payload with peers")
		return
	}
	w := &FileWriter{}
	if err := w.Open(path, offset); err != nil {
		a.log.WithError(err).Warn("unable to share payload with peers")
		return
	}
	a.share = w
}

func (a *DownloadAction) closeShare(visible bool) {
	if a.share == nil {
		return
	}
	if err := a.share.Close(); err != nil {
		a.log.WithError(err).Warn("unable to close shared payload")
		visible = false
	}
	a.share = nil
	if visible {
		if err := a.sharer.FileMakeVisible(a.plan.P2PFileID); err != nil {
			a.log.WithError(err).Warn("unable to make shared payload visible")
		}
	}
}

func (a *DownloadAction) ReceivedBytes(_ Fetcher, data []byte) bool {
	if a.delegate != nil {
		if code, cancel := a.delegate.ShouldCancel(); cancel {
			a.log.WithField("code", code).Info("download canceled")
			a.code = code
			return false
		}
	}
	p := a.plan.Payloads[a.idx]
	n := int64(len(data))
	if a.current+n > p.Size {
		a.log.WithFields(logrus.Fields{
			"payload": a.idx,
			"size":    p.Size,
		}).Error("payload is larger than expected")
		a.code = errorcode.PayloadSizeMismatch
		return false
	}
	if err := a.writer.Write(data); err != nil {
		a.log.WithError(err).Error("unable to write payload")
		a.code = errorcode.DownloadWriteError
		return false
	}
	a.hasher.Write(data)
	if a.share != nil {
		if err := a.share.Write(data); err != nil {
			a.log.WithError(err).Warn("stopped sharing payload")
			a.share.Close()
			a.share = nil
		}
	}
	a.current += n
	a.received += n
	if a.received-a.persisted >= progressPersistInterval {
		a.persistProgress()
	}
	if a.delegate != nil {
		a.delegate.BytesReceived(n, a.received, a.total)
	}
	return true
}

func (a *DownloadAction) TransferTerminated(f Fetcher) {
	a.httpCode = f.HTTPResponseCode()
	a.writer.Close()
	a.closeShare(false)
	code := a.code
	if code == errorcode.Success {
		code = errorcode.UserCanceled
	}
	if code.Base() != errorcode.PayloadSizeMismatch {
		a.persistProgress()
	} else {
		a.resetProgress()
	}
	a.complete(code)
}

func (a *DownloadAction) TransferComplete(f Fetcher, success bool) {
	a.httpCode = f.HTTPResponseCode()
	if !success {
		a.writer.Close()
		a.closeShare(false)
		a.persistProgress()
		a.complete(errorcode.DownloadTransferError)
		return
	}
	p := a.plan.Payloads[a.idx]
	log := a.log.WithField("payload", a.idx)
	if err := a.writer.Close(); err != nil {
		log.WithError(err).Error("unable to finish writing payload")
		a.closeShare(false)
		a.complete(errorcode.DownloadWriteError)
		return
	}
	if a.current != p.Size {
		log.WithFields(logrus.Fields{"size": p.Size, "received": a.current}).Error("payload size mismatch")
		a.closeShare(false)
		a.resetProgress()
		a.complete(errorcode.PayloadSizeMismatch)
		return
	}
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	if (p.Hash != "" || a.plan.HashChecksMandatory) && sum != p.Hash {
		log.WithFields(logrus.Fields{"expected": p.Hash, "actual": sum}).Error("payload hash mismatch")
		a.closeShare(false)
		a.resetProgress()
		a.complete(errorcode.PayloadHashMismatch)
		return
	}
	log.Info("payload downloaded")
	if a.idx == 0 {
		a.closeShare(true)
	}
	a.persistProgress()
	a.fetcher = nil

	a.idx++
	if a.idx < len(a.plan.Payloads) {
		if code := a.beginPayload(0); code != errorcode.Success {
			a.complete(code)
		}
		return
	}
	a.finish()
}

func (a *DownloadAction) finish() {
	a.resetProgress()
	if a.delegate != nil {
		a.delegate.DownloadComplete()
	}
	a.SetOutputObject(a.plan)
	a.complete(errorcode.Success)
}

func (a *DownloadAction) complete(code errorcode.Code) {
	a.done.Complete(code)
}

func (a *DownloadAction) persistProgress() {
	a.persisted = a.received
	if err := a.prefs.SetInt64(prefs.KeyUpdateStateNextDataOffset, a.received); err != nil {
		a.log.WithError(err).Warn("unable to persist download progress")
	}
}

func (a *DownloadAction) resetProgress() {
	if !a.prefs.Exists(prefs.KeyUpdateStateNextDataOffset) {
		return
	}
	if err := a.prefs.Delete(prefs.KeyUpdateStateNextDataOffset); err != nil {
		a.log.WithError(err).Warn("unable to reset download progress")
	}
}

func (a *DownloadAction) TerminateProcessing() {
	if a.fetcher == nil {
		return
	}
	if a.code == errorcode.Success {
		a.code = errorcode.UserCanceled
	}
	a.fetcher.TerminateTransfer()
}

func (a *DownloadAction) SuspendAction() {
	if a.fetcher != nil {
		a.fetcher.Pause()
	}
}

func (a *DownloadAction) ResumeAction() {
	if a.fetcher != nil {
		a.fetcher.Unpause()
	}
}
