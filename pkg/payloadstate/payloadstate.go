// Package payloadstate keeps the retry bookkeeping of the payload currently
// being installed: which URL to use, how often it failed, when to try again.
// Everything that has to survive a restart is written through to prefs.
package payloadstate

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxFailuresPerURL is used when the response names no limit.
	DefaultMaxFailuresPerURL = 10

	// Bounds of the random update check count drawn when scattering.
	ScatterCheckThresholdMin = 1
	ScatterCheckThresholdMax = 8
)

// Response is the part of an update check response that identifies the
// payload and tunes its retries.
type Response struct {
	// Signature changes whenever the payload set changes.
	Signature string
	URLs      []string
	IsDelta   bool

	MaxFailuresPerURL     int
	DisableBackoff        bool
	DisableP2PDownloading bool
	DisableP2PSharing     bool
	MaxScatterWait        time.Duration
}

// State is the payload state of one daemon. It is not safe for concurrent
// use and is only touched from the loop.
type State struct {
	log   logging.Logger
	prefs prefs.Prefs
	clock clock.Clock

	response Response

	urlIndex            int
	urlFailureCount     int
	attemptNumber       int64
	failuresLastUpdated time.Time
	backoffExpiry       time.Time
	downloadErrors      []policy.DownloadError

	firstSeen             time.Time
	numChecks             int64
	scatterWait           time.Duration
	scatterCheckThreshold int64

	p2pNumAttempts  int64
	p2pFirstAttempt time.Time
	p2pURL          string
	p2pSharing      bool

	bytesDownloaded int64
	resumed         bool
}

// New loads the persisted state.
func New(log logging.Logger, p prefs.Prefs, c clock.Clock) *State {
	s := &State{log: log, prefs: p, clock: c}
	s.load()
	return s
}

func (s *State) load() {
	s.urlIndex = int(prefs.Int64Or(s.prefs, prefs.KeyCurrentURLIndex, 0))
	s.urlFailureCount = int(prefs.Int64Or(s.prefs, prefs.KeyCurrentURLFailureCount, 0))
	s.attemptNumber = prefs.Int64Or(s.prefs, prefs.KeyPayloadAttemptNumber, 0)
	s.failuresLastUpdated = s.loadTime(prefs.KeyFailuresLastUpdated)
	s.backoffExpiry = s.loadTime(prefs.KeyBackoffExpiryTime)
	s.firstSeen = s.loadTime(prefs.KeyUpdateFirstSeenAt)
	s.numChecks = prefs.Int64Or(s.prefs, prefs.KeyUpdateCheckCount, 0)
	s.scatterWait = time.Duration(prefs.Int64Or(s.prefs, prefs.KeyWallClockScatteringWait, 0)) * time.Second
	s.scatterCheckThreshold = prefs.Int64Or(s.prefs, prefs.KeyScatterCheckThreshold, 0)
	s.p2pNumAttempts = prefs.Int64Or(s.prefs, prefs.KeyP2PNumAttempts, 0)
	s.p2pFirstAttempt = s.loadTime(prefs.KeyP2PFirstAttemptTimestamp)

	if s.urlIndex < 0 {
		s.urlIndex = 0
	}
	if s.attemptNumber < 0 {
		s.attemptNumber = 0
	}
}

func (s *State) loadTime(key string) time.Time {
	v := prefs.Int64Or(s.prefs, key, 0)
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func (s *State) storeTime(key string, t time.Time) {
	if t.IsZero() {
		s.del(key)
		return
	}
	s.setInt(key, t.Unix())
}

func (s *State) setInt(key string, v int64) {
	if err := s.prefs.SetInt64(key, v); err != nil {
		s.log.WithError(err).WithField("key", key).Error("unable to persist payload state")
	}
}

func (s *State) del(key string) {
	if !s.prefs.Exists(key) {
		return
	}
	if err := s.prefs.Delete(key); err != nil {
		s.log.WithError(err).WithField("key", key).Error("unable to delete payload state")
	}
}

// SetResponse records the response of a successful update check. A response
// for a different payload than the persisted one starts over. It reports
// whether the payload is the one previously attempted.
func (s *State) SetResponse(r Response) bool {
	if r.MaxFailuresPerURL <= 0 {
		r.MaxFailuresPerURL = DefaultMaxFailuresPerURL
	}
	s.response = r

	same := prefs.StringOr(s.prefs, prefs.KeyUpdateCheckResponseHash, "") == r.Signature
	if !same {
		s.log.WithField("signature", r.Signature).Info("new payload, resetting payload state")
		s.resetPersisted()
		if err := s.prefs.SetString(prefs.KeyUpdateCheckResponseHash, r.Signature); err != nil {
			s.log.WithError(err).Error("unable to persist response signature")
		}
	}
	if s.urlIndex >= len(r.URLs) {
		s.setURLIndex(0, 0)
	}
	if s.firstSeen.IsZero() {
		s.firstSeen = s.clock.Now()
		s.storeTime(prefs.KeyUpdateFirstSeenAt, s.firstSeen)
	}
	s.numChecks++
	s.setInt(prefs.KeyUpdateCheckCount, s.numChecks)
	return same
}

// Response returns the response last given to SetResponse.
func (s *State) Response() Response {
	return s.response
}

// UpdateState describes the current payload to the policy.
func (s *State) UpdateState(interactive bool) policy.UpdateState {
	errs := make([]policy.DownloadError, len(s.downloadErrors))
	copy(errs, s.downloadErrors)
	return policy.UpdateState{
		Interactive:    interactive,
		IsDeltaPayload: s.response.IsDelta,
		FirstSeen:      s.firstSeen,
		NumChecks:      s.numChecks,

		P2PDownloadingDisabled: s.response.DisableP2PDownloading,
		P2PSharingDisabled:     s.response.DisableP2PSharing,
		P2PNumAttempts:         s.p2pNumAttempts,
		P2PFirstAttempted:      s.p2pFirstAttempt,

		DownloadURLs:             s.response.URLs,
		DownloadErrorsMax:        s.response.MaxFailuresPerURL,
		LastDownloadURLIdx:       s.urlIndex,
		LastDownloadURLNumErrors: s.urlFailureCount,
		DownloadErrors:           errs,

		IsBackoffDisabled:   s.response.DisableBackoff,
		NumFailures:         s.attemptNumber,
		FailuresLastUpdated: s.failuresLastUpdated,
		BackoffExpiry:       s.backoffExpiry,

		ScatterWaitPeriod:        s.scatterWait,
		ScatterCheckThreshold:    s.scatterCheckThreshold,
		ScatterWaitPeriodMax:     s.response.MaxScatterWait,
		ScatterCheckThresholdMin: ScatterCheckThresholdMin,
		ScatterCheckThresholdMax: ScatterCheckThresholdMax,
	}
}

// ApplyDownloadParams adopts the URL, backoff and scattering decisions of an
// UpdateCanStart evaluation.
func (s *State) ApplyDownloadParams(p policy.UpdateDownloadParams) {
	if p.DownloadURLIdx >= 0 {
		s.setURLIndex(p.DownloadURLIdx, p.DownloadURLNumErrors)
	}
	if p.DoIncrementFailures {
		s.attemptNumber++
		s.setInt(prefs.KeyPayloadAttemptNumber, s.attemptNumber)
		s.failuresLastUpdated = s.clock.Now()
		s.storeTime(prefs.KeyFailuresLastUpdated, s.failuresLastUpdated)
		s.downloadErrors = nil
		s.log.WithField("failures", s.attemptNumber).Info("payload failed again")
	}
	if !p.BackoffExpiry.Equal(s.backoffExpiry) {
		s.backoffExpiry = p.BackoffExpiry
		s.storeTime(prefs.KeyBackoffExpiryTime, s.backoffExpiry)
	}
	if p.ScatterWaitPeriod != s.scatterWait {
		s.scatterWait = p.ScatterWaitPeriod
		if s.scatterWait > 0 {
			s.setInt(prefs.KeyWallClockScatteringWait, int64(s.scatterWait/time.Second))
		} else {
			s.del(prefs.KeyWallClockScatteringWait)
		}
	}
	if p.ScatterCheckThreshold != s.scatterCheckThreshold {
		s.scatterCheckThreshold = p.ScatterCheckThreshold
		if s.scatterCheckThreshold > 0 {
			s.setInt(prefs.KeyScatterCheckThreshold, s.scatterCheckThreshold)
		} else {
			s.del(prefs.KeyScatterCheckThreshold)
		}
	}
}

func (s *State) setURLIndex(idx, numErrors int) {
	if idx != s.urlIndex {
		s.log.WithFields(logrus.Fields{"from": s.urlIndex, "to": idx}).Info("switching download url")
	}
	s.urlIndex = idx
	s.urlFailureCount = numErrors
	s.setInt(prefs.KeyCurrentURLIndex, int64(idx))
	s.setInt(prefs.KeyCurrentURLFailureCount, int64(numErrors))
}

// CurrentURL is the URL the payload should be fetched from: the peer URL
// when downloading over P2P, otherwise the selected server URL.
func (s *State) CurrentURL() string {
	if s.p2pURL != "" {
		return s.p2pURL
	}
	if s.urlIndex < 0 || s.urlIndex >= len(s.response.URLs) {
		return ""
	}
	return s.response.URLs[s.urlIndex]
}

func (s *State) URLIndex() int               { return s.urlIndex }
func (s *State) URLFailureCount() int        { return s.urlFailureCount }
func (s *State) PayloadAttemptNumber() int64 { return s.attemptNumber }
func (s *State) BackoffExpiry() time.Time    { return s.backoffExpiry }
func (s *State) NumChecks() int64            { return s.numChecks }
func (s *State) BytesDownloaded() int64      { return s.bytesDownloaded }

// UpdateFailed logs a failed attempt against the current URL. Deferrals are
// not failures of the payload and are not logged.
func (s *State) UpdateFailed(code errorcode.Code) {
	base := code.Base()
	if base.IsDeferral() || base == errorcode.NoUpdate || base == errorcode.UserCanceled {
		s.log.WithField("code", code).Debug("not counting deferral against the payload")
		return
	}
	if len(s.response.URLs) == 0 {
		return
	}
	if s.p2pURL != "" {
		// Failures of a peer are not failures of the server URL.
		s.log.WithField("code", code).Info("peer download failed")
		return
	}
	s.downloadErrors = append(s.downloadErrors, policy.DownloadError{
		URLIdx: s.urlIndex,
		Code:   base,
		Time:   s.clock.Now(),
	})
	s.log.WithFields(logrus.Fields{
		"code":   code,
		"url":    s.urlIndex,
		"errors": len(s.downloadErrors),
	}).Info("payload attempt failed")
}

// DownloadErrors returns the failures logged since the failure count last
// changed.
func (s *State) DownloadErrors() []policy.DownloadError {
	return s.downloadErrors
}

// UpdateSucceeded forgets the payload.
func (s *State) UpdateSucceeded() {
	s.resetPersisted()
	s.del(prefs.KeyUpdateCheckResponseHash)
	s.response = Response{}
}

// UpdateResumed marks the current download as continuing a previous one.
func (s *State) UpdateResumed() {
	s.resumed = true
}

// UpdateRestarted marks the current download as starting from scratch.
func (s *State) UpdateRestarted() {
	s.resumed = false
	s.bytesDownloaded = 0
}

// Resumed reports whether the current download continues a previous one.
func (s *State) Resumed() bool {
	return s.resumed
}

// DownloadProgress accounts n more bytes of the current download.
func (s *State) DownloadProgress(n int64) {
	if n <= 0 {
		return
	}
	s.bytesDownloaded += n
}

// DownloadComplete marks the payload as fully received.
func (s *State) DownloadComplete() {
	s.log.WithField("bytes", s.bytesDownloaded).Info("payload downloaded")
}

// P2PNewAttempt accounts a download attempt over P2P.
func (s *State) P2PNewAttempt() {
	s.p2pNumAttempts++
	s.setInt(prefs.KeyP2PNumAttempts, s.p2pNumAttempts)
	if s.p2pFirstAttempt.IsZero() {
		s.p2pFirstAttempt = s.clock.Now()
		s.storeTime(prefs.KeyP2PFirstAttemptTimestamp, s.p2pFirstAttempt)
	}
}

// SetUsingP2PForDownloading makes url, if not empty, the source of the next
// download.
func (s *State) SetUsingP2PForDownloading(url string) {
	s.p2pURL = url
}

func (s *State) UsingP2PForDownloading() bool { return s.p2pURL != "" }

func (s *State) SetUsingP2PForSharing(sharing bool) {
	s.p2pSharing = sharing
}

func (s *State) UsingP2PForSharing() bool { return s.p2pSharing }

// SetRollbackHappened persists whether the last boot was a rollback.
func (s *State) SetRollbackHappened(happened bool) {
	if err := s.prefs.SetBoolean(prefs.KeyRollbackHappened, happened); err != nil {
		s.log.WithError(err).Error("unable to persist rollback marker")
	}
}

func (s *State) RollbackHappened() bool {
	v, err := s.prefs.GetBoolean(prefs.KeyRollbackHappened)
	return err == nil && v
}

// ResetScattering drops the scattering wait and check count.
func (s *State) ResetScattering() {
	s.scatterWait = 0
	s.scatterCheckThreshold = 0
	s.numChecks = 0
	s.firstSeen = time.Time{}
	for _, key := range []string{
		prefs.KeyWallClockScatteringWait,
		prefs.KeyWallClockStagingWait,
		prefs.KeyScatterCheckThreshold,
		prefs.KeyUpdateCheckCount,
		prefs.KeyUpdateFirstSeenAt,
	} {
		s.del(key)
	}
}

func (s *State) resetPersisted() {
	s.setURLIndex(0, 0)
	s.attemptNumber = 0
	s.failuresLastUpdated = time.Time{}
	s.backoffExpiry = time.Time{}
	s.downloadErrors = nil
	s.p2pNumAttempts = 0
	s.p2pFirstAttempt = time.Time{}
	s.p2pURL = ""
	s.p2pSharing = false
	s.bytesDownloaded = 0
	s.resumed = false
	for _, key := range []string{
		prefs.KeyPayloadAttemptNumber,
		prefs.KeyFailuresLastUpdated,
		prefs.KeyBackoffExpiryTime,
		prefs.KeyP2PNumAttempts,
		prefs.KeyP2PFirstAttemptTimestamp,
		prefs.KeyUpdateStateNextDataOffset,
	} {
		s.del(key)
	}
	s.ResetScattering()
}
