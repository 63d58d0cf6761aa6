package policy

import (
	"math/rand"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
)

const (
	// AttemptBackoffMaxInterval caps the backoff after failed attempts.
	AttemptBackoffMaxInterval = 16 * 24 * time.Hour
	// AttemptBackoffFuzz is the spread applied to attempt backoff.
	AttemptBackoffFuzz = 12 * time.Hour
	// MaxP2PAttempts is how many times a download may use a peer.
	MaxP2PAttempts = 10
	// MaxP2PAttemptsPeriod is how long after the first peer attempt peers
	// may still be used.
	MaxP2PAttemptsPeriod = 5 * 24 * time.Hour
)

type errorClass int

const (
	errorIgnored errorClass = iota
	errorCounted
	errorAdvancesURL
)

// classifyDownloadError says how a logged download error affects the URL
// it happened on.
func classifyDownloadError(code errorcode.Code) errorClass {
	switch code.Base() {
	case errorcode.PayloadHashMismatch, errorcode.PayloadSizeMismatch:
		return errorAdvancesURL
	case errorcode.Error, errorcode.DownloadTransferError, errorcode.DownloadWriteError,
		errorcode.DownloadStateInitializationError, errorcode.HTTPResponseError:
		return errorCounted
	}
	return errorIgnored
}

type backoffResult struct {
	doIncrementFailures bool
	backoffExpiry       time.Time
	urlIdx              int
	urlNumErrors        int
	waiting             bool
}

// backoffAndDownloadURL scans the download error log to pick the URL to use
// and decide whether a new backoff period starts.
func backoffAndDownloadURL(log logging.Logger, ec *EvaluationContext, st *State, update UpdateState) (backoffResult, error) {
	res := backoffResult{
		backoffExpiry: update.BackoffExpiry,
		urlIdx:        -1,
	}

	official := true
	if v, ok := Get[bool](ec, st.System.IsOfficialBuild); ok {
		official = v
	}

	mayBackoff := false
	switch {
	case update.IsBackoffDisabled:
		log.Debug("backoff disabled by update server")
	case update.Interactive:
		log.Debug("no backoff for interactive updates")
	case update.IsDeltaPayload:
		log.Debug("no backoff for delta payloads")
	case !official:
		log.Debug("no backoff for unofficial builds")
	default:
		mayBackoff = true
	}

	if mayBackoff && !update.BackoffExpiry.IsZero() && !ec.IsWallclockTimeGreaterThan(update.BackoffExpiry) {
		log.WithField("expiry", update.BackoffExpiry).Info("previous backoff has not expired")
		res.waiting = true
		return res, nil
	}

	httpAllowed := true
	if official {
		if loaded, ok := Get[bool](ec, st.Device.PolicyIsLoaded); ok && loaded {
			if enabled, ok := Get[bool](ec, st.Device.HTTPDownloadsEnabled); ok {
				httpAllowed = enabled
			}
		}
	}
	usable := func(idx int) bool {
		u := update.DownloadURLs[idx]
		return httpAllowed || !isHTTP(u)
	}

	numURLs := len(update.DownloadURLs)
	urlIdx := update.LastDownloadURLIdx
	if urlIdx < 0 || urlIdx >= numURLs {
		urlIdx = -1
	}
	numErrors := update.LastDownloadURLNumErrors
	advance := false
	failure := false
	prevURLIdx := -1
	var errTime, prevErrTime time.Time
	for i, e := range update.DownloadErrors {
		if i == 0 && urlIdx >= 0 && e.URLIdx != urlIdx {
			log.WithField("logged", e.URLIdx).WithField("expected", urlIdx).Warn("first URL in error log not as expected")
		}
		urlIdx = e.URLIdx
		if urlIdx < 0 || urlIdx >= numURLs {
			return res, errors.Errorf("download error log has invalid URL index %d", urlIdx)
		}
		errTime = e.Time
		if !prevErrTime.IsZero() && errTime.Before(prevErrTime) {
			return res, errors.New("download error times are not increasing")
		}
		prevErrTime = errTime

		if !update.FailuresLastUpdated.IsZero() && !errTime.After(update.FailuresLastUpdated) {
			continue
		}

		if prevURLIdx >= 0 {
			if urlIdx < prevURLIdx {
				log.WithField("from", prevURLIdx).WithField("to", urlIdx).Error("URLs in download error log wrapped around, counting a failed attempt")
				urlIdx = -1
				failure = true
				break
			}
			if urlIdx > prevURLIdx {
				numErrors = 0
				advance = false
			}
		}

		switch classifyDownloadError(e.Code) {
		case errorAdvancesURL:
			log.WithField("code", e.Code).WithField("url", urlIdx).Info("advancing download URL")
			advance = true
		case errorCounted:
			numErrors++
		}
		if numErrors > update.DownloadErrorsMax {
			advance = true
		}
		prevURLIdx = urlIdx
	}

	if urlIdx < 0 || advance {
		numErrors = 0
		start := -1
		for {
			urlIdx++
			if urlIdx >= numURLs {
				urlIdx = 0
				// Only a required advance past the last URL is a failure.
				if advance {
					failure = true
				}
			}
			if start < 0 {
				start = urlIdx
			} else if urlIdx == start {
				urlIdx = -1
			}
			if urlIdx < 0 || numURLs == 0 || usable(urlIdx) {
				break
			}
		}
		if numURLs == 0 {
			urlIdx = -1
		}
	}

	res.backoffExpiry = time.Time{}
	if urlIdx >= 0 && failure && mayBackoff {
		seed, ok := Get[int64](ec, st.Random.Seed)
		if !ok {
			return res, errors.New("random seed unavailable")
		}
		rng := rand.New(rand.NewSource(seed))
		interval := 24 * time.Hour
		for n := int64(0); n < update.NumFailures && interval < AttemptBackoffMaxInterval; n++ {
			interval *= 2
		}
		if interval > AttemptBackoffMaxInterval {
			interval = AttemptBackoffMaxInterval
		}
		expiry := errTime.Add(fuzzedInterval(rng, interval, AttemptBackoffFuzz))
		if !ec.IsWallclockTimeGreaterThan(expiry) {
			log.WithField("expiry", expiry).Info("backing off after failed attempt")
			res.backoffExpiry = expiry
		}
	}

	res.doIncrementFailures = failure
	res.urlIdx = urlIdx
	res.urlNumErrors = numErrors
	return res, nil
}

func isHTTP(u string) bool {
	return len(u) >= 7 && u[:7] == "http://"
}

type scatterResult struct {
	isScattering   bool
	waitPeriod     time.Duration
	checkThreshold int64
}

// scattering spreads an update's rollout over the operator's scatter factor.
func scattering(ec *EvaluationContext, st *State, update UpdateState) (scatterResult, error) {
	seed, ok := Get[int64](ec, st.Random.Seed)
	if !ok {
		return scatterResult{}, errors.New("random seed unavailable")
	}
	rng := rand.New(rand.NewSource(seed))

	factor, ok := Get[time.Duration](ec, st.Device.ScatterFactor)
	if !ok || factor <= 0 {
		return scatterResult{}, nil
	}

	var wait time.Duration
	if update.ScatterWaitPeriod > 0 && update.ScatterWaitPeriod <= factor {
		wait = update.ScatterWaitPeriod
	} else {
		wait = time.Duration(randMinMax(rng, 1, int64(factor.Seconds()))) * time.Second
	}
	limit := wait
	if update.ScatterWaitPeriodMax > 0 && update.ScatterWaitPeriodMax < limit {
		limit = update.ScatterWaitPeriodMax
	}
	if ec.IsWallclockTimeGreaterThan(update.FirstSeen.Add(limit)) {
		wait = 0
	}

	var threshold int64
	if update.ScatterCheckThreshold > 0 && update.ScatterCheckThreshold <= update.ScatterCheckThresholdMax {
		threshold = update.ScatterCheckThreshold
	} else if update.ScatterCheckThresholdMax > 0 {
		threshold = randMinMax(rng, update.ScatterCheckThresholdMin, update.ScatterCheckThresholdMax)
	}
	if update.NumChecks >= threshold {
		threshold = 0
	}

	return scatterResult{
		isScattering:   wait != 0 || threshold != 0,
		waitPeriod:     wait,
		checkThreshold: threshold,
	}, nil
}
