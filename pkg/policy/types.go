package policy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
)

// ConnectionType is the kind of network the host is using.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionEthernet
	ConnectionWifi
	ConnectionCellular
	ConnectionBluetooth
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionEthernet:
		return "ethernet"
	case ConnectionWifi:
		return "wifi"
	case ConnectionCellular:
		return "cellular"
	case ConnectionBluetooth:
		return "bluetooth"
	}
	return "unknown"
}

// ParseConnectionType maps a configured name to a ConnectionType.
func ParseConnectionType(s string) ConnectionType {
	for _, c := range []ConnectionType{ConnectionEthernet, ConnectionWifi, ConnectionCellular, ConnectionBluetooth} {
		if c.String() == s {
			return c
		}
	}
	return ConnectionUnknown
}

// Tethering says whether the connection is shared from a phone.
type Tethering int

const (
	TetheringUnknown Tethering = iota
	TetheringNotDetected
	TetheringSuspected
	TetheringConfirmed
)

// ForcedUpdateRequest is an update check requested outside of the schedule.
type ForcedUpdateRequest int

const (
	ForcedUpdateNone ForcedUpdateRequest = iota
	ForcedUpdateInteractive
	ForcedUpdatePeriodic
)

func (f ForcedUpdateRequest) String() string {
	switch f {
	case ForcedUpdateInteractive:
		return "interactive"
	case ForcedUpdatePeriodic:
		return "periodic"
	}
	return "none"
}

// UpdateCheckParams is the result of an UpdateCheckAllowed request.
type UpdateCheckParams struct {
	UpdatesEnabled      bool
	TargetChannel       string
	TargetVersionPrefix string
	RollbackAllowed     bool
	Interactive         bool
}

// CannotStartReason says why an update may not start downloading.
type CannotStartReason int

const (
	CannotStartUndefined CannotStartReason = iota
	CannotStartCheckDue
	CannotStartScattering
	CannotStartBackoff
	CannotStartCannotDownload
)

func (r CannotStartReason) String() string {
	switch r {
	case CannotStartCheckDue:
		return "check-due"
	case CannotStartScattering:
		return "scattering"
	case CannotStartBackoff:
		return "backoff"
	case CannotStartCannotDownload:
		return "cannot-download"
	}
	return "undefined"
}

// DownloadError is one entry of the download error log.
type DownloadError struct {
	URLIdx int
	Code   errorcode.Code
	Time   time.Time
}

// UpdateState describes the update being considered for an UpdateCanStart
// request.
type UpdateState struct {
	Interactive    bool
	IsDeltaPayload bool
	FirstSeen      time.Time
	NumChecks      int64

	P2PDownloadingDisabled bool
	P2PSharingDisabled     bool
	P2PNumAttempts         int64
	P2PFirstAttempted      time.Time

	DownloadURLs             []string
	DownloadErrorsMax        int
	LastDownloadURLIdx       int
	LastDownloadURLNumErrors int
	DownloadErrors           []DownloadError

	IsBackoffDisabled   bool
	NumFailures         int64
	FailuresLastUpdated time.Time
	BackoffExpiry       time.Time

	ScatterWaitPeriod        time.Duration
	ScatterCheckThreshold    int64
	ScatterWaitPeriodMax     time.Duration
	ScatterCheckThresholdMin int64
	ScatterCheckThresholdMax int64
}

// UpdateDownloadParams is the result of an UpdateCanStart request.
type UpdateDownloadParams struct {
	UpdateCanStart        bool
	CannotStartReason     CannotStartReason
	DownloadURLIdx        int
	DownloadURLNumErrors  int
	DownloadURLAllowed    bool
	P2PDownloadingAllowed bool
	P2PSharingAllowed     bool
	DoIncrementFailures   bool
	BackoffExpiry         time.Time
	ScatterWaitPeriod     time.Duration
	ScatterCheckThreshold int64
}

// WeeklyTime is a minute of the week.
type WeeklyTime struct {
	Day    time.Weekday
	Hour   int
	Minute int
}

// WeeklyTimeOf returns the minute of the week of t.
func WeeklyTimeOf(t time.Time) WeeklyTime {
	return WeeklyTime{Day: t.Weekday(), Hour: t.Hour(), Minute: t.Minute()}
}

func (w WeeklyTime) minutes() int {
	return int(w.Day)*24*60 + w.Hour*60 + w.Minute
}

func (w WeeklyTime) String() string {
	return fmt.Sprintf("%s %02d:%02d", w.Day, w.Hour, w.Minute)
}

// WeeklyTimeInterval is a half-open range of the week. It may wrap around
// the end of the week.
type WeeklyTimeInterval struct {
	Start WeeklyTime
	End   WeeklyTime
}

// InRange reports whether w falls in the interval.
func (i WeeklyTimeInterval) InRange(w WeeklyTime) bool {
	start, end, t := i.Start.minutes(), i.End.minutes(), w.minutes()
	if start <= end {
		return start <= t && t < end
	}
	return t >= start || t < end
}

// fuzzedInterval returns a duration uniformly distributed in
// [interval-fuzz/2, interval+fuzz/2], never negative, in whole seconds.
func fuzzedInterval(rng *rand.Rand, interval, fuzz time.Duration) time.Duration {
	half := int64(fuzz.Seconds()) / 2
	lo := int64(interval.Seconds()) - half
	if lo < 0 {
		lo = 0
	}
	hi := int64(interval.Seconds()) + half
	return time.Duration(randMinMax(rng, lo, hi)) * time.Second
}

// randMinMax returns a value in [lo, hi].
func randMinMax(rng *rand.Rand, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Int63n(hi-lo+1)
}
