// Package prefs persists small named values across restarts of the daemon.
package prefs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for keys that have no value.
var ErrNotFound = errors.New("preference not found")

// Prefs is a key-value store of persisted counters and markers.
type Prefs interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	GetInt64(key string) (int64, error)
	SetInt64(key string, value int64) error
	GetBoolean(key string) (bool, error)
	SetBoolean(key string, value bool) error
	Exists(key string) bool
	Delete(key string) error
}

// Keys of the values kept by the daemon.
const (
	KeyDeltaUpdateFailures          = "delta-update-failures"
	KeyPreviousVersion              = "previous-version"
	KeyUpdateCheckCount             = "update-check-count"
	KeyScatterCheckThreshold        = "scatter-check-threshold"
	KeyUpdateFirstSeenAt            = "update-first-seen-at"
	KeyWallClockScatteringWait      = "wall-clock-wait-period"
	KeyWallClockStagingWait         = "wall-clock-staging-wait-period"
	KeyUpdateCompletedOnBootID      = "update-completed-on-boot-id"
	KeyUpdateCompletedBootTime      = "update-completed-boot-time"
	KeySystemUpdatedMarker          = "system-updated-marker"
	KeyUpdateCheckResponseHash      = "update-check-response-hash"
	KeyUpdateStateNextDataOffset    = "update-state-next-data-offset"
	KeyPayloadAttemptNumber         = "payload-attempt-number"
	KeyFailuresLastUpdated          = "failures-last-updated"
	KeyCurrentURLIndex              = "current-url-index"
	KeyCurrentURLFailureCount       = "current-url-failure-count"
	KeyBackoffExpiryTime            = "backoff-expiry-time"
	KeyP2PNumAttempts               = "p2p-num-attempts"
	KeyP2PFirstAttemptTimestamp     = "p2p-first-attempt-timestamp"
	KeyP2PEnabled                   = "p2p-enabled"
	KeyRollbackHappened             = "rollback-happened"
	KeyUpdateOverCellularPermission = "update-over-cellular-permission"
	KeyLastCheckedTime              = "last-checked-time"
	KeyConsecutiveFailedChecks      = "consecutive-failed-update-checks"
)

func validKey(key string) error {
	if key == "" {
		return errors.New("empty preference key")
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '/':
		default:
			return errors.Errorf("invalid character %q in preference key %q", r, key)
		}
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return errors.Errorf("invalid preference key %q", key)
	}
	return nil
}

// store is the string layer the typed accessors are built on.
type store interface {
	get(key string) (string, error)
	set(key, value string) error
}

type typed struct {
	s store
}

func (t typed) GetString(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return t.s.get(key)
}

func (t typed) SetString(key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return t.s.set(key, value)
}

func (t typed) GetInt64(key string) (int64, error) {
	raw, err := t.GetString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "preference %s", key)
	}
	return v, nil
}

func (t typed) SetInt64(key string, value int64) error {
	return t.SetString(key, strconv.FormatInt(value, 10))
}

func (t typed) GetBoolean(key string) (bool, error) {
	raw, err := t.GetString(key)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, errors.Errorf("preference %s is not a boolean: %q", key, raw)
}

func (t typed) SetBoolean(key string, value bool) error {
	return t.SetString(key, strconv.FormatBool(value))
}

// Int64Or returns the value of key or def if it is missing or invalid.
func Int64Or(p Prefs, key string, def int64) int64 {
	v, err := p.GetInt64(key)
	if err != nil {
		return def
	}
	return v
}

// StringOr returns the value of key or def if it is missing.
func StringOr(p Prefs, key string, def string) string {
	v, err := p.GetString(key)
	if err != nil {
		return def
	}
	return v
}

// IsNotFound reports whether err means the key has no value.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}
