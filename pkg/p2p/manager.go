// Package p2p shares downloaded payloads with peers on the local network and
// finds peers sharing the payload being downloaded.
package p2p

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultShareDir    = "/var/cache/p2p"
	DefaultServiceUnit = "p2p.service"
	DefaultClientBin   = "/usr/bin/p2p-client"
	// DefaultMaxFiles is how many shared payloads housekeeping keeps.
	DefaultMaxFiles = 3
	// DefaultMaxFileAge expires shared payloads nobody refreshed.
	DefaultMaxFileAge = 5 * 24 * time.Hour

	visibleExt  = ".p2p"
	hiddenExt   = ".p2p.tmp"
	dropInFile  = "10-retriever.conf"
	unitTimeout = time.Minute
)

// ErrNotFound is returned when no peer shares the requested file.
var ErrNotFound = errors.New("no peer shares the file")

// UnitController starts and stops the P2P service.
type UnitController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	IsActive(name string) (bool, error)
	WriteDropIn(name, file string, options []*unit.UnitOption) error
}

// Manager shares payloads and looks them up.
type Manager interface {
	// IsP2PEnabled is the last decision of policy.
	IsP2PEnabled() bool
	SetEnabled(enabled bool)
	// Preference is the locally stored opt-in, one input of policy.
	Preference() bool
	SetPreference(enabled bool) error
	EnsureP2PRunning() error
	EnsureP2PNotRunning() error
	PerformHousekeeping() error
	CountSharedFiles() int
	// FileShare creates the hidden file a payload of expectedSize is
	// written to and returns its path.
	FileShare(fileID string, expectedSize int64) (string, error)
	// FilePath is the shared file of fileID, visible or not.
	FilePath(fileID string) (string, bool)
	FileMakeVisible(fileID string) error
	LookupURLForFile(ctx context.Context, fileID string, minSize int64) (string, error)
}

// Config locates the share and the P2P helpers.
type Config struct {
	ShareDir   string
	Unit       string
	ClientBin  string
	MaxFiles   int
	MaxFileAge time.Duration
}

// Host is the Manager of the daemon's host.
type Host struct {
	log    logging.Logger
	cfg    Config
	units  UnitController
	runner *hostexec.Runner
	prefs  prefs.Prefs
	clock  clock.Clock

	enabled    bool
	preference bool
}

var _ Manager = (*Host)(nil)

// NewHost creates a Manager. units may be nil on hosts without systemd, in
// which case the service is left alone.
func NewHost(log logging.Logger, cfg Config, units UnitController, runner *hostexec.Runner, p prefs.Prefs, c clock.Clock) *Host {
	if cfg.ShareDir == "" {
		cfg.ShareDir = DefaultShareDir
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultServiceUnit
	}
	if cfg.ClientBin == "" {
		cfg.ClientBin = DefaultClientBin
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxFileAge == 0 {
		cfg.MaxFileAge = DefaultMaxFileAge
	}
	preference, err := p.GetBoolean(prefs.KeyP2PEnabled)
	if err != nil && !prefs.IsNotFound(err) {
		log.WithError(err).Warn("unable to read p2p preference")
	}
	return &Host{
		log:        log,
		cfg:        cfg,
		units:      units,
		runner:     runner,
		prefs:      p,
		clock:      c,
		preference: preference,
	}
}

func (h *Host) IsP2PEnabled() bool { return h.enabled }

// SetEnabled records whether P2P is on, as decided by policy.
func (h *Host) SetEnabled(enabled bool) {
	h.enabled = enabled
}

func (h *Host) Preference() bool { return h.preference }

func (h *Host) SetPreference(enabled bool) error {
	if err := h.prefs.SetBoolean(prefs.KeyP2PEnabled, enabled); err != nil {
		return errors.WithMessage(err, "persist p2p preference")
	}
	h.preference = enabled
	return nil
}

func (h *Host) EnsureP2PRunning() error {
	if h.units == nil {
		return nil
	}
	if active, err := h.units.IsActive(h.cfg.Unit); err == nil && active {
		return nil
	}
	err := h.units.WriteDropIn(h.cfg.Unit, dropInFile, []*unit.UnitOption{
		unit.NewUnitOption("Service", "Environment", "P2P_SHARE_DIR="+h.cfg.ShareDir),
	})
	if err != nil {
		return errors.WithMessage(err, "configure p2p service")
	}
	ctx, cancel := context.WithTimeout(context.Background(), unitTimeout)
	defer cancel()
	if err := h.units.Start(ctx, h.cfg.Unit); err != nil {
		return err
	}
	h.log.WithField("unit", h.cfg.Unit).Info("p2p service started")
	return nil
}

func (h *Host) EnsureP2PNotRunning() error {
	if h.units == nil {
		return nil
	}
	if active, err := h.units.IsActive(h.cfg.Unit); err == nil && !active {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), unitTimeout)
	defer cancel()
	if err := h.units.Stop(ctx, h.cfg.Unit); err != nil {
		return err
	}
	h.log.WithField("unit", h.cfg.Unit).Info("p2p service stopped")
	return nil
}

type sharedFile struct {
	path    string
	modTime time.Time
}

func (h *Host) sharedFiles() ([]sharedFile, error) {
	entries, err := os.ReadDir(h.cfg.ShareDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list shared files")
	}
	var files []sharedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, visibleExt) || strings.HasSuffix(name, hiddenExt)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, sharedFile{path: filepath.Join(h.cfg.ShareDir, name), modTime: info.ModTime()})
	}
	return files, nil
}

func (h *Host) CountSharedFiles() int {
	files, err := h.sharedFiles()
	if err != nil {
		h.log.WithError(err).Warn("unable to count shared files")
	}
	return len(files)
}

// PerformHousekeeping keeps the newest files, up to the configured count,
// and removes files older than the configured age.
func (h *Host) PerformHousekeeping() error {
	files, err := h.sharedFiles()
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	now := h.clock.Now()
	for i, f := range files {
		if i < h.cfg.MaxFiles && now.Sub(f.modTime) < h.cfg.MaxFileAge {
			continue
		}
		h.log.WithField("file", f.path).Info("removing shared file")
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove shared file")
		}
	}
	return nil
}

func (h *Host) path(fileID, ext string) string {
	return filepath.Join(h.cfg.ShareDir, fileID+ext)
}

func (h *Host) FileShare(fileID string, expectedSize int64) (string, error) {
	if fileID == "" || strings.ContainsRune(fileID, '/') {
		return "", errors.Errorf("invalid file id %q", fileID)
	}
	if path, ok := h.FilePath(fileID); ok {
		return path, nil
	}
	if err := os.MkdirAll(h.cfg.ShareDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create share directory")
	}
	path := h.path(fileID, hiddenExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "create shared file")
	}
	f.Close()
	h.log.WithFields(logrus.Fields{
		"file": path,
		"size": expectedSize,
	}).Info("sharing payload")
	return path, nil
}

func (h *Host) FilePath(fileID string) (string, bool) {
	for _, ext := range []string{visibleExt, hiddenExt} {
		path := h.path(fileID, ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (h *Host) FileMakeVisible(fileID string) error {
	visible := h.path(fileID, visibleExt)
	if _, err := os.Stat(visible); err == nil {
		return nil
	}
	return errors.Wrap(os.Rename(h.path(fileID, hiddenExt), visible), "make shared file visible")
}

// LookupURLForFile asks the P2P client for a peer serving at least minSize
// bytes of fileID.
func (h *Host) LookupURLForFile(ctx context.Context, fileID string, minSize int64) (string, error) {
	out, err := h.runner.Run(ctx, h.cfg.ClientBin,
		"--get-url="+fileID, "--minimum-size="+strconv.FormatInt(minSize, 10))
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), "p2p lookup")
		}
		return "", errors.WithMessage(err, "p2p lookup")
	}
	url := strings.TrimSpace(out)
	if url == "" {
		return "", ErrNotFound
	}
	return url, nil
}
