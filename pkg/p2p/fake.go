package p2p

import (
	"context"
	"path/filepath"
	"sort"
)

// Fake is an in-memory Manager.
type Fake struct {
	Enabled    bool
	Pref       bool
	Running    bool
	Housekeeps int
	// Peers maps file ids to the URL a peer serves them at.
	Peers   map[string]string
	Dir     string
	Shared  map[string]bool // file id to visibility
	Lookups []string
}

var _ Manager = (*Fake)(nil)

func NewFake(dir string) *Fake {
	return &Fake{
		Dir:    dir,
		Peers:  map[string]string{},
		Shared: map[string]bool{},
	}
}

func (f *Fake) IsP2PEnabled() bool               { return f.Enabled }
func (f *Fake) SetEnabled(enabled bool)          { f.Enabled = enabled }
func (f *Fake) Preference() bool                 { return f.Pref }
func (f *Fake) SetPreference(enabled bool) error { f.Pref = enabled; return nil }
func (f *Fake) EnsureP2PRunning() error          { f.Running = true; return nil }
func (f *Fake) EnsureP2PNotRunning() error       { f.Running = false; return nil }
func (f *Fake) CountSharedFiles() int            { return len(f.Shared) }

func (f *Fake) PerformHousekeeping() error {
	f.Housekeeps++
	return nil
}

func (f *Fake) FileShare(fileID string, expectedSize int64) (string, error) {
	if _, ok := f.Shared[fileID]; !ok {
		f.Shared[fileID] = false
	}
	path, _ := f.FilePath(fileID)
	return path, nil
}

func (f *Fake) FilePath(fileID string) (string, bool) {
	visible, ok := f.Shared[fileID]
	if !ok {
		return "", false
	}
	if visible {
		return filepath.Join(f.Dir, fileID+visibleExt), true
	}
	return filepath.Join(f.Dir, fileID+hiddenExt), true
}

func (f *Fake) FileMakeVisible(fileID string) error {
	f.Shared[fileID] = true
	return nil
}

func (f *Fake) LookupURLForFile(ctx context.Context, fileID string, minSize int64) (string, error) {
	f.Lookups = append(f.Lookups, fileID)
	if url, ok := f.Peers[fileID]; ok {
		return url, nil
	}
	return "", ErrNotFound
}

// SharedIDs lists shared file ids in order.
func (f *Fake) SharedIDs() []string {
	var ids []string
	for id := range f.Shared {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
