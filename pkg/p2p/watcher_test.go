package p2p

import (
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"gotest.tools/assert"
)

func newWatcher(t *testing.T, m Manager, opts ...policy.Option) (*Watcher, *loop.Fake, *policy.UpdateManager) {
	t.Helper()
	c := clock.NewFake(testEpoch)
	l := loop.NewFake(c)
	log := testoutput.Logger(t, "p2p")
	st := policy.NewState(c, policy.StateOptions{OfficialBuild: true, NumSlots: 2, Seed: 1})
	um := policy.NewUpdateManager(log, c, l, st, policy.NewStandardPolicy(log), opts...)
	return NewWatcher(log, l, um, m), l, um
}

func TestWatcherFollowsPreference(t *testing.T) {
	m := NewFake(t.TempDir())
	m.Running = true
	w, l, _ := newWatcher(t, m)

	w.Start()
	l.RunUntilIdle()
	assert.Check(t, !m.IsP2PEnabled())
	assert.Check(t, !m.Running)

	assert.NilError(t, w.SetPreference(true))
	l.RunUntilIdle()
	assert.Check(t, m.Pref)
	assert.Check(t, m.IsP2PEnabled())
	assert.Check(t, m.Running)
	assert.Equal(t, m.Housekeeps, 1)

	assert.NilError(t, w.SetPreference(false))
	l.RunUntilIdle()
	assert.Check(t, !m.IsP2PEnabled())
	assert.Check(t, !m.Running)
}

func TestWatcherFollowsDevicePolicy(t *testing.T) {
	m := NewFake(t.TempDir())
	w, l, um := newWatcher(t, m)
	w.Start()
	l.RunUntilIdle()

	um.State().Device.PolicyIsLoaded.SetValue(true)
	um.State().Device.P2PEnabled.SetValue(true)
	l.RunUntilIdle()
	assert.Check(t, m.Running)
}

func TestWatcherStoredPreference(t *testing.T) {
	m := NewFake(t.TempDir())
	m.Pref = true
	w, l, _ := newWatcher(t, m)
	w.Start()
	l.RunUntilIdle()
	assert.Check(t, m.IsP2PEnabled())
	assert.Check(t, m.Running)
}

func TestWatcherRetriesExpiredRequests(t *testing.T) {
	m := NewFake(t.TempDir())
	w, l, um := newWatcher(t, m, policy.WithExpirationTimeout(time.Minute))
	w.Start()
	l.RunUntilIdle()

	// The request expires and the default policy has no answer either.
	l.Advance(time.Minute)
	assert.Check(t, w.retry != loop.NoTask)

	l.Advance(retryDelay)
	assert.Equal(t, um.PendingRequests(), 1)
	assert.NilError(t, w.SetPreference(true))
	l.RunUntilIdle()
	assert.Check(t, m.Running)

	w.Stop()
	assert.Equal(t, um.PendingRequests(), 0)
}
