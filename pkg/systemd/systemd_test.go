package systemd

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	sd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	dbus "github.com/godbus/dbus/v5"
	"gotest.tools/assert"
)

type fakeConn struct {
	started  []string
	stopped  []string
	result   string
	state    string
	reloaded int
	closed   int
}

func (c *fakeConn) StartUnit(name, mode string, ch chan<- string) (int, error) {
	c.started = append(c.started, name)
	if c.result != "" {
		ch <- c.result
	}
	return 1, nil
}

func (c *fakeConn) StopUnit(name, mode string, ch chan<- string) (int, error) {
	c.stopped = append(c.stopped, name)
	if c.result != "" {
		ch <- c.result
	}
	return 2, nil
}

func (c *fakeConn) GetUnitProperty(unit, name string) (*sd.Property, error) {
	return &sd.Property{Name: name, Value: dbus.MakeVariant(c.state)}, nil
}

func (c *fakeConn) Reload() error {
	c.reloaded++
	return nil
}

func (c *fakeConn) Close() { c.closed++ }

func newTestManager(t *testing.T, c *fakeConn, root string) *Manager {
	return NewManager(testoutput.Logger(t, "systemd"), func() (Conn, error) { return c, nil }, root)
}

func TestStartStop(t *testing.T) {
	c := &fakeConn{result: "done"}
	m := newTestManager(t, c, "")
	assert.NilError(t, m.Start(context.Background(), "p2p.service"))
	assert.NilError(t, m.Stop(context.Background(), "p2p.service"))
	assert.DeepEqual(t, c.started, []string{"p2p.service"})
	assert.DeepEqual(t, c.stopped, []string{"p2p.service"})
	assert.Equal(t, c.closed, 2)
}

func TestJobFailed(t *testing.T) {
	c := &fakeConn{result: "failed"}
	m := newTestManager(t, c, "")
	assert.ErrorContains(t, m.Start(context.Background(), "p2p.service"), "job failed")
}

func TestJobTimeout(t *testing.T) {
	c := &fakeConn{}
	m := newTestManager(t, c, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorContains(t, m.Start(ctx, "p2p.service"), "deadline")
}

func TestIsActive(t *testing.T) {
	c := &fakeConn{state: "active"}
	m := newTestManager(t, c, "")
	active, err := m.IsActive("p2p.service")
	assert.NilError(t, err)
	assert.Check(t, active)

	c.state = "inactive"
	active, err = m.IsActive("p2p.service")
	assert.NilError(t, err)
	assert.Check(t, !active)
}

func TestWriteDropIn(t *testing.T) {
	root := t.TempDir()
	c := &fakeConn{}
	m := newTestManager(t, c, root)
	err := m.WriteDropIn("p2p.service", "10-share-dir.conf", []*unit.UnitOption{
		unit.NewUnitOption("Service", "Environment", "SHARE_DIR=/var/cache/p2p"),
	})
	assert.NilError(t, err)
	assert.Equal(t, c.reloaded, 1)

	data, err := ioutil.ReadFile(filepath.Join(root, TransientUnitDir, "p2p.service.d", "10-share-dir.conf"))
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(data), "Environment=SHARE_DIR=/var/cache/p2p"))
}
