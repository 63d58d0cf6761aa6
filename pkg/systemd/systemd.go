// Package systemd controls units of the host's systemd over its private
// socket.
package systemd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	sd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSocket is systemd's private socket, relative to the host root.
	DefaultSocket = "/run/systemd/private"
	// TransientUnitDir holds runtime drop-ins, relative to the host root.
	TransientUnitDir = "/run/systemd/system"

	jobDone = "done"
)

// Conn is the part of a systemd connection used here.
type Conn interface {
	StartUnit(name string, mode string, ch chan<- string) (int, error)
	StopUnit(name string, mode string, ch chan<- string) (int, error)
	GetUnitProperty(unit string, propertyName string) (*sd.Property, error)
	Reload() error
	Close()
}

// Dialer opens a Conn.
type Dialer func() (Conn, error)

// Dial connects to the systemd socket of the host mounted at root.
func Dial(root string) Dialer {
	socket := filepath.Join(root, DefaultSocket)
	return func() (Conn, error) {
		dialer := func() (*dbus.Conn, error) {
			conn, err := dbus.Dial("unix:path=" + socket)
			if err != nil {
				return nil, errors.Wrap(err, "unable to connect to host systemd socket")
			}
			// Authenticate with the user's authority.
			methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
			if err := conn.Auth(methods); err != nil {
				conn.Close()
				return nil, errors.Wrap(err, "unable to authenticate with host systemd")
			}
			return conn, nil
		}
		return sd.NewConnection(dialer)
	}
}

// Available reports whether the host's systemd socket can be used.
func Available(root string) bool {
	if os.Getuid() != 0 {
		return false
	}
	stat, err := os.Stat(filepath.Join(root, DefaultSocket))
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeSocket == os.ModeSocket
}

// Manager starts and stops units.
type Manager struct {
	log  logging.Logger
	dial Dialer
	// root is where the host filesystem is mounted, for drop-ins.
	root string
}

// NewManager creates a Manager connecting with dial.
func NewManager(log logging.Logger, dial Dialer, root string) *Manager {
	return &Manager{log: log, dial: dial, root: root}
}

// Start starts name and waits for the job to finish.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.job(ctx, name, "start", func(c Conn, ch chan<- string) (int, error) {
		return c.StartUnit(name, "replace", ch)
	})
}

// Stop stops name and waits for the job to finish.
func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.job(ctx, name, "stop", func(c Conn, ch chan<- string) (int, error) {
		return c.StopUnit(name, "replace", ch)
	})
}

func (m *Manager) job(ctx context.Context, name, verb string, fn func(Conn, chan<- string) (int, error)) error {
	conn, err := m.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := fn(conn, ch); err != nil {
		return errors.Wrapf(err, "unable to %s %s", verb, name)
	}
	select {
	case result := <-ch:
		if result != jobDone {
			return errors.Errorf("%s %s: job %s", verb, name, result)
		}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s %s", verb, name)
	}
	m.log.WithFields(logrus.Fields{
		"unit": name,
		"job":  verb,
	}).Debug("unit job done")
	return nil
}

// IsActive reports whether name is active.
func (m *Manager) IsActive(name string) (bool, error) {
	conn, err := m.dial()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	prop, err := conn.GetUnitProperty(name, "ActiveState")
	if err != nil {
		return false, errors.Wrapf(err, "unable to query %s", name)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return false, errors.Errorf("unable to handle queried property: %q", prop)
	}
	return state == "active", nil
}

// WriteDropIn installs a runtime drop-in for name and reloads systemd.
func (m *Manager) WriteDropIn(name, file string, options []*unit.UnitOption) error {
	dir := filepath.Join(m.root, TransientUnitDir, name+".d")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "unable to create transient unit dir")
	}
	f, err := os.Create(filepath.Join(dir, file))
	if err != nil {
		return errors.Wrap(err, "unable to create drop in unit")
	}
	if _, err := io.Copy(f, unit.Serialize(options)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.Wrap(err, "unable to write drop in unit")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "unable to write drop in unit")
	}

	conn, err := m.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	return errors.Wrap(conn.Reload(), "unable to execute daemon-reload")
}
