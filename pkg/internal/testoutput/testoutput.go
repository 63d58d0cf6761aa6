package testoutput

import (
	"io"
	"os"
	"testing"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that writes strings (assuming lines) to the testing
// logger.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Logger returns a component logger whose output is interlaced with the test's
// output for the duration of the test.
func Logger(t testing.TB, component string) logging.Logger {
	Use(t)
	return logging.New(component)
}

// Use points the root logger at the test and reverts it when the test
// finishes. Tests using this must not run in parallel.
func Use(t testing.TB) {
	logging.Set(Setter(t))
	t.Cleanup(func() {
		logging.Set(Revert())
	})
}

// Setter may be given to logging to configure the output to be sent to the
// testing facade to be interlaced with test output. You should not use parallel
// tests with this set as they would conflict in that they'd write to the wrong
// test or write to the Revert'd output if they aren't synchronous.
func Setter(t testing.TB) logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the logger output to write to stderr.
func Revert() logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.InfoLevel)
		return nil
	}
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Helper()
	l.t.Logf("%s", p)
	return len(p), nil
}
