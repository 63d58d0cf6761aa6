package logging

import (
	"io"
	"io/ioutil"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter modifies the root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

// Logger is the logging interface handed to each component.
type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// SubComponentField names the field used to identify a part of a component,
// such as a single action within the processor.
const SubComponentField = "subcomponent"

// New returns a Logger for the named component.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

// SubLogger derives a Logger for a named part of an already scoped component.
func SubLogger(log Logger, sub string) Logger {
	if entry, ok := log.(*logrus.Entry); ok {
		return entry.WithField(SubComponentField, sub)
	}
	return root.logger.WithField(SubComponentField, sub)
}

// Set applies the setter to the root logger.
func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

// Level sets the root logger's level, falling back to debug when the level
// cannot be parsed.
func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Split sends warnings and errors to errOut and everything else to out.
func Split(out io.Writer, errOut io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(ioutil.Discard)
		r.ReplaceHooks(make(logrus.LevelHooks))
		r.AddHook(&SplitHook{
			output: errOut,
			levels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel},
		})
		r.AddHook(&SplitHook{
			output: out,
			levels: []logrus.Level{logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel},
		})
		return nil
	}
}
