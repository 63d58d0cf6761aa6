package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// SplitHook writes entries of its levels to a dedicated output.
type SplitHook struct {
	output io.Writer
	levels []logrus.Level
}

// Fire writes the formatted entry when its level is handled by the hook.
func (hook *SplitHook) Fire(entry *logrus.Entry) error {
	for _, level := range hook.levels {
		if level != entry.Level {
			continue
		}
		line, err := entry.String()
		if err != nil {
			return err
		}
		_, err = hook.output.Write([]byte(line))
		return err
	}
	return nil
}

// Levels returns the levels routed by this hook.
func (hook *SplitHook) Levels() []logrus.Level {
	return hook.levels
}
