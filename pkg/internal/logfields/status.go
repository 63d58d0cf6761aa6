package logfields

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"

	"github.com/sirupsen/logrus"
)

// Status describes a status snapshot for logging.
func Status(s status.Status) logrus.Fields {
	fields := logrus.Fields{
		"status":   s.Status,
		"progress": s.Progress,
	}
	if s.NewVersion != "" {
		fields["version"] = s.NewVersion
	}
	if s.IsRollback {
		fields["rollback"] = true
	}
	return fields
}
