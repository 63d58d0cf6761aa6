package nodestream

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	defaultResyncPeriod = time.Minute * 10
)

type Config struct {
	// NodeName limits the nodestream to a single Node resource with the
	// provided name.
	NodeName string
	// ResyncPeriod is the time between complete resynchronization of the cached
	// resource data.
	ResyncPeriod time.Duration
	// LabelSelectorExtra is a free-form selector appended to the calculated
	// selector.
	LabelSelectorExtra string
	// FieldSelectorExtra is a free-form selector appended to the calculated
	// selector.
	FieldSelectorExtra string
}

func (c *Config) selector() func(options *metav1.ListOptions) {
	var (
		fieldSelector string
		labelSelector string
	)
	if c.NodeName != "" {
		// limit the streamed updates to the specified node.
		fieldSelector = "metadata.name=" + c.NodeName
	}

	if c.LabelSelectorExtra != "" {
		labelSelector = c.LabelSelectorExtra
	}

	if c.FieldSelectorExtra != "" {
		if fieldSelector != "" {
			fieldSelector += ","
		}
		fieldSelector += c.FieldSelectorExtra
	}

	return func(options *metav1.ListOptions) {
		options.LabelSelector = labelSelector
		options.FieldSelector = fieldSelector
	}
}

func (c *Config) resyncPeriod() time.Duration {
	if c.ResyncPeriod == 0 {
		return defaultResyncPeriod
	}
	return c.ResyncPeriod
}
