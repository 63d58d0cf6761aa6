// Package nodestatus publishes the update status of the host on its
// Kubernetes Node.
package nodestatus

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/k8sutil"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/marker"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status/cache"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/client-go/kubernetes/typed/core/v1"
)

const retryDelay = 30 * time.Second

// Publisher is a status.Observer that posts snapshots to the Node. Posting
// happens in Run so observers are never blocked by the API server; only the
// latest snapshot is kept.
type Publisher struct {
	log      logging.Logger
	nodes    corev1.NodeInterface
	nodeName string
	last     cache.LastCache

	mu      sync.Mutex
	pending *status.Status
	wake    chan struct{}

	retryDelay time.Duration
}

var _ status.Observer = (*Publisher)(nil)

func New(log logging.Logger, nodes corev1.NodeInterface, nodeName string) *Publisher {
	return &Publisher{
		log:        log,
		nodes:      nodes,
		nodeName:   nodeName,
		last:       cache.NewLastCache(),
		wake:       make(chan struct{}, 1),
		retryDelay: retryDelay,
	}
}

func (p *Publisher) SendStatusUpdate(s status.Status) {
	// Whole percents are enough for the Node.
	s.Progress = math.Floor(s.Progress*100) / 100
	p.mu.Lock()
	p.pending = &s
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) take() (status.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return status.Status{}, false
	}
	s := *p.pending
	p.pending = nil
	return s, true
}

// Run posts snapshots until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-retry:
			retry = nil
		}
		s, ok := p.take()
		if !ok || !p.last.Changed(p.nodeName, s) {
			continue
		}
		if err := p.publish(s); err != nil {
			p.log.WithError(err).Warn("unable to publish status, retrying")
			p.requeue(s)
			retry = time.After(p.retryDelay)
			continue
		}
		p.last.Record(p.nodeName, s)
	}
}

// requeue keeps s for the next attempt unless a newer snapshot arrived.
func (p *Publisher) requeue(s status.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = &s
	}
}

func (p *Publisher) publish(s status.Status) error {
	p.log.WithFields(logfields.Status(s)).Debug("publishing status")
	return k8sutil.PostMetadata(p.log, p.nodes, p.nodeName, Markers(s))
}

// Acknowledge consumes the request annotation and records its result.
func (p *Publisher) Acknowledge(request marker.Request, result marker.RequestResult) error {
	p.log.WithFields(logrus.Fields{
		"request": request,
		"result":  result,
	}).Info("acknowledging request")
	return k8sutil.PostMetadata(p.log, p.nodes, p.nodeName, marker.Set{
		Annotations: map[string]string{
			marker.RequestKey:       marker.RequestNone,
			marker.RequestResultKey: request + ":" + result,
		},
	})
}

// Markers describes s as Node annotations.
func Markers(s status.Status) marker.Set {
	lastChecked := ""
	if !s.LastCheckedTime.IsZero() {
		lastChecked = s.LastCheckedTime.UTC().Format(time.RFC3339)
	}
	return marker.Set{
		Annotations: map[string]string{
			marker.StatusKey:         s.Status.String(),
			marker.ProgressKey:       strconv.Itoa(int(math.Round(s.Progress * 100))),
			marker.CurrentVersionKey: s.CurrentVersion,
			marker.NewVersionKey:     s.NewVersion,
			marker.LastCheckedKey:    lastChecked,
			marker.RollbackKey:       strconv.FormatBool(s.IsRollback),
		},
		Labels: map[string]string{
			marker.AgentVersionKey: marker.AgentBuildVersion,
		},
	}
}
