package agent

import (
	"context"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/marker"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/nodestream"
	"github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
)

// acknowledger consumes handled requests on the Node.
type acknowledger interface {
	Acknowledge(request marker.Request, result marker.RequestResult) error
}

func (a *Agent) handler(ctx context.Context) nodestream.Handler {
	return &nodestream.HandlerFuncs{
		OnAddFunc: func(n *v1.Node) {
			a.handleEvent(ctx, n)
		},
		// Only the current request matters, not how it changed.
		OnUpdateFunc: func(_, n *v1.Node) {
			a.handleEvent(ctx, n)
		},
		OnDeleteFunc: func(n *v1.Node) {
			a.log.WithField("node", n.GetName()).Warn("node deleted, requests are not served until it returns")
			a.requests.clear()
		},
	}
}

func (a *Agent) handleEvent(ctx context.Context, node *v1.Node) {
	request := node.GetAnnotations()[marker.RequestKey]
	if request == marker.RequestNone {
		return
	}
	record := handledRequest{request: request, resourceVersion: node.GetResourceVersion()}
	if a.requests.handled(record) {
		return
	}
	log := a.log.WithField("request", request)

	result := marker.ResultUnknown
	if marker.IsRequest(request) {
		log.Info("request received")
		accepted, ok := a.perform(ctx, request)
		if !ok {
			return
		}
		result = marker.ResultRefused
		if accepted {
			result = marker.ResultAccepted
		}
	} else {
		log.Warn("unknown request")
	}
	a.requests.record(record)

	log.WithField("result", result).Info("request handled")
	if a.ack == nil {
		return
	}
	if err := a.ack.Acknowledge(request, result); err != nil {
		log.WithError(err).Error("unable to acknowledge request")
	}
}

// perform relays request to the controller on the loop. ok is false when ctx
// ended first.
func (a *Agent) perform(ctx context.Context, request marker.Request) (accepted bool, ok bool) {
	done := make(chan bool, 1)
	a.loop.Post(func() {
		done <- a.dispatch(request)
	})
	select {
	case accepted = <-done:
		return accepted, true
	case <-ctx.Done():
		return false, false
	}
}

// dispatch runs on the loop.
func (a *Agent) dispatch(request marker.Request) bool {
	switch request {
	case marker.RequestCheck:
		return a.controller.CheckForUpdate("", "", true)
	case marker.RequestRollback:
		return a.controller.Rollback(false)
	case marker.RequestReset:
		if err := a.controller.ResetStatus(); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{"request": request}).Warn("reset refused")
			return false
		}
		return true
	case marker.RequestReboot:
		return a.controller.RebootIfNeeded()
	}
	return false
}
