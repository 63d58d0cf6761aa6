package k8sutil

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	v1meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/kubectl/pkg/drain"
)

// DefaultDrainTimeout bounds evictions when the caller set no deadline.
const DefaultDrainTimeout = 5 * time.Minute

// NodeDrainer cordons and drains the Node the agent runs on.
type NodeDrainer struct {
	log      logging.Logger
	kube     kubernetes.Interface
	nodeName string
}

func NewNodeDrainer(log logging.Logger, kube kubernetes.Interface, nodeName string) *NodeDrainer {
	return &NodeDrainer{log: log, kube: kube, nodeName: nodeName}
}

func (k *NodeDrainer) forNode(timeout time.Duration) (*v1.Node, *drain.Helper, error) {
	node, err := k.kube.CoreV1().Nodes().Get(k.nodeName, v1meta.GetOptions{})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "unable to retrieve node from api")
	}
	drainer := &drain.Helper{
		Client:              k.kube,
		Out:                 k.log.WriterLevel(logrus.InfoLevel),
		ErrOut:              k.log.WriterLevel(logrus.ErrorLevel),
		IgnoreAllDaemonSets: true,
		DeleteLocalData:     true,
		GracePeriodSeconds:  -1,
		Timeout:             timeout,
	}
	return node, drainer, nil
}

func (k *NodeDrainer) setCordon(cordoned bool) error {
	node, drainer, err := k.forNode(0)
	if err != nil {
		return errors.WithMessage(err, "unable to operate")
	}
	return drain.RunCordonOrUncordon(drainer, node, cordoned)
}

// Cordon marks the Node unschedulable.
func (k *NodeDrainer) Cordon() error {
	return k.setCordon(true)
}

// Uncordon makes the Node schedulable again.
func (k *NodeDrainer) Uncordon() error {
	return k.setCordon(false)
}

// Drain cordons the Node and evicts its workload, leaving daemonsets alone.
func (k *NodeDrainer) Drain(ctx context.Context) error {
	timeout := DefaultDrainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	node, drainer, err := k.forNode(timeout)
	if err != nil {
		return errors.WithMessage(err, "unable to operate")
	}
	log := k.log.WithField("node", k.nodeName)
	if err := drain.RunCordonOrUncordon(drainer, node, true); err != nil {
		return errors.WithMessage(err, "unable to cordon node")
	}
	log.Debug("draining workload")
	if err := drain.RunNodeDrain(drainer, k.nodeName); err != nil {
		return errors.WithMessage(err, "unable to drain node")
	}
	log.Info("workload drained")
	return nil
}
