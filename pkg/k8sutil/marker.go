package k8sutil

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/marker"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v1meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	v1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/util/retry"
)

// PostMetadata merges the markers of cont into the named Node. A write that
// loses to a concurrent change of the Node is retried against its latest
// revision.
func PostMetadata(log logging.Logger, nc v1.NodeInterface, nodeName string, cont marker.Container) error {
	log = log.WithField("node", nodeName)
	attempts := 0
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		attempts++
		node, err := nc.Get(nodeName, v1meta.GetOptions{})
		if err != nil {
			return errors.WithMessage(err, "unable to get node")
		}
		if applied(cont, node) {
			log.Debug("markers already present")
			return nil
		}
		marker.OverwriteFrom(cont, node)
		if logging.Debuggable {
			log.WithFields(logrus.Fields{
				"annotations": node.GetAnnotations(),
				"labels":      node.GetLabels(),
				"attempt":     attempts,
			}).Debug("merged in new metadata")
		}
		_, err = nc.Update(node)
		return err
	})
	if err != nil {
		return errors.WithMessage(err, "unable to update node")
	}
	return nil
}

// applied reports whether every marker of cont is already set on node.
func applied(cont marker.Container, node marker.Container) bool {
	return subset(cont.GetAnnotations(), node.GetAnnotations()) &&
		subset(cont.GetLabels(), node.GetLabels())
}

func subset(want, have map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}
