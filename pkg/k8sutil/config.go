package k8sutil

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	userAgent = "retriever"
	// requestTimeout bounds each call to the API server.
	requestTimeout = 30 * time.Second
)

// NewDefaultConfig loads kubeconfig the way the SDK does by default: from
// `$KUBECONFIG`, the user's kubeconfig, or the in-cluster service account.
func NewDefaultConfig() (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})
	config, err := loader.ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "could not load kubeconfig with default loader")
	}
	config.Timeout = requestTimeout
	rest.AddUserAgent(config, userAgent)
	return config, nil
}

// DefaultKubernetesClient creates a client from NewDefaultConfig.
func DefaultKubernetesClient() (*kubernetes.Clientset, error) {
	config, err := NewDefaultConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}
