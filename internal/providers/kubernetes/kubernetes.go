package kubernetes

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/otterscale/otterscale-mirror/internal/config"
)

// Kubernetes holds the clients of the mirrored cluster. All adapters in
// this package share one rest.Config and therefore one transport.
type Kubernetes struct {
	dynamic   dynamic.Interface
	discovery discovery.DiscoveryInterface
}

// New builds the clients from the configured kubeconfig, or from the
// in-cluster environment when none is configured.
func New(conf *config.Config) (*Kubernetes, error) {
	restConfig, err := restConfigFor(conf.MirrorKubeconfig())
	if err != nil {
		return nil, err
	}
	return NewForConfig(restConfig)
}

// NewForConfig builds the clients from cfg.
func NewForConfig(cfg *rest.Config) (*Kubernetes, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create discovery client: %w", err)
	}
	slog.Default().With("component", "kubernetes").Info("connected", "host", cfg.Host)
	return NewForClients(dyn, disc), nil
}

// NewForClients wraps existing clients. Tests use it with the fake
// dynamic and discovery clients.
func NewForClients(dyn dynamic.Interface, disc discovery.DiscoveryInterface) *Kubernetes {
	return &Kubernetes{dynamic: dyn, discovery: disc}
}
