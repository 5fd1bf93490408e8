package kubernetes

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// restConfigFor returns the rest.Config for kubeconfig. With an empty
// path it prefers the in-cluster config and falls back to the user's
// kubeconfig for local development.
func restConfigFor(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %q: %w", kubeconfig, err)
		}
		return cfg, nil
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		slog.Warn("in-cluster config not available, falling back to kubeconfig", "error", err)
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %q: %w", clientcmd.RecommendedHomeFile, err)
		}
	}
	return cfg, nil
}
