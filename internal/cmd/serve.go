package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otterscale/otterscale-mirror/internal/cmd/server"
	"github.com/otterscale/otterscale-mirror/internal/config"
	"github.com/otterscale/otterscale-mirror/internal/core"
)

// ServerInjector builds a Server with all of its dependencies. It is
// called only when the command runs, so --help works without a
// reachable cluster.
type ServerInjector func() (*server.Server, func(), error)

// NewServeCommand returns the command that mirrors the configured
// resources and serves them over HTTP.
func NewServeCommand(conf *config.Config, newServer ServerInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Mirror Kubernetes resources into memory and serve them over HTTP",
		Example: "otterscale-mirror serve --resources=pods,deployments.apps --namespace=default --delete-grace-period=10s",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, cleanup, err := newServer()
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer cleanup()

			return srv.Run(cmd.Context(), ServerConfig(conf))
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.MirrorOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

// ServerConfig collects the serve command's settings from conf.
func ServerConfig(conf *config.Config) server.Config {
	return server.Config{
		Address:        conf.MirrorAddress(),
		AllowedOrigins: conf.MirrorAllowedOrigins(),
		Mirror: core.MirrorConfig{
			Resources:         conf.MirrorResources(),
			Namespace:         conf.MirrorNamespace(),
			LabelSelector:     conf.MirrorLabelSelector(),
			FieldSelector:     conf.MirrorFieldSelector(),
			DeleteGracePeriod: conf.MirrorDeleteGracePeriod(),
			WatchTimeout:      conf.MirrorWatchTimeout(),
			BackoffBase:       conf.MirrorBackoffBase(),
			BackoffMax:        conf.MirrorBackoffMax(),
		},
	}
}
