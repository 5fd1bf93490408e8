// Package main is the entry point for the otterscale-mirror binary.
// The serve subcommand keeps in-memory mirrors of Kubernetes
// resources and exposes them over a read-only HTTP API.
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otterscale/otterscale-mirror/internal/cmd"
	"github.com/otterscale/otterscale-mirror/internal/cmd/server"
	"github.com/otterscale/otterscale-mirror/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration and executes the root Cobra command.
func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := newCmd(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}

// newCmd constructs the root Cobra command and registers the serve
// subcommand. Logging is configured once flags are parsed.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "otterscale-mirror",
		Short:         "OtterScale Mirror: in-memory mirrors of Kubernetes resources.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return conf.SetupLogging(os.Stderr)
		},
	}

	if err := conf.BindFlags(c.PersistentFlags(), config.LogOptions); err != nil {
		return nil, err
	}

	serveCmd, err := cmd.NewServeCommand(conf, func() (*server.Server, func(), error) {
		return wireServer(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd)

	return c, nil
}
