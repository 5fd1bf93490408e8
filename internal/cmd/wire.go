// Package cmd defines the Cobra subcommands and their Wire provider
// sets. It bridges configuration, dependency injection, and the
// transport/application layers.
package cmd

import (
	"github.com/google/wire"

	"github.com/otterscale/otterscale-mirror/internal/cmd/server"
)

// ProviderSet is the Wire provider set for the CLI layer.
var ProviderSet = wire.NewSet(
	server.NewServer,
	server.NewHandler,
	server.ProvideBackgroundListeners,
)
