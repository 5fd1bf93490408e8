//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/otterscale/otterscale-mirror/internal/cmd"
	"github.com/otterscale/otterscale-mirror/internal/cmd/server"
	"github.com/otterscale/otterscale-mirror/internal/config"
	"github.com/otterscale/otterscale-mirror/internal/core"
	"github.com/otterscale/otterscale-mirror/internal/handler"
	"github.com/otterscale/otterscale-mirror/internal/providers"
)

func wireServer(conf *config.Config) (*server.Server, func(), error) {
	panic(wire.Build(
		cmd.ProviderSet,
		handler.ProviderSet,
		core.ProviderSet,
		providers.ProviderSet,
	))
}
