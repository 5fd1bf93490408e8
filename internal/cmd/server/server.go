// Package server implements the mirror runtime: the reflectors, the
// HTTP read API and the background maintenance loops.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/otterscale/otterscale-mirror/internal/core"
	"github.com/otterscale/otterscale-mirror/internal/middleware"
	"github.com/otterscale/otterscale-mirror/internal/transport"
	"github.com/otterscale/otterscale-mirror/internal/transport/http"
)

// Config holds the runtime parameters for a Server.
type Config struct {
	Address        string
	AllowedOrigins []string
	Mirror         core.MirrorConfig
}

// Server binds the HTTP server, the mirrors and the background
// listeners, running them in parallel via transport.Serve.
type Server struct {
	handler    *Handler
	mirror     *core.MirrorUseCase
	background BackgroundListeners
}

// NewServer returns a Server wired to the given handler and mirror.
func NewServer(handler *Handler, mirror *core.MirrorUseCase, background BackgroundListeners) *Server {
	return &Server{handler: handler, mirror: mirror, background: background}
}

// Run starts every component. It blocks until ctx is cancelled or a
// component fails; a mirror configuration error is returned as is.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithMiddleware(middleware.RequestID, middleware.AccessLog(nil)),
		http.WithMount(s.handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	slog.Default().With("component", "server").Info("mirroring resources",
		"resources", cfg.Mirror.Resources,
		"namespace", cfg.Mirror.Namespace,
		"labelSelector", cfg.Mirror.LabelSelector,
		"deleteGracePeriod", cfg.Mirror.DeleteGracePeriod,
	)

	listeners := []transport.Listener{
		httpSrv,
		&mirrorListener{mirror: s.mirror, cfg: cfg.Mirror},
	}
	listeners = append(listeners, s.background...)

	return transport.Serve(ctx, listeners...)
}
