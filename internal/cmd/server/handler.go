package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/otterscale/otterscale-mirror/internal/handler"
)

// Handler mounts the mirror API and the operational endpoints.
type Handler struct {
	mirror *handler.MirrorHandler
}

func NewHandler(mirror *handler.MirrorHandler) *Handler {
	return &Handler{
		mirror: mirror,
	}
}

// Mount registers all handlers and observability tools to the mux.
func (h *Handler) Mount(mux *http.ServeMux) error {
	if err := h.registerMetrics(mux); err != nil {
		return err
	}

	h.mirror.Register(mux)

	return nil
}

// registerMetrics installs the Prometheus exporter as the global
// MeterProvider and serves it on /metrics.
func (h *Handler) registerMetrics(mux *http.ServeMux) error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	mux.Handle("GET /metrics", promhttp.Handler())

	return nil
}
