package core

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/otterscale/otterscale-mirror/internal/core"

// reflectorMetrics holds the instruments recorded by one reflector.
// Instruments come from the global MeterProvider, so they are no-ops
// until the process installs one.
type reflectorMetrics struct {
	resource    attribute.KeyValue
	events      metric.Int64Counter
	invocations metric.Int64Counter
	resyncs     metric.Int64Counter
}

func newReflectorMetrics(resource string) *reflectorMetrics {
	meter := otel.Meter(meterName)
	m := &reflectorMetrics{resource: attribute.String("resource", resource)}

	var err error
	if m.events, err = meter.Int64Counter("mirror_watch_events_total",
		metric.WithDescription("Watch events applied to the mirror")); err != nil {
		otel.Handle(err)
	}
	if m.invocations, err = meter.Int64Counter("mirror_watch_invocations_total",
		metric.WithDescription("Watch invocations by result")); err != nil {
		otel.Handle(err)
	}
	if m.resyncs, err = meter.Int64Counter("mirror_resyncs_total",
		metric.WithDescription("Full resyncs performed")); err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *reflectorMetrics) event(ctx context.Context, t WatchEventType) {
	if m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(m.resource, attribute.String("type", string(t))))
}

func (m *reflectorMetrics) invocation(ctx context.Context, result string) {
	if m.invocations == nil {
		return
	}
	m.invocations.Add(ctx, 1, metric.WithAttributes(m.resource, attribute.String("result", result)))
}

func (m *reflectorMetrics) resync(ctx context.Context) {
	if m.resyncs == nil {
		return
	}
	m.resyncs.Add(ctx, 1, metric.WithAttributes(m.resource))
}

// RegisterPendingDeletesGauge exports the length of d's queue as the
// mirror_pending_deletes gauge for resource. The returned function
// unregisters the callback.
func RegisterPendingDeletesGauge(resource string, d *DelayedDelete) (func(), error) {
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("mirror_pending_deletes",
		metric.WithDescription("Deletions held back by the grace period"))
	if err != nil {
		return nil, err
	}
	attrs := metric.WithAttributes(attribute.String("resource", resource))
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(d.Len()), attrs)
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := reg.Unregister(); err != nil {
			slog.Warn("failed to unregister pending deletes gauge", "resource", resource, "error", err)
		}
	}, nil
}
