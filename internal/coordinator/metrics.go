package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// metrics wraps the local-only OTel instruments exposed by the
// coordinator. The exporter writes to stdout on a periodic reader and
// never opens a network socket — the engine's core has no remote
// telemetry transport.
type metrics struct {
	provider     *sdkmetric.MeterProvider
	opsTotal     metric.Int64Counter
	opErrors     metric.Int64Counter
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	circuitTrips metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("cortex/coordinator")

	opsTotal, err := meter.Int64Counter("cortex.operations.total", metric.WithDescription("Engine operations by kind"))
	if err != nil {
		return nil, err
	}
	opErrors, err := meter.Int64Counter("cortex.operations.errors", metric.WithDescription("Engine operation failures by kind"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("cortex.cache.hits", metric.WithDescription("Query cache hits"))
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("cortex.cache.misses", metric.WithDescription("Query cache misses"))
	if err != nil {
		return nil, err
	}
	circuitTrips, err := meter.Int64Counter("cortex.circuit.trips", metric.WithDescription("Circuit breaker trips"))
	if err != nil {
		return nil, err
	}

	return &metrics{
		provider:     provider,
		opsTotal:     opsTotal,
		opErrors:     opErrors,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
		circuitTrips: circuitTrips,
	}, nil
}

func (m *metrics) recordOp(ctx context.Context, op string, err error) {
	m.opsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		m.opErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *metrics) recordCacheHit(ctx context.Context, kind string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) recordCacheMiss(ctx context.Context, kind string) {
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) recordCircuitTrip(ctx context.Context, collaborator string) {
	m.circuitTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("collaborator", collaborator)))
}

func (m *metrics) shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
