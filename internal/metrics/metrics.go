package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests        metric.Int64Counter
	HTTPDuration        metric.Float64Histogram
	Instructions        metric.Int64Counter
	InstructionDuration metric.Float64Histogram
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	OracleFetches       metric.Int64Counter
	StaleQuotes         metric.Int64Counter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"lnd_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"lnd_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Instructions, err = meter.Int64Counter(
		"lnd_instructions_total",
		metric.WithDescription("Lending instructions executed, by type and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InstructionDuration, err = meter.Float64Histogram(
		"lnd_instruction_duration_seconds",
		metric.WithDescription("Lending instruction duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"lnd_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"lnd_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OracleFetches, err = meter.Int64Counter(
		"lnd_oracle_fetches_total",
		metric.WithDescription("Oracle quote fetches, by symbol and result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StaleQuotes, err = meter.Int64Counter(
		"lnd_oracle_stale_quotes_total",
		metric.WithDescription("Instructions rejected on a stale quote"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

// RecordInstruction counts one engine instruction. outcome is "ok" or the
// sentinel error's short name.
func (m *Metrics) RecordInstruction(ctx context.Context, instruction, outcome string, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("instruction", instruction),
		attribute.String("outcome", outcome),
	)

	m.Instructions.Add(ctx, 1, labels)
	m.InstructionDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordOracleFetch(ctx context.Context, symbol string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.OracleFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordStaleQuote(ctx context.Context, asset string) {
	m.StaleQuotes.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", asset)))
}
