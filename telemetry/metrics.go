// Package telemetry provides OpenTelemetry metrics and logging helpers for
// the virtual store: catalog query and chunk fetch instruments, an
// instrumented HTTP transport, and exporter setup.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/earthdatalab/virtualzarr"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus registry and handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	catalogQueriesTotal  metric.Int64Counter
	catalogQueryDuration metric.Float64Histogram

	chunkFetchTotal      metric.Int64Counter
	chunkFetchDuration   metric.Float64Histogram
	chunkFetchBytesTotal metric.Int64Counter

	upstreamRequestsTotal   metric.Int64Counter
	upstreamRequestDuration metric.Float64Histogram
	upstreamBytesTotal      metric.Int64Counter

	retryWaitsTotal   metric.Int64Counter
	retryWaitDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "virtualzarr"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporter configured, a manual reader keeps the instruments
	// resolvable.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewManualReader())
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	catalogQueriesTotal, err := meter.Int64Counter(
		"virtualzarr_catalog_queries_total",
		metric.WithDescription("Total number of catalog queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	catalogQueryDuration, err := meter.Float64Histogram(
		"virtualzarr_catalog_query_duration_seconds",
		metric.WithDescription("Catalog query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	chunkFetchTotal, err := meter.Int64Counter(
		"virtualzarr_chunk_fetch_total",
		metric.WithDescription("Total number of chunk fetch attempts by transport"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	chunkFetchDuration, err := meter.Float64Histogram(
		"virtualzarr_chunk_fetch_duration_seconds",
		metric.WithDescription("Chunk fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	chunkFetchBytesTotal, err := meter.Int64Counter(
		"virtualzarr_chunk_fetch_bytes_total",
		metric.WithDescription("Total chunk bytes fetched by transport"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	upstreamRequestsTotal, err := meter.Int64Counter(
		"virtualzarr_upstream_requests_total",
		metric.WithDescription("Total number of upstream HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamRequestDuration, err := meter.Float64Histogram(
		"virtualzarr_upstream_request_duration_seconds",
		metric.WithDescription("Duration of upstream HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamBytesTotal, err := meter.Int64Counter(
		"virtualzarr_upstream_bytes_total",
		metric.WithDescription("Total bytes read from upstream responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	retryWaitsTotal, err := meter.Int64Counter(
		"virtualzarr_retry_waits_total",
		metric.WithDescription("Total number of retry backoff waits"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return err
	}

	retryWaitDuration, err := meter.Float64Histogram(
		"virtualzarr_retry_wait_duration_seconds",
		metric.WithDescription("Duration of retry backoff waits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		catalogQueriesTotal:     catalogQueriesTotal,
		catalogQueryDuration:    catalogQueryDuration,
		chunkFetchTotal:         chunkFetchTotal,
		chunkFetchDuration:      chunkFetchDuration,
		chunkFetchBytesTotal:    chunkFetchBytesTotal,
		upstreamRequestsTotal:   upstreamRequestsTotal,
		upstreamRequestDuration: upstreamRequestDuration,
		upstreamBytesTotal:      upstreamBytesTotal,
		retryWaitsTotal:         retryWaitsTotal,
		retryWaitDuration:       retryWaitDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the /metrics handler, or nil when the
// Prometheus exporter is disabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordCatalogQuery records one catalog query with its outcome.
func RecordCatalogQuery(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.catalogQueriesTotal.Add(ctx, 1, attrs)
	globalMetrics.catalogQueryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordChunkFetch records one chunk fetch attempt against a transport.
func RecordChunkFetch(ctx context.Context, transport string, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome),
	)
	globalMetrics.chunkFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.chunkFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.chunkFetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordUpstreamRequest records one HTTP round trip.
func RecordUpstreamRequest(ctx context.Context, component string, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.upstreamRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.upstreamBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRetryWait records one backoff wait before a retry.
func RecordRetryWait(ctx context.Context, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retryWaitsTotal.Add(ctx, 1)
	globalMetrics.retryWaitDuration.Record(ctx, wait.Seconds())
}
