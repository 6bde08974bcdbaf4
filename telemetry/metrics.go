package telemetry

import (
	"context"
	"errors"
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
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/offline-cache"
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

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	fetchTotal       metric.Int64Counter
	cacheWritesTotal metric.Int64Counter
	cacheWriteSize   metric.Float64Histogram

	networkFetchDuration   metric.Float64Histogram
	networkFetchTotal      metric.Int64Counter
	networkFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	replayTotal    metric.Int64Counter
	replayDuration metric.Float64Histogram
	queueDepth     metric.Int64Gauge

	lifecycleTransitionsTotal metric.Int64Counter

	expiryDeletedTotal metric.Int64Counter
	expiryDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets     = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}
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
		cfg.ServiceName = "offline-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := newResource(cfg)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
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

	// Instruments still need a reader to aggregate into when nothing exports.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newResource describes the service. The semconv schema must match the one
// resource.Default uses or the merge fails.
func newResource(cfg MetricsConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

// instrumentBuilder collects the first instrument creation error so the
// instrument list reads as a flat table.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = errors.Join(b.err, err)
	return g
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &Metrics{
		requestsTotal:      b.counter("offline_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal: b.counter("offline_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:    b.histogram("offline_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", durationBuckets),

		fetchTotal:       b.counter("offline_cache_fetch_total", "Intercepted fetches by strategy and response source", "{fetch}"),
		cacheWritesTotal: b.counter("offline_cache_cache_writes_total", "Cache writes by namespace role and outcome", "{write}"),
		cacheWriteSize:   b.histogram("offline_cache_cache_write_size_bytes", "Size of response bodies written to the cache", "By", sizeBuckets),

		networkFetchDuration:   b.histogram("offline_cache_network_fetch_duration_seconds", "Duration of network requests to the origin", "s", durationBuckets),
		networkFetchTotal:      b.counter("offline_cache_network_fetch_total", "Total number of network requests", "{request}"),
		networkFetchBytesTotal: b.counter("offline_cache_network_fetch_bytes_total", "Total bytes read from the network", "By"),

		backendRequestDuration: b.histogram("offline_cache_backend_request_duration_seconds", "Storage backend operation duration", "s", durationBuckets),
		backendRequestsTotal:   b.counter("offline_cache_backend_requests_total", "Total storage backend operations", "{op}"),
		backendBytesTotal:      b.counter("offline_cache_backend_bytes_total", "Bytes moved through the storage backend", "By"),

		replayTotal:    b.counter("offline_cache_replay_total", "Queued submission replays by outcome", "{submission}"),
		replayDuration: b.histogram("offline_cache_replay_duration_seconds", "Duration of a full queue replay", "s", durationBuckets),
		queueDepth:     b.gauge("offline_cache_queue_depth", "Submissions currently held per queue", "{submission}"),

		lifecycleTransitionsTotal: b.counter("offline_cache_lifecycle_transitions_total", "Worker version state transitions", "{transition}"),

		expiryDeletedTotal: b.counter("offline_cache_expiry_deleted_total", "Dynamic cache entries removed by expiry", "{entry}"),
		expiryDuration:     b.histogram("offline_cache_expiry_duration_seconds", "Duration of an expiry cycle", "s", durationBuckets),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics using the tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheNA)
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		cacheResult = string(tags.CacheResult)
	}

	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFetch records the outcome of one intercepted fetch. source is
// "cache", "network" or "none" when the fetch failed.
func RecordFetch(ctx context.Context, strategy, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("source", source),
	))
}

// RecordCacheWrite records a cache write. role is "precache" or "dynamic".
func RecordCacheWrite(ctx context.Context, role, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	)
	globalMetrics.cacheWritesTotal.Add(ctx, 1, attrs)
	if outcome == "success" {
		globalMetrics.cacheWriteSize.Record(ctx, float64(size), attrs)
	}
}

// RecordNetworkFetch records a request made to the network.
func RecordNetworkFetch(ctx context.Context, purpose string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("purpose", purpose),
		attribute.String("outcome", outcome),
	)
	globalMetrics.networkFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.networkFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.networkFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordReplay records the outcome of replaying one queued submission.
// outcome is "delivered", "retained" or "dead_lettered".
func RecordReplay(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.replayTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReplayRun records the duration of a full replay pass.
func RecordReplayRun(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.replayDuration.Record(ctx, duration.Seconds())
}

// RecordQueueDepth records how many submissions a queue currently holds.
func RecordQueueDepth(ctx context.Context, queue string, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordLifecycleTransition records a version entering state.
func RecordLifecycleTransition(ctx context.Context, state string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lifecycleTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordExpiryCycle records one expiry pass over the dynamic cache.
func RecordExpiryCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.expiryDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.expiryDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
