// Package observe provides application-wide observability primitives for
// echocast: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echocast metrics.
const meterName = "github.com/echocast/echocast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks utterance transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// ClipBuildDuration tracks segment-match and clip assembly latency.
	ClipBuildDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts emitted utterances. Use with attribute:
	//   attribute.String("cause", ...) — "cut" or "flush"
	Utterances metric.Int64Counter

	// TranscriberRequests counts transcription backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	TranscriberRequests metric.Int64Counter

	// Fallbacks counts times the primary transcriber was skipped or failed
	// over. Use with attribute: attribute.String("provider", ...)
	Fallbacks metric.Int64Counter

	// MatchRungs counts clip matches by the strategy that produced them. Use
	// with attribute: attribute.String("rung", ...)
	MatchRungs metric.Int64Counter

	// DroppedChunks counts video chunks evicted from the ring buffer before
	// any clip used them.
	DroppedChunks metric.Int64Counter

	// DedupedSegments counts transcript segments collapsed as near-duplicates.
	DedupedSegments metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live replay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// OutstandingHandles tracks resource handles acquired but not yet released.
	OutstandingHandles metric.Int64UpDownCounter

	// BufferedChunks tracks the number of chunks currently held in the ring
	// buffer.
	BufferedChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("echocast.transcription.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClipBuildDuration, err = m.Float64Histogram("echocast.clip_build.duration",
		metric.WithDescription("Latency of segment matching and clip assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("echocast.utterances",
		metric.WithDescription("Total emitted utterances by cut cause."),
	); err != nil {
		return nil, err
	}
	if met.TranscriberRequests, err = m.Int64Counter("echocast.transcriber.requests",
		metric.WithDescription("Total transcription backend requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("echocast.transcriber.fallbacks",
		metric.WithDescription("Total transcriber failovers by failing provider."),
	); err != nil {
		return nil, err
	}
	if met.MatchRungs, err = m.Int64Counter("echocast.matcher.rungs",
		metric.WithDescription("Total clip matches by matching strategy."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("echocast.buffer.dropped_chunks",
		metric.WithDescription("Total video chunks evicted unused from the ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.DedupedSegments, err = m.Int64Counter("echocast.transcript.deduped_segments",
		metric.WithDescription("Total transcript segments collapsed as near-duplicates."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echocast.active_sessions",
		metric.WithDescription("Number of live replay sessions."),
	); err != nil {
		return nil, err
	}
	if met.OutstandingHandles, err = m.Int64UpDownCounter("echocast.outstanding_handles",
		metric.WithDescription("Resource handles acquired but not yet released."),
	); err != nil {
		return nil, err
	}
	if met.BufferedChunks, err = m.Int64UpDownCounter("echocast.buffer.chunks",
		metric.WithDescription("Video chunks currently held in the ring buffer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echocast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscriberRequest records a transcription backend request with the
// standard attribute set.
func (m *Metrics) RecordTranscriberRequest(ctx context.Context, provider, status string) {
	m.TranscriberRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records an emitted utterance with its cut cause.
func (m *Metrics) RecordUtterance(ctx context.Context, cause string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordMatchRung records a clip match with the strategy that produced it.
func (m *Metrics) RecordMatchRung(ctx context.Context, rung string) {
	m.MatchRungs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rung", rung)),
	)
}

// RecordFallback records a transcriber failover away from provider.
func (m *Metrics) RecordFallback(ctx context.Context, provider string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
