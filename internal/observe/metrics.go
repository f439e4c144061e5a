// Package observe holds dialtone's observability plumbing: OpenTelemetry
// metric instruments, call and turn tracing, context-aware logging and the
// HTTP middleware that ties them together.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs one backed by a Prometheus registry; tests build their own
// [Metrics] over a ManualReader with [NewMetrics].
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/dialtone"

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnStale       = "stale"
	TurnEmpty       = "empty"
	TurnFailed      = "failed"
)

// Pipeline stages accepted by [Metrics.RecordStage].
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

// Metrics bundles the instruments recorded by the call path. Every field is
// safe for concurrent use.
type Metrics struct {
	// StageDuration is the latency of one provider stage, labelled "stage".
	StageDuration metric.Float64Histogram

	// ResponseLatency runs from the end of a caller utterance to the first
	// agent frame written to the call.
	ResponseLatency metric.Float64Histogram

	// HTTPRequestDuration is labelled "method" and "path" (the route pattern).
	HTTPRequestDuration metric.Float64Histogram

	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	BreakerTransitions metric.Int64Counter // breaker, to

	Utterances    metric.Int64Counter // forced
	Turns         metric.Int64Counter // outcome
	BargeIns      metric.Int64Counter
	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter // reason

	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets are in seconds. Phone turns land between 100ms and a few
// seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder creates instruments on one meter and keeps the first error per
// instrument so NewMetrics can report them all at once.
type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	met := &Metrics{
		StageDuration:       b.histogram("dialtone.stage.duration", "Latency of a provider stage (stt, llm, tts).", latencyBuckets...),
		ResponseLatency:     b.histogram("dialtone.response.latency", "Time from end of caller speech to first agent audio frame.", latencyBuckets...),
		HTTPRequestDuration: b.histogram("dialtone.http.request.duration", "HTTP request latency by method and route."),

		ProviderRequests:   b.counter("dialtone.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     b.counter("dialtone.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions: b.counter("dialtone.breaker.transitions", "Circuit breaker state changes."),

		Utterances:    b.counter("dialtone.utterances", "Caller utterances emitted by the segmenter."),
		Turns:         b.counter("dialtone.turns", "Finished turns by outcome."),
		BargeIns:      b.counter("dialtone.barge_ins", "Confirmed caller interruptions."),
		FramesSent:    b.counter("dialtone.frames.sent", "Outbound audio frames written to calls."),
		FramesDropped: b.counter("dialtone.frames.dropped", "Inbound frames dropped by reason."),

		ActiveCalls: b.gauge("dialtone.active_calls", "Live call sessions."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on [otel.GetMeterProvider],
// created on first use. Call it after [InitProvider] so the instruments land
// on the Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call with status "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordBreakerTransition counts a breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}

// RecordStage records the latency of one stage. Stages other than
// [StageSTT], [StageLLM] and [StageTTS] are ignored.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	switch stage {
	case StageSTT, StageLLM, StageTTS:
		m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (m *Metrics) RecordUtterance(ctx context.Context, forced bool) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

// RecordTurn counts a finished turn with one of the Turn* outcomes.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
