package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Topic spaces used as the "space" attribute on dispatch metrics.
const (
	SpaceChannel  = "channel"
	SpacePresence = "presence"
	SpaceControl  = "control"
)

// Request outcomes used as the "outcome" attribute on request metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeStatus   = "status"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeClosed   = "closed"
)

// MetricsRecorder records routing metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records one inbound message and how many handlers it reached.
	RecordDispatch(ctx context.Context, space string, matched int, duration time.Duration)

	// RecordHandlerError records a handler failure caught during dispatch.
	RecordHandlerError(ctx context.Context, space string)

	// RecordRequest records the end of a correlated request.
	RecordRequest(ctx context.Context, kind, outcome string, duration time.Duration)
}

type otelMetrics struct {
	messages       metric.Int64Counter
	unmatched      metric.Int64Counter
	dispatchTime   metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("emitroute")

	messages, err := meter.Int64Counter("emitroute.dispatch.messages",
		metric.WithDescription("Number of inbound messages dispatched"),
	)
	if err != nil {
		return nil, err
	}

	unmatched, err := meter.Int64Counter("emitroute.dispatch.unmatched",
		metric.WithDescription("Number of inbound messages that matched no handler"),
	)
	if err != nil {
		return nil, err
	}

	dispatchTime, err := meter.Float64Histogram("emitroute.dispatch.latency_ms",
		metric.WithDescription("Time spent matching and invoking handlers"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("emitroute.handler.errors",
		metric.WithDescription("Number of handler failures caught during dispatch"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter("emitroute.request.count",
		metric.WithDescription("Number of completed correlated requests"),
	)
	if err != nil {
		return nil, err
	}

	requestLatency, err := meter.Float64Histogram("emitroute.request.latency_ms",
		metric.WithDescription("Correlated request round-trip latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		messages:       messages,
		unmatched:      unmatched,
		dispatchTime:   dispatchTime,
		handlerErrors:  handlerErrors,
		requests:       requests,
		requestLatency: requestLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, space string, matched int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("space", space))

	m.messages.Add(ctx, 1, attrs)
	m.dispatchTime.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if matched == 0 {
		m.unmatched.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordHandlerError(ctx context.Context, space string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("space", space)))
}

func (m *otelMetrics) RecordRequest(ctx context.Context, kind, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}
