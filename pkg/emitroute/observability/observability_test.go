package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// jsonLogger returns a debug-level JSON logger and the buffer it writes to.
func jsonLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(m *metricdata.Metrics, key, value string) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds client identity", func(t *testing.T) {
		logger, buf := jsonLogger()
		EnrichLogger(logger, "client-1", "tcp://localhost:8080").Info("connected")

		record := lastRecord(t, buf)
		assert.Equal(t, "client-1", record["client_id"])
		assert.Equal(t, "tcp://localhost:8080", record["broker"])
		assert.Equal(t, "connected", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "client-1", "broker"))
	})
}

func TestLogHelpers(t *testing.T) {
	t.Run("dispatch", func(t *testing.T) {
		logger, buf := jsonLogger()
		LogDispatch(logger, "sensors/room1/temperature", 2, 3*time.Millisecond)

		record := lastRecord(t, buf)
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "sensors/room1/temperature", record["topic"])
		assert.Equal(t, float64(2), record["handlers"])
		assert.Equal(t, float64(3), record["duration_ms"])
	})

	t.Run("handler error", func(t *testing.T) {
		logger, buf := jsonLogger()
		LogHandlerError(logger, "a/b", "h1", errors.New("boom"))

		record := lastRecord(t, buf)
		assert.Equal(t, "WARN", record["level"])
		assert.Equal(t, "boom", record["error"])
	})

	t.Run("request resolved with error logs a warning", func(t *testing.T) {
		logger, buf := jsonLogger()
		LogRequestResolved(logger, "keygen", 4, time.Millisecond, errors.New("status 401"))

		record := lastRecord(t, buf)
		assert.Equal(t, "WARN", record["level"])
		assert.Equal(t, "request failed", record["msg"])
		assert.Equal(t, float64(4), record["request_id"])
	})

	t.Run("request timeout", func(t *testing.T) {
		logger, buf := jsonLogger()
		LogRequestTimeout(logger, "link", 9, 5*time.Second)

		record := lastRecord(t, buf)
		assert.Equal(t, "request timed out", record["msg"])
		assert.Equal(t, "link", record["kind"])
	})

	t.Run("nil logger is safe", func(t *testing.T) {
		assert.NotPanics(t, func() {
			LogDispatch(nil, "a", 0, 0)
			LogUnmatched(nil, "a", 0)
			LogHandlerError(nil, "a", "h", errors.New("x"))
			LogRequestSent(nil, "keygen", 1, "emitter/keygen/")
			LogRequestResolved(nil, "keygen", 1, 0, nil)
			LogRequestTimeout(nil, "keygen", 1, time.Second)
			LogUncorrelated(nil, "emitter/keygen/", 1)
			LogError(nil, errors.New("x"))
		})
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 5*time.Millisecond)
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordDispatch(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordDispatch(ctx, SpaceChannel, 2, time.Millisecond)
	m.RecordDispatch(ctx, SpaceChannel, 0, time.Millisecond)
	m.RecordDispatch(ctx, SpacePresence, 1, time.Millisecond)

	messages := findMetric(t, reader, "emitroute.dispatch.messages")
	require.NotNil(t, messages)
	assert.Equal(t, int64(2), sumFor(messages, "space", SpaceChannel))
	assert.Equal(t, int64(1), sumFor(messages, "space", SpacePresence))

	unmatched := findMetric(t, reader, "emitroute.dispatch.unmatched")
	require.NotNil(t, unmatched)
	assert.Equal(t, int64(1), sumFor(unmatched, "space", SpaceChannel))

	latency := findMetric(t, reader, "emitroute.dispatch.latency_ms")
	require.NotNil(t, latency)
	_, ok := latency.Data.(metricdata.Histogram[float64])
	assert.True(t, ok, "Expected Histogram type")
}

func TestRecordRequestAndHandlerError(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordRequest(ctx, "keygen", OutcomeSuccess, 20*time.Millisecond)
	m.RecordRequest(ctx, "keygen", OutcomeTimeout, 5*time.Second)
	m.RecordHandlerError(ctx, SpaceChannel)

	requests := findMetric(t, reader, "emitroute.request.count")
	require.NotNil(t, requests)
	assert.Equal(t, int64(1), sumFor(requests, "outcome", OutcomeTimeout))
	assert.Equal(t, int64(2), sumFor(requests, "kind", "keygen"))

	handlerErrors := findMetric(t, reader, "emitroute.handler.errors")
	require.NotNil(t, handlerErrors)
	assert.Equal(t, int64(1), sumFor(handlerErrors, "space", SpaceChannel))
}

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("emitroute")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		tracer = otel.Tracer("emitroute")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}
	return exporter, cleanup
}

func TestRequestSpans(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("successful request", func(t *testing.T) {
		exporter.Reset()
		sm := NewSpanManager()

		ctx, span := sm.StartRequestSpan(context.Background(), "keygen", 12)
		sm.AddSpanEvent(ctx, "published", attribute.String("topic", "emitter/keygen/"))
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		s := spans[0]
		assert.Equal(t, "emitroute.request.keygen", s.Name)
		assert.Equal(t, codes.Ok, s.Status.Code)
		require.Len(t, s.Events, 1)
		assert.Equal(t, "published", s.Events[0].Name)

		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range s.Attributes {
			attrs[kv.Key] = kv.Value
		}
		assert.Equal(t, "keygen", attrs["request.kind"].AsString())
		assert.Equal(t, int64(12), attrs["request.id"].AsInt64())
	})

	t.Run("failed request", func(t *testing.T) {
		exporter.Reset()

		_, span := StartRequestSpan(context.Background(), "link", 3)
		EndSpanWithError(span, errors.New("timeout"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "timeout", spans[0].Status.Description)
	})

	t.Run("nil span is safe", func(t *testing.T) {
		assert.NotPanics(t, func() { EndSpanWithError(nil, nil) })
	})
}

func TestNoop(t *testing.T) {
	ctx := context.Background()

	var m MetricsRecorder = NoopMetrics{}
	m.RecordDispatch(ctx, SpaceChannel, 1, time.Millisecond)
	m.RecordHandlerError(ctx, SpaceChannel)
	m.RecordRequest(ctx, "keygen", OutcomeSuccess, time.Millisecond)

	var sm SpanManager = NoopSpanManager{}
	gotCtx, span := sm.StartRequestSpan(ctx, "keygen", 1)
	assert.Equal(t, ctx, gotCtx)
	assert.False(t, span.IsRecording())
	sm.AddSpanEvent(ctx, "event")
	sm.EndSpanWithError(span, errors.New("ignored"))
}
