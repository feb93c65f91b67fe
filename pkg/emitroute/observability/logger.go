// Package observability provides structured logging, metrics, and tracing
// for the routing layer.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every Log helper accepts a nil logger and does nothing in that case.
package observability

import (
	"io"
	"log/slog"
	"time"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EnrichLogger adds the client identity to a logger.
//
// Example:
//
//	logger = EnrichLogger(logger, "client-7f3a", "tcp://broker:8080")
//	logger.Info("connected") // includes client_id and broker
func EnrichLogger(logger *slog.Logger, clientID, broker string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("client_id", clientID),
		slog.String("broker", broker),
	)
}

// LogDispatch logs the outcome of routing one inbound message.
func LogDispatch(logger *slog.Logger, topic string, matched int, elapsed time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("message dispatched",
		slog.String("topic", topic),
		slog.Int("handlers", matched),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
}

// LogUnmatched logs a message that matched no handler and had no default.
func LogUnmatched(logger *slog.Logger, topic string, size int) {
	if logger == nil {
		return
	}
	logger.Debug("message dropped, no handler",
		slog.String("topic", topic),
		slog.Int("size_bytes", size),
	)
}

// LogHandlerError logs a handler failure caught at the dispatch boundary.
func LogHandlerError(logger *slog.Logger, topic, handler string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("topic", topic),
		slog.String("handler", handler),
		slog.String("error", err.Error()),
	)
}

// LogRequestSent logs a correlated request leaving the client.
func LogRequestSent(logger *slog.Logger, kind string, id uint16, topic string) {
	if logger == nil {
		return
	}
	logger.Debug("request sent",
		slog.String("kind", kind),
		slog.Int("request_id", int(id)),
		slog.String("topic", topic),
	)
}

// LogRequestResolved logs a correlated request answered by the service.
func LogRequestResolved(logger *slog.Logger, kind string, id uint16, elapsed time.Duration, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("request failed",
			slog.String("kind", kind),
			slog.Int("request_id", int(id)),
			slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("request resolved",
		slog.String("kind", kind),
		slog.Int("request_id", int(id)),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
}

// LogRequestTimeout logs a correlated request that hit its deadline.
func LogRequestTimeout(logger *slog.Logger, kind string, id uint16, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("request timed out",
		slog.String("kind", kind),
		slog.Int("request_id", int(id)),
		slog.Duration("timeout", timeout),
	)
}

// LogUncorrelated logs a response whose request id is not pending.
func LogUncorrelated(logger *slog.Logger, topic string, id uint16) {
	if logger == nil {
		return
	}
	logger.Debug("response dropped, no pending request",
		slog.String("topic", topic),
		slog.Int("request_id", int(id)),
	)
}

// LogError logs a notification published on the generic error channel.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("emitroute error",
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
