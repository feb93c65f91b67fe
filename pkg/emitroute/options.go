package emitroute

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/emitroute/pkg/emitroute/dispatch"
	"github.com/randalmurphal/emitroute/pkg/emitroute/journal"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
	"github.com/randalmurphal/emitroute/pkg/emitroute/transport"
)

// clientConfig holds the settings applied by Options.
type clientConfig struct {
	defaultKey string
	timeout    time.Duration
	policy     topic.Policy
	qos        byte
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	journal    journal.Store
	middleware []dispatch.Middleware
	onError    []func(error)
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		policy:  topic.PolicyExact,
		qos:     transport.AtMostOnce,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// Option configures a Client.
type Option func(*clientConfig)

// WithDefaultKey sets the channel key used when an operation is given an
// empty key.
func WithDefaultKey(key string) Option {
	return func(c *clientConfig) { c.defaultKey = key }
}

// WithRequestTimeout sets how long requests wait for a response.
// Default: 5s. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMatchPolicy selects how registered patterns match longer topics.
// Default: topic.PolicyExact.
func WithMatchPolicy(p topic.Policy) Option {
	return func(c *clientConfig) { c.policy = p }
}

// WithQoS sets the QoS of publishes and subscriptions.
// Default: transport.AtMostOnce.
func WithQoS(qos byte) Option {
	return func(c *clientConfig) { c.qos = qos }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithMetrics sets the metrics recorder shared by dispatch and requests.
//
// Example:
//
//	client := emitroute.New(t, emitroute.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *clientConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans sets the span manager used to trace requests.
func WithSpans(s observability.SpanManager) Option {
	return func(c *clientConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithJournal records every error-channel notification in store.
// The client closes the store on Close.
func WithJournal(store journal.Store) Option {
	return func(c *clientConfig) { c.journal = store }
}

// WithMiddleware wraps every channel handler registered on the client.
func WithMiddleware(mw ...dispatch.Middleware) Option {
	return func(c *clientConfig) { c.middleware = append(c.middleware, mw...) }
}

// WithErrorHandler is OnError applied at construction.
func WithErrorHandler(fn func(error)) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.onError = append(c.onError, fn)
		}
	}
}
