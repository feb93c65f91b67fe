package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// Message is one inbound message handed to a Handler.
type Message struct {
	// Topic is the topic exactly as delivered by the transport.
	Topic   string
	Payload []byte

	// Pattern is the registration that matched. It is empty for the default
	// handler and for control handlers.
	Pattern string
}

// Handler processes inbound messages.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// PresenceHandler processes decoded presence events.
type PresenceHandler interface {
	HandlePresence(ctx context.Context, evt *wire.PresenceEvent) error
}

// PresenceHandlerFunc adapts a function to the PresenceHandler interface.
type PresenceHandlerFunc func(ctx context.Context, evt *wire.PresenceEvent) error

// HandlePresence implements PresenceHandler.
func (f PresenceHandlerFunc) HandlePresence(ctx context.Context, evt *wire.PresenceEvent) error {
	return f(ctx, evt)
}

// Middleware wraps handlers to add cross-cutting concerns.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// LoggingMiddleware logs every handled message at debug level and failures
// at warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next.Handle(ctx, msg)
			attrs := []any{
				slog.String("topic", msg.Topic),
				slog.String("pattern", msg.Pattern),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler returned error", append(attrs, slog.String("error", err.Error()))...)
			} else {
				logger.Debug("handler completed", attrs...)
			}
			return err
		})
	}
}

// TimeoutMiddleware bounds the context passed to the handler. The handler
// still runs synchronously; it must honor ctx for the bound to take effect.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(ctx, msg)
		})
	}
}

// MetricsMiddleware reports each handler run to onComplete.
func MetricsMiddleware(onComplete func(topic string, duration time.Duration, err error)) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next.Handle(ctx, msg)
			if onComplete != nil {
				onComplete(msg.Topic, time.Since(start), err)
			}
			return err
		})
	}
}

// handlerName extracts a name for a handler (for logging/metrics).
func handlerName(h any) string {
	return fmt.Sprintf("%T", h)
}
