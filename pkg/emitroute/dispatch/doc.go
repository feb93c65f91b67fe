// Package dispatch routes inbound (topic, payload) messages to handlers.
//
// A Dispatcher owns two independent segment tries: one for ordinary channels
// and one for presence events, which arrive on a single control topic and
// are matched on the channel they describe. Topics under the control prefix
// ("emitter/" by default) never reach the channel trie; they are routed by
// exact topic to control handlers.
//
// # Delivery
//
// Dispatch runs every matched handler synchronously, in sequence, in the
// caller's goroutine. No goroutines are started. A handler that blocks
// blocks the transport's delivery goroutine; offloading long work is the
// handler's job.
//
// A message that matches no handler goes to the default handler if one is
// set and is otherwise dropped. Dropping is not an error.
//
// # Failure Isolation
//
// A handler that returns an error or panics is reported as a HandlerError
// through the error handler. The remaining handlers still run and nothing is
// returned to the transport.
//
// # Middleware
//
// Use adds middleware that wraps handlers registered after the call:
//
//	d.Use(dispatch.LoggingMiddleware(logger))
//	d.Handle("sensors/+/temperature", handler) // wrapped
package dispatch
