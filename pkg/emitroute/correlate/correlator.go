package correlate

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// DefaultTimeout is how long a request waits for its response.
const DefaultTimeout = 5 * time.Second

// maxPending is the number of usable ids; 0 is never allocated.
const maxPending = math.MaxUint16

// PublishFunc sends a request payload on a control topic.
type PublishFunc func(ctx context.Context, topic string, payload []byte) error

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets the request timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithSpans sets the span manager used to trace each request.
func WithSpans(s observability.SpanManager) Option {
	return func(c *Correlator) { c.spans = s }
}

type pending struct {
	id      uint16
	kind    string
	future  *Future[[]byte]
	timer   *time.Timer
	timeout time.Duration
	start   time.Time
	span    trace.Span
}

// Correlator tracks in-flight requests by id.
type Correlator struct {
	publish PublishFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu      sync.Mutex
	pending map[uint16]*pending
	lastID  uint16
	closed  bool
}

// New creates a Correlator that sends requests through publish.
func New(publish PublishFunc, opts ...Option) *Correlator {
	c := &Correlator{
		publish: publish,
		timeout: DefaultTimeout,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		pending: make(map[uint16]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.DiscardLogger()
	}
	return c
}

// Timeout returns the default request timeout.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send builds a request with a fresh id, publishes it on topic and returns
// a future for the response payload. It does not wait for the response.
//
// The request times out after the correlator's timeout, or earlier if ctx
// has an earlier deadline. If build or publish fails the entry is released
// and the error is returned.
func (c *Correlator) Send(
	ctx context.Context,
	kind, topic string,
	build func(id uint16) ([]byte, error),
) (*Future[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	p, err := c.register(ctx, kind, timeout)
	if err != nil {
		return nil, err
	}

	payload, err := build(p.id)
	if err != nil {
		c.abort(p, err)
		return nil, err
	}

	observability.LogRequestSent(c.logger, kind, p.id, topic)
	if err := c.publish(ctx, topic, payload); err != nil {
		c.abort(p, err)
		return nil, err
	}
	return p.future, nil
}

// register allocates an id, stores the pending entry and arms its timer.
func (c *Correlator) register(ctx context.Context, kind string, timeout time.Duration) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, emerrors.ErrClosed
	}
	if len(c.pending) >= maxPending {
		return nil, emerrors.ErrTooManyPending
	}

	id := c.lastID
	for {
		id++
		if id == 0 {
			continue
		}
		if _, busy := c.pending[id]; !busy {
			break
		}
	}
	c.lastID = id

	p := &pending{
		id:      id,
		kind:    kind,
		future:  newFuture[[]byte](),
		timeout: timeout,
		start:   time.Now(),
	}
	_, p.span = c.spans.StartRequestSpan(ctx, kind, id)
	p.future.setCancel(func() { c.cancel(p) })
	p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
	c.pending[id] = p
	return p, nil
}

// take removes the entry for id. If want is non-nil the entry is removed
// only if it is still want.
func (c *Correlator) take(id uint16, want *pending) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// Deliver decodes a response and resolves its request. It returns false if
// the payload is not a response envelope or its id is not pending.
func (c *Correlator) Deliver(payload []byte) bool {
	env, err := wire.DecodeEnvelope("", payload)
	if err != nil {
		return false
	}
	return c.Resolve(env, payload)
}

// Resolve completes the request identified by env. A success status resolves
// the future with payload; any other status fails it with a StatusError.
// It returns false if no request with that id is pending, which covers late
// responses after a timeout and duplicates.
func (c *Correlator) Resolve(env wire.Envelope, payload []byte) bool {
	p := c.take(env.Request, nil)
	if p == nil {
		observability.LogUncorrelated(c.logger, "", env.Request)
		return false
	}

	err := env.Err()
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeStatus
		payload = nil
	}
	c.finish(p, outcome, err)
	observability.LogRequestResolved(c.logger, p.kind, p.id, time.Since(p.start), err)
	p.future.complete(payload, err)
	return true
}

// Fail completes the request identified by id with err. It returns false
// if no request with that id is pending.
func (c *Correlator) Fail(id uint16, err error) bool {
	p := c.take(id, nil)
	if p == nil {
		observability.LogUncorrelated(c.logger, "", id)
		return false
	}
	c.finish(p, observability.OutcomeStatus, err)
	observability.LogRequestResolved(c.logger, p.kind, p.id, time.Since(p.start), err)
	p.future.complete(nil, err)
	return true
}

func (c *Correlator) expire(p *pending) {
	if c.take(p.id, p) == nil {
		return
	}
	err := &emerrors.TimeoutError{Operation: p.kind, Duration: p.timeout, Request: p.id}
	c.finish(p, observability.OutcomeTimeout, err)
	observability.LogRequestTimeout(c.logger, p.kind, p.id, p.timeout)
	p.future.complete(nil, err)
}

func (c *Correlator) cancel(p *pending) {
	if c.take(p.id, p) == nil {
		return
	}
	c.finish(p, observability.OutcomeCanceled, emerrors.ErrCanceled)
}

// abort releases an entry whose request never left the client.
func (c *Correlator) abort(p *pending, err error) {
	if c.take(p.id, p) == nil {
		return
	}
	c.spans.EndSpanWithError(p.span, err)
	p.future.complete(nil, err)
}

func (c *Correlator) finish(p *pending, outcome string, err error) {
	c.metrics.RecordRequest(context.Background(), p.kind, outcome, time.Since(p.start))
	c.spans.EndSpanWithError(p.span, err)
}

// Close fails every pending request with ErrClosed. Later calls to Send
// return ErrClosed. Close is idempotent.
func (c *Correlator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		all = append(all, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range all {
		c.finish(p, observability.OutcomeClosed, emerrors.ErrClosed)
		p.future.complete(nil, emerrors.ErrClosed)
	}
	return nil
}
