package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// ErrNilHandler is returned when registering a nil handler.
var ErrNilHandler = errors.New("dispatch: nil handler")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy sets the match policy of both tries.
func WithPolicy(p topic.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorHandler sets the callback that receives every error raised while
// dispatching: handler failures, malformed control payloads and unknown
// control topics.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Dispatcher) { d.onError = fn }
}

// WithDefaultHandler sets the handler for channel messages nothing matched.
func WithDefaultHandler(h Handler) Option {
	return func(d *Dispatcher) { d.defaultHandler = h }
}

// WithControlPrefix replaces the "emitter/" control prefix.
func WithControlPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if !strings.HasSuffix(prefix, topic.Separator) {
			prefix += topic.Separator
		}
		d.controlPrefix = prefix
	}
}

// HandleOption configures one registration.
type HandleOption func(*entry)

// WithName names a handler in HandlerError reports and logs.
func WithName(name string) HandleOption {
	return func(e *entry) { e.name = name }
}

type entry struct {
	name    string
	handler Handler
	pattern string
}

type presenceEntry struct {
	name    string
	handler PresenceHandler
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	// Dispatched counts every message passed to Dispatch.
	Dispatched uint64
	// Delivered counts handler invocations, default handler included.
	Delivered uint64
	// Unmatched counts channel messages no registration matched.
	Unmatched uint64
	// Dropped counts unmatched messages with no default handler.
	Dropped uint64
	// Failures counts handler errors and panics.
	Failures uint64
	// Control counts messages routed on the control prefix.
	Control uint64
}

// Dispatcher routes inbound messages to handlers.
type Dispatcher struct {
	policy        topic.Policy
	controlPrefix string
	logger        *slog.Logger
	metrics       observability.MetricsRecorder

	channels *topic.Trie[*entry]
	presence *topic.Trie[*presenceEntry]

	mu             sync.RWMutex
	control        map[string]Handler
	middleware     []Middleware
	defaultHandler Handler
	onError        func(error)

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	unmatched  atomic.Uint64
	dropped    atomic.Uint64
	failures   atomic.Uint64
	controlled atomic.Uint64
}

// New creates a Dispatcher. Presence events on the control prefix are
// routed to the presence trie unless HandleControl replaces that route.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		controlPrefix: wire.ControlPrefix,
		metrics:       observability.NoopMetrics{},
		control:       make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = observability.DiscardLogger()
	}
	d.channels = topic.NewTrie[*entry](topic.WithPolicy(d.policy))
	d.presence = topic.NewTrie[*presenceEntry](topic.WithPolicy(d.policy))
	d.control[d.controlPrefix+"presence/"] = HandlerFunc(d.dispatchPresence)
	return d
}

// ControlPrefix returns the prefix routed to control handlers.
func (d *Dispatcher) ControlPrefix() string {
	return d.controlPrefix
}

// Use adds middleware that applies to channel handlers registered after
// the call, including a default handler set later.
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

func (d *Dispatcher) wrap(h Handler) Handler {
	d.mu.RLock()
	mw := append([]Middleware(nil), d.middleware...)
	d.mu.RUnlock()
	return Chain(h, mw...)
}

// Handle registers h for a channel pattern.
func (d *Dispatcher) Handle(pattern string, h Handler, opts ...HandleOption) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	e := &entry{name: handlerName(h), handler: d.wrap(h)}
	for _, opt := range opts {
		opt(e)
	}
	handle, err := d.channels.Insert(pattern, e)
	if err != nil {
		return nil, err
	}
	e.pattern = handle.Pattern()
	return newSubscription(handle, func(h topic.Handle) bool { return d.channels.Remove(h) }), nil
}

// HandleFunc registers a function for a channel pattern.
func (d *Dispatcher) HandleFunc(pattern string, fn func(ctx context.Context, msg Message) error, opts ...HandleOption) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return d.Handle(pattern, HandlerFunc(fn), opts...)
}

// HandlePresence registers h for presence events whose channel matches
// channelPattern.
func (d *Dispatcher) HandlePresence(channelPattern string, h PresenceHandler, opts ...HandleOption) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	e := &entry{name: handlerName(h)}
	for _, opt := range opts {
		opt(e)
	}
	handle, err := d.presence.Insert(channelPattern, &presenceEntry{name: e.name, handler: h})
	if err != nil {
		return nil, err
	}
	return newSubscription(handle, func(h topic.Handle) bool { return d.presence.Remove(h) }), nil
}

// HandleControl routes one exact control topic to h. The topic must start
// with the control prefix; a missing trailing slash is added. Errors
// returned by h are reported unchanged.
func (d *Dispatcher) HandleControl(controlTopic string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	controlTopic = canonicalControl(controlTopic)
	if !strings.HasPrefix(controlTopic, d.controlPrefix) || controlTopic == d.controlPrefix {
		return fmt.Errorf("dispatch: control topic %q outside prefix %q", controlTopic, d.controlPrefix)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.control[controlTopic] = h
	return nil
}

func canonicalControl(t string) string {
	if i := strings.Index(t, topic.OptionsMarker); i >= 0 {
		t = t[:i]
	}
	if !strings.HasSuffix(t, topic.Separator) {
		t += topic.Separator
	}
	return t
}

// SetDefaultHandler sets the handler for unmatched channel messages.
// A nil handler restores silent dropping.
func (d *Dispatcher) SetDefaultHandler(h Handler) {
	if h != nil {
		h = d.wrap(h)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultHandler = h
}

// SetErrorHandler replaces the error callback.
func (d *Dispatcher) SetErrorHandler(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// Patterns returns the channel patterns currently registered.
func (d *Dispatcher) Patterns() []string {
	return d.channels.Patterns()
}

// Len returns the number of channel and presence registrations.
func (d *Dispatcher) Len() (channels, presence int) {
	return d.channels.Len(), d.presence.Len()
}

// Clear removes every channel and presence registration. Control routes
// and the default handler are kept.
func (d *Dispatcher) Clear() {
	d.channels.Clear()
	d.presence.Clear()
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Unmatched:  d.unmatched.Load(),
		Dropped:    d.dropped.Load(),
		Failures:   d.failures.Load(),
		Control:    d.controlled.Load(),
	}
}

// Dispatch routes one inbound message. It never returns an error and never
// panics; failures go to the error handler.
func (d *Dispatcher) Dispatch(ctx context.Context, msgTopic string, payload []byte) {
	d.dispatched.Add(1)
	if strings.HasPrefix(msgTopic, d.controlPrefix) {
		d.dispatchControl(ctx, msgTopic, payload)
		return
	}
	d.dispatchChannel(ctx, msgTopic, payload)
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, msgTopic string, payload []byte) {
	done := observability.TimedOperation()
	entries := d.channels.Match(msgTopic)

	if len(entries) == 0 {
		d.unmatched.Add(1)
		d.mu.RLock()
		def := d.defaultHandler
		d.mu.RUnlock()
		if def == nil {
			d.dropped.Add(1)
			observability.LogUnmatched(d.logger, msgTopic, len(payload))
		} else {
			d.invoke(ctx, observability.SpaceChannel, "default", Message{Topic: msgTopic, Payload: payload}, def)
		}
		d.metrics.RecordDispatch(ctx, observability.SpaceChannel, 0, done())
		return
	}

	for _, e := range entries {
		d.invoke(ctx, observability.SpaceChannel, e.name, Message{Topic: msgTopic, Payload: payload, Pattern: e.pattern}, e.handler)
	}
	elapsed := done()
	d.metrics.RecordDispatch(ctx, observability.SpaceChannel, len(entries), elapsed)
	observability.LogDispatch(d.logger, msgTopic, len(entries), elapsed)
}

func (d *Dispatcher) dispatchControl(ctx context.Context, msgTopic string, payload []byte) {
	d.controlled.Add(1)
	done := observability.TimedOperation()

	d.mu.RLock()
	h, ok := d.control[canonicalControl(msgTopic)]
	d.mu.RUnlock()

	if !ok {
		d.metrics.RecordDispatch(ctx, observability.SpaceControl, 0, done())
		d.report(&emerrors.ProtocolError{Topic: msgTopic, Message: "unknown control topic"})
		return
	}

	err := d.call(handlerName(h), msgTopic, func() error {
		return h.Handle(ctx, Message{Topic: msgTopic, Payload: payload})
	})
	d.metrics.RecordDispatch(ctx, observability.SpaceControl, 1, done())
	if err != nil {
		d.report(err)
	}
}

func (d *Dispatcher) dispatchPresence(ctx context.Context, msg Message) error {
	evt, err := wire.Decode[wire.PresenceEvent](msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	if evt.Channel == "" {
		return &emerrors.ProtocolError{Topic: msg.Topic, Message: "presence event without channel"}
	}

	done := observability.TimedOperation()
	entries := d.presence.Match(evt.Channel)
	for _, e := range entries {
		handler := e.handler
		err := d.call(e.name, evt.Channel, func() error {
			return handler.HandlePresence(ctx, evt)
		})
		d.delivered.Add(1)
		if err != nil {
			d.fail(ctx, observability.SpacePresence, evt.Channel, e.name, err)
		}
	}
	d.metrics.RecordDispatch(ctx, observability.SpacePresence, len(entries), done())
	return nil
}

// invoke runs one channel handler in isolation.
func (d *Dispatcher) invoke(ctx context.Context, space, name string, msg Message, h Handler) {
	err := d.call(name, msg.Topic, func() error { return h.Handle(ctx, msg) })
	d.delivered.Add(1)
	if err != nil {
		d.fail(ctx, space, msg.Topic, name, err)
	}
}

// call runs fn, converting a panic into a HandlerError.
func (d *Dispatcher) call(name, msgTopic string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &emerrors.HandlerError{
				Topic:   msgTopic,
				Handler: name,
				Panic:   r,
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn()
}

func (d *Dispatcher) fail(ctx context.Context, space, msgTopic, name string, err error) {
	d.failures.Add(1)
	d.metrics.RecordHandlerError(ctx, space)

	var handlerErr *emerrors.HandlerError
	if !errors.As(err, &handlerErr) {
		err = &emerrors.HandlerError{Topic: msgTopic, Handler: name, Err: err}
	}
	observability.LogHandlerError(d.logger, msgTopic, name, err)
	d.report(err)
}

func (d *Dispatcher) report(err error) {
	d.mu.RLock()
	fn := d.onError
	d.mu.RUnlock()
	if fn == nil {
		observability.LogError(d.logger, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("error handler panicked", slog.Any("panic", r))
		}
	}()
	fn(err)
}
