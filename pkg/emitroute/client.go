package emitroute

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/emitroute/pkg/emitroute/config"
	"github.com/randalmurphal/emitroute/pkg/emitroute/correlate"
	"github.com/randalmurphal/emitroute/pkg/emitroute/dispatch"
	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/journal"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
	"github.com/randalmurphal/emitroute/pkg/emitroute/registry"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
	"github.com/randalmurphal/emitroute/pkg/emitroute/transport"
)

// Link is a short name bound to a channel. Slot is the link's registration
// order; it is stable while the name stays registered.
type Link struct {
	Name    string
	Channel string
	Slot    int
}

// linkEntry is a registered link. gen identifies the registration so a
// failed Link call only removes the entry it created.
type linkEntry struct {
	name    string
	channel string
	gen     uint64
}

// Client routes inbound messages to handlers and correlates requests with
// their responses. It is safe for concurrent use.
type Client struct {
	transport  transport.Transport
	defaultKey string
	qos        byte
	logger     *slog.Logger
	journal    journal.Store

	dispatcher *dispatch.Dispatcher
	correlator *correlate.Correlator
	links      *registry.Registry[string, linkEntry]
	linkGen    atomic.Uint64

	// remotes counts local subscriptions per transport channel. subMu is
	// held across transport calls so transitions to and from zero are
	// serialized.
	subMu   sync.Mutex
	remotes map[string]int

	mu      sync.RWMutex
	onError []func(error)
	closed  bool
}

// New creates a client over t. The client installs its own message handler
// on t and, if t implements transport.ErrorNotifier, its error handler.
func New(t transport.Transport, opts ...Option) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = observability.DiscardLogger()
	}

	c := &Client{
		transport:  t,
		defaultKey: cfg.defaultKey,
		qos:        cfg.qos,
		logger:     cfg.logger,
		journal:    cfg.journal,
		links:      registry.New[string, linkEntry](),
		remotes:    make(map[string]int),
		onError:    cfg.onError,
	}

	c.dispatcher = dispatch.New(
		dispatch.WithPolicy(cfg.policy),
		dispatch.WithLogger(cfg.logger),
		dispatch.WithMetrics(cfg.metrics),
		dispatch.WithErrorHandler(c.notify),
	)
	for _, mw := range cfg.middleware {
		c.dispatcher.Use(mw)
	}

	c.correlator = correlate.New(c.publishControl,
		correlate.WithTimeout(cfg.timeout),
		correlate.WithLogger(cfg.logger),
		correlate.WithMetrics(cfg.metrics),
		correlate.WithSpans(cfg.spans),
	)

	c.registerControl()
	t.SetMessageHandler(c.receive)
	if n, ok := t.(transport.ErrorNotifier); ok {
		n.SetErrorHandler(c.notify)
	}
	return c
}

// NewFromConfig validates cfg and creates a client over t. A nil t is
// replaced with an MQTT transport built from cfg.
func NewFromConfig(cfg config.Config, t transport.Transport) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	store, err := journal.Open(cfg.Journal.Driver, cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logger := cfg.Logger()
	if t == nil {
		t = NewMQTTTransport(cfg, logger)
	}

	opts := []Option{
		WithDefaultKey(cfg.DefaultKey),
		WithRequestTimeout(cfg.RequestTimeout.D()),
		WithMatchPolicy(policy),
		WithLogger(logger),
	}
	if store != nil {
		opts = append(opts, WithJournal(store))
	}
	return New(t, opts...), nil
}

// NewMQTTTransport builds the MQTT transport described by cfg.
func NewMQTTTransport(cfg config.Config, logger *slog.Logger) *transport.MQTT {
	retry := emerrors.DefaultRetry
	retry.MaxAttempts = cfg.ConnectAttempts
	return transport.NewMQTT(transport.MQTTConfig{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout.D(),
		ConnectRetry:   retry,
		Logger:         logger,
	})
}

// Connect connects the transport.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return emerrors.ErrClosed
	}
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// IsConnected reports whether the transport is connected.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Close fails every pending request with ErrClosed, drops every
// registration, then disconnects the transport and closes the journal.
// It returns the first error but always attempts every step. Later calls
// return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		return safely("close correlator", c.correlator.Close)
	})
	g.Go(func() error {
		return safely("disconnect", c.transport.Disconnect)
	})
	if c.journal != nil {
		g.Go(func() error {
			return safely("close journal", c.journal.Close)
		})
	}
	err := g.Wait()

	c.dispatcher.Clear()
	c.links.Clear()
	c.subMu.Lock()
	clear(c.remotes)
	c.subMu.Unlock()
	c.logger.Debug("client closed")
	return err
}

// safely runs fn, converting a panic into an error.
func safely(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// receive is the transport's message handler.
func (c *Client) receive(msgTopic string, payload []byte) {
	c.dispatcher.Dispatch(context.Background(), msgTopic, payload)
}

// OnError adds a callback for failures that have no caller to return to:
// handler failures, malformed or unsolicited control messages and
// transport errors.
func (c *Client) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// notify logs err, records it in the journal and runs the error callbacks.
func (c *Client) notify(err error) {
	observability.LogError(c.logger, err)
	if c.journal != nil {
		if jerr := c.journal.Append(journal.RecordFromError(err)); jerr != nil {
			c.logger.Warn("journal append failed", slog.String("error", jerr.Error()))
		}
	}

	c.mu.RLock()
	callbacks := slices.Clone(c.onError)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		c.runErrorCallback(fn, err)
	}
}

func (c *Client) runErrorCallback(fn func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error callback panicked", slog.Any("panic", r))
		}
	}()
	fn(err)
}

// Journal returns the configured journal, or nil.
func (c *Client) Journal() journal.Store {
	return c.journal
}

// Stats returns the dispatcher's counters.
func (c *Client) Stats() dispatch.Stats {
	return c.dispatcher.Stats()
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	return c.correlator.Pending()
}

// resolveKey returns key, or the default key when key is empty.
func (c *Client) resolveKey(key string) (string, error) {
	if key != "" {
		return key, nil
	}
	if c.defaultKey != "" {
		return c.defaultKey, nil
	}
	return "", &emerrors.ConfigurationError{
		Field:   "key",
		Message: "no key given and no default key configured",
	}
}

// Subscription is a channel subscription held by a Client.
type Subscription struct {
	client  *Client
	local   *dispatch.Subscription
	channel string
}

// Pattern returns the normalized channel pattern.
func (s *Subscription) Pattern() string {
	return s.local.Pattern()
}

// Unsubscribe removes the handler. The transport subscription is dropped
// once no other Subscription of the client uses the same channel. Calling
// it again is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.local.Unsubscribe() {
		return nil
	}
	if s.client.isClosed() {
		return nil
	}
	return s.client.release(ctx, s.channel)
}

// retain subscribes to remote on the transport unless another subscription
// already holds it.
func (c *Client) retain(ctx context.Context, remote string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.remotes[remote] == 0 {
		if err := c.transport.Subscribe(ctx, remote, c.qos); err != nil {
			return err
		}
	}
	c.remotes[remote]++
	return nil
}

// release drops one hold on remote and unsubscribes on the transport when
// it was the last.
func (c *Client) release(ctx context.Context, remote string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	n := c.remotes[remote]
	switch {
	case n == 0:
		return nil
	case n > 1:
		c.remotes[remote] = n - 1
		return nil
	}
	delete(c.remotes, remote)
	return c.transport.Unsubscribe(ctx, remote)
}

// Subscribe registers h for the channel pattern and subscribes to it on the
// transport. If the transport subscription fails the handler is removed.
// Subscriptions with the same key, channel and options share one transport
// subscription.
//
// Handlers run on the transport's delivery goroutine, one message at a
// time. With the MQTT transport a handler must not wait on a QoS 1 or 2
// publish or on a request such as GenerateKey: the acknowledgement and the
// response are read by the goroutine the handler blocks. Hand such work to
// another goroutine.
func (c *Client) Subscribe(ctx context.Context, key, channel string, h dispatch.Handler, opts ...topic.Option) (*Subscription, error) {
	if c.isClosed() {
		return nil, emerrors.ErrClosed
	}
	key, err := c.resolveKey(key)
	if err != nil {
		return nil, err
	}

	local, err := c.dispatcher.Handle(channel, h)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}

	remote := topic.FormatChannel(key, channel, opts...)
	if err := c.retain(ctx, remote); err != nil {
		local.Unsubscribe()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	return &Subscription{client: c, local: local, channel: remote}, nil
}

// SubscribeFunc is Subscribe with a function handler.
func (c *Client) SubscribeFunc(ctx context.Context, key, channel string, fn func(ctx context.Context, msg dispatch.Message) error, opts ...topic.Option) (*Subscription, error) {
	if fn == nil {
		return nil, dispatch.ErrNilHandler
	}
	return c.Subscribe(ctx, key, channel, dispatch.HandlerFunc(fn), opts...)
}

// Publish sends payload to a channel. Wildcard channels are rejected.
func (c *Client) Publish(ctx context.Context, key, channel string, payload []byte, opts ...topic.Option) error {
	if c.isClosed() {
		return emerrors.ErrClosed
	}
	key, err := c.resolveKey(key)
	if err != nil {
		return err
	}
	if err := topic.Validate(channel); err != nil {
		return &emerrors.ConfigurationError{Field: "channel", Message: err.Error()}
	}
	if topic.IsWildcard(channel) {
		return &emerrors.ConfigurationError{
			Field:   "channel",
			Message: fmt.Sprintf("cannot publish to wildcard channel %q", channel),
		}
	}
	return c.transport.Publish(ctx, topic.FormatChannel(key, channel, opts...), payload,
		transport.PublishOptions{QoS: c.qos})
}

// PublishWithLink publishes payload through a link created with Link or
// reported by Me. An unknown name fails before anything is sent.
func (c *Client) PublishWithLink(ctx context.Context, name string, payload []byte) error {
	if c.isClosed() {
		return emerrors.ErrClosed
	}
	if _, ok := c.links.Get(name); !ok {
		return &emerrors.ConfigurationError{
			Field:   "link",
			Message: fmt.Sprintf("unknown link %q", name),
		}
	}
	return c.transport.Publish(ctx, name, payload, transport.PublishOptions{QoS: c.qos})
}

// Links returns the known links by name.
func (c *Client) Links() map[string]Link {
	out := make(map[string]Link, c.links.Len())
	c.links.Range(func(name string, slot int, e linkEntry) bool {
		out[name] = Link{Name: e.name, Channel: e.channel, Slot: slot}
		return true
	})
	return out
}

// LinkBySlot returns the link registered in slot.
func (c *Client) LinkBySlot(slot int) (Link, bool) {
	name, ok := c.links.Lookup(slot)
	if !ok {
		return Link{}, false
	}
	e, ok := c.links.Get(name)
	if !ok {
		return Link{}, false
	}
	return Link{Name: e.name, Channel: e.channel, Slot: slot}, true
}

// setLink registers a link under a fresh generation and returns the entry.
func (c *Client) setLink(name, channel string) linkEntry {
	e := linkEntry{name: name, channel: channel, gen: c.linkGen.Add(1)}
	c.links.Register(name, e)
	return e
}

// OnPresence registers h for presence events whose channel matches
// channelPattern. Events arrive after a Presence request with status or
// changes set.
func (c *Client) OnPresence(channelPattern string, h dispatch.PresenceHandler) (*dispatch.Subscription, error) {
	return c.dispatcher.HandlePresence(channelPattern, h)
}

// SetDefaultHandler sets the handler for channel messages no pattern
// matched. A nil handler restores dropping.
func (c *Client) SetDefaultHandler(h dispatch.Handler) {
	c.dispatcher.SetDefaultHandler(h)
}
