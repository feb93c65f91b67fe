package transport

import (
	"context"
	"fmt"
	"sync"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
)

// Published is one message sent through a Loopback.
type Published struct {
	Topic   string
	Payload []byte
	Options PublishOptions
}

// Loopback is an in-memory Transport. It records publishes and delivers
// messages passed to Inject. A publish hook can answer requests the way the
// service would.
type Loopback struct {
	mu            sync.Mutex
	connected     bool
	handler       MessageHandler
	onError       func(error)
	hook          func(Published)
	published     []Published
	subscriptions map[string]byte
	failNext      error
}

var (
	_ Transport     = (*Loopback)(nil)
	_ ErrorNotifier = (*Loopback)(nil)
)

// NewLoopback creates a disconnected Loopback.
func NewLoopback() *Loopback {
	return &Loopback{subscriptions: make(map[string]byte)}
}

// Connect implements Transport.
func (l *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	l.connected = true
	return nil
}

// Disconnect implements Transport. Subscriptions are forgotten.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.subscriptions = make(map[string]byte)
	return nil
}

// IsConnected implements Transport.
func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Publish implements Transport. The hook, if set, runs after the message is
// recorded and outside any lock, so it may call Inject.
func (l *Loopback) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, emerrors.ErrNotConnected)
	}
	if err := l.takeFailure(); err != nil {
		l.mu.Unlock()
		return err
	}
	msg := Published{Topic: topic, Payload: append([]byte(nil), payload...), Options: opts}
	l.published = append(l.published, msg)
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Subscribe implements Transport.
func (l *Loopback) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return fmt.Errorf("subscribe %s: %w", topic, emerrors.ErrNotConnected)
	}
	if err := l.takeFailure(); err != nil {
		return err
	}
	l.subscriptions[topic] = qos
	return nil
}

// Unsubscribe implements Transport.
func (l *Loopback) Unsubscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return fmt.Errorf("unsubscribe %s: %w", topic, emerrors.ErrNotConnected)
	}
	delete(l.subscriptions, topic)
	return nil
}

// SetMessageHandler implements Transport.
func (l *Loopback) SetMessageHandler(h MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetErrorHandler implements ErrorNotifier.
func (l *Loopback) SetErrorHandler(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = fn
}

// SetPublishHook sets a function called with every successful publish.
func (l *Loopback) SetPublishHook(fn func(Published)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = fn
}

// FailNext makes the next Connect, Publish or Subscribe return err.
func (l *Loopback) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *Loopback) takeFailure() error {
	err := l.failNext
	l.failNext = nil
	return err
}

// Inject delivers an inbound message on the calling goroutine. It returns
// false if the loopback is disconnected or has no handler.
func (l *Loopback) Inject(topic string, payload []byte) bool {
	l.mu.Lock()
	h := l.handler
	connected := l.connected
	l.mu.Unlock()

	if !connected || h == nil {
		return false
	}
	h(topic, payload)
	return true
}

// Drop simulates a lost connection: the loopback disconnects and reports
// the cause to the error handler.
func (l *Loopback) Drop(cause error) {
	l.mu.Lock()
	l.connected = false
	fn := l.onError
	l.mu.Unlock()

	if fn != nil {
		fn(fmt.Errorf("connection lost: %w: %w", emerrors.ErrNotConnected, cause))
	}
}

// Published returns a copy of every recorded publish.
func (l *Loopback) Published() []Published {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Published(nil), l.published...)
}

// Subscriptions returns the active subscriptions and their QoS.
func (l *Loopback) Subscriptions() map[string]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]byte, len(l.subscriptions))
	for k, v := range l.subscriptions {
		out[k] = v
	}
	return out
}
