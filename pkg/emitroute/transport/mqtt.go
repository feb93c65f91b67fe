package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/observability"
)

// MQTTConfig configures an MQTT transport.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:8080".
	Broker string

	// ClientID identifies the connection. A random UUID is used when empty.
	ClientID string

	Username string
	Password string

	// ConnectTimeout bounds each connection attempt. Default: 10s.
	ConnectTimeout time.Duration

	// ConnectRetry controls retries of the initial connect only.
	// Default: errors.DefaultRetry.
	ConnectRetry emerrors.RetryConfig

	Logger *slog.Logger
}

// MQTT is a Transport backed by the Eclipse Paho MQTT client.
//
// Messages are delivered in order on paho's router goroutine, and the
// message handler runs on it. That goroutine also reads publish
// acknowledgements, so a handler that publishes with QoS 1 or 2 stalls
// until its context ends. Such handlers must publish from another
// goroutine.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client paho.Client

	mu      sync.RWMutex
	handler MessageHandler
	onError func(error)
}

var (
	_ Transport     = (*MQTT)(nil)
	_ ErrorNotifier = (*MQTT)(nil)
)

// NewMQTT creates a disconnected MQTT transport.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectRetry.MaxAttempts <= 0 {
		cfg.ConnectRetry = emerrors.DefaultRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	m := &MQTT{
		cfg:    cfg,
		logger: observability.EnrichLogger(logger, cfg.ClientID, cfg.Broker),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		// In-order delivery; handlers block the router goroutine.
		SetOrderMatters(true).
		SetDefaultPublishHandler(m.onMessage).
		SetConnectionLostHandler(m.onConnectionLost)
	m.client = paho.NewClient(opts)
	return m
}

// ClientID returns the MQTT client id.
func (m *MQTT) ClientID() string {
	return m.cfg.ClientID
}

// Broker returns the broker URL.
func (m *MQTT) Broker() string {
	return m.cfg.Broker
}

func (m *MQTT) onMessage(_ paho.Client, msg paho.Message) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h == nil {
		m.logger.Debug("message dropped, no handler", slog.String("topic", msg.Topic()))
		return
	}
	h(msg.Topic(), msg.Payload())
}

func (m *MQTT) onConnectionLost(_ paho.Client, err error) {
	m.logger.Warn("connection lost", slog.String("error", err.Error()))
	m.mu.RLock()
	fn := m.onError
	m.mu.RUnlock()
	if fn != nil {
		fn(fmt.Errorf("connection lost: %w: %w", emerrors.ErrNotConnected, err))
	}
}

// waitToken blocks until the token completes or ctx is done.
func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect implements Transport. Failed attempts are retried with backoff
// according to ConnectRetry.
func (m *MQTT) Connect(ctx context.Context) error {
	result := emerrors.WithRetryContext(ctx, m.cfg.ConnectRetry, func(ctx context.Context) (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		if err := waitToken(attemptCtx, m.client.Connect()); err != nil {
			m.logger.Warn("connect attempt failed", slog.String("error", err.Error()))
			return struct{}{}, emerrors.Transient(err, "connect")
		}
		return struct{}{}, nil
	})
	if result.Err != nil {
		return fmt.Errorf("connect %s after %d attempts: %w", m.cfg.Broker, result.Attempts, result.Err)
	}
	m.logger.Info("connected", slog.Int("attempts", result.Attempts))
	return nil
}

// Disconnect implements Transport. It waits up to 250ms for in-flight work.
func (m *MQTT) Disconnect() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("disconnected")
	}
	return nil
}

// IsConnected implements Transport.
func (m *MQTT) IsConnected() bool {
	return m.client.IsConnected()
}

// Publish implements Transport.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("publish %s: %w", topic, emerrors.ErrNotConnected)
	}
	if err := waitToken(ctx, m.client.Publish(topic, opts.QoS, opts.Retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Transport. Messages arrive through the handler set
// with SetMessageHandler.
func (m *MQTT) Subscribe(ctx context.Context, topic string, qos byte) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("subscribe %s: %w", topic, emerrors.ErrNotConnected)
	}
	if err := waitToken(ctx, m.client.Subscribe(topic, qos, nil)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe implements Transport.
func (m *MQTT) Unsubscribe(ctx context.Context, topic string) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("unsubscribe %s: %w", topic, emerrors.ErrNotConnected)
	}
	if err := waitToken(ctx, m.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// SetMessageHandler implements Transport.
func (m *MQTT) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetErrorHandler implements ErrorNotifier.
func (m *MQTT) SetErrorHandler(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}
