// Package transport connects the routing layer to a pub/sub broker.
//
// Transport is the only surface the client needs: publish, subscribe, and a
// single callback receiving every inbound (topic, payload) pair. Loopback
// keeps everything in memory for tests and examples; MQTT speaks to a real
// broker through the Eclipse Paho client.
//
// Reconnection is out of scope. A dropped connection is reported once
// through the error handler and the transport stays disconnected.
package transport

import "context"

// QoS levels supported by Publish and Subscribe.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// PublishOptions controls delivery of one publish.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// MessageHandler receives every inbound message.
type MessageHandler func(topic string, payload []byte)

// Transport is a connection to a pub/sub broker.
// Implementations must be safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error

	// SetMessageHandler replaces the inbound message callback. It may be
	// called before Connect.
	SetMessageHandler(h MessageHandler)
}

// ErrorNotifier is implemented by transports that report asynchronous
// failures such as a lost connection.
type ErrorNotifier interface {
	SetErrorHandler(fn func(error))
}
