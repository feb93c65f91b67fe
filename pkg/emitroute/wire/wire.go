// Package wire defines the JSON envelopes exchanged with the service on its
// control-plane topics.
//
// Every response carries the request id under "req" and a status code under
// "status"; a missing status means success.
package wire

import (
	"encoding/json"
	"fmt"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
)

// Control-plane topics.
const (
	ControlPrefix = "emitter/"
	TopicKeyGen   = "emitter/keygen/"
	TopicPresence = "emitter/presence/"
	TopicError    = "emitter/error/"
	TopicMe       = "emitter/me/"
	TopicLink     = "emitter/link/"
)

// Presence event kinds.
const (
	PresenceStatus      = "status"
	PresenceSubscribe   = "subscribe"
	PresenceUnsubscribe = "unsubscribe"
)

// Envelope is the prefix shared by every response.
// Status is nil when the response carries no status field.
type Envelope struct {
	Request uint16 `json:"req"`
	Status  *int   `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusCode returns the status, treating a missing one as success. An
// explicit zero is returned as is.
func (e Envelope) StatusCode() int {
	if e.Status == nil {
		return emerrors.StatusOK
	}
	return *e.Status
}

// Err returns a StatusError for a non-success status, or nil.
func (e Envelope) Err() error {
	code := e.StatusCode()
	if code == emerrors.StatusOK {
		return nil
	}
	return &emerrors.StatusError{Code: code, Message: e.Message, Request: e.Request}
}

// KeyGenRequest asks the service to derive a channel key from a secret key.
type KeyGenRequest struct {
	Request uint16 `json:"req"`
	Key     string `json:"key"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	TTL     int    `json:"ttl"`
}

// KeyGenResponse carries the generated channel key.
type KeyGenResponse struct {
	Request uint16 `json:"req"`
	Status  int    `json:"status"`
	Key     string `json:"key"`
	Channel string `json:"channel"`
	Message string `json:"message,omitempty"`
}

// PresenceRequest asks for the occupancy of a channel and optionally
// subscribes to changes.
type PresenceRequest struct {
	Request uint16 `json:"req"`
	Key     string `json:"key"`
	Channel string `json:"channel"`
	Status  bool   `json:"status"`
	Changes *bool  `json:"changes,omitempty"`
}

// PresenceInfo identifies one connection present on a channel.
type PresenceInfo struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// PresenceEvent reports channel occupancy or a change to it.
type PresenceEvent struct {
	Request uint16         `json:"req,omitempty"`
	Time    int64          `json:"time"`
	Event   string         `json:"event"`
	Channel string         `json:"channel"`
	Who     []PresenceInfo `json:"who"`
}

// ErrorEvent is published by the service on the error topic.
type ErrorEvent struct {
	Request uint16 `json:"req,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Err converts the event into a StatusError. An event with a success status
// still yields an error since the service only sends it on failure.
func (e ErrorEvent) Err() error {
	if err := emerrors.NewStatusError(e.Status, e.Message, e.Request); err != nil {
		return err
	}
	return &emerrors.StatusError{Code: e.Status, Message: e.Message, Request: e.Request}
}

// MeRequest asks the service who this connection is.
type MeRequest struct {
	Request uint16 `json:"req"`
}

// MeResponse carries the connection id and its registered links.
type MeResponse struct {
	Request uint16            `json:"req"`
	Status  int               `json:"status,omitempty"`
	ID      string            `json:"id"`
	Links   map[string]string `json:"links,omitempty"`
}

// LinkRequest creates a short name for a key and channel pair.
type LinkRequest struct {
	Request   uint16 `json:"req"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Channel   string `json:"channel"`
	Subscribe bool   `json:"subscribe"`
	Private   bool   `json:"private"`
}

// LinkResponse confirms a link.
type LinkResponse struct {
	Request uint16 `json:"req"`
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Message string `json:"message,omitempty"`
}

// Encode marshals a request envelope.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Decode unmarshals a control-plane payload. Failures are reported as a
// ProtocolError naming the topic.
func Decode[T any](topic string, payload []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &emerrors.ProtocolError{
			Topic:   topic,
			Message: fmt.Sprintf("decode %T", v),
			Err:     err,
		}
	}
	return &v, nil
}

// DecodeEnvelope extracts the request id and status from a response.
func DecodeEnvelope(topic string, payload []byte) (Envelope, error) {
	env, err := Decode[Envelope](topic, payload)
	if err != nil {
		return Envelope{}, err
	}
	return *env, nil
}
