package emitroute

import (
	"context"

	"github.com/randalmurphal/emitroute/pkg/emitroute/dispatch"
	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// registerControl routes the response topics to the correlator and the
// error topic to the error callbacks. Presence events use the dispatcher's
// built-in route.
func (c *Client) registerControl() {
	for _, t := range []string{wire.TopicKeyGen, wire.TopicLink, wire.TopicMe} {
		if err := c.dispatcher.HandleControl(t, dispatch.HandlerFunc(c.handleResponse)); err != nil {
			panic("emitroute: " + err.Error())
		}
	}
	if err := c.dispatcher.HandleControl(wire.TopicError, dispatch.HandlerFunc(c.handleErrorEvent)); err != nil {
		panic("emitroute: " + err.Error())
	}
}

// handleResponse resolves the request a response answers. A response
// nobody is waiting for is dropped, unless it carries a failure status, in
// which case the failure is returned to the error callbacks.
func (c *Client) handleResponse(_ context.Context, msg dispatch.Message) error {
	env, err := wire.DecodeEnvelope(msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	if c.correlator.Resolve(env, msg.Payload) {
		return nil
	}
	return env.Err()
}

// handleErrorEvent fails the request an error event names, or reports the
// event when it names none.
func (c *Client) handleErrorEvent(_ context.Context, msg dispatch.Message) error {
	evt, err := wire.Decode[wire.ErrorEvent](msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	failure := evt.Err()
	if evt.Request != 0 && c.correlator.Fail(evt.Request, failure) {
		return nil
	}
	return failure
}
