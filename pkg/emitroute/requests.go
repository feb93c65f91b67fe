package emitroute

import (
	"context"
	"fmt"

	"github.com/randalmurphal/emitroute/pkg/emitroute/correlate"
	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
	"github.com/randalmurphal/emitroute/pkg/emitroute/transport"
	"github.com/randalmurphal/emitroute/pkg/emitroute/wire"
)

// Request kinds used in logs, metrics and spans.
const (
	kindKeyGen = "keygen"
	kindLink   = "link"
	kindMe     = "me"
)

// publishControl is the correlator's publish function.
func (c *Client) publishControl(ctx context.Context, controlTopic string, payload []byte) error {
	return c.transport.Publish(ctx, controlTopic, payload, transport.PublishOptions{QoS: transport.AtLeastOnce})
}

// request sends one correlated request and decodes its response as Resp.
// Synchronous failures come back as an already failed future.
func request[Resp any](ctx context.Context, c *Client, kind, controlTopic string, build func(id uint16) any) *correlate.Future[*Resp] {
	raw, err := c.correlator.Send(ctx, kind, controlTopic, func(id uint16) ([]byte, error) {
		return wire.Encode(build(id))
	})
	if err != nil {
		return correlate.Resolved[*Resp](nil, fmt.Errorf("%s: %w", kind, err))
	}
	return correlate.Map(raw, func(payload []byte) (*Resp, error) {
		return wire.Decode[Resp](controlTopic, payload)
	})
}

// GenerateKey asks the service for a channel key. An empty req.Key falls
// back to the default key; with neither the future fails with a
// ConfigurationError before anything is sent.
func (c *Client) GenerateKey(ctx context.Context, req wire.KeyGenRequest) *correlate.Future[*wire.KeyGenResponse] {
	key, err := c.resolveKey(req.Key)
	if err != nil {
		return correlate.Resolved[*wire.KeyGenResponse](nil, err)
	}
	if req.Channel == "" {
		return correlate.Resolved[*wire.KeyGenResponse](nil, &emerrors.ConfigurationError{
			Field:   "channel",
			Message: "key generation needs a channel",
		})
	}
	req.Key = key
	return request[wire.KeyGenResponse](ctx, c, kindKeyGen, wire.TopicKeyGen, func(id uint16) any {
		req.Request = id
		return req
	})
}

// Link asks the service to bind req.Name to a channel. The name is usable
// with PublishWithLink as soon as Link returns; it is forgotten again if
// the request fails. Re-linking a name overwrites it.
func (c *Client) Link(ctx context.Context, req wire.LinkRequest) *correlate.Future[*wire.LinkResponse] {
	key, err := c.resolveKey(req.Key)
	if err != nil {
		return correlate.Resolved[*wire.LinkResponse](nil, err)
	}
	if req.Name == "" {
		return correlate.Resolved[*wire.LinkResponse](nil, &emerrors.ConfigurationError{
			Field:   "name",
			Message: "link needs a name",
		})
	}
	req.Key = key
	if req.Channel != "" {
		req.Channel = topic.FormatChannel("", req.Channel)
	}

	link := c.setLink(req.Name, req.Channel)

	fut := request[wire.LinkResponse](ctx, c, kindLink, wire.TopicLink, func(id uint16) any {
		req.Request = id
		return req
	})
	fut.OnComplete(func(resp *wire.LinkResponse, err error) {
		if err != nil {
			c.forgetLink(link)
			return
		}
		if resp.Name != "" && resp.Channel != "" {
			c.setLink(resp.Name, resp.Channel)
		}
	})
	return fut
}

// forgetLink removes a link unless it has been re-linked since.
func (c *Client) forgetLink(link linkEntry) {
	c.links.DeleteIf(link.name, func(current linkEntry) bool {
		return current.gen == link.gen
	})
}

// Me asks the service for this connection's id and links. On success the
// reported links are recorded for PublishWithLink.
func (c *Client) Me(ctx context.Context) *correlate.Future[*wire.MeResponse] {
	fut := request[wire.MeResponse](ctx, c, kindMe, wire.TopicMe, func(id uint16) any {
		return wire.MeRequest{Request: id}
	})
	fut.OnComplete(func(resp *wire.MeResponse, err error) {
		if err != nil {
			return
		}
		entries := make(map[string]linkEntry, len(resp.Links))
		for name, channel := range resp.Links {
			entries[name] = linkEntry{name: name, channel: channel, gen: c.linkGen.Add(1)}
		}
		c.links.RegisterMany(entries)
	})
	return fut
}

// Presence asks the service for the occupancy of a channel. With status set
// the service replies with a status event; with changes set it keeps
// sending subscribe and unsubscribe events. Events reach the handlers
// registered with OnPresence. Presence does not wait for a reply.
func (c *Client) Presence(ctx context.Context, key, channel string, status, changes bool) error {
	if c.isClosed() {
		return emerrors.ErrClosed
	}
	key, err := c.resolveKey(key)
	if err != nil {
		return err
	}
	payload, err := wire.Encode(wire.PresenceRequest{
		Key:     key,
		Channel: topic.FormatChannel("", channel),
		Status:  status,
		Changes: &changes,
	})
	if err != nil {
		return err
	}
	return c.publishControl(ctx, wire.TopicPresence, payload)
}
