/*
Package emitroute is a client-side routing layer for an emitter-style
publish/subscribe service.

# Overview

A Client sits between application code and a Transport. It routes every
inbound message to the handlers whose channel pattern matches the message
topic, and it turns request/response exchanges on the service's control
topics (key generation, links, identity) into futures resolved by request id.

	t := transport.NewLoopback()
	client := emitroute.New(t, emitroute.WithDefaultKey("channel-key"))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
	    log.Fatal(err)
	}

	_, err := client.SubscribeFunc(ctx, "", "sensors/+/temperature",
	    func(ctx context.Context, msg dispatch.Message) error {
	        fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
	        return nil
	    })

# Patterns

Channel patterns are slash-delimited. "+" matches exactly one segment and a
trailing "#" matches any number of remaining segments. Every handler whose
pattern matches is invoked, in registration order. See package topic.

# Requests

GenerateKey, Link and Me return a Future. The future resolves exactly once:
with the decoded response, with a StatusError for a non-200 status, with a
TimeoutError when no response arrives in time, or with ErrClosed when the
client closes first.

	key, err := client.GenerateKey(ctx, wire.KeyGenRequest{
	    Key:     "secret-key",
	    Channel: "sensors/#/",
	    Type:    "rw",
	}).Wait(ctx)

# Errors

Failures that have no caller to return to, such as a panicking handler, a
malformed control payload or a lost connection, go to the callbacks
registered with OnError. They are also logged and, when a journal is
configured, recorded in it.

# Handlers

Handlers run synchronously on the transport's delivery goroutine, one after
another. A slow handler delays every later message; offload long work.
*/
package emitroute
