// Package correlate matches request-style operations sent over pub/sub to
// the single response each one receives.
//
// Send allocates a 16-bit request id that is not in flight, stores a pending
// entry, arms a timer and publishes the request. It returns a Future
// immediately. The response, the timer, a local Cancel, or Close ends the
// entry; whichever acts first wins and the others find nothing to do.
//
//	fut, err := c.Send(ctx, "keygen", wire.TopicKeyGen, func(id uint16) ([]byte, error) {
//	    return wire.Encode(wire.KeyGenRequest{Request: id, Key: secret, Channel: "sensors/"})
//	})
//	if err != nil {
//	    return err
//	}
//	payload, err := fut.Wait(ctx)
//
// Timeouts are reported as a TimeoutError and never retried. Callers that
// want retries wrap Send and Wait with errors.WithRetryContext.
//
// Timers use time.AfterFunc, so a pending request costs no goroutine.
// Future callbacks run on the goroutine that resolves the request: the
// transport's delivery goroutine for responses and a timer goroutine for
// timeouts.
package correlate
