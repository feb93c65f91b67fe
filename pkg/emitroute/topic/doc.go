// Package topic provides topic parsing and the segment trie used to route
// inbound messages to handlers.
//
// # Topic Format
//
// Topics are slash-delimited paths. A single trailing slash is ignored and a
// channel-options suffix starting at "?" is stripped before matching:
//
//	sensors/room1/temperature/
//	sensors/room1/temperature/?ttl=60
//
// # Wildcards
//
//   - "+" matches exactly one segment
//   - "#" matches the segment level it sits on and everything below it; it
//     must be the last segment
//
// Examples:
//
//	sensors/+/temperature   matches sensors/room1/temperature (not sensors/temperature)
//	sensors/#               matches sensors, sensors/room1, sensors/room1/humidity
//	#                       matches everything
//
// # Match Policy
//
// PolicyExact (the default) gives every pattern its own depth unless it ends
// in "#". PolicyPrefix treats every pattern as if it ended in "#", which is
// how the service itself delivers to subscriptions: a client subscribed to
// "a/b" also receives "a/b/c/d".
//
// # Usage
//
//	trie := topic.NewTrie[Handler]()
//	h, err := trie.Insert("sensors/+/temperature", handler)
//
//	for _, handler := range trie.Match("sensors/room1/temperature") {
//	    handler.Handle(ctx, msg)
//	}
//
//	trie.Remove(h)
//
// Match returns a copy taken under a read lock, so values may insert or
// remove registrations while they are being invoked.
package topic
