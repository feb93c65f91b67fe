// Package registry provides a thread-safe name registry that reserves a
// numeric slot for every key.
//
// The client uses it for short link names: once a link is created its name is
// registered, and later publishes refer to the link by name alone.
//
// # Basic Usage
//
//	r := registry.New[string, Link]()
//	slot, replaced := r.Register("alerts", link)
//
//	link, ok := r.Get("alerts")
//	name, ok := r.Lookup(slot)
//
//	// Remove the key only if it still holds the value we registered.
//	r.DeleteIf("alerts", func(cur Link) bool { return cur == link })
//
// # Collisions
//
// Registering a key that already exists overwrites its value. The last writer
// wins and the key keeps the slot it was first given, so anything holding the
// slot still resolves to the same name. Slots of deleted keys are not handed
// out again until Clear.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Range iterates over a
// snapshot, so the callback may register or delete keys.
package registry
