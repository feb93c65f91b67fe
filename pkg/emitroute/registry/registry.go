package registry

import "sync"

type entry[V any] struct {
	value V
	slot  int
}

// Registry is a thread-safe registry for values indexed by key.
// Each key holds a numeric slot for as long as it is registered.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	slots   map[int]K
	next    int
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]entry[V]),
		slots:   make(map[int]K),
		next:    1,
	}
}

// Register adds or overwrites a value. It returns the key's slot and whether
// an existing value was replaced.
func (r *Registry[K, V]) Register(key K, value V) (slot int, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(key, value)
}

func (r *Registry[K, V]) registerLocked(key K, value V) (int, bool) {
	if e, ok := r.entries[key]; ok {
		r.entries[key] = entry[V]{value: value, slot: e.slot}
		return e.slot, true
	}
	slot := r.next
	r.next++
	r.entries[key] = entry[V]{value: value, slot: slot}
	r.slots[slot] = key
	return slot, false
}

// RegisterMany adds or overwrites multiple entries.
func (r *Registry[K, V]) RegisterMany(entries map[K]V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range entries {
		r.registerLocked(k, v)
	}
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e.value, ok
}

// Slot returns the slot reserved for a key.
func (r *Registry[K, V]) Slot(key K) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e.slot, ok
}

// Lookup returns the key holding a slot.
func (r *Registry[K, V]) Lookup(slot int) (K, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.slots[slot]
	return k, ok
}

// Delete removes a key and releases its slot. The slot is not reused.
func (r *Registry[K, V]) Delete(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(key, nil)
}

// DeleteIf removes a key only if match reports true for its current value.
// The check and the removal happen under one lock.
func (r *Registry[K, V]) DeleteIf(key K, match func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(key, match)
}

func (r *Registry[K, V]) deleteLocked(key K, match func(V) bool) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	if match != nil && !match(e.value) {
		return false
	}
	delete(r.entries, key)
	delete(r.slots, e.slot)
	return true
}

// Clear removes every entry and restarts slot numbering.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[K]entry[V])
	r.slots = make(map[int]K)
	r.next = 1
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for each entry in a snapshot of the registry.
// If fn returns false, iteration stops.
func (r *Registry[K, V]) Range(fn func(key K, slot int, value V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]entry[V], len(r.entries))
	for k, e := range r.entries {
		snapshot[k] = e
	}
	r.mu.RUnlock()

	for k, e := range snapshot {
		if !fn(k, e.slot, e.value) {
			return
		}
	}
}
