package dispatch

import (
	"sync"

	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
)

// Subscription is an active registration returned by Handle and
// HandlePresence.
type Subscription struct {
	handle topic.Handle
	remove func(topic.Handle) bool
	once   sync.Once
}

func newSubscription(handle topic.Handle, remove func(topic.Handle) bool) *Subscription {
	return &Subscription{handle: handle, remove: remove}
}

// Pattern returns the normalized pattern.
func (s *Subscription) Pattern() string {
	return s.handle.Pattern()
}

// ID returns the registration id.
func (s *Subscription) ID() uint64 {
	return s.handle.ID()
}

// Unsubscribe removes the registration. It reports whether this call
// removed it; later calls return false.
func (s *Subscription) Unsubscribe() bool {
	removed := false
	s.once.Do(func() {
		removed = s.remove(s.handle)
	})
	return removed
}
