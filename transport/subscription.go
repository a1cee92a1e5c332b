package transport

import "sync"

// Subscription is a scoped registration. Release is idempotent.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release in a Subscription.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}
