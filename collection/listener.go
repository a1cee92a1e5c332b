package collection

import "sync"

// Listener is the handle returned by Subscribe. Release stops delivery and
// is safe to call more than once.
type Listener struct {
	once    sync.Once
	release func()
}

// NewListener wraps release in a Listener.
func NewListener(release func()) *Listener {
	return &Listener{release: release}
}

func (l *Listener) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}
