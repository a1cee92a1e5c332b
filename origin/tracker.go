// Package origin remembers which entities this client changed recently, so
// that the broadcast echo of its own change can be told apart from changes
// made elsewhere.
package origin

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultWindow is how long a mark stays valid when nothing consumes it.
// It is a heuristic: under slow networks an echo may arrive after the mark
// expired and will then be applied like any remote change.
const DefaultWindow = 5 * time.Second

// Tracker records local mutations and answers, once per mark, whether an
// inbound event refers to one of them.
type Tracker interface {
	// Mark records id as changed by this client. Marking an id again
	// restarts its window.
	Mark(id string)
	// IsLocal reports whether id carries a live mark and consumes it.
	IsLocal(id string) bool
}

// Memory is an in-process Tracker.
type Memory struct {
	mu    sync.Mutex
	marks *ttlcache.Cache[string, struct{}]
}

// NewMemory creates a tracker whose marks expire after window. A
// non-positive window falls back to DefaultWindow.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	marks := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](window),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go marks.Start()
	return &Memory{marks: marks}
}

func (m *Memory) Mark(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.marks.Set(id, struct{}{}, ttlcache.DefaultTTL)
	m.mu.Unlock()
}

func (m *Memory) IsLocal(id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks.Get(id) == nil {
		return false
	}
	m.marks.Delete(id)
	return true
}

// Len returns the number of marks not yet removed by the janitor.
func (m *Memory) Len() int {
	return m.marks.Len()
}

// Close stops the expiry janitor.
func (m *Memory) Close() {
	m.marks.Stop()
}

type scoped struct {
	next   Tracker
	prefix string
}

// Scope returns a view of t whose marks are invisible to every other scope
// sharing t. Ids are stored as scope + "/" + id.
func Scope(t Tracker, scope string) Tracker {
	return &scoped{next: t, prefix: scope + "/"}
}

func (s *scoped) Mark(id string) {
	if id == "" {
		return
	}
	s.next.Mark(s.prefix + id)
}

func (s *scoped) IsLocal(id string) bool {
	if id == "" {
		return false
	}
	return s.next.IsLocal(s.prefix + id)
}
