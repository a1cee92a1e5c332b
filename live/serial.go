package live

import "sync"

// serial runs pushed funcs one at a time, in push order, on a goroutine
// that exits once the queue is empty.
type serial struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (s *serial) push(fn func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
	}
}
