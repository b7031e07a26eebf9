package bot

import "sync"

// serializer runs work functions FIFO per key while letting different
// keys proceed in parallel. The pipeline uses it to guarantee that two
// inbound events for the same session never interleave their history
// reads and appends.
type serializer struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
	wg      sync.WaitGroup
}

func newSerializer() *serializer {
	return &serializer{
		pending: make(map[string][]func()),
		active:  make(map[string]bool),
	}
}

// Do enqueues fn for the key. If no worker is draining the key's queue
// one is started; otherwise fn runs after the work already queued.
func (s *serializer) Do(key string, fn func()) {
	s.mu.Lock()
	s.pending[key] = append(s.pending[key], fn)
	if s.active[key] {
		s.mu.Unlock()
		return
	}
	s.active[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drain(key)
}

func (s *serializer) drain(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.pending[key]
		if len(queue) == 0 {
			s.active[key] = false
			delete(s.pending, key)
			s.mu.Unlock()
			return
		}
		fn := queue[0]
		s.pending[key] = queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// Wait blocks until all queued work has finished. Used on shutdown and
// in tests.
func (s *serializer) Wait() {
	s.wg.Wait()
}
