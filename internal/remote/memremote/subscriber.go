package memremote

import (
	"slices"
	"sync"

	"github.com/roach88/tether/internal/remote"
)

// subscriber buffers notices without bound so apply never blocks on a
// slow reader.
type subscriber struct {
	models []string

	mu      sync.Mutex
	pending []remote.ChangeNotice
	closed  bool
	signal  chan struct{}

	out      chan remote.ChangeNotice
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(models []string) *subscriber {
	return &subscriber{
		models: slices.Clone(models),
		signal: make(chan struct{}, 1),
		out:    make(chan remote.ChangeNotice),
		stop:   make(chan struct{}),
	}
}

func (s *subscriber) wants(model string) bool {
	return len(s.models) == 0 || slices.Contains(s.models, model)
}

func (s *subscriber) push(n remote.ChangeNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, n)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.stop:
				return
			}
		}
		n := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.stop:
			return
		}
	}
}

func (s *subscriber) close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.stop)
	})
}
