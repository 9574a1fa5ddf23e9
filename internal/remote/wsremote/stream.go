package wsremote

import (
	"sync"

	"github.com/roach88/tether/internal/remote"
)

// stream buffers notices for one subscription so the read loop never
// blocks on a slow consumer.
type stream struct {
	mu      sync.Mutex
	pending []remote.ChangeNotice
	signal  chan struct{}
	ended   bool

	out  chan remote.ChangeNotice
	stop chan struct{}
	once sync.Once
}

func newStream() *stream {
	s := &stream{
		signal: make(chan struct{}, 1),
		out:    make(chan remote.ChangeNotice),
		stop:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *stream) push(n remote.ChangeNotice) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// end delivers what was pushed, then closes out.
func (s *stream) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// abort closes out without delivering what is buffered.
func (s *stream) abort() {
	s.once.Do(func() { close(s.stop) })
}

func (s *stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
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
