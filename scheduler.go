package postbox

import (
	"sync"

	"github.com/glimte/postbox-go/internal/channel"
)

// scheduler pairs pending letters with ready channels in FIFO order. A
// channel is absent from the ready queue while a letter is being handed to
// it.
type scheduler struct {
	mu      sync.Mutex
	pending []*Letter
	ready   []*channel.Channel
	inReady map[*channel.Channel]struct{}
}

func newScheduler() *scheduler {
	return &scheduler{inReady: make(map[*channel.Channel]struct{})}
}

func (s *scheduler) push(l *Letter) {
	s.mu.Lock()
	s.pending = append(s.pending, l)
	s.mu.Unlock()
}

// pushFront puts letters ahead of everything pending, keeping their order
func (s *scheduler) pushFront(letters ...*Letter) {
	if len(letters) == 0 {
		return
	}
	s.mu.Lock()
	pending := make([]*Letter, 0, len(letters)+len(s.pending))
	pending = append(pending, letters...)
	s.pending = append(pending, s.pending...)
	s.mu.Unlock()
}

// markReady appends ch to the ready queue unless it is already there
func (s *scheduler) markReady(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inReady[ch]; ok {
		return
	}
	s.inReady[ch] = struct{}{}
	s.ready = append(s.ready, ch)
}

func (s *scheduler) remove(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inReady[ch]; !ok {
		return
	}
	delete(s.inReady, ch)
	for i, c := range s.ready {
		if c == ch {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
}

// next removes and returns the head channel and the head letter
func (s *scheduler) next() (*channel.Channel, *Letter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 || len(s.pending) == 0 {
		return nil, nil, false
	}

	ch := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	delete(s.inReady, ch)

	l := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return ch, l, true
}

// drain removes every pending letter
func (s *scheduler) drain() []*Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	letters := s.pending
	s.pending = nil
	return letters
}

func (s *scheduler) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *scheduler) readyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}
