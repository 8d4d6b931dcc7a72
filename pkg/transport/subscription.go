package transport

import (
	"sync"
)

// Subscription receives events in dispatch order on C. The internal queue is
// unbounded so dispatch never blocks on a slow or re-entrant consumer.
// Close is idempotent and closes C once the pump has exited.
type Subscription struct {
	C <-chan Event

	out    chan Event
	filter map[string]struct{}
	owner  *Transport

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(owner *Transport, names []string) *Subscription {
	out := make(chan Event)
	s := &Subscription{
		C:      out,
		out:    out,
		owner:  owner,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(names) > 0 {
		s.filter = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.filter[n] = struct{}{}
		}
	}
	go s.pump()
	return s
}

func (s *Subscription) wants(name string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[name]
	return ok
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Close detaches the subscription from its transport.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		s.mu.Unlock()
		if s.owner != nil {
			s.owner.unsubscribe(s)
		}
	})
}
