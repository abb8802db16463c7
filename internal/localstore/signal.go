package localstore

import "sync"

// Signal fans out "projection changed" notifications to subscribers.
// Deliveries are non-blocking: a subscriber that has not drained its channel
// keeps the single pending tick, which is enough for re-render style
// consumers.
type Signal struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (s *Signal) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Signal) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
