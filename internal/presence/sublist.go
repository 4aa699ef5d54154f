package presence

import (
	"sync"
)

// Subscriber receives encoded PeerView updates. Push must not block;
// it returns false when the subscriber is closed and should be pruned.
type Subscriber interface {
	Push(d []byte) bool
	Name() string
}

// Sublist fans encoded updates out to webstream subscribers.
type Sublist struct {
	mu   sync.Mutex
	list map[Subscriber]bool
}

func NewSublist() *Sublist {
	s := &Sublist{}
	s.list = make(map[Subscriber]bool)
	return s
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Send(d []byte) {
	s.mu.Lock()
	for sub := range s.list {
		if !sub.Push(d) {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
