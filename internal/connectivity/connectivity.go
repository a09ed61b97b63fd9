// Package connectivity provides the online/offline signal the sync core
// reacts to.
package connectivity

import (
	gosync "sync"
)

// Monitor reports whether the remote store is reachable and notifies
// subscribers when that changes.
type Monitor interface {
	IsOnline() bool

	// Subscribe registers fn for every transition. fn runs on the
	// goroutine that observed the change and must not block. The returned
	// function removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Signal is a settable Monitor.
type Signal struct {
	mu     gosync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

var _ Monitor = (*Signal)(nil)

// NewSignal returns a signal in the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{online: online, subs: make(map[int]func(bool))}
}

func (s *Signal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies subscribers if it differs from the
// current one.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (s *Signal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var once gosync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
		})
	}
}
