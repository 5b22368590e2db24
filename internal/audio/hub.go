// Package audio captures the microphone and desktop loopback and fans the
// PCM out to any number of listeners.
package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrUnavailable is reported when a role's device cannot be opened.
var ErrUnavailable = errors.New("audio device unavailable")

type Role string

const (
	RoleMic     Role = "mic"
	RoleDesktop Role = "desktop"
)

// Subscriber is one listener's bounded queue of PCM chunks.
type Subscriber struct {
	name    string
	hub     *Hub
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	dropped atomic.Int64
}

func (s *Subscriber) Name() string { return s.name }

// C delivers chunks in capture order. It is never closed; watch Done.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Done is closed once the subscriber has been removed from its hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err returns the reason the subscriber was removed, if any.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts chunks discarded because the queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Fail removes the subscriber and records err.
func (s *Subscriber) Fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hub.remove(s)
		close(s.done)
	})
}

// Unsubscribe removes the subscriber. It is safe to call more than once.
func (s *Subscriber) Unsubscribe() { s.Fail(nil) }

// Hub is the subscriber set of one role.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe(name string, depth int) *Subscriber {
	if depth <= 0 {
		depth = 1
	}
	s := &Subscriber{
		name: name,
		hub:  h,
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the total number of chunks dropped across subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcast queues chunk for every current subscriber without blocking and
// returns how many accepted it.
func (h *Hub) Broadcast(chunk []byte) int {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range subs {
		select {
		case s.ch <- chunk:
			sent++
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	return sent
}

// FailAll removes every subscriber with err.
func (h *Hub) FailAll(err error) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Fail(err)
	}
}
