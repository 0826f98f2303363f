package hub

import (
	"context"
	"sync"

	"hemis-telemetry/internal/models"
)

// Subscriber one connection's view of the hub. Each subscriber has its own
// bounded queue; when full the oldest event is dropped and counted.
type Subscriber struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	rooms  map[Room]struct{}
	queue  []Event // ring buffer
	head   int
	count  int
	missed uint64
	closed bool

	notify chan struct{}
}

func newSubscriber(id string, h *Hub, size int) *Subscriber {
	if size < 1 {
		size = 1
	}
	return &Subscriber{
		id:     id,
		hub:    h,
		rooms:  map[Room]struct{}{},
		queue:  make([]Event, size),
		notify: make(chan struct{}, 1),
	}
}

// ID connection identity, fresh for every Connect.
func (s *Subscriber) ID() string { return s.id }

// Join adds the subscriber to room. Joining twice is the same as once.
func (s *Subscriber) Join(room Room) error {
	return s.hub.join(s, room)
}

// Leave removes the subscriber from room and discards its queued events for it.
func (s *Subscriber) Leave(room Room) {
	s.hub.leave(s, room)
}

// Rooms returns the rooms currently joined.
func (s *Subscriber) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Notify is signalled when events may be available.
func (s *Subscriber) Notify() <-chan struct{} {
	return s.notify
}

// TryNext pops the next event without waiting. Missed on the returned event
// counts drops since the previous delivery.
func (s *Subscriber) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count > 0 {
		ev := s.queue[s.head]
		s.queue[s.head] = Event{}
		s.head = (s.head + 1) % len(s.queue)
		s.count--
		if _, ok := s.rooms[ev.Room]; !ok {
			continue
		}
		ev.Missed = s.missed
		s.missed = 0
		return ev, true
	}
	return Event{}, false
}

// Next waits for the next event. It returns models.ErrSubscriberClosed once
// the subscriber is disconnected.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		if s.isClosed() {
			return Event{}, models.ErrSubscriberClosed
		}
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue never blocks. It reports whether an old event was dropped.
func (s *Subscriber) enqueue(ev Event) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.rooms[ev.Room]; !ok {
		s.mu.Unlock()
		return false
	}
	if s.count == len(s.queue) {
		s.queue[s.head] = Event{}
		s.head = (s.head + 1) % len(s.queue)
		s.count--
		s.missed++
		dropped = true
	}
	s.queue[(s.head+s.count)%len(s.queue)] = ev
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.rooms = map[Room]struct{}{}
	s.count = 0
	s.head = 0
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
