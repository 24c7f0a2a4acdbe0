package bus

import (
	"fmt"
	"sync"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	Room RoomKey
	sink Sink
	reg  *registry

	once sync.Once
	err  error
}

// Unsubscribe removes the registration. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.err = s.reg.remove(s)
	})
	return s.err
}

// registry is the local half of every backend: the sinks held by this
// process per room key. The first sink of a room attaches the backend
// subscription and the last one detaches it.
type registry struct {
	// subMu serializes subscribe/unsubscribe together with attach/detach.
	subMu sync.Mutex
	mu    sync.RWMutex
	rooms map[RoomKey]map[Sink]*Subscription

	attach func(RoomKey) error
	detach func(RoomKey) error
	closed bool
}

func newRegistry(attach, detach func(RoomKey) error) *registry {
	return &registry{
		rooms:  make(map[RoomKey]map[Sink]*Subscription),
		attach: attach,
		detach: detach,
	}
}

func (r *registry) add(key RoomKey, sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, fmt.Errorf("subscribe %s: nil sink", key)
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.RLock()
	closed := r.closed
	sinks := r.rooms[key]
	existing := sinks[sink]
	r.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("subscribe %s: %w", key, ErrUnavailable)
	}
	if existing != nil {
		return existing, nil
	}
	if len(sinks) == 0 && r.attach != nil {
		if err := r.attach(key); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w: %w", key, ErrUnavailable, err)
		}
	}

	sub := &Subscription{Room: key, sink: sink, reg: r}
	r.mu.Lock()
	if r.rooms[key] == nil {
		r.rooms[key] = make(map[Sink]*Subscription)
	}
	r.rooms[key][sink] = sub
	r.mu.Unlock()
	return sub, nil
}

func (r *registry) remove(sub *Subscription) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	sinks := r.rooms[sub.Room]
	if sinks[sub.sink] != sub {
		r.mu.Unlock()
		return nil
	}
	delete(sinks, sub.sink)
	last := len(sinks) == 0
	if last {
		delete(r.rooms, sub.Room)
	}
	closed := r.closed
	r.mu.Unlock()

	if last && !closed && r.detach != nil {
		if err := r.detach(sub.Room); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", sub.Room, err)
		}
	}
	return nil
}

// deliver hands msg to every local sink of its room and returns how many
// sinks received it.
func (r *registry) deliver(msg Message) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.rooms[msg.Room]))
	for s := range r.rooms[msg.Room] {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(msg)
	}
	return len(sinks)
}

func (r *registry) subscribers(key RoomKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[key])
}

func (r *registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// close drops every registration and returns the keys that were attached.
func (r *registry) close() []RoomKey {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	keys := make([]RoomKey, 0, len(r.rooms))
	for k := range r.rooms {
		keys = append(keys, k)
	}
	r.rooms = make(map[RoomKey]map[Sink]*Subscription)
	return keys
}
