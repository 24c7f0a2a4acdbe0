package bus

import (
	"context"
	"fmt"
)

// Memory is the single-process backend: a publish is delivered synchronously
// to the local sinks of the room.
type Memory struct {
	reg *registry
}

func NewMemory() *Memory {
	return &Memory{reg: newRegistry(nil, nil)}
}

func (m *Memory) Subscribe(_ context.Context, key RoomKey, sink Sink) (*Subscription, error) {
	return m.reg.add(key, sink)
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	if m.reg.isClosed() {
		return fmt.Errorf("publish %s: %w", msg.Room, ErrUnavailable)
	}
	m.reg.deliver(msg)
	return nil
}

// Subscribers reports the number of local sinks registered for key.
func (m *Memory) Subscribers(key RoomKey) int {
	return m.reg.subscribers(key)
}

func (m *Memory) Close() error {
	m.reg.close()
	return nil
}
