package presence

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	sessions int
	lastSeen time.Time
}

// Memory keeps reference counts in process. It is correct for a single
// gateway instance; use Redis when several instances share users.
type Memory struct {
	mu    sync.Mutex
	users map[int64]*entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{users: make(map[int64]*entry), now: time.Now}
}

func (m *Memory) SetOnline(_ context.Context, userId int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.users[userId]
	if e == nil {
		e = &entry{}
		m.users[userId] = e
	}
	e.sessions++
	e.lastSeen = m.now().UTC()
	return nil
}

// SetOffline releases one reference. Extra releases are ignored so the
// count never goes negative.
func (m *Memory) SetOffline(_ context.Context, userId int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.users[userId]
	if e == nil || e.sessions == 0 {
		return nil
	}
	e.sessions--
	if e.sessions == 0 {
		e.lastSeen = m.now().UTC()
	}
	return nil
}

func (m *Memory) Get(_ context.Context, userId int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{UserId: userId}
	if e := m.users[userId]; e != nil {
		rec.Online = e.sessions > 0
		rec.Sessions = e.sessions
		rec.LastSeen = e.lastSeen
	}
	return rec, nil
}

func (m *Memory) Close() error { return nil }
