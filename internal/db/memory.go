package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/gocql/gocql"
)

type memRoom struct {
	// mu serializes message inserts and activity bumps of this room.
	mu       sync.Mutex
	room     chat.Room
	messages map[string]*chat.Message
}

// Memory is an in-process store used for single-node development and tests.
type Memory struct {
	mu    sync.RWMutex
	rooms map[int64]*memRoom
	media map[string]*memMedia
	now   func() time.Time
}

type memMedia struct {
	media   chat.Media
	deleted bool
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[int64]*memRoom),
		media: make(map[string]*memMedia),
		now:   time.Now,
	}
}

// CreateRoom registers a room. Direct rooms must have exactly two
// participants and no room may be empty.
func (m *Memory) CreateRoom(room chat.Room) error {
	if err := validateRoom(room); err != nil {
		return err
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = m.now().UTC()
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}
	room.Participants = append([]int64(nil), room.Participants...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.Id]; ok {
		return fmt.Errorf("room %d already exists", room.Id)
	}
	m.rooms[room.Id] = &memRoom{room: room, messages: make(map[string]*chat.Message)}
	return nil
}

func (m *Memory) Room(_ context.Context, roomId int64) (*chat.Room, error) {
	r, err := m.room(roomId)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.room
	out.Participants = append([]int64(nil), r.room.Participants...)
	return &out, nil
}

// PutMedia registers an artifact as the media collaborator would after an
// upload.
func (m *Memory) PutMedia(media chat.Media) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[media.Id] = &memMedia{media: media}
}

// DeleteMedia soft-deletes an artifact.
func (m *Memory) DeleteMedia(mediaId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm, ok := m.media[mediaId]; ok {
		mm.deleted = true
	}
}

func (m *Memory) room(roomId int64) (*memRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomId]
	if !ok {
		return nil, fmt.Errorf("room %d: %w", roomId, chat.ErrRoomNotFound)
	}
	return r, nil
}

func (m *Memory) IsParticipant(_ context.Context, userId, roomId int64) (bool, error) {
	r, err := m.room(roomId)
	if err != nil {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room.HasParticipant(userId), nil
}

func (m *Memory) CreateMessage(_ context.Context, nm chat.NewMessage) (*chat.Message, error) {
	if err := nm.Validate(); err != nil {
		return nil, err
	}
	r, err := m.room(nm.RoomId)
	if err != nil {
		return nil, err
	}
	created := nm.CreatedAt
	if created.IsZero() {
		created = m.now()
	}
	msg := &chat.Message{
		Id:             gocql.UUIDFromTime(created).String(),
		RoomId:         nm.RoomId,
		SenderId:       nm.SenderId,
		SenderUsername: nm.SenderUsername,
		Content:        nm.Content,
		MediaId:        nm.MediaId,
		CreatedAt:      created.UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.Id] = msg
	r.bump(msg.CreatedAt)
	return cloneMessage(msg), nil
}

func (r *memRoom) bump(at time.Time) {
	if at.After(r.room.LastActivity) {
		r.room.LastActivity = at
	}
}

func (m *Memory) BumpActivity(_ context.Context, roomId int64, at time.Time) error {
	r, err := m.room(roomId)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bump(at.UTC())
	return nil
}

func (m *Memory) Message(_ context.Context, roomId int64, messageId string) (*chat.Message, error) {
	r, err := m.room(roomId)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageId]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageId, chat.ErrMessageNotFound)
	}
	return cloneMessage(msg), nil
}

// Messages returns the room history ordered by creation time.
func (m *Memory) Messages(_ context.Context, roomId int64) ([]*chat.Message, error) {
	r, err := m.room(roomId)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*chat.Message, 0, len(r.messages))
	for _, msg := range r.messages {
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, roomId int64, messageId string, userId int64) (*chat.Message, error) {
	r, err := m.room(roomId)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageId]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageId, chat.ErrMessageNotFound)
	}
	if !msg.IsReadBy(userId) {
		msg.ReadBy = append(msg.ReadBy, userId)
	}
	return cloneMessage(msg), nil
}

func (m *Memory) EditMessage(_ context.Context, edit chat.EditMessage) (*chat.Message, error) {
	r, err := m.room(edit.RoomId)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[edit.MessageId]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", edit.MessageId, chat.ErrMessageNotFound)
	}
	if msg.SenderId != edit.EditorId {
		return nil, chat.ErrNotSender
	}
	msg.Content = edit.Content
	msg.Edited = true
	msg.EditedAt = edit.EditedAt.UTC()
	return cloneMessage(msg), nil
}

func (m *Memory) UnreadCount(_ context.Context, roomId, userId int64) (int, error) {
	r, err := m.room(roomId)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.messages {
		if msg.SenderId != userId && !msg.IsReadBy(userId) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Resolve(_ context.Context, mediaId string) (*chat.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm, ok := m.media[mediaId]
	if !ok || mm.deleted {
		return nil, fmt.Errorf("media %s: %w", mediaId, chat.ErrMediaNotFound)
	}
	out := mm.media
	return &out, nil
}

func (m *Memory) Close() error { return nil }

func cloneMessage(msg *chat.Message) *chat.Message {
	out := *msg
	out.ReadBy = append([]int64(nil), msg.ReadBy...)
	return &out
}

func validateRoom(room chat.Room) error {
	if len(room.Participants) == 0 {
		return fmt.Errorf("room %d has no participants", room.Id)
	}
	seen := make(map[int64]struct{}, len(room.Participants))
	for _, p := range room.Participants {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("room %d lists participant %d twice", room.Id, p)
		}
		seen[p] = struct{}{}
	}
	if !room.IsGroup && len(room.Participants) != 2 {
		return fmt.Errorf("direct room %d must have exactly two participants", room.Id)
	}
	return nil
}
