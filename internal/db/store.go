package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/gocql/gocql"
	"golang.org/x/sync/singleflight"
)

// Scylla implements chat.Store on a Scylla or Cassandra cluster.
type Scylla struct {
	session *gocql.Session
	media   singleflight.Group
	now     func() time.Time
}

func NewScylla(session *gocql.Session) *Scylla {
	return &Scylla{session: session, now: time.Now}
}

// CreateRoom writes a room and its participant rows. Used for seeding.
func (s *Scylla) CreateRoom(ctx context.Context, room chat.Room) error {
	if err := validateRoom(room); err != nil {
		return err
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now().UTC()
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO rooms (room_id, name, is_group, created_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
		room.Id, room.Name, room.IsGroup, room.CreatedAt, room.LastActivity)
	for _, p := range room.Participants {
		b.Query(`INSERT INTO room_participants (room_id, user_id) VALUES (?, ?)`, room.Id, p)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		return chat.Persistence("create room", err)
	}
	return nil
}

func (s *Scylla) Room(ctx context.Context, roomId int64) (*chat.Room, error) {
	room := chat.Room{Id: roomId}
	err := s.session.Query(`SELECT name, is_group, created_at, last_activity FROM rooms WHERE room_id = ?`, roomId).
		WithContext(ctx).
		Scan(&room.Name, &room.IsGroup, &room.CreatedAt, &room.LastActivity)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("room %d: %w", roomId, chat.ErrRoomNotFound)
	}
	if err != nil {
		return nil, chat.Persistence("load room", err)
	}

	iter := s.session.Query(`SELECT user_id FROM room_participants WHERE room_id = ?`, roomId).WithContext(ctx).Iter()
	var userId int64
	for iter.Scan(&userId) {
		room.Participants = append(room.Participants, userId)
	}
	if err := iter.Close(); err != nil {
		return nil, chat.Persistence("load participants", err)
	}
	return &room, nil
}

func (s *Scylla) PutMedia(ctx context.Context, m chat.Media) error {
	err := s.session.Query(`INSERT INTO media_artifacts (media_id, kind, name, url, thumbnail_url, size_bytes, duration_ms, deleted) VALUES (?, ?, ?, ?, ?, ?, ?, false)`,
		m.Id, string(m.Kind), m.Name, m.Url, m.ThumbnailUrl, m.SizeBytes, m.Duration.Milliseconds()).
		WithContext(ctx).Exec()
	if err != nil {
		return chat.Persistence("put media", err)
	}
	return nil
}

func (s *Scylla) DeleteMedia(ctx context.Context, mediaId string) error {
	err := s.session.Query(`UPDATE media_artifacts SET deleted = true WHERE media_id = ?`, mediaId).WithContext(ctx).Exec()
	if err != nil {
		return chat.Persistence("delete media", err)
	}
	return nil
}

func (s *Scylla) IsParticipant(ctx context.Context, userId, roomId int64) (bool, error) {
	var found int64
	err := s.session.Query(`SELECT user_id FROM room_participants WHERE room_id = ? AND user_id = ?`, roomId, userId).
		WithContext(ctx).Scan(&found)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, chat.Persistence("membership", err)
	}
	return true, nil
}

func (s *Scylla) roomExists(ctx context.Context, roomId int64) error {
	var id int64
	err := s.session.Query(`SELECT room_id FROM rooms WHERE room_id = ?`, roomId).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("room %d: %w", roomId, chat.ErrRoomNotFound)
	}
	if err != nil {
		return chat.Persistence("load room", err)
	}
	return nil
}

// CreateMessage inserts the message and bumps the room in one logged batch.
// The bump is written with the message time as its cell timestamp, so a
// late writer never moves last_activity backwards.
func (s *Scylla) CreateMessage(ctx context.Context, nm chat.NewMessage) (*chat.Message, error) {
	if err := nm.Validate(); err != nil {
		return nil, err
	}
	if err := s.roomExists(ctx, nm.RoomId); err != nil {
		return nil, err
	}
	created := nm.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	created = created.UTC()
	id := gocql.UUIDFromTime(created)

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (room_id, message_id, sender_id, sender_username, content, media_id, created_at, edited) VALUES (?, ?, ?, ?, ?, ?, ?, false)`,
		nm.RoomId, id, nm.SenderId, nm.SenderUsername, nm.Content, nm.MediaId, created)
	b.Query(`UPDATE rooms USING TIMESTAMP ? SET last_activity = ? WHERE room_id = ?`,
		created.UnixMicro(), created, nm.RoomId)
	if err := s.session.ExecuteBatch(b); err != nil {
		return nil, chat.Persistence("create message", err)
	}

	return &chat.Message{
		Id:             id.String(),
		RoomId:         nm.RoomId,
		SenderId:       nm.SenderId,
		SenderUsername: nm.SenderUsername,
		Content:        nm.Content,
		MediaId:        nm.MediaId,
		CreatedAt:      created,
	}, nil
}

func (s *Scylla) BumpActivity(ctx context.Context, roomId int64, at time.Time) error {
	at = at.UTC()
	err := s.session.Query(`UPDATE rooms USING TIMESTAMP ? SET last_activity = ? WHERE room_id = ?`,
		at.UnixMicro(), at, roomId).WithContext(ctx).Exec()
	if err != nil {
		return chat.Persistence("bump activity", err)
	}
	return nil
}

func parseMessageId(messageId string) (gocql.UUID, error) {
	id, err := gocql.ParseUUID(messageId)
	if err != nil {
		return id, fmt.Errorf("message %s: %w", messageId, chat.ErrMessageNotFound)
	}
	return id, nil
}

func (s *Scylla) Message(ctx context.Context, roomId int64, messageId string) (*chat.Message, error) {
	id, err := parseMessageId(messageId)
	if err != nil {
		return nil, err
	}
	msg := &chat.Message{Id: messageId, RoomId: roomId}
	err = s.session.Query(`SELECT sender_id, sender_username, content, media_id, created_at, edited, edited_at, read_by FROM messages WHERE room_id = ? AND message_id = ?`,
		roomId, id).WithContext(ctx).
		Scan(&msg.SenderId, &msg.SenderUsername, &msg.Content, &msg.MediaId, &msg.CreatedAt, &msg.Edited, &msg.EditedAt, &msg.ReadBy)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("message %s: %w", messageId, chat.ErrMessageNotFound)
	}
	if err != nil {
		return nil, chat.Persistence("load message", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.EditedAt = msg.EditedAt.UTC()
	return msg, nil
}

func (s *Scylla) MarkRead(ctx context.Context, roomId int64, messageId string, userId int64) (*chat.Message, error) {
	msg, err := s.Message(ctx, roomId, messageId)
	if err != nil {
		return nil, err
	}
	if msg.IsReadBy(userId) {
		return msg, nil
	}
	id, _ := parseMessageId(messageId)
	err = s.session.Query(`UPDATE messages SET read_by = read_by + ? WHERE room_id = ? AND message_id = ?`,
		[]int64{userId}, roomId, id).WithContext(ctx).Exec()
	if err != nil {
		return nil, chat.Persistence("mark read", err)
	}
	msg.ReadBy = append(msg.ReadBy, userId)
	return msg, nil
}

func (s *Scylla) EditMessage(ctx context.Context, edit chat.EditMessage) (*chat.Message, error) {
	msg, err := s.Message(ctx, edit.RoomId, edit.MessageId)
	if err != nil {
		return nil, err
	}
	if msg.SenderId != edit.EditorId {
		return nil, chat.ErrNotSender
	}
	id, _ := parseMessageId(edit.MessageId)
	editedAt := edit.EditedAt.UTC()
	err = s.session.Query(`UPDATE messages SET content = ?, edited = true, edited_at = ? WHERE room_id = ? AND message_id = ?`,
		edit.Content, editedAt, edit.RoomId, id).WithContext(ctx).Exec()
	if err != nil {
		return nil, chat.Persistence("edit message", err)
	}
	msg.Content = edit.Content
	msg.Edited = true
	msg.EditedAt = editedAt
	return msg, nil
}

func (s *Scylla) UnreadCount(ctx context.Context, roomId, userId int64) (int, error) {
	iter := s.session.Query(`SELECT sender_id, read_by FROM messages WHERE room_id = ?`, roomId).WithContext(ctx).Iter()
	var (
		senderId int64
		readBy   []int64
		n        int
	)
	for iter.Scan(&senderId, &readBy) {
		if senderId == userId {
			continue
		}
		m := chat.Message{ReadBy: readBy}
		if !m.IsReadBy(userId) {
			n++
		}
		readBy = nil
	}
	if err := iter.Close(); err != nil {
		return 0, chat.Persistence("unread count", err)
	}
	return n, nil
}

// resolveTimeout bounds a shared media lookup once it no longer follows the
// caller that started it.
const resolveTimeout = 5 * time.Second

// Resolve collapses concurrent lookups of the same artifact into one query.
func (s *Scylla) Resolve(ctx context.Context, mediaId string) (*chat.Media, error) {
	return resolveShared(ctx, &s.media, mediaId, s.loadMedia)
}

// resolveShared runs load once per key for all concurrent callers. The shared
// call is detached from the first caller's cancellation; each caller still
// stops waiting when its own ctx ends.
func resolveShared(ctx context.Context, g *singleflight.Group, mediaId string,
	load func(context.Context, string) (*chat.Media, error)) (*chat.Media, error) {
	ch := g.DoChan(mediaId, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return load(lctx, mediaId)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*chat.Media)
		return &out, nil
	}
}

func (s *Scylla) loadMedia(ctx context.Context, mediaId string) (*chat.Media, error) {
	var (
		m          = chat.Media{Id: mediaId}
		kind       string
		durationMs int64
		deleted    bool
	)
	err := s.session.Query(`SELECT kind, name, url, thumbnail_url, size_bytes, duration_ms, deleted FROM media_artifacts WHERE media_id = ?`, mediaId).
		WithContext(ctx).
		Scan(&kind, &m.Name, &m.Url, &m.ThumbnailUrl, &m.SizeBytes, &durationMs, &deleted)
	if errors.Is(err, gocql.ErrNotFound) || (err == nil && deleted) {
		return nil, fmt.Errorf("media %s: %w", mediaId, chat.ErrMediaNotFound)
	}
	if err != nil {
		return nil, chat.Persistence("resolve media", err)
	}
	m.Kind = chat.MediaKind(kind)
	m.Duration = time.Duration(durationMs) * time.Millisecond
	return &m, nil
}

func (s *Scylla) Close() error {
	s.session.Close()
	return nil
}
