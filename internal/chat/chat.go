// Package chat holds the gateway's domain types and the contracts of the
// external collaborators it consumes (membership, messages, media).
package chat

import (
	"context"
	"strings"
	"time"
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaVoice    MediaKind = "voice"
)

// Room is a group of participants sharing one message history.
// A direct room always has exactly two participants.
type Room struct {
	Id           int64
	Name         string
	Participants []int64
	IsGroup      bool
	CreatedAt    time.Time
	LastActivity time.Time
}

func (r *Room) HasParticipant(userId int64) bool {
	for _, p := range r.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

// Media is the metadata of an artifact owned by the media collaborator.
type Media struct {
	Id           string
	Kind         MediaKind
	Name         string
	Url          string
	ThumbnailUrl string
	SizeBytes    int64
	Duration     time.Duration
}

// SizeDisplay renders the artifact size the way clients show it.
func (m *Media) SizeDisplay() string {
	return FormatSize(m.SizeBytes)
}

type Message struct {
	Id             string
	RoomId         int64
	SenderId       int64
	SenderUsername string
	Content        string
	MediaId        string
	CreatedAt      time.Time
	ReadBy         []int64
	Edited         bool
	EditedAt       time.Time
}

func (m *Message) HasMedia() bool { return m.MediaId != "" }

func (m *Message) IsReadBy(userId int64) bool {
	for _, u := range m.ReadBy {
		if u == userId {
			return true
		}
	}
	return false
}

// NewMessage is what a session asks the store to persist.
type NewMessage struct {
	RoomId         int64
	SenderId       int64
	SenderUsername string
	Content        string
	MediaId        string
	CreatedAt      time.Time
}

// Validate enforces that a message carries content or media, never neither.
func (n NewMessage) Validate() error {
	if strings.TrimSpace(n.Content) == "" && n.MediaId == "" {
		return ErrEmptyMessage
	}
	return nil
}

type EditMessage struct {
	RoomId    int64
	MessageId string
	EditorId  int64
	Content   string
	EditedAt  time.Time
}

// MembershipOracle answers whether a user participates in a room. A missing
// room is reported as "not a participant".
type MembershipOracle interface {
	IsParticipant(ctx context.Context, userId, roomId int64) (bool, error)
}

// MessageStore records messages and bumps the owning room's last activity.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)
	BumpActivity(ctx context.Context, roomId int64, at time.Time) error
	Message(ctx context.Context, roomId int64, messageId string) (*Message, error)
	MarkRead(ctx context.Context, roomId int64, messageId string, userId int64) (*Message, error)
	EditMessage(ctx context.Context, edit EditMessage) (*Message, error)
	UnreadCount(ctx context.Context, roomId, userId int64) (int, error)
}

// MediaResolver returns ErrMediaNotFound for deleted or unknown artifacts.
type MediaResolver interface {
	Resolve(ctx context.Context, mediaId string) (*Media, error)
}

// Store bundles every persistence port the gateway needs.
type Store interface {
	MembershipOracle
	MessageStore
	MediaResolver
	Close() error
}
