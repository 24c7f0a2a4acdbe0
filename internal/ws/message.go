package ws

import "time"

type EventType string

const (
	TypeSystem        EventType = "system"
	TypeChatMessage   EventType = "chat_message"
	TypeMediaMessage  EventType = "media_message"
	TypeVoiceMessage  EventType = "voice_message"
	TypeTyping        EventType = "typing"
	TypeMarkRead      EventType = "mark_read"
	TypeReadReceipt   EventType = "read_receipt"
	TypeEditMessage   EventType = "edit_message"
	TypeMessageEdited EventType = "message_edited"
	TypeError         EventType = "error"
)

// Event is an outbound frame. The set of implementations is closed.
type Event interface {
	EventType() EventType
	typed() Event
}

type SystemEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type ChatMessageEvent struct {
	Type           EventType `json:"type"`
	Message        string    `json:"message"`
	SenderId       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
	MessageId      string    `json:"message_id"`
}

type MediaInfo struct {
	Id           string `json:"id"`
	Url          string `json:"url"`
	ThumbnailUrl string `json:"thumbnail_url"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Size         string `json:"size"`
}

type MediaMessageEvent struct {
	Type           EventType `json:"type"`
	Message        string    `json:"message"`
	SenderId       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
	MessageId      string    `json:"message_id"`
	Media          MediaInfo `json:"media"`
}

type VoiceInfo struct {
	Id string `json:"id"`
	Url string `json:"url"`
	// Duration in whole seconds.
	Duration int    `json:"duration"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     string `json:"size"`
}

type VoiceMessageEvent struct {
	Type           EventType `json:"type"`
	Message        string    `json:"message"`
	SenderId       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
	MessageId      string    `json:"message_id"`
	Voice          VoiceInfo `json:"voice"`
}

type TypingEvent struct {
	Type     EventType `json:"type"`
	UserId   int64     `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
}

type ReadReceiptEvent struct {
	Type      EventType `json:"type"`
	MessageId string    `json:"message_id"`
	UserId    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageEditedEvent struct {
	Type      EventType `json:"type"`
	MessageId string    `json:"message_id"`
	Message   string    `json:"message"`
	SenderId  int64     `json:"sender_id"`
	EditedAt  time.Time `json:"edited_at"`
}

// ErrorEvent is only ever written to the session that caused it.
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (*SystemEvent) EventType() EventType        { return TypeSystem }
func (*ChatMessageEvent) EventType() EventType   { return TypeChatMessage }
func (*MediaMessageEvent) EventType() EventType  { return TypeMediaMessage }
func (*VoiceMessageEvent) EventType() EventType  { return TypeVoiceMessage }
func (*TypingEvent) EventType() EventType        { return TypeTyping }
func (*ReadReceiptEvent) EventType() EventType   { return TypeReadReceipt }
func (*MessageEditedEvent) EventType() EventType { return TypeMessageEdited }
func (*ErrorEvent) EventType() EventType         { return TypeError }

func (e *SystemEvent) typed() Event {
	c := *e
	c.Type = TypeSystem
	return &c
}
func (e *ChatMessageEvent) typed() Event {
	c := *e
	c.Type = TypeChatMessage
	return &c
}
func (e *MediaMessageEvent) typed() Event {
	c := *e
	c.Type = TypeMediaMessage
	return &c
}
func (e *VoiceMessageEvent) typed() Event {
	c := *e
	c.Type = TypeVoiceMessage
	return &c
}
func (e *TypingEvent) typed() Event {
	c := *e
	c.Type = TypeTyping
	return &c
}
func (e *ReadReceiptEvent) typed() Event {
	c := *e
	c.Type = TypeReadReceipt
	return &c
}
func (e *MessageEditedEvent) typed() Event {
	c := *e
	c.Type = TypeMessageEdited
	return &c
}
func (e *ErrorEvent) typed() Event {
	c := *e
	c.Type = TypeError
	return &c
}

// Frame is an inbound client frame. The set of implementations is closed.
type Frame interface {
	FrameType() EventType
	frame()
}

type ChatFrame struct {
	Message string
}

type MediaFrame struct {
	MessageId string
	Caption   string
}

type VoiceFrame struct {
	MessageId string
}

type TypingFrame struct {
	IsTyping bool
}

type MarkReadFrame struct {
	MessageId string
}

type EditFrame struct {
	MessageId string
	Message   string
}

func (ChatFrame) FrameType() EventType     { return TypeChatMessage }
func (MediaFrame) FrameType() EventType    { return TypeMediaMessage }
func (VoiceFrame) FrameType() EventType    { return TypeVoiceMessage }
func (TypingFrame) FrameType() EventType   { return TypeTyping }
func (MarkReadFrame) FrameType() EventType { return TypeMarkRead }
func (EditFrame) FrameType() EventType     { return TypeEditMessage }

func (ChatFrame) frame()     {}
func (MediaFrame) frame()    {}
func (VoiceFrame) frame()    {}
func (TypingFrame) frame()   {}
func (MarkReadFrame) frame() {}
func (EditFrame) frame()     {}
