package ws

import (
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
)

func NewSystemEvent(text string) *SystemEvent {
	return &SystemEvent{Type: TypeSystem, Message: text}
}

func NewErrorEvent(err error) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Code: chat.Code(err), Message: err.Error()}
}

// NewChatMessageEvent carries the server assigned id and timestamp of msg.
func NewChatMessageEvent(msg *chat.Message) *ChatMessageEvent {
	return &ChatMessageEvent{
		Type:           TypeChatMessage,
		Message:        msg.Content,
		SenderId:       msg.SenderId,
		SenderUsername: msg.SenderUsername,
		Timestamp:      msg.CreatedAt.UTC(),
		MessageId:      msg.Id,
	}
}

// NewMediaMessageEvent uses caption as the text when set, otherwise the
// stored content of msg.
func NewMediaMessageEvent(msg *chat.Message, media *chat.Media, caption string) *MediaMessageEvent {
	text := msg.Content
	if caption != "" {
		text = caption
	}
	return &MediaMessageEvent{
		Type:           TypeMediaMessage,
		Message:        text,
		SenderId:       msg.SenderId,
		SenderUsername: msg.SenderUsername,
		Timestamp:      msg.CreatedAt.UTC(),
		MessageId:      msg.Id,
		Media: MediaInfo{
			Id:           media.Id,
			Url:          media.Url,
			ThumbnailUrl: media.ThumbnailUrl,
			Type:         string(media.Kind),
			Name:         media.Name,
			Size:         media.SizeDisplay(),
		},
	}
}

func NewVoiceMessageEvent(msg *chat.Message, media *chat.Media) *VoiceMessageEvent {
	return &VoiceMessageEvent{
		Type:           TypeVoiceMessage,
		Message:        msg.Content,
		SenderId:       msg.SenderId,
		SenderUsername: msg.SenderUsername,
		Timestamp:      msg.CreatedAt.UTC(),
		MessageId:      msg.Id,
		Voice: VoiceInfo{
			Id:       media.Id,
			Url:      media.Url,
			Duration: int(media.Duration / time.Second),
			Type:     string(media.Kind),
			Name:     media.Name,
			Size:     media.SizeDisplay(),
		},
	}
}

func NewTypingEvent(userId int64, username string, isTyping bool) *TypingEvent {
	return &TypingEvent{Type: TypeTyping, UserId: userId, Username: username, IsTyping: isTyping}
}

func NewReadReceiptEvent(messageId string, userId int64, username string, at time.Time) *ReadReceiptEvent {
	return &ReadReceiptEvent{
		Type:      TypeReadReceipt,
		MessageId: messageId,
		UserId:    userId,
		Username:  username,
		Timestamp: at.UTC(),
	}
}

func NewMessageEditedEvent(msg *chat.Message) *MessageEditedEvent {
	return &MessageEditedEvent{
		Type:      TypeMessageEdited,
		MessageId: msg.Id,
		Message:   msg.Content,
		SenderId:  msg.SenderId,
		EditedAt:  msg.EditedAt.UTC(),
	}
}
