package server

import (
	"context"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/ws"
)

// ingest validates, persists and publishes one decoded frame. Nothing is
// published unless every store call before it succeeded.
func (sess *Session) ingest(ctx context.Context, frame ws.Frame) error {
	switch f := frame.(type) {
	case ws.ChatFrame:
		return sess.handleChat(ctx, f)
	case ws.MediaFrame:
		return sess.handleMedia(ctx, f)
	case ws.VoiceFrame:
		return sess.handleVoice(ctx, f)
	case ws.TypingFrame:
		return sess.publish(ctx, ws.NewTypingEvent(sess.User.UserId, sess.User.Username, f.IsTyping))
	case ws.MarkReadFrame:
		return sess.handleMarkRead(ctx, f)
	case ws.EditFrame:
		return sess.handleEdit(ctx, f)
	}
	return chat.ErrMalformedFrame
}

func (sess *Session) handleChat(ctx context.Context, f ws.ChatFrame) error {
	content := chat.NormalizeContent(f.Message)
	if content == "" {
		return chat.ErrEmptyMessage
	}
	store := sess.server.store
	msg, err := Do(ctx, sess.server.offload, func(ctx context.Context) (*chat.Message, error) {
		return store.CreateMessage(ctx, chat.NewMessage{
			RoomId:         sess.RoomId,
			SenderId:       sess.User.UserId,
			SenderUsername: sess.User.Username,
			Content:        content,
			CreatedAt:      sess.server.now().UTC(),
		})
	})
	if err != nil {
		return persistenceError("create message", err)
	}
	return sess.publish(ctx, ws.NewChatMessageEvent(msg))
}

// loadMedia returns the caller's message messageId together with its
// resolved artifact.
func (sess *Session) loadMedia(ctx context.Context, messageId string) (*chat.Message, *chat.Media, error) {
	store := sess.server.store
	msg, err := Do(ctx, sess.server.offload, func(ctx context.Context) (*chat.Message, error) {
		return store.Message(ctx, sess.RoomId, messageId)
	})
	if err != nil {
		return nil, nil, persistenceError("load message", err)
	}
	if msg.SenderId != sess.User.UserId {
		return nil, nil, chat.ErrNotSender
	}
	if !msg.HasMedia() {
		return nil, nil, chat.ErrMediaNotFound
	}
	media, err := Do(ctx, sess.server.offload, func(ctx context.Context) (*chat.Media, error) {
		return store.Resolve(ctx, msg.MediaId)
	})
	if err != nil {
		return nil, nil, persistenceError("resolve media", err)
	}
	return msg, media, nil
}

func (sess *Session) handleMedia(ctx context.Context, f ws.MediaFrame) error {
	msg, media, err := sess.loadMedia(ctx, f.MessageId)
	if err != nil {
		return err
	}
	return sess.publish(ctx, ws.NewMediaMessageEvent(msg, media, chat.NormalizeContent(f.Caption)))
}

func (sess *Session) handleVoice(ctx context.Context, f ws.VoiceFrame) error {
	msg, media, err := sess.loadMedia(ctx, f.MessageId)
	if err != nil {
		return err
	}
	if media.Kind != chat.MediaVoice {
		return chat.ErrUnsupportedMedia
	}
	return sess.publish(ctx, ws.NewVoiceMessageEvent(msg, media))
}

func (sess *Session) handleMarkRead(ctx context.Context, f ws.MarkReadFrame) error {
	store := sess.server.store
	_, err := Do(ctx, sess.server.offload, func(ctx context.Context) (*chat.Message, error) {
		return store.MarkRead(ctx, sess.RoomId, f.MessageId, sess.User.UserId)
	})
	if err != nil {
		return persistenceError("mark read", err)
	}
	ev := ws.NewReadReceiptEvent(f.MessageId, sess.User.UserId, sess.User.Username, sess.server.now())
	return sess.publish(ctx, ev)
}

func (sess *Session) handleEdit(ctx context.Context, f ws.EditFrame) error {
	content := chat.NormalizeContent(f.Message)
	if content == "" {
		return chat.ErrEmptyMessage
	}
	store := sess.server.store
	msg, err := Do(ctx, sess.server.offload, func(ctx context.Context) (*chat.Message, error) {
		return store.EditMessage(ctx, chat.EditMessage{
			RoomId:    sess.RoomId,
			MessageId: f.MessageId,
			EditorId:  sess.User.UserId,
			Content:   content,
			EditedAt:  sess.server.now().UTC(),
		})
	})
	if err != nil {
		return persistenceError("edit message", err)
	}
	return sess.publish(ctx, ws.NewMessageEditedEvent(msg))
}

// persistenceError classifies store errors that carry no domain sentinel as
// persistence failures.
func persistenceError(op string, err error) error {
	if chat.Code(err) == chat.CodeInternal {
		return chat.Persistence(op, err)
	}
	return err
}
