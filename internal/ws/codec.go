package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
)

// ErrMalformedFrame is returned for undecodable payloads, unknown types and
// missing or mistyped required fields.
var ErrMalformedFrame = chat.ErrMalformedFrame

type envelope struct {
	Type EventType `json:"type"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

func peekType(data []byte) (EventType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", malformed("%v", err)
	}
	if env.Type == "" {
		return "", malformed("missing type")
	}
	return env.Type, nil
}

// DecodeFrame parses one inbound client frame.
func DecodeFrame(data []byte) (Frame, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeChatMessage:
		var w struct {
			Message *string `json:"message"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.Message == nil {
			return nil, malformed("chat_message: missing message")
		}
		return ChatFrame{Message: *w.Message}, nil

	case TypeMediaMessage:
		var w struct {
			MessageId *string `json:"message_id"`
			Caption   *string `json:"caption"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.MessageId == nil || *w.MessageId == "" {
			return nil, malformed("media_message: missing message_id")
		}
		f := MediaFrame{MessageId: *w.MessageId}
		if w.Caption != nil {
			f.Caption = *w.Caption
		}
		return f, nil

	case TypeVoiceMessage:
		var w struct {
			MessageId *string `json:"message_id"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.MessageId == nil || *w.MessageId == "" {
			return nil, malformed("voice_message: missing message_id")
		}
		return VoiceFrame{MessageId: *w.MessageId}, nil

	case TypeTyping:
		var w struct {
			IsTyping *bool `json:"is_typing"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.IsTyping == nil {
			return nil, malformed("typing: missing is_typing")
		}
		return TypingFrame{IsTyping: *w.IsTyping}, nil

	case TypeMarkRead:
		var w struct {
			MessageId *string `json:"message_id"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.MessageId == nil || *w.MessageId == "" {
			return nil, malformed("mark_read: missing message_id")
		}
		return MarkReadFrame{MessageId: *w.MessageId}, nil

	case TypeEditMessage:
		var w struct {
			MessageId *string `json:"message_id"`
			Message   *string `json:"message"`
		}
		if err := unmarshalFrame(data, &w); err != nil {
			return nil, err
		}
		if w.MessageId == nil || *w.MessageId == "" || w.Message == nil {
			return nil, malformed("edit_message: missing message_id or message")
		}
		return EditFrame{MessageId: *w.MessageId, Message: *w.Message}, nil
	}

	return nil, malformed("unknown frame type %q", typ)
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("%v", err)
	}
	return nil
}

// EncodeEvent serializes an outbound event, setting its type discriminant.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	return json.Marshal(ev.typed())
}

// DecodeEvent parses an outbound event, as a client or a peer gateway would.
func DecodeEvent(data []byte) (Event, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch typ {
	case TypeSystem:
		ev = &SystemEvent{}
	case TypeChatMessage:
		ev = &ChatMessageEvent{}
	case TypeMediaMessage:
		ev = &MediaMessageEvent{}
	case TypeVoiceMessage:
		ev = &VoiceMessageEvent{}
	case TypeTyping:
		ev = &TypingEvent{}
	case TypeReadReceipt:
		ev = &ReadReceiptEvent{}
	case TypeMessageEdited:
		ev = &MessageEditedEvent{}
	case TypeError:
		ev = &ErrorEvent{}
	default:
		return nil, malformed("unknown event type %q", typ)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, malformed("%v", err)
	}
	return ev, nil
}
