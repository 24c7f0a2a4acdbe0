package chat

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrNotAParticipant  = errors.New("not a participant")
	ErrEmptyMessage     = errors.New("empty message")
	ErrRoomNotFound     = errors.New("room not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMediaNotFound    = errors.New("media not found")
	ErrNotSender        = errors.New("only the sender may act on this message")
	ErrPersistence      = errors.New("persistence failure")
	ErrBusUnavailable   = errors.New("bus unavailable")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnsupportedMedia = errors.New("media kind does not match frame")
)

// Error codes carried by local-only error frames.
const (
	CodeEmptyMessage       = "empty_message"
	CodeMalformedFrame     = "malformed_frame"
	CodePersistenceFailure = "persistence_failure"
	CodeBusUnavailable     = "bus_unavailable"
	CodeMediaNotFound      = "media_not_found"
	CodeMessageNotFound    = "message_not_found"
	CodeForbidden          = "forbidden"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// Code maps an error to the wire code sent back to the sender.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, ErrMalformedFrame):
		return CodeMalformedFrame
	case errors.Is(err, ErrMediaNotFound), errors.Is(err, ErrUnsupportedMedia):
		return CodeMediaNotFound
	case errors.Is(err, ErrMessageNotFound):
		return CodeMessageNotFound
	case errors.Is(err, ErrNotSender), errors.Is(err, ErrNotAParticipant):
		return CodeForbidden
	case errors.Is(err, ErrBusUnavailable):
		return CodeBusUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	default:
		return CodeInternal
	}
}

// Persistence wraps a store failure so it classifies as ErrPersistence while
// keeping the driver error in the chain.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
