// Package presence tracks whether a user has at least one live session.
//
// Presence is user level: every joined session holds one reference, the user
// is online while the count is above zero and last-seen is refreshed each
// time the count drops back to zero.
package presence

import (
	"context"
	"time"
)

type Record struct {
	UserId   int64     `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Sessions int       `json:"sessions"`
}

type Store interface {
	SetOnline(ctx context.Context, userId int64) error
	SetOffline(ctx context.Context, userId int64) error
	Get(ctx context.Context, userId int64) (Record, error)
	Close() error
}
