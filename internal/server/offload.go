package server

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Offload bounds how many blocking collaborator calls (membership, store,
// media) run at once across all sessions.
type Offload struct {
	sem *semaphore.Weighted
}

func NewOffload(limit int64) *Offload {
	if limit <= 0 {
		limit = 1
	}
	return &Offload{sem: semaphore.NewWeighted(limit)}
}

// Do runs fn once a slot is free. It returns ctx.Err() without calling fn
// when ctx ends first.
func Do[T any](ctx context.Context, o *Offload, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer o.sem.Release(1)
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return fn(ctx)
}
