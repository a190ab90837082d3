package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent work started through Go.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

type semLimiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter admitting n concurrent holders, or nil when
// n <= 0.
func NewLimiter(n int) Limiter {
	if n <= 0 {
		return nil
	}
	return &semLimiter{sem: semaphore.NewWeighted(int64(n))}
}

func (l *semLimiter) Acquire(ctx context.Context) error { return l.sem.Acquire(ctx, 1) }

func (l *semLimiter) Release() { l.sem.Release(1) }
