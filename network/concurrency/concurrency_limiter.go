package concurrency

import (
	"context"
	"sync/atomic"
)

const defaultMaxConcurrent = 64

// Limiter bounds concurrent operations via semaphore pattern.
// It is used to cap the number of endpoints probed at once.
type Limiter struct {
	semaphore     chan struct{}
	maxConcurrent int
	active        atomic.Int64
}

// NewLimiter creates a limiter allowing at most maxConcurrent holders.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Limiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire blocks until a slot is available or ctx is done.
// Returns true if acquired, false if ctx was done first.
func (l *Limiter) Acquire(ctx context.Context) bool {
	// Prefer reporting a done context over grabbing a free slot.
	if ctx.Err() != nil {
		return false
	}

	select {
	case l.semaphore <- struct{}{}:
		l.active.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

// Release returns a slot. Releasing without a matching Acquire is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.semaphore:
		l.active.Add(-1)
	default:
	}
}

// Active returns the number of slots currently held.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

func (l *Limiter) MaxConcurrent() int {
	return l.maxConcurrent
}
