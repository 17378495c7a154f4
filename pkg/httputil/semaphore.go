package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds the number of concurrent background operations, with a
// non-blocking acquire path for work that may simply be skipped when the
// system is saturated.
type Semaphore struct {
	slots   chan struct{}
	skipped atomic.Int64
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire grabs a slot without blocking. A false return means the caller
// should skip the work; the skip is counted.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		s.skipped.Add(1)
		return false
	}
}

// Acquire blocks until a slot frees up or the context ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Calling it without a matching acquire is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// SkippedCount reports how many TryAcquire calls found the semaphore full.
func (s *Semaphore) SkippedCount() int64 {
	return s.skipped.Load()
}

// InUse reports the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}
