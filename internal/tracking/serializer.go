package tracking

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Serializer enforces that only one call runs against the shared tracking
// model at a time, process-wide. It is built on a weighted semaphore of
// capacity one so that acquisition is context-aware: a caller whose request
// is cancelled while queued never runs its tracker call.
type Serializer struct {
	sem      *semaphore.Weighted
	lockWait func(time.Duration) // may be nil
}

// NewSerializer returns a serializer. lockWait, if non-nil, is invoked with
// the time each caller spent waiting for the lock (metrics hook).
func NewSerializer(lockWait func(time.Duration)) *Serializer {
	return &Serializer{
		sem:      semaphore.NewWeighted(1),
		lockWait: lockWait,
	}
}

// WithExclusiveAccess runs fn while holding the global tracker lock,
// releasing it on every exit path. It returns ctx's error if the context is
// done before the lock is acquired, otherwise fn's error.
func (s *Serializer) WithExclusiveAccess(ctx context.Context, fn func() error) error {
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if s.lockWait != nil {
		s.lockWait(time.Since(start))
	}
	return fn()
}
