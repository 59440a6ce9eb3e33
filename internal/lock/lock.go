// Package lock provides the per-asset critical section used by the approval
// engine: an in-process keyed mutex for single-instance deployments and a
// Redis lock for fleets sharing one database.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when a lock could not be acquired before the wait
// deadline.
var ErrTimeout = errors.New("lock: timed out waiting for lock")

// Release gives a lock back. Calling it more than once is a no-op.
type Release func(ctx context.Context) error

// Locker serializes work per key.
type Locker interface {
	// Acquire blocks until the lock for key is held, ctx is done, or the
	// implementation's wait timeout elapses (ErrTimeout).
	Acquire(ctx context.Context, key string) (Release, error)

	// HealthCheck reports whether the lock backend is reachable.
	HealthCheck(ctx context.Context) error
}

// --- LocalLocker ---

// LocalLocker is an in-process keyed mutex. Entries are reference counted
// and removed once no goroutine holds or waits for them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Acquire waits for key's slot or for ctx to end.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.sem
			l.unref(key, e)
		})
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// HealthCheck always succeeds.
func (l *LocalLocker) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of live keys. For testing.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
