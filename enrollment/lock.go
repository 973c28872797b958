/*
lock.go - Per-pair operation lock

PURPOSE:
  Serializes every enroll/unenroll/sync/progress operation for one
  (student, course) pair. A payment webhook and an admin click for the
  same pair are totally ordered; different pairs run in parallel.

DESIGN:
  KeyedLocker is a registry map[Pair]*pairLock guarded by one coarse
  mutex that only protects map access. Each pairLock is a 1-slot channel
  so acquisition can select on ctx and a timeout. Entries are reference
  counted and dropped once nobody holds or waits on them.

TIMEOUT:
  Acquisition gives up after Timeout with a *LockBusyError (retryable).
  One stuck transaction cannot wedge the pair forever.

MULTI-PROCESS:
  KeyedLocker is process-local. store/redislock implements the same
  Locker contract on Redis for multi-instance deployments.

SEE ALSO:
  - engine.go: Acquires the lock around every transaction
  - store/redislock/lock.go: Shared implementation
*/
package enrollment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a caller waits for a pair.
const DefaultLockTimeout = 5 * time.Second

// Locker grants exclusive access to a pair.
// release must be called exactly once and is safe to defer.
type Locker interface {
	Acquire(ctx context.Context, pair Pair) (release func(), err error)
}

// LockInfo describes the current holder of a pair.
type LockInfo struct {
	Holder     string
	AcquiredAt time.Time
}

// =============================================================================
// KEYED LOCKER - process-local implementation
// =============================================================================

type pairLock struct {
	sem    chan struct{}
	refs   int
	holder string
	since  time.Time
}

// KeyedLocker is a process-local Locker.
type KeyedLocker struct {
	Timeout time.Duration

	mu    sync.Mutex
	locks map[Pair]*pairLock
}

func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &KeyedLocker{
		Timeout: timeout,
		locks:   make(map[Pair]*pairLock),
	}
}

// Acquire blocks until the pair is free, ctx is done, or Timeout elapses.
func (k *KeyedLocker) Acquire(ctx context.Context, pair Pair) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[pair]
	if !ok {
		l = &pairLock{sem: make(chan struct{}, 1)}
		k.locks[pair] = l
	}
	l.refs++
	k.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(k.Timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		holder := k.unref(pair, l)
		return nil, &LockBusyError{Pair: pair, Holder: holder, Waited: time.Since(start)}
	case <-ctx.Done():
		k.unref(pair, l)
		return nil, ctx.Err()
	}

	holder := uuid.NewString()
	k.mu.Lock()
	l.holder = holder
	l.since = time.Now()
	k.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			l.holder = ""
			l.since = time.Time{}
			k.mu.Unlock()
			<-l.sem
			k.unref(pair, l)
		})
	}, nil
}

// Holder returns the current holder of pair, if any.
func (k *KeyedLocker) Holder(pair Pair) (LockInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[pair]
	if !ok || l.holder == "" {
		return LockInfo{}, false
	}
	return LockInfo{Holder: l.holder, AcquiredAt: l.since}, true
}

// Len returns the number of pairs with a holder or waiter.
func (k *KeyedLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedLocker) unref(pair Pair, l *pairLock) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	holder := l.holder
	l.refs--
	if l.refs == 0 {
		delete(k.locks, pair)
	}
	return holder
}

// =============================================================================
// HELPERS
// =============================================================================

// WithEnrollmentLock runs fn while holding the pair lock. The lock is
// released on every exit path, including a panic in fn.
func WithEnrollmentLock[T any](ctx context.Context, locker Locker, pair Pair, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := locker.Acquire(ctx, pair)
	if err != nil {
		return zero, err
	}
	defer release()
	return fn(ctx)
}
