package enrollment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func TestKeyedLocker_TimeoutReturnsLockBusy(t *testing.T) {
	// GIVEN: the pair is held
	locker := enrollment.NewKeyedLocker(50 * time.Millisecond)
	release, err := locker.Acquire(context.Background(), pair11x5)
	require.NoError(t, err)
	defer release()

	info, held := locker.Holder(pair11x5)
	require.True(t, held)

	// WHEN: a second caller waits past the timeout
	_, err = locker.Acquire(context.Background(), pair11x5)

	// THEN
	var busy *enrollment.LockBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, info.Holder, busy.Holder)
	assert.GreaterOrEqual(t, busy.Waited, 50*time.Millisecond)
	assert.ErrorIs(t, err, enrollment.ErrLockBusy)
	assert.Equal(t, 1, locker.Len(), "only the holder's entry remains")
}

func TestKeyedLocker_DifferentPairsDoNotBlock(t *testing.T) {
	locker := enrollment.NewKeyedLocker(50 * time.Millisecond)

	r1, err := locker.Acquire(context.Background(), pair11x5)
	require.NoError(t, err)
	defer r1()

	r2, err := locker.Acquire(context.Background(), enrollment.Pair{StudentID: 11, CourseID: 6})
	require.NoError(t, err)
	defer r2()

	assert.Equal(t, 2, locker.Len())
}

func TestKeyedLocker_ContextCancelStopsWaiting(t *testing.T) {
	locker := enrollment.NewKeyedLocker(time.Minute)
	release, err := locker.Acquire(context.Background(), pair11x5)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, pair11x5)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedLocker_ReleaseIsIdempotent(t *testing.T) {
	locker := enrollment.NewKeyedLocker(50 * time.Millisecond)

	release, err := locker.Acquire(context.Background(), pair11x5)
	require.NoError(t, err)
	release()
	release()

	assert.Equal(t, 0, locker.Len())
	release, err = locker.Acquire(context.Background(), pair11x5)
	require.NoError(t, err)
	release()
}

func TestWithEnrollmentLock_ReleasesOnPanic(t *testing.T) {
	locker := enrollment.NewKeyedLocker(50 * time.Millisecond)

	assert.Panics(t, func() {
		_, _ = enrollment.WithEnrollmentLock(context.Background(), locker, pair11x5,
			func(context.Context) (int, error) { panic("fn exploded") })
	})

	assert.Equal(t, 0, locker.Len())
	got, err := enrollment.WithEnrollmentLock(context.Background(), locker, pair11x5,
		func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestWithEnrollmentLock_MutualExclusion(t *testing.T) {
	locker := enrollment.NewKeyedLocker(5 * time.Second)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := enrollment.WithEnrollmentLock(context.Background(), locker, pair11x5,
				func(context.Context) (struct{}, error) {
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&inside, -1)
					return struct{}{}, nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locker.Len())
}
