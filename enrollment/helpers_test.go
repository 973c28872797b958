package enrollment_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	pair11x5 = enrollment.Pair{StudentID: 11, CourseID: 5}
	epoch    = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
)

type testEnv struct {
	store      *sqlite.Store
	failing    *failingStore
	engine     *enrollment.Engine
	locker     *enrollment.KeyedLocker
	requests   *enrollment.RequestService
	reconciler *enrollment.Reconciler
}

// newTestEnv wires the engine over an in-memory store seeded with
// students 11, 12 and courses 5, 6.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, id := range []int64{11, 12} {
		require.NoError(t, store.SaveStudent(ctx, sqlite.Student{ID: id, Name: "student"}))
	}
	for _, id := range []int64{5, 6} {
		require.NoError(t, store.SaveCourse(ctx, sqlite.Course{ID: id, Title: "course"}))
	}

	failing := &failingStore{Store: store}
	locker := enrollment.NewKeyedLocker(time.Second)
	engine := enrollment.NewEngine(failing, locker, nil)
	requests := enrollment.NewRequestService(store, engine, nil)
	reconciler := enrollment.NewReconciler(engine, requests, nil)

	return &testEnv{
		store:      store,
		failing:    failing,
		engine:     engine,
		locker:     locker,
		requests:   requests,
		reconciler: reconciler,
	}
}

func adminID(id int64) *int64 { return &id }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (e *testEnv) enroll(t *testing.T, p enrollment.Pair) enrollment.EnrollmentOutcome {
	t.Helper()
	out, err := e.engine.Enroll(context.Background(), enrollment.EnrollRequest{
		Pair: p, AdminID: adminID(1), Source: enrollment.SourceAdmin,
	})
	require.NoError(t, err)
	return out
}

func (e *testEnv) verify(t *testing.T, p enrollment.Pair) enrollment.Verification {
	t.Helper()
	v, err := e.engine.Verify(context.Background(), p)
	require.NoError(t, err)
	return v
}

func (e *testEnv) ledgerCounts(t *testing.T) (progress, enrollments int) {
	t.Helper()
	snap, err := e.store.ListAll(context.Background())
	require.NoError(t, err)
	return len(snap.Progress), len(snap.Enrollments)
}

func progressOnly(p enrollment.Pair, pct int) []enrollment.ProgressRecord {
	return []enrollment.ProgressRecord{{Pair: p, ProgressPercent: pct, CreatedAt: epoch, UpdatedAt: epoch}}
}

func enrollmentOnly(p enrollment.Pair, progress string) []enrollment.EnrollmentRecord {
	return []enrollment.EnrollmentRecord{{
		Pair: p, Progress: dec(progress), Status: enrollment.StatusActive,
		Source: enrollment.SourceAdmin, CreatedAt: epoch, UpdatedAt: epoch,
	}}
}

// =============================================================================
// FAILURE INJECTION
// =============================================================================

var errInjected = &enrollment.DatabaseError{Op: "injected", Retryable: true, Err: errors.New("connection reset")}

// failingStore is the real store with switchable failures.
type failingStore struct {
	*sqlite.Store

	failBegin      atomic.Bool // WithTx fails before running fn
	failEnrollment atomic.Bool // UpsertEnrollment fails inside the tx
}

func (f *failingStore) WithTx(ctx context.Context, fn func(enrollment.Tx) error) error {
	if f.failBegin.Load() {
		return errInjected
	}
	return f.Store.WithTx(ctx, func(tx enrollment.Tx) error {
		return fn(&failingTx{Tx: tx, store: f})
	})
}

type failingTx struct {
	enrollment.Tx
	store *failingStore
}

func (t *failingTx) UpsertEnrollment(ctx context.Context, rec enrollment.EnrollmentRecord) error {
	if t.store.failEnrollment.Load() {
		return errInjected
	}
	return t.Tx.UpsertEnrollment(ctx, rec)
}
