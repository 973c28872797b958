package checkout_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/checkout"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var pair = enrollment.Pair{StudentID: 11, CourseID: 5}

// flakyStore fails payment transactions while down is set.
type flakyStore struct {
	*sqlite.Store
	down atomic.Bool
}

func (f *flakyStore) WithPaymentTx(ctx context.Context, fn func(checkout.PaymentTx) error) error {
	if f.down.Load() {
		return &enrollment.DatabaseError{Op: "begin", Retryable: true, Err: errors.New("database is locked")}
	}
	return f.Store.WithPaymentTx(ctx, fn)
}

func newTestProcessor(t *testing.T) (*checkout.Processor, *flakyStore) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, sqlite.Student{ID: 11, Name: "Ada"}))
	price := decimal.RequireFromString("49.00")
	require.NoError(t, store.SaveCourse(ctx, sqlite.Course{ID: 5, Title: "Go in Practice", Price: &price, Currency: "usd"}))
	require.NoError(t, store.SavePayment(ctx, checkout.Payment{
		SessionID: "cs_1", Pair: pair, Amount: price, Currency: "usd",
	}))

	flaky := &flakyStore{Store: store}
	engine := enrollment.NewEngine(store, enrollment.NewKeyedLocker(time.Second), nil)
	idem := enrollment.NewIdempotency(store, nil)
	return checkout.NewProcessor(flaky, engine, idem, nil), flaky
}

func completed(id string) checkout.Event {
	return checkout.Event{ID: id, Type: checkout.EventCheckoutCompleted, SessionID: "cs_1"}
}

func ledgerCounts(t *testing.T, store *sqlite.Store) (int, int) {
	t.Helper()
	snap, err := store.ListAll(context.Background())
	require.NoError(t, err)
	return len(snap.Progress), len(snap.Enrollments)
}

// =============================================================================
// TESTS
// =============================================================================

func TestProcess_EnrollsAndCompletesPayment(t *testing.T) {
	// GIVEN: a pending checkout session
	proc, store := newTestProcessor(t)
	ctx := context.Background()

	// WHEN: the completion event arrives
	out, dup, err := proc.Process(ctx, completed("evt_1"))

	// THEN
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, checkout.OutcomeEnrolled, out.Status)
	assert.False(t, out.Inconsistent)
	require.NotNil(t, out.Enrollment)
	assert.True(t, out.Enrollment.EnrollmentCreated)
	assert.True(t, out.Enrollment.StudentProgressCreated)

	payment, err := store.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, checkout.PaymentCompleted, payment.Status)
	assert.Equal(t, "evt_1", payment.EventID)

	rec, err := store.GetEnrollmentRecord(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, enrollment.SourcePayment, rec.Source)
}

func TestProcess_DuplicateDeliveryReplays(t *testing.T) {
	// GIVEN: an event already processed
	proc, store := newTestProcessor(t)
	ctx := context.Background()
	first, _, err := proc.Process(ctx, completed("evt_1"))
	require.NoError(t, err)

	// WHEN: the provider redelivers it
	second, dup, err := proc.Process(ctx, completed("evt_1"))

	// THEN: the stored outcome is replayed and nothing new is written
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, second)

	progress, enrollments := ledgerCounts(t, store.Store)
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, enrollments)
}

func TestProcess_SecondEventForSameSession(t *testing.T) {
	proc, store := newTestProcessor(t)
	ctx := context.Background()
	_, _, err := proc.Process(ctx, completed("evt_1"))
	require.NoError(t, err)

	out, dup, err := proc.Process(ctx, checkout.Event{
		ID: "evt_2", Type: checkout.EventAsyncPaymentSucceeded, SessionID: "cs_1",
	})

	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, checkout.OutcomeAlreadyEnrolled, out.Status)

	payment, err := store.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", payment.EventID, "the first completing event is kept")

	progress, enrollments := ledgerCounts(t, store.Store)
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, enrollments)
}

func TestProcess_UnknownSessionIsRecorded(t *testing.T) {
	proc, store := newTestProcessor(t)
	ctx := context.Background()
	ev := checkout.Event{ID: "evt_9", Type: checkout.EventCheckoutCompleted, SessionID: "cs_missing"}

	out, dup, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, checkout.OutcomePaymentNotFound, out.Status)
	assert.Nil(t, out.Pair)

	// The decision is stored: a later redelivery is a replay.
	_, dup, err = proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, dup)

	progress, enrollments := ledgerCounts(t, store.Store)
	assert.Zero(t, progress)
	assert.Zero(t, enrollments)
}

func TestProcess_NonCompletingEventIsIgnored(t *testing.T) {
	proc, store := newTestProcessor(t)
	ctx := context.Background()

	out, _, err := proc.Process(ctx, checkout.Event{
		ID: "evt_3", Type: "checkout.session.expired", SessionID: "cs_1",
	})

	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeIgnored, out.Status)
	require.NotNil(t, out.Pair)
	assert.Equal(t, pair, *out.Pair)

	payment, err := store.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, checkout.PaymentPending, payment.Status)
}

func TestProcess_RetryableFailureIsNotRecorded(t *testing.T) {
	// GIVEN: the database is briefly unavailable
	proc, store := newTestProcessor(t)
	ctx := context.Background()
	store.down.Store(true)

	// WHEN: the event arrives
	_, _, err := proc.Process(ctx, completed("evt_1"))

	// THEN: the error is retryable and nothing was written
	require.Error(t, err)
	assert.True(t, enrollment.IsRetryable(err))
	progress, enrollments := ledgerCounts(t, store.Store)
	assert.Zero(t, progress)
	assert.Zero(t, enrollments)

	// WHEN: the provider redelivers after recovery
	store.down.Store(false)
	out, dup, err := proc.Process(ctx, completed("evt_1"))

	// THEN: it is processed for real
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, checkout.OutcomeEnrolled, out.Status)
}

func TestProcess_InvalidEvent(t *testing.T) {
	proc, _ := newTestProcessor(t)

	_, _, err := proc.Process(context.Background(), checkout.Event{ID: "evt_1", Type: checkout.EventCheckoutCompleted})

	assert.ErrorIs(t, err, checkout.ErrInvalidEvent)
}
