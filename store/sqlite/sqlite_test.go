package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
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

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	pair  = enrollment.Pair{StudentID: 11, CourseID: 5}
	epoch = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
)

func progressRow(p enrollment.Pair, pct int) enrollment.ProgressRecord {
	return enrollment.ProgressRecord{Pair: p, ProgressPercent: pct, CreatedAt: epoch, UpdatedAt: epoch}
}

func enrollmentRow(p enrollment.Pair, progress string) enrollment.EnrollmentRecord {
	return enrollment.EnrollmentRecord{
		Pair:      p,
		Progress:  decimal.RequireFromString(progress),
		Status:    enrollment.StatusActive,
		Source:    enrollment.SourceAdmin,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestWithTx_CommitsBothLedgers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	admin := int64(7)
	enr := enrollmentRow(pair, "33.33")
	enr.EnrolledBy = &admin

	err := store.WithTx(ctx, func(tx enrollment.Tx) error {
		if err := tx.UpsertProgress(ctx, progressRow(pair, 33)); err != nil {
			return err
		}
		return tx.UpsertEnrollment(ctx, enr)
	})
	require.NoError(t, err)

	p, err := store.GetProgressRecord(ctx, pair)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 33, p.ProgressPercent)
	assert.True(t, p.CreatedAt.Equal(epoch))

	e, err := store.GetEnrollmentRecord(ctx, pair)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "33.33", e.Progress.StringFixed(2))
	assert.Equal(t, enrollment.SourceAdmin, e.Source)
	require.NotNil(t, e.EnrolledBy)
	assert.Equal(t, int64(7), *e.EnrolledBy)
	assert.Nil(t, e.LastAccessedAt)
}

func TestWithTx_ErrorRollsBackBothLedgers(t *testing.T) {
	// GIVEN: a transaction that writes the first ledger and then fails
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN
	err := store.WithTx(ctx, func(tx enrollment.Tx) error {
		if err := tx.UpsertProgress(ctx, progressRow(pair, 0)); err != nil {
			return err
		}
		return boom
	})

	// THEN: the error comes back unchanged and nothing was written
	assert.ErrorIs(t, err, boom)
	p, err := store.GetProgressRecord(ctx, pair)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestWithTx_ConstraintViolationIsTerminalDatabaseError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx enrollment.Tx) error {
		return tx.UpsertProgress(ctx, progressRow(pair, 150))
	})

	require.Error(t, err)
	var dbErr *enrollment.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.False(t, dbErr.Retryable)
	assert.False(t, enrollment.IsRetryable(err))
	assert.ErrorIs(t, err, enrollment.ErrDatabase)
}

func TestDeleteBoth_ReportsWhatExisted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ImportLedgerRows(ctx, []enrollment.ProgressRecord{progressRow(pair, 0)}, nil))

	var progressDeleted, enrollmentDeleted bool
	err := store.WithTx(ctx, func(tx enrollment.Tx) error {
		var err error
		progressDeleted, enrollmentDeleted, err = tx.DeleteBoth(ctx, pair)
		return err
	})
	require.NoError(t, err)
	assert.True(t, progressDeleted)
	assert.False(t, enrollmentDeleted)

	// Again: nothing left, still no error
	err = store.WithTx(ctx, func(tx enrollment.Tx) error {
		var err error
		progressDeleted, enrollmentDeleted, err = tx.DeleteBoth(ctx, pair)
		return err
	})
	require.NoError(t, err)
	assert.False(t, progressDeleted)
	assert.False(t, enrollmentDeleted)
}

func TestListAll_ReadsLedgersAndDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, sqlite.Student{ID: 11, Name: "Ada"}))
	require.NoError(t, store.SaveCourse(ctx, sqlite.Course{ID: 5, Title: "Compilers"}))
	other := enrollment.Pair{StudentID: 12, CourseID: 5}
	require.NoError(t, store.ImportLedgerRows(ctx,
		[]enrollment.ProgressRecord{progressRow(pair, 10)},
		[]enrollment.EnrollmentRecord{enrollmentRow(pair, "10"), enrollmentRow(other, "0")},
	))

	snap, err := store.ListAll(ctx)
	require.NoError(t, err)

	assert.Len(t, snap.Progress, 1)
	assert.Len(t, snap.Enrollments, 2)
	assert.True(t, snap.StudentIDs[11])
	assert.False(t, snap.StudentIDs[12])
	assert.True(t, snap.CourseIDs[5])
}

func TestDirectory_ExistsChecks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	price := decimal.RequireFromString("49.90")
	require.NoError(t, store.SaveStudent(ctx, sqlite.Student{ID: 11, Name: "Ada", Email: "ada@example.com"}))
	require.NoError(t, store.SaveCourse(ctx, sqlite.Course{ID: 5, Title: "Compilers", Price: &price, Currency: "EUR"}))

	ok, err := store.StudentExists(ctx, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CourseExists(ctx, 6)
	require.NoError(t, err)
	assert.False(t, ok)

	courses, err := store.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 1)
	require.NotNil(t, courses[0].Price)
	assert.True(t, courses[0].Price.Equal(price))

	require.NoError(t, store.DeleteCourse(ctx, 5))
	ok, err = store.CourseExists(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ACCESS REQUEST TESTS
// =============================================================================

func TestAccessRequests_OnePendingPerPair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	req := enrollment.AccessRequest{Pair: pair, RequestedAt: epoch, Message: "please"}

	id, err := store.CreateAccessRequest(ctx, req)
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = store.CreateAccessRequest(ctx, req)
	assert.ErrorIs(t, err, enrollment.ErrDuplicateRequest)

	// Once reviewed, a new pending request is allowed again.
	require.NoError(t, store.MarkAccessRequestReviewed(ctx, id, enrollment.RequestRejected, nil, epoch))
	_, err = store.CreateAccessRequest(ctx, req)
	assert.NoError(t, err)
}

func TestAccessRequests_ReviewIsCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	admin := int64(1)

	id, err := store.CreateAccessRequest(ctx, enrollment.AccessRequest{Pair: pair, RequestedAt: epoch})
	require.NoError(t, err)

	require.NoError(t, store.MarkAccessRequestReviewed(ctx, id, enrollment.RequestApproved, &admin, epoch))
	err = store.MarkAccessRequestReviewed(ctx, id, enrollment.RequestRejected, &admin, epoch)
	assert.ErrorIs(t, err, enrollment.ErrRequestNotPending)

	got, err := store.GetAccessRequest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enrollment.RequestApproved, got.Status)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(epoch))
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, admin, *got.ReviewedBy)

	pending, err := store.ListPendingAccessRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAccessRequests_MissingIsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetAccessRequest(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = store.MarkAccessRequestReviewed(context.Background(), 404, enrollment.RequestApproved, nil, epoch)
	assert.ErrorIs(t, err, enrollment.ErrRequestNotPending)
}

func TestSweepProcessedAccessRequests(t *testing.T) {
	// GIVEN: one pending, one rejected, one approved+enrolled, one approved+not enrolled
	store := newTestStore(t)
	ctx := context.Background()

	enrolledPair := enrollment.Pair{StudentID: 1, CourseID: 1}
	strandedPair := enrollment.Pair{StudentID: 2, CourseID: 1}
	rejectedPair := enrollment.Pair{StudentID: 3, CourseID: 1}
	pendingPair := enrollment.Pair{StudentID: 4, CourseID: 1}

	mk := func(p enrollment.Pair, status enrollment.RequestStatus) {
		id, err := store.CreateAccessRequest(ctx, enrollment.AccessRequest{Pair: p, RequestedAt: epoch})
		require.NoError(t, err)
		if status != enrollment.RequestPending {
			require.NoError(t, store.MarkAccessRequestReviewed(ctx, id, status, nil, epoch))
		}
	}
	mk(enrolledPair, enrollment.RequestApproved)
	mk(strandedPair, enrollment.RequestApproved)
	mk(rejectedPair, enrollment.RequestRejected)
	mk(pendingPair, enrollment.RequestPending)
	require.NoError(t, store.ImportLedgerRows(ctx,
		[]enrollment.ProgressRecord{progressRow(enrolledPair, 0)},
		[]enrollment.EnrollmentRecord{enrollmentRow(enrolledPair, "0")},
	))

	// WHEN
	n, err := store.SweepProcessedAccessRequests(ctx)

	// THEN: rejected and approved+enrolled are gone
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := store.ListAccessRequests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, strandedPair, all[0].Pair)
	assert.Equal(t, pendingPair, all[1].Pair)
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestIdempotency_ExpiryAndFirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := enrollment.IdempotencyRecord{
		Key: "k1", Operation: "payment_webhook", Result: []byte(`{"n":1}`),
		CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour),
	}
	require.NoError(t, store.SaveIdempotencyRecord(ctx, first))

	// A second live write does not replace the first.
	second := first
	second.Result = []byte(`{"n":2}`)
	second.CreatedAt = epoch.Add(time.Minute)
	second.ExpiresAt = epoch.Add(2 * time.Hour)
	require.NoError(t, store.SaveIdempotencyRecord(ctx, second))

	rec, err := store.GetIdempotencyRecord(ctx, "k1", epoch.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"n":1}`, string(rec.Result))

	// Expired: invisible, and replaceable.
	rec, err = store.GetIdempotencyRecord(ctx, "k1", epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec)

	third := first
	third.Result = []byte(`{"n":3}`)
	third.CreatedAt = epoch.Add(90 * time.Minute)
	third.ExpiresAt = epoch.Add(3 * time.Hour)
	require.NoError(t, store.SaveIdempotencyRecord(ctx, third))

	rec, err = store.GetIdempotencyRecord(ctx, "k1", epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"n":3}`, string(rec.Result))
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, ttl := range []time.Duration{time.Minute, time.Hour} {
		require.NoError(t, store.SaveIdempotencyRecord(ctx, enrollment.IdempotencyRecord{
			Key: string(rune('a' + i)), Operation: "op", Result: []byte(`{}`),
			CreatedAt: epoch, ExpiresAt: epoch.Add(ttl),
		}))
	}

	n, err := store.PurgeExpiredIdempotency(ctx, epoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestPayments_CompleteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePayment(ctx, checkout.Payment{
		SessionID: "cs_1", Pair: pair, Amount: decimal.RequireFromString("49.9"), Currency: "EUR",
	}))

	p, err := store.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, checkout.PaymentPending, p.Status)
	assert.Equal(t, "49.90", p.Amount.StringFixed(2))

	for _, ev := range []string{"evt_1", "evt_2"} {
		err := store.WithPaymentTx(ctx, func(tx checkout.PaymentTx) error {
			return tx.CompletePayment(ctx, "cs_1", ev, epoch)
		})
		require.NoError(t, err)
	}

	p, err = store.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, checkout.PaymentCompleted, p.Status)
	assert.Equal(t, "evt_1", p.EventID)
	require.NotNil(t, p.CompletedAt)

	missing, err := store.PaymentBySession(ctx, "cs_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// ACTIVITY LOG AND RUN HISTORY
// =============================================================================

func TestActivityLog_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	admin := int64(3)

	_, err := store.AppendActivity(ctx, sqlite.ActivityEntry{AdminID: &admin, Action: "enroll", StudentID: 11, CourseID: 5, CreatedAt: epoch})
	require.NoError(t, err)
	_, err = store.AppendActivity(ctx, sqlite.ActivityEntry{
		AdminID: &admin, Action: "unenroll", StudentID: 11, CourseID: 5,
		Detail: json.RawMessage(`{"reason":"refund"}`), CreatedAt: epoch.Add(time.Minute),
	})
	require.NoError(t, err)

	entries, err := store.ListActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unenroll", entries[0].Action)
	assert.JSONEq(t, `{"reason":"refund"}`, string(entries[0].Detail))
	require.NotNil(t, entries[1].AdminID)
	assert.Equal(t, admin, *entries[1].AdminID)
}

func TestReconciliationRuns_SaveUpdateList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sqlite.ReconciliationRun{ID: "run-1", TriggeredBy: "api", Status: sqlite.RunRunning, StartedAt: epoch}
	require.NoError(t, store.SaveReconciliationRun(ctx, run))

	done := epoch.Add(time.Second)
	run.Status = sqlite.RunCompleted
	run.Findings = 3
	run.Repaired = 2
	run.Report = json.RawMessage(`{"healthy":false}`)
	run.CompletedAt = &done
	require.NoError(t, store.SaveReconciliationRun(ctx, run))

	runs, err := store.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlite.RunCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].Findings)
	assert.Empty(t, runs[0].Report, "list omits reports")

	got, err := store.GetReconciliationRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"healthy":false}`, string(got.Report))
	require.NotNil(t, got.CompletedAt)
}
