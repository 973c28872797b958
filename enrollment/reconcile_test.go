package enrollment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// seedDrift builds one pair per finding type:
//
//	11/5  progress only                 -> missing_enrollment_row
//	11/6  enrollment only               -> missing_progress_row
//	12/5  both, 80.00 vs 40             -> progress_mismatch
//	12/6  approved request, no rows     -> approved_request_not_enrolled
//	11/7  both, course 7 deleted        -> orphaned_progress + orphaned_enrollment
//	12/7  pending request, enrolled     -> stale_pending_request (course 8)
func seedDrift(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, env.store.SaveCourse(ctx, sqlite.Course{ID: 7, Title: "retired"}))
	require.NoError(t, env.store.SaveCourse(ctx, sqlite.Course{ID: 8, Title: "live"}))

	progress := append(progressOnly(enrollment.Pair{StudentID: 11, CourseID: 5}, 30),
		progressOnly(enrollment.Pair{StudentID: 12, CourseID: 5}, 40)...)
	progress = append(progress, progressOnly(enrollment.Pair{StudentID: 11, CourseID: 7}, 10)...)

	enrollments := append(enrollmentOnly(enrollment.Pair{StudentID: 11, CourseID: 6}, "55.50"),
		enrollmentOnly(enrollment.Pair{StudentID: 12, CourseID: 5}, "80.00")...)
	enrollments = append(enrollments, enrollmentOnly(enrollment.Pair{StudentID: 11, CourseID: 7}, "10.00")...)

	require.NoError(t, env.store.ImportLedgerRows(ctx, progress, enrollments))
	require.NoError(t, env.store.DeleteCourse(ctx, 7))

	approved, err := env.store.CreateAccessRequest(ctx, enrollment.AccessRequest{
		Pair: enrollment.Pair{StudentID: 12, CourseID: 6}, Status: enrollment.RequestPending, RequestedAt: epoch,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.MarkAccessRequestReviewed(ctx, approved, enrollment.RequestApproved, adminID(1), epoch))

	_, err = env.store.CreateAccessRequest(ctx, enrollment.AccessRequest{
		Pair: enrollment.Pair{StudentID: 12, CourseID: 8}, Status: enrollment.RequestPending, RequestedAt: epoch,
	})
	require.NoError(t, err)
	env.enroll(t, enrollment.Pair{StudentID: 12, CourseID: 8})
}

func findingsOf(report *enrollment.Report, typ enrollment.FindingType) []enrollment.Finding {
	var out []enrollment.Finding
	for _, f := range report.Findings {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestReconciler_HealthyLedgers(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, pair11x5)
	env.enroll(t, enrollment.Pair{StudentID: 12, CourseID: 6})

	report, err := env.reconciler.Scan(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, 2, report.PairsScanned)
	assert.Empty(t, report.Findings)
}

func TestReconciler_ScanDetectsEveryFindingType(t *testing.T) {
	// GIVEN: ledgers with one drift of each kind
	env := newTestEnv(t)
	seedDrift(t, env)

	// WHEN
	report, err := env.reconciler.Scan(context.Background())

	// THEN
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, 1, report.ByType[enrollment.FindingMissingEnrollmentRow])
	assert.Equal(t, 1, report.ByType[enrollment.FindingMissingProgressRow])
	assert.Equal(t, 1, report.ByType[enrollment.FindingProgressMismatch])
	assert.Equal(t, 1, report.ByType[enrollment.FindingApprovedRequestNotEnrolled])
	assert.Equal(t, 1, report.ByType[enrollment.FindingOrphanedProgress])
	assert.Equal(t, 1, report.ByType[enrollment.FindingOrphanedEnrollment])
	assert.Equal(t, 1, report.ByType[enrollment.FindingStalePendingRequest])
	assert.Len(t, report.Findings, 7)

	// Orphans are reported as orphans only, and never repaired.
	for _, f := range findingsOf(report, enrollment.FindingOrphanedProgress) {
		assert.Equal(t, enrollment.Pair{StudentID: 11, CourseID: 7}, f.Pair)
		assert.False(t, f.Repairable)
		assert.Equal(t, enrollment.SeverityHigh, f.Severity)
	}
	stale := findingsOf(report, enrollment.FindingStalePendingRequest)
	require.Len(t, stale, 1)
	assert.False(t, stale[0].Repairable)
	assert.NotZero(t, stale[0].RequestID)

	assert.Len(t, report.Repairable(), 4)
}

func TestReconciler_ScanWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	seedDrift(t, env)
	progressBefore, enrollmentsBefore := env.ledgerCounts(t)

	_, err := env.reconciler.Scan(context.Background())
	require.NoError(t, err)

	progressAfter, enrollmentsAfter := env.ledgerCounts(t)
	assert.Equal(t, progressBefore, progressAfter)
	assert.Equal(t, enrollmentsBefore, enrollmentsAfter)
}

func TestReconciler_RepairFixesAdditiveFindings(t *testing.T) {
	// GIVEN: a drifted store and its report
	env := newTestEnv(t)
	seedDrift(t, env)
	ctx := context.Background()
	report, err := env.reconciler.Scan(ctx)
	require.NoError(t, err)

	// WHEN: repairing
	res, err := env.reconciler.Repair(ctx, report)

	// THEN: every repairable finding was fixed, the rest skipped
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 4, res.Repaired)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 3, res.Skipped)

	for _, p := range []enrollment.Pair{
		{StudentID: 11, CourseID: 5},
		{StudentID: 11, CourseID: 6},
		{StudentID: 12, CourseID: 5},
		{StudentID: 12, CourseID: 6},
	} {
		assert.True(t, env.verify(t, p).Verified, "pair %s", p)
	}

	legacy, err := env.store.GetProgressRecord(ctx, enrollment.Pair{StudentID: 12, CourseID: 5})
	require.NoError(t, err)
	assert.Equal(t, 80, legacy.ProgressPercent)

	// AND: a fresh scan only shows what repair may not touch
	again, err := env.reconciler.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Repairable())
	assert.Equal(t, 1, again.ByType[enrollment.FindingOrphanedProgress])
	assert.Equal(t, 1, again.ByType[enrollment.FindingOrphanedEnrollment])
	assert.Equal(t, 1, again.ByType[enrollment.FindingStalePendingRequest])
}

func TestReconciler_RepairIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.ImportLedgerRows(context.Background(), progressOnly(pair11x5, 20), nil))
	ctx := context.Background()

	report, err := env.reconciler.Scan(ctx)
	require.NoError(t, err)
	_, err = env.reconciler.Repair(ctx, report)
	require.NoError(t, err)

	// Replaying the stale report changes nothing.
	res, err := env.reconciler.Repair(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Zero(t, res.Repaired)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "already consistent", res.Actions[0].Detail)
	progress, enrollments := env.ledgerCounts(t)
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, enrollments)
}

func TestReconciler_ToleranceHidesRoundingGap(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.ImportLedgerRows(context.Background(),
		progressOnly(pair11x5, 66), enrollmentOnly(pair11x5, "66.60")))

	report, err := env.reconciler.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	env.reconciler.Tolerance = dec("0.5")
	report, err = env.reconciler.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByType[enrollment.FindingProgressMismatch])
}

func TestReconciler_InactiveEnrollmentNeedsReactivation(t *testing.T) {
	env := newTestEnv(t)
	inactive := enrollmentOnly(pair11x5, "12.00")
	inactive[0].Status = enrollment.StatusInactive
	require.NoError(t, env.store.ImportLedgerRows(context.Background(), progressOnly(pair11x5, 12), inactive))
	ctx := context.Background()

	report, err := env.reconciler.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, enrollment.FindingMissingEnrollmentRow, report.Findings[0].Type)

	res, err := env.reconciler.Repair(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)
	assert.True(t, env.verify(t, pair11x5).Verified)
}

func TestReconciler_FailedRepairIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.ImportLedgerRows(context.Background(), progressOnly(pair11x5, 20), nil))
	ctx := context.Background()
	report, err := env.reconciler.Scan(ctx)
	require.NoError(t, err)

	env.failing.failBegin.Store(true)
	res, err := env.reconciler.Repair(ctx, report)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Actions, 1)
	assert.NotEmpty(t, res.Actions[0].Error)
}

func TestReconciler_RepairStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	seedDrift(t, env)
	report, err := env.reconciler.Scan(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := env.reconciler.Repair(ctx, report)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Attempted)
}
