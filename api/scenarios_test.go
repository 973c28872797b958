/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the state it describes. The drift
	scenario doubles as an integration test for the reconciler.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/checkout"
	"github.com/warp/enrollment-engine/enrollment"
)

func TestScenario_CleanCatalogIsHealthy(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadScenario(ctx, "clean-catalog"))

	report, err := h.Reconciler.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, 4, report.PairsScanned)

	legacy, err := h.Store.GetProgressRecord(ctx, enrollment.Pair{StudentID: 101, CourseID: 201})
	require.NoError(t, err)
	assert.Equal(t, 73, legacy.ProgressPercent, "72.50 mirrors half-up")
}

func TestScenario_LegacyDriftHasEveryFinding(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadScenario(ctx, "legacy-drift"))

	report, err := h.Reconciler.Scan(ctx)
	require.NoError(t, err)
	for _, typ := range []enrollment.FindingType{
		enrollment.FindingOrphanedProgress,
		enrollment.FindingOrphanedEnrollment,
		enrollment.FindingMissingEnrollmentRow,
		enrollment.FindingMissingProgressRow,
		enrollment.FindingProgressMismatch,
		enrollment.FindingApprovedRequestNotEnrolled,
		enrollment.FindingStalePendingRequest,
	} {
		assert.Equal(t, 1, report.ByType[typ], "finding %s", typ)
	}
}

func TestScenario_GatedCourseHasPendingRequests(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadScenario(ctx, "gated-course"))

	pending, err := h.Requests.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestScenario_CheckoutHasOpenSessions(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadScenario(ctx, "checkout"))

	p, err := h.Store.PaymentBySession(ctx, "cs_demo_ada")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, checkout.PaymentPending, p.Status)
	assert.Equal(t, "49", p.Amount.String())
}

func TestScenario_LoadOverHTTP(t *testing.T) {
	h := setupTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "gated-course"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "gated-course", decode[ScenarioDTO](t, rec).ID)

	rec = do(t, h, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	students, err := h.Store.ListStudents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, students)
}
