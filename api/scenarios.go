/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates students, courses,
	and enrollments that demonstrate one part of the engine.

AVAILABLE SCENARIOS:

	clean-catalog:  Students, courses and consistent enrollments
	legacy-drift:   Ledgers imported from the legacy system with every kind
	                of drift the reconciler reports
	gated-course:   Pending access requests waiting for review
	checkout:       Priced course with open checkout sessions

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the directory (students, courses)
 3. Enroll through the Engine, or import raw ledger rows for drift
 4. Optionally add access requests and payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "legacy-drift"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - store/sqlite/sqlite.go: ImportLedgerRows
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/checkout"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clean-catalog",
		Name:        "Clean Catalog",
		Description: "Three students, four courses, every enrollment present in both ledgers",
	},
	{
		ID:          "legacy-drift",
		Name:        "Legacy Drift",
		Description: "Imported ledgers with missing rows, progress gaps, orphans and stuck approvals",
	},
	{
		ID:          "gated-course",
		Name:        "Gated Course",
		Description: "Access requests for a gated course waiting for an admin",
	},
	{
		ID:          "checkout",
		Name:        "Checkout",
		Description: "A priced course with open checkout sessions ready for webhooks",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		status := http.StatusInternalServerError
		if _, known := scenarioLoaders[req.ScenarioID]; !known {
			status = http.StatusBadRequest
		}
		writeError(w, status, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"clean-catalog": (*Handler).loadCleanCatalogScenario,
	"legacy-drift":  (*Handler).loadLegacyDriftScenario,
	"gated-course":  (*Handler).loadGatedCourseScenario,
	"checkout":      (*Handler).loadCheckoutScenario,
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("unknown scenario: %s", id)
	}
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	if err := load(h, ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Log.Info("scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SHARED DIRECTORY
// =============================================================================

var (
	demoStudents = []sqlite.Student{
		{ID: 101, Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: 102, Name: "Grace Hopper", Email: "grace@example.com"},
		{ID: 103, Name: "Alan Turing", Email: "alan@example.com"},
	}
	demoPrice   = decimal.RequireFromString("49.00")
	demoCourses = []sqlite.Course{
		{ID: 201, Title: "Intro to Go"},
		{ID: 202, Title: "Concurrency Patterns"},
		{ID: 203, Title: "Distributed Systems Seminar", Gated: true},
		{ID: 204, Title: "Production Databases", Price: &demoPrice, Currency: "usd"},
	}
)

var demoAdmin int64 = 1

func (h *Handler) seedDirectory(ctx context.Context) error {
	for _, s := range demoStudents {
		if err := h.Store.SaveStudent(ctx, s); err != nil {
			return err
		}
	}
	for _, c := range demoCourses {
		if err := h.Store.SaveCourse(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) adminEnroll(ctx context.Context, studentID, courseID int64) error {
	_, err := h.Engine.Enroll(ctx, enrollment.EnrollRequest{
		Pair:    enrollment.Pair{StudentID: studentID, CourseID: courseID},
		AdminID: &demoAdmin,
		Source:  enrollment.SourceAdmin,
	})
	return err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCleanCatalogScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}
	for _, p := range []enrollment.Pair{
		{StudentID: 101, CourseID: 201},
		{StudentID: 101, CourseID: 202},
		{StudentID: 102, CourseID: 201},
		{StudentID: 103, CourseID: 202},
	} {
		if err := h.adminEnroll(ctx, p.StudentID, p.CourseID); err != nil {
			return err
		}
	}

	// Some consumption so progress is not all zero.
	for _, u := range []struct {
		pair    enrollment.Pair
		percent string
	}{
		{enrollment.Pair{StudentID: 101, CourseID: 201}, "72.50"},
		{enrollment.Pair{StudentID: 102, CourseID: 201}, "15"},
	} {
		if _, err := h.Engine.RecordProgress(ctx, enrollment.ProgressUpdate{
			Pair:    u.pair,
			Percent: decimal.RequireFromString(u.percent),
		}); err != nil {
			return err
		}
	}
	return nil
}

// loadLegacyDriftScenario imports ledger rows the way the legacy
// system left them. The health report should list every finding type.
func (h *Handler) loadLegacyDriftScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}
	retired := sqlite.Course{ID: 299, Title: "Retired Course"}
	if err := h.Store.SaveCourse(ctx, retired); err != nil {
		return err
	}

	imported := time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC)
	progress := func(s, c int64, pct int) enrollment.ProgressRecord {
		return enrollment.ProgressRecord{
			Pair:            enrollment.Pair{StudentID: s, CourseID: c},
			ProgressPercent: pct,
			CreatedAt:       imported,
			UpdatedAt:       imported,
		}
	}
	enrolled := func(s, c int64, pct string) enrollment.EnrollmentRecord {
		return enrollment.EnrollmentRecord{
			Pair:      enrollment.Pair{StudentID: s, CourseID: c},
			Progress:  decimal.RequireFromString(pct),
			Status:    enrollment.StatusActive,
			Source:    enrollment.SourceAdmin,
			CreatedAt: imported,
			UpdatedAt: imported,
		}
	}

	err := h.Store.ImportLedgerRows(ctx,
		[]enrollment.ProgressRecord{
			progress(101, 201, 40), // legacy only
			progress(102, 202, 30), // progress gap
			progress(103, 201, 90), // consistent
			progress(103, 299, 10), // orphan once the course is retired
		},
		[]enrollment.EnrollmentRecord{
			enrolled(101, 202, "55.00"), // canonical only
			enrolled(102, 202, "64.25"),
			enrolled(103, 201, "90.00"),
			enrolled(103, 299, "10.00"),
		})
	if err != nil {
		return err
	}
	if err := h.Store.DeleteCourse(ctx, retired.ID); err != nil {
		return err
	}

	// An approval whose enrollment never happened.
	stuck, err := h.Store.CreateAccessRequest(ctx, enrollment.AccessRequest{
		Pair:        enrollment.Pair{StudentID: 102, CourseID: 203},
		Status:      enrollment.RequestPending,
		Message:     "Please let me in",
		RequestedAt: imported,
	})
	if err != nil {
		return err
	}
	if err := h.Store.MarkAccessRequestReviewed(ctx, stuck, enrollment.RequestApproved, &demoAdmin, imported.Add(time.Hour)); err != nil {
		return err
	}

	// A pending request for a pair that is already enrolled.
	_, err = h.Store.CreateAccessRequest(ctx, enrollment.AccessRequest{
		Pair:        enrollment.Pair{StudentID: 103, CourseID: 201},
		Status:      enrollment.RequestPending,
		RequestedAt: imported,
	})
	return err
}

func (h *Handler) loadGatedCourseScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}
	if err := h.adminEnroll(ctx, 101, 203); err != nil {
		return err
	}
	for _, r := range []struct {
		studentID int64
		message   string
	}{
		{102, "I finished Concurrency Patterns last term."},
		{103, "Interested in the consensus unit."},
	} {
		if _, err := h.Requests.Submit(ctx, enrollment.Pair{StudentID: r.studentID, CourseID: 203}, r.message); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadCheckoutScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}
	for _, p := range []checkout.Payment{
		{SessionID: "cs_demo_ada", Pair: enrollment.Pair{StudentID: 101, CourseID: 204}},
		{SessionID: "cs_demo_grace", Pair: enrollment.Pair{StudentID: 102, CourseID: 204}},
	} {
		p.Amount = demoPrice
		p.Currency = "usd"
		p.Status = checkout.PaymentPending
		if err := h.Store.SavePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
