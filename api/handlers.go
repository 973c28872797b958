/*
handlers.go - HTTP API handlers for the enrollment engine

PURPOSE:
  Exposes enrollment operations, the access request workflow, the payment
  webhook and reconciliation via REST API. Handles HTTP request/response
  and JSON serialization; every ledger write goes through the Engine.

ENDPOINTS:
  Enrollments:
    POST   /api/admin/enrollments                        Enroll (admin)
    DELETE /api/admin/enrollments/{studentID}/{courseID} Unenroll (admin)
    GET    /api/enrollments/{studentID}/{courseID}       Verify both ledgers
    POST   /api/enrollments/{studentID}/{courseID}/sync  Existence repair
    POST   /api/progress                                 Record progress

  Access requests:
    POST   /api/access-requests               Submit
    GET    /api/access-requests/pending       Awaiting review
    POST   /api/access-requests/{id}/approve  Approve + enroll
    POST   /api/access-requests/{id}/reject   Reject

  Payments:
    POST   /api/payments                      Open a checkout session
    POST   /api/webhooks/payment              Provider webhook

  Health:
    GET    /api/health/enrollments            Reconciliation report
    POST   /api/health/enrollments/repair     Scan + repair, recorded
    POST   /api/health/maintenance            Retry approvals, sweep, purge
    GET    /api/health/runs                   Run history

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Student, course, enrollment or request not found
  - 409: Already enrolled, duplicate request, request already reviewed
  - 503: Lock busy or transient database failure (Retry-After set)
  - 500: Terminal database failure
  - 202: Write committed but ledgers disagree ("reconciliation_required")

ACTIVITY LOG:
  Admin mutations append an activity entry after the write. A failed
  append is logged and never fails the request.

SECURITY NOTE:
  No authentication. admin_id is taken from the request body as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/enrollment-engine/checkout"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/logging"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Engine     *enrollment.Engine
	Requests   *enrollment.RequestService
	Reconciler *enrollment.Reconciler
	Checkout   *checkout.Processor
	Job        *ReconciliationJob
	Log        *logging.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the services over store and engine.
func NewHandler(store *sqlite.Store, engine *enrollment.Engine, idem *enrollment.Idempotency, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	requests := enrollment.NewRequestService(store, engine, log)
	reconciler := enrollment.NewReconciler(engine, requests, log)
	return &Handler{
		Store:      store,
		Engine:     engine,
		Requests:   requests,
		Reconciler: reconciler,
		Checkout:   checkout.NewProcessor(store, engine, idem, log),
		Job:        NewReconciliationJob(store, reconciler, requests, log),
		Log:        log.With("component", "api"),
	}
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// Enroll enrolls a student as an admin.
// POST /api/admin/enrollments
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pair := enrollment.Pair{StudentID: req.StudentID, CourseID: req.CourseID}

	out, err := h.Engine.Enroll(r.Context(), enrollment.EnrollRequest{
		Pair:         pair,
		AdminID:      req.AdminID,
		Source:       enrollment.SourceAdmin,
		RequireFresh: req.RequireFresh,
	})
	if err != nil && !enrollment.IsInconsistent(err) {
		writeEngineError(w, "Failed to enroll student", err)
		return
	}
	h.recordActivity(r.Context(), req.AdminID, "enroll", pair, out)

	if err != nil {
		writeInconsistent(w, err, out)
		return
	}
	status := http.StatusOK
	if out.Changed() {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// Unenroll removes a student from a course.
// DELETE /api/admin/enrollments/{studentID}/{courseID}
func (h *Handler) Unenroll(w http.ResponseWriter, r *http.Request) {
	pair, err := pairParam(r)
	if err != nil {
		writeEngineError(w, "Invalid enrollment", err)
		return
	}
	var req UnenrollRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Engine.Unenroll(r.Context(), enrollment.UnenrollRequest{
		Pair:    pair,
		AdminID: req.AdminID,
		Reason:  req.Reason,
	})
	if err != nil && !enrollment.IsInconsistent(err) {
		writeEngineError(w, "Failed to unenroll student", err)
		return
	}
	h.recordActivity(r.Context(), req.AdminID, "unenroll", pair, map[string]any{
		"reason":  req.Reason,
		"outcome": out,
	})

	if err != nil {
		writeInconsistent(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetEnrollment reports whether both ledgers hold the pair.
// GET /api/enrollments/{studentID}/{courseID}
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	pair, err := pairParam(r)
	if err != nil {
		writeEngineError(w, "Invalid enrollment", err)
		return
	}
	v, err := h.Engine.Verify(r.Context(), pair)
	if err != nil {
		writeEngineError(w, "Failed to verify enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, VerificationDTO{Pair: pair, Verification: v})
}

// SyncEnrollment creates whichever ledger row is missing for the pair.
// POST /api/enrollments/{studentID}/{courseID}/sync
func (h *Handler) SyncEnrollment(w http.ResponseWriter, r *http.Request) {
	pair, err := pairParam(r)
	if err != nil {
		writeEngineError(w, "Invalid enrollment", err)
		return
	}
	out, err := h.Engine.Sync(r.Context(), pair)
	if err != nil {
		writeEngineError(w, "Failed to sync enrollment", err)
		return
	}
	if out.Changed() {
		h.recordActivity(r.Context(), nil, "sync", pair, out)
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordProgress stores a content-consumption event.
// POST /api/progress
func (h *Handler) RecordProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	out, err := h.Engine.RecordProgress(r.Context(), enrollment.ProgressUpdate{
		Pair:    enrollment.Pair{StudentID: req.StudentID, CourseID: req.CourseID},
		Percent: req.Percent,
	})
	if err != nil {
		writeEngineError(w, "Failed to record progress", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ACCESS REQUEST HANDLERS
// =============================================================================

// SubmitAccessRequest records a student's request for a gated course.
// POST /api/access-requests
func (h *Handler) SubmitAccessRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitAccessRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	created, err := h.Requests.Submit(r.Context(), enrollment.Pair{StudentID: req.StudentID, CourseID: req.CourseID}, req.Message)
	if err != nil {
		writeEngineError(w, "Failed to submit access request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccessRequestDTO(*created))
}

// ListPendingRequests returns all requests awaiting review.
// GET /api/access-requests/pending
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requests, err := h.Requests.ListPending(ctx)
	if err != nil {
		writeEngineError(w, "Failed to get pending requests", err)
		return
	}

	students, courses := h.directoryNames(ctx)
	dtos := make([]AccessRequestDTO, 0, len(requests))
	for _, req := range requests {
		dto := toAccessRequestDTO(req)
		dto.StudentName = students[req.Pair.StudentID]
		dto.CourseTitle = courses[req.Pair.CourseID]
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, map[string]any{"requests": dtos})
}

// ApproveRequest approves a pending request and enrolls the student.
// POST /api/access-requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, adminID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	out, err := h.Requests.Approve(r.Context(), id, adminID)
	if err != nil {
		writeEngineError(w, "Failed to approve request", err)
		return
	}
	h.recordActivity(r.Context(), &adminID, "approve_request", out.Pair, out)

	// The approval stands even when enrolling failed; the job retries it.
	status := http.StatusOK
	if !out.Enrolled {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// RejectRequest rejects a pending request.
// POST /api/access-requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, adminID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	req, err := h.Store.GetAccessRequest(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get request", err)
		return
	}
	if err := h.Requests.Reject(r.Context(), id, adminID); err != nil {
		writeEngineError(w, "Failed to reject request", err)
		return
	}
	if req != nil {
		h.recordActivity(r.Context(), &adminID, "reject_request", req.Pair, map[string]any{"request_id": id})
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": enrollment.RequestRejected})
}

func (h *Handler) reviewParams(w http.ResponseWriter, r *http.Request) (id, adminID int64, ok bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid request id", err)
		return 0, 0, false
	}
	var req ReviewRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return 0, 0, false
	}
	if req.AdminID <= 0 {
		writeError(w, http.StatusBadRequest, "admin_id is required", nil)
		return 0, 0, false
	}
	return id, req.AdminID, true
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment opens a checkout session for a priced course.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreatePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}
	pair := enrollment.Pair{StudentID: req.StudentID, CourseID: req.CourseID}
	if err := pair.Validate(); err != nil {
		writeEngineError(w, "Invalid payment", err)
		return
	}

	course, err := h.findCourse(ctx, pair.CourseID)
	if err != nil {
		writeEngineError(w, "Failed to load course", err)
		return
	}
	if course == nil {
		writeEngineError(w, "Course not found", enrollment.ErrCourseNotFound)
		return
	}
	if course.Price == nil {
		writeError(w, http.StatusBadRequest, "Course is not sold through checkout", nil)
		return
	}

	payment := checkout.Payment{
		SessionID: req.SessionID,
		Pair:      pair,
		Amount:    *course.Price,
		Currency:  course.Currency,
		Status:    checkout.PaymentPending,
	}
	if err := h.Store.SavePayment(ctx, payment); err != nil {
		writeEngineError(w, "Failed to save payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// PaymentWebhook processes one provider delivery. Redeliveries replay the
// stored outcome; a retryable failure returns 503 so the provider retries.
// POST /api/webhooks/payment
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev checkout.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}

	out, duplicate, err := h.Checkout.Process(r.Context(), ev)
	if err != nil {
		writeEngineError(w, "Failed to process webhook", err)
		return
	}

	resp := map[string]any{"received": true, "duplicate": duplicate, "outcome": out}
	if out.Inconsistent {
		resp["status"] = "reconciliation_required"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HEALTH / RECONCILIATION HANDLERS
// =============================================================================

// EnrollmentHealth scans both ledgers and returns the report. Read-only.
// GET /api/health/enrollments
func (h *Handler) EnrollmentHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Scan(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to scan enrollments", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RepairEnrollments runs a recorded scan + repair.
// POST /api/health/enrollments/repair
func (h *Handler) RepairEnrollments(w http.ResponseWriter, r *http.Request) {
	res, err := h.Job.Run(r.Context(), "api", true)
	if err != nil {
		writeEngineError(w, "Reconciliation failed", err)
		return
	}
	h.recordActivity(r.Context(), nil, "repair_enrollments", enrollment.Pair{}, map[string]any{
		"run_id":   res.Run.ID,
		"repaired": res.Run.Repaired,
		"failed":   res.Run.Failed,
	})
	writeJSON(w, http.StatusOK, RepairResponse{
		RunID:  res.Run.ID,
		Before: res.Before,
		Repair: res.Repair,
		After:  res.After,
	})
}

// RunMaintenance retries stuck approvals, sweeps processed requests and
// purges expired idempotency records.
// POST /api/health/maintenance
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	res, err := h.Job.Maintain(r.Context())
	if err != nil {
		writeEngineError(w, "Maintenance incomplete", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListReconciliationRuns returns reconciliation run history.
// GET /api/health/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Store.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		writeEngineError(w, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// GetReconciliationRun returns one run with its stored report.
// GET /api/health/runs/{id}
func (h *Handler) GetReconciliationRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetReconciliationRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get reconciliation run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// ListStudents returns all students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Store.ListStudents(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list students", err)
		return
	}
	if students == nil {
		students = []sqlite.Student{}
	}
	writeJSON(w, http.StatusOK, students)
}

// CreateStudent creates or updates a student.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	st := sqlite.Student{ID: req.ID, Name: req.Name, Email: req.Email}
	if err := h.Store.SaveStudent(r.Context(), st); err != nil {
		writeEngineError(w, "Failed to create student", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListCourses returns all courses.
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.Store.ListCourses(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list courses", err)
		return
	}
	if courses == nil {
		courses = []sqlite.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

// CreateCourse creates or updates a course.
func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req CreateCourseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 || req.Title == "" {
		writeError(w, http.StatusBadRequest, "id and title are required", nil)
		return
	}
	if req.Price != nil && req.Price.IsNegative() {
		writeError(w, http.StatusBadRequest, "price must not be negative", nil)
		return
	}
	c := sqlite.Course{ID: req.ID, Title: req.Title, Gated: req.Gated, Price: req.Price, Currency: req.Currency}
	if err := h.Store.SaveCourse(r.Context(), c); err != nil {
		writeEngineError(w, "Failed to create course", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// DeleteCourse removes a course from the directory. Its ledger rows
// remain and show up as orphans in the health report.
// DELETE /api/admin/courses/{id}
func (h *Handler) DeleteCourse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid course id", err)
		return
	}
	if err := h.Store.DeleteCourse(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to delete course", err)
		return
	}
	h.recordActivity(r.Context(), nil, "delete_course", enrollment.Pair{CourseID: id}, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ListActivity returns recent admin actions.
// GET /api/admin/activity
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.Store.ListActivity(r.Context(), limit)
	if err != nil {
		writeEngineError(w, "Failed to list activity", err)
		return
	}
	if entries == nil {
		entries = []sqlite.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) recordActivity(ctx context.Context, adminID *int64, action string, pair enrollment.Pair, detail any) {
	entry := sqlite.ActivityEntry{
		AdminID:   adminID,
		Action:    action,
		StudentID: pair.StudentID,
		CourseID:  pair.CourseID,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			entry.Detail = raw
		}
	}
	// The mutation already committed; a cancelled client must not lose the entry.
	if _, err := h.Store.AppendActivity(context.WithoutCancel(ctx), entry); err != nil {
		h.Log.Warn("activity log append failed", "action", action, "pair", pair.String(), "error", err)
	}
}

func (h *Handler) directoryNames(ctx context.Context) (map[int64]string, map[int64]string) {
	students := make(map[int64]string)
	courses := make(map[int64]string)
	if list, err := h.Store.ListStudents(ctx); err == nil {
		for _, s := range list {
			students[s.ID] = s.Name
		}
	}
	if list, err := h.Store.ListCourses(ctx); err == nil {
		for _, c := range list {
			courses[c.ID] = c.Title
		}
	}
	return students, courses
}

func (h *Handler) findCourse(ctx context.Context, id int64) (*sqlite.Course, error) {
	courses, err := h.Store.ListCourses(ctx)
	if err != nil {
		return nil, err
	}
	for i := range courses {
		if courses[i].ID == id {
			return &courses[i], nil
		}
	}
	return nil, nil
}

func pairParam(r *http.Request) (enrollment.Pair, error) {
	studentID, err := strconv.ParseInt(chi.URLParam(r, "studentID"), 10, 64)
	if err != nil {
		return enrollment.Pair{}, fmt.Errorf("%w: student id %q", enrollment.ErrInvalidPair, chi.URLParam(r, "studentID"))
	}
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil {
		return enrollment.Pair{}, fmt.Errorf("%w: course id %q", enrollment.ErrInvalidPair, chi.URLParam(r, "courseID"))
	}
	pair := enrollment.Pair{StudentID: studentID, CourseID: courseID}
	return pair, pair.Validate()
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an error class to its HTTP status.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case enrollment.IsValidation(err) || errors.Is(err, checkout.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, message, err)
	case enrollment.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case enrollment.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case enrollment.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable, please try again", err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeInconsistent(w http.ResponseWriter, err error, outcome any) {
	resp := InconsistentResponse{Status: "reconciliation_required", Outcome: outcome}
	var inc *enrollment.InconsistentError
	if errors.As(err, &inc) {
		resp.Operation = inc.Op
		resp.Pair = inc.Pair
		resp.Verification = inc.Verification
	}
	writeJSON(w, http.StatusAccepted, resp)
}
