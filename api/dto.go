/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the enrollment records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Enrollment:
    EnrollRequestDTO, UnenrollRequestDTO, ProgressRequestDTO

  Access requests:
    SubmitAccessRequestDTO, AccessRequestDTO, ReviewRequestDTO

  Directory:
    CreateStudentRequest, CreateCourseRequest

  Reconciliation:
    RepairResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the enrollment package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// =============================================================================
// ENROLLMENT
// =============================================================================

// EnrollRequestDTO is the body of POST /api/admin/enrollments.
type EnrollRequestDTO struct {
	StudentID    int64  `json:"student_id"`
	CourseID     int64  `json:"course_id"`
	AdminID      *int64 `json:"admin_id,omitempty"`
	RequireFresh bool   `json:"require_fresh"`
}

// UnenrollRequestDTO is the optional body of DELETE /api/admin/enrollments/{studentID}/{courseID}.
type UnenrollRequestDTO struct {
	AdminID *int64 `json:"admin_id,omitempty"`
	Reason  string `json:"reason"`
}

// ProgressRequestDTO is a content-consumption event.
type ProgressRequestDTO struct {
	StudentID int64           `json:"student_id"`
	CourseID  int64           `json:"course_id"`
	Percent   decimal.Decimal `json:"percent"`
}

// VerificationDTO is the committed state of one pair.
type VerificationDTO struct {
	enrollment.Pair
	enrollment.Verification
}

// InconsistentResponse is returned with 202 when a write committed but the
// ledgers still disagree afterwards.
type InconsistentResponse struct {
	Status       string                  `json:"status"`
	Operation    string                  `json:"operation"`
	Pair         enrollment.Pair         `json:"pair"`
	Verification enrollment.Verification `json:"verification"`
	Outcome      any                     `json:"outcome,omitempty"`
}

// =============================================================================
// ACCESS REQUESTS
// =============================================================================

// SubmitAccessRequestDTO is the body of POST /api/access-requests.
type SubmitAccessRequestDTO struct {
	StudentID int64  `json:"student_id"`
	CourseID  int64  `json:"course_id"`
	Message   string `json:"message"`
}

// ReviewRequestDTO is the body of approve/reject.
type ReviewRequestDTO struct {
	AdminID int64 `json:"admin_id"`
}

// AccessRequestDTO represents an access request in API responses.
type AccessRequestDTO struct {
	ID          int64   `json:"id"`
	StudentID   int64   `json:"student_id"`
	StudentName string  `json:"student_name,omitempty"`
	CourseID    int64   `json:"course_id"`
	CourseTitle string  `json:"course_title,omitempty"`
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	RequestedAt string  `json:"requested_at"`
	ReviewedAt  *string `json:"reviewed_at,omitempty"`
	ReviewedBy  *int64  `json:"reviewed_by,omitempty"`
}

func toAccessRequestDTO(req enrollment.AccessRequest) AccessRequestDTO {
	dto := AccessRequestDTO{
		ID:          req.ID,
		StudentID:   req.Pair.StudentID,
		CourseID:    req.Pair.CourseID,
		Status:      string(req.Status),
		Message:     req.Message,
		RequestedAt: req.RequestedAt.Format(time.RFC3339),
		ReviewedBy:  req.ReviewedBy,
	}
	if req.ReviewedAt != nil {
		s := req.ReviewedAt.Format(time.RFC3339)
		dto.ReviewedAt = &s
	}
	return dto
}

// =============================================================================
// DIRECTORY
// =============================================================================

// CreateStudentRequest is the request to create a student.
type CreateStudentRequest struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateCourseRequest is the request to create a course.
type CreateCourseRequest struct {
	ID       int64            `json:"id"`
	Title    string           `json:"title"`
	Gated    bool             `json:"gated"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Currency string           `json:"currency,omitempty"`
}

// CreatePaymentRequest opens a checkout session for a priced course.
type CreatePaymentRequest struct {
	SessionID string `json:"session_id"`
	StudentID int64  `json:"student_id"`
	CourseID  int64  `json:"course_id"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RepairResponse is the result of POST /api/health/enrollments/repair.
type RepairResponse struct {
	RunID  string                   `json:"run_id"`
	Before *enrollment.Report       `json:"before"`
	Repair *enrollment.RepairResult `json:"repair"`
	After  *enrollment.Report       `json:"after,omitempty"`
}

// RunDTO is a reconciliation run without its full report.
type RunDTO struct {
	ID          string  `json:"id"`
	TriggeredBy string  `json:"triggered_by"`
	Status      string  `json:"status"`
	Findings    int     `json:"findings"`
	Repaired    int     `json:"repaired"`
	Failed      int     `json:"failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func toRunDTO(run sqlite.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:          run.ID,
		TriggeredBy: run.TriggeredBy,
		Status:      string(run.Status),
		Findings:    run.Findings,
		Repaired:    run.Repaired,
		Failed:      run.Failed,
		Error:       run.Error,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		s := run.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
