/*
types.go - Core types for the enrollment consistency engine

PURPOSE:
  Defines the enrollment fact and the records it is stored as. A single
  "is this student enrolled in this course" fact lives in TWO ledgers:

    student_progress: the original progress-tracking ledger (legacy readers)
    enrollments:      the later canonical ledger (source of truth for progress)

  Every write path goes through Operations so both ledgers move together.

KEY TYPES:
  Pair:             (StudentID, CourseID) identity of one enrollment fact
  ProgressRecord:   Row in student_progress (integer percent)
  EnrollmentRecord: Row in enrollments (decimal progress, status, source)
  AccessRequest:    Student request for a gated course
  Snapshot:         Full read of all ledgers for reconciliation

PROGRESS ROUNDING:
  enrollments.progress is a decimal with two places. The legacy ledger
  only holds whole percents, so mirrors are rounded half-up. The two
  values may differ by < 1 point without being drift.

SEE ALSO:
  - operations.go: The only code that writes these records
  - store.go: Persistence interfaces
*/
package enrollment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Pair identifies one enrollment fact.
type Pair struct {
	StudentID int64 `json:"student_id"`
	CourseID  int64 `json:"course_id"`
}

func (p Pair) String() string {
	return fmt.Sprintf("student:%d/course:%d", p.StudentID, p.CourseID)
}

// Validate rejects non-positive ids.
func (p Pair) Validate() error {
	if p.StudentID <= 0 || p.CourseID <= 0 {
		return fmt.Errorf("%w: student_id and course_id must be positive", ErrInvalidPair)
	}
	return nil
}

// =============================================================================
// ENUMS
// =============================================================================

// Source records which write path created an enrollment.
type Source string

const (
	SourceAdmin           Source = "admin"
	SourcePayment         Source = "payment"
	SourceRequestApproval Source = "request-approval"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAdmin, SourcePayment, SourceRequestApproval:
		return true
	}
	return false
}

// Status of a row in the enrollments ledger.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// =============================================================================
// LEDGER RECORDS
// =============================================================================

// ProgressRecord is a row in the legacy student_progress ledger.
// A row is active by existence.
type ProgressRecord struct {
	Pair
	ProgressPercent int
	LastAccessedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnrollmentRecord is a row in the canonical enrollments ledger.
type EnrollmentRecord struct {
	Pair
	Progress       decimal.Decimal
	Status         Status
	Source         Source
	EnrolledBy     *int64 // admin id, nil for self-service paths
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether this row counts as enrolled.
func (r *EnrollmentRecord) Active() bool {
	return r != nil && r.Status == StatusActive
}

// =============================================================================
// PROGRESS VALUES
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)
)

// MirrorPercent converts canonical progress to the legacy integer percent.
func MirrorPercent(p decimal.Decimal) int {
	return int(p.Round(0).IntPart())
}

// NormalizeProgress validates a progress value and fixes it to two places.
func NormalizeProgress(p decimal.Decimal) (decimal.Decimal, error) {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("%w: %s not in [0,100]", ErrInvalidProgress, p.String())
	}
	return p.Round(2), nil
}

// =============================================================================
// ACCESS REQUESTS
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// AccessRequest is a student's request to join a gated course.
// ReviewedAt is nil iff Status is pending; the store enforces this.
type AccessRequest struct {
	ID          int64
	Pair        Pair
	Status      RequestStatus
	Message     string
	RequestedAt time.Time
	ReviewedAt  *time.Time
	ReviewedBy  *int64
}

// TruePending reports whether the request is still awaiting review.
func (r AccessRequest) TruePending() bool {
	return r.Status == RequestPending && r.ReviewedAt == nil
}

// =============================================================================
// SNAPSHOT - full scan for reconciliation
// =============================================================================

// Snapshot is a point-in-time read of both ledgers plus the directory.
type Snapshot struct {
	Progress    []ProgressRecord
	Enrollments []EnrollmentRecord
	StudentIDs  map[int64]bool
	CourseIDs   map[int64]bool
	TakenAt     time.Time
}
