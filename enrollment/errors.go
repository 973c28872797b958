/*
errors.go - Error taxonomy for the enrollment engine

PURPOSE:
  All error types in one place. Callers classify errors with the helpers
  at the bottom, never by string matching.

ERROR CLASSES:
  NotFound:     student, course, enrollment or request absent   (terminal)
  Conflict:     already enrolled, duplicate pending request     (terminal)
  LockBusy:     pair lock not acquired in time                  (retryable)
  Database:     store failure, Retryable flag decides           (either)
  Inconsistent: write committed but ledgers still disagree      (soft failure)
  Validation:   bad input                                       (terminal)

PROPAGATION:
  Operations never swallow a store error. Stores wrap driver errors in
  *DatabaseError with Retryable set from the driver's error code, so the
  webhook handler knows whether redelivery can help.

SEE ALSO:
  - store/sqlite/sqlite.go: classifyErr builds DatabaseError
  - api/handlers.go: maps classes to HTTP status codes
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrCourseNotFound  = errors.New("course not found")
	ErrNotEnrolled     = errors.New("student is not enrolled in course")
	ErrRequestNotFound = errors.New("access request not found")

	// ErrAlreadyEnrolled is returned only when the caller asked for a fresh
	// enrollment and both ledgers already hold active rows.
	ErrAlreadyEnrolled = errors.New("already enrolled")

	// ErrDuplicateRequest is returned when a pending request already exists for the pair.
	ErrDuplicateRequest = errors.New("pending access request already exists")

	// ErrRequestNotPending is returned when reviewing a request that was already reviewed.
	ErrRequestNotPending = errors.New("access request is not pending")

	ErrLockBusy = errors.New("enrollment lock busy")

	// ErrInconsistent marks a committed write whose post-check still found drift.
	ErrInconsistent = errors.New("enrollment ledgers inconsistent after write")

	ErrDatabase = errors.New("database error")

	ErrInvalidPair     = errors.New("invalid pair")
	ErrInvalidSource   = errors.New("invalid enrollment source")
	ErrInvalidProgress = errors.New("invalid progress value")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// DatabaseError wraps a store failure.
// Retryable is true for transient conditions (busy, locked, timeout).
type DatabaseError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *DatabaseError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s: %s database error: %v", e.Op, kind, e.Err)
}

func (e *DatabaseError) Unwrap() []error {
	return []error{ErrDatabase, e.Err}
}

// LockBusyError reports who held the pair lock when acquisition gave up.
type LockBusyError struct {
	Pair   Pair
	Holder string
	Waited time.Duration
}

func (e *LockBusyError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock busy for %s after %s", e.Pair, e.Waited)
	}
	return fmt.Sprintf("lock busy for %s after %s (held by %s)", e.Pair, e.Waited, e.Holder)
}

func (e *LockBusyError) Unwrap() error {
	return ErrLockBusy
}

// InconsistentError is returned alongside a successful outcome when the
// post-write verification disagrees with what the operation intended.
type InconsistentError struct {
	Pair         Pair
	Op           string
	Verification Verification
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("%s %s: ledgers disagree (in_progress=%t in_enrollments=%t)",
		e.Op, e.Pair, e.Verification.InProgress, e.Verification.InEnrollments)
}

func (e *InconsistentError) Unwrap() error {
	return ErrInconsistent
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockBusy) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Retryable
	}
	return false
}

// IsNotFound returns true if a referenced entity is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrNotEnrolled) ||
		errors.Is(err, ErrRequestNotFound)
}

// IsConflict returns true for duplicate/state conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrRequestNotPending)
}

// IsInconsistent returns true for soft failures: the write happened but
// reconciliation is needed.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrInconsistent)
}

// IsValidation returns true for malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPair) ||
		errors.Is(err, ErrInvalidSource) ||
		errors.Is(err, ErrInvalidProgress)
}
