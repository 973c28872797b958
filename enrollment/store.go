/*
store.go - Persistence interfaces for the enrollment ledgers

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  only ever sees these interfaces; store/sqlite implements all of them.

KEY INTERFACES:
  Querier:          Point reads on both ledgers and the directory
  Tx:               Querier + ledger writes, bound to one DB transaction
  FactStore:        Opens transactions, full scans for reconciliation
  IdempotencyStore: Durable "operation already ran" records
  RequestStore:     Access request ledger

ATOMICITY:
  Every write method lives on Tx, never on FactStore. The only way to
  touch a ledger is inside WithTx, so the two ledger writes of one
  operation commit or roll back together.

SEE ALSO:
  - operations.go: The only caller of Tx write methods
  - store/sqlite/sqlite.go: Implementation
*/
package enrollment

import (
	"context"
	"time"
)

// =============================================================================
// FACT STORE
// =============================================================================

// Querier reads ledger rows. Missing rows return (nil, nil).
type Querier interface {
	GetProgressRecord(ctx context.Context, pair Pair) (*ProgressRecord, error)
	GetEnrollmentRecord(ctx context.Context, pair Pair) (*EnrollmentRecord, error)
	StudentExists(ctx context.Context, studentID int64) (bool, error)
	CourseExists(ctx context.Context, courseID int64) (bool, error)
}

// Tx is a Querier bound to an open transaction, plus the ledger writes.
type Tx interface {
	Querier

	// UpsertProgress inserts or replaces the student_progress row for the pair.
	UpsertProgress(ctx context.Context, rec ProgressRecord) error

	// UpsertEnrollment inserts or replaces the enrollments row for the pair.
	UpsertEnrollment(ctx context.Context, rec EnrollmentRecord) error

	// DeleteBoth removes the pair from both ledgers. Missing rows are not an error.
	DeleteBoth(ctx context.Context, pair Pair) (progressDeleted, enrollmentDeleted bool, err error)
}

// FactStore is the durable home of both ledgers.
type FactStore interface {
	Querier

	// WithTx runs fn inside one transaction. fn error = rollback.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListAll reads both ledgers and the directory for reconciliation.
	ListAll(ctx context.Context) (*Snapshot, error)
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

// IdempotencyRecord stores the outcome of an operation keyed by its parameters.
type IdempotencyRecord struct {
	Key       string
	Operation string
	Result    []byte // JSON
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IdempotencyStore is append-mostly and safe without the pair lock.
type IdempotencyStore interface {
	// GetIdempotencyRecord returns the record if it exists and has not expired at now.
	GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)

	// SaveIdempotencyRecord stores rec. If a live record already exists the
	// first writer wins and no error is returned.
	SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error

	// PurgeExpiredIdempotency deletes records expired at now.
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// ACCESS REQUEST STORE
// =============================================================================

// RequestStore persists access requests.
type RequestStore interface {
	// CreateAccessRequest inserts a pending request and returns its id.
	// A second pending request for the same pair returns ErrDuplicateRequest.
	CreateAccessRequest(ctx context.Context, req AccessRequest) (int64, error)

	GetAccessRequest(ctx context.Context, id int64) (*AccessRequest, error)

	// ListPendingAccessRequests returns only true-pending rows, oldest first.
	ListPendingAccessRequests(ctx context.Context) ([]AccessRequest, error)

	// ListAccessRequests returns every row, any status.
	ListAccessRequests(ctx context.Context) ([]AccessRequest, error)

	// MarkAccessRequestReviewed moves a pending request to status and sets
	// reviewed_at. Returns ErrRequestNotPending if it was not pending.
	MarkAccessRequestReviewed(ctx context.Context, id int64, status RequestStatus, reviewer *int64, at time.Time) error

	DeleteAccessRequest(ctx context.Context, id int64) error

	// SweepProcessedAccessRequests deletes rejected requests and approved
	// requests whose pair has an active enrollment.
	SweepProcessedAccessRequests(ctx context.Context) (int64, error)
}
