/*
operations.go - Transactional enrollment primitives

PURPOSE:
  The single place that writes the two enrollment ledgers. Every mutating
  method takes an already-open Tx and never opens its own, so callers can
  compose them into larger transactions (e.g. payment completion + enroll).

PRIMITIVES:
  EnrollStudent:          Create whichever ledger rows are missing
  UnenrollStudent:        Hard-delete the pair from both ledgers (idempotent)
  VerifyEnrollmentExists: Existence check on both ledgers
  SyncEnrollmentState:    Existence-only repair between ledgers
  RecordProgress:         Canonical progress write + legacy mirror
  MirrorProgress:         Value-drift repair (canonical -> legacy)

REPAIR-ON-WRITE:
  EnrollStudent re-reads both ledgers inside the transaction. If one row
  exists and the other does not, only the missing one is created. This
  makes enroll safe to repeat after a partial failure and is the reason
  the payment webhook can be redelivered without double enrollment.

SEE ALSO:
  - engine.go: Wraps these in the pair lock and a transaction
  - reconcile.go: Uses Sync/Mirror for repairs
*/
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS AND OUTCOMES
// =============================================================================

// EnrollRequest describes one enrollment attempt.
type EnrollRequest struct {
	Pair    Pair
	AdminID *int64
	Source  Source

	// RequireFresh makes an already-complete enrollment an ErrAlreadyEnrolled
	// error instead of a no-op success.
	RequireFresh bool
}

// EnrollmentOutcome reports exactly which ledger rows were written.
type EnrollmentOutcome struct {
	StudentProgressCreated bool `json:"student_progress_created"`
	EnrollmentCreated      bool `json:"enrollment_created"`
	EnrollmentReactivated  bool `json:"enrollment_reactivated"`
	AlreadyEnrolled        bool `json:"already_enrolled"`
}

// Changed reports whether any row was written.
func (o EnrollmentOutcome) Changed() bool {
	return o.StudentProgressCreated || o.EnrollmentCreated || o.EnrollmentReactivated
}

// UnenrollRequest describes one unenrollment.
type UnenrollRequest struct {
	Pair    Pair
	AdminID *int64
	Reason  string
}

// UnenrollOutcome reports which ledger rows were removed.
type UnenrollOutcome struct {
	StudentProgressDeleted bool `json:"student_progress_deleted"`
	EnrollmentDeleted      bool `json:"enrollment_deleted"`
}

// Verification is the existence of a pair in each ledger.
type Verification struct {
	InProgress    bool `json:"in_progress"`
	InEnrollments bool `json:"in_enrollments"`
	Verified      bool `json:"verified"`
}

// SyncOutcome reports which ledger row was created by a sync.
type SyncOutcome struct {
	EnrollmentCreated     bool `json:"enrollment_created"`
	EnrollmentReactivated bool `json:"enrollment_reactivated"`
	ProgressCreated       bool `json:"progress_created"`
}

// Changed reports whether the sync wrote anything.
func (o SyncOutcome) Changed() bool {
	return o.EnrollmentCreated || o.EnrollmentReactivated || o.ProgressCreated
}

// ProgressUpdate is a content-consumption event.
type ProgressUpdate struct {
	Pair       Pair
	Percent    decimal.Decimal
	AccessedAt time.Time
}

// ProgressOutcome reports what a progress write touched.
type ProgressOutcome struct {
	Progress decimal.Decimal `json:"progress"`
	Mirrored bool            `json:"mirrored"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Operations holds the transactional primitives. Now is injectable for tests.
type Operations struct {
	Now func() time.Time
}

func NewOperations() *Operations {
	return &Operations{Now: func() time.Time { return time.Now().UTC() }}
}

func (o *Operations) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now()
}

// EnrollStudent makes the pair enrolled in both ledgers, creating only
// what is missing.
func (o *Operations) EnrollStudent(ctx context.Context, tx Tx, req EnrollRequest) (EnrollmentOutcome, error) {
	var out EnrollmentOutcome
	if err := req.Pair.Validate(); err != nil {
		return out, err
	}
	if !req.Source.Valid() {
		return out, fmt.Errorf("%w: %q", ErrInvalidSource, req.Source)
	}

	if err := o.checkDirectory(ctx, tx, req.Pair); err != nil {
		return out, err
	}

	progress, err := tx.GetProgressRecord(ctx, req.Pair)
	if err != nil {
		return out, err
	}
	enr, err := tx.GetEnrollmentRecord(ctx, req.Pair)
	if err != nil {
		return out, err
	}

	// Re-check under the transaction: a writer may have slipped past the lock.
	if progress != nil && enr.Active() {
		if req.RequireFresh {
			return out, ErrAlreadyEnrolled
		}
		out.AlreadyEnrolled = true
		return out, nil
	}

	now := o.now()

	// Repair-on-write copies progress from whichever ledger already has it.
	if progress == nil {
		pct := 0
		if enr != nil {
			pct = MirrorPercent(enr.Progress)
		}
		rec := ProgressRecord{
			Pair:            req.Pair,
			ProgressPercent: pct,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if enr != nil {
			rec.LastAccessedAt = enr.LastAccessedAt
		}
		if err := tx.UpsertProgress(ctx, rec); err != nil {
			return out, err
		}
		out.StudentProgressCreated = true
	}

	switch {
	case enr == nil:
		rec := EnrollmentRecord{
			Pair:       req.Pair,
			Progress:   decimal.Zero,
			Status:     StatusActive,
			Source:     req.Source,
			EnrolledBy: req.AdminID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if progress != nil {
			rec.Progress = decimal.NewFromInt(int64(progress.ProgressPercent))
			rec.LastAccessedAt = progress.LastAccessedAt
		}
		if err := tx.UpsertEnrollment(ctx, rec); err != nil {
			return out, err
		}
		out.EnrollmentCreated = true
	case !enr.Active():
		enr.Status = StatusActive
		enr.Source = req.Source
		enr.EnrolledBy = req.AdminID
		enr.UpdatedAt = now
		if err := tx.UpsertEnrollment(ctx, *enr); err != nil {
			return out, err
		}
		out.EnrollmentReactivated = true
	}

	return out, nil
}

// UnenrollStudent deletes the pair from both ledgers. Safe to call when
// either or both rows are already gone. Quiz and attempt history is
// stored elsewhere and is not touched.
func (o *Operations) UnenrollStudent(ctx context.Context, tx Tx, req UnenrollRequest) (UnenrollOutcome, error) {
	if err := req.Pair.Validate(); err != nil {
		return UnenrollOutcome{}, err
	}
	progressDeleted, enrollmentDeleted, err := tx.DeleteBoth(ctx, req.Pair)
	if err != nil {
		return UnenrollOutcome{}, err
	}
	return UnenrollOutcome{
		StudentProgressDeleted: progressDeleted,
		EnrollmentDeleted:      enrollmentDeleted,
	}, nil
}

// VerifyEnrollmentExists checks both ledgers for the pair.
// An inactive enrollments row does not count.
func (o *Operations) VerifyEnrollmentExists(ctx context.Context, q Querier, pair Pair) (Verification, error) {
	progress, err := q.GetProgressRecord(ctx, pair)
	if err != nil {
		return Verification{}, err
	}
	enr, err := q.GetEnrollmentRecord(ctx, pair)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		InProgress:    progress != nil,
		InEnrollments: enr.Active(),
	}
	v.Verified = v.InProgress && v.InEnrollments
	return v, nil
}

// SyncEnrollmentState repairs existence drift only. If exactly one ledger
// has the pair, the other row is created with the same progress. An
// inactive enrollments row next to a progress row is reactivated; on its
// own it is simply "not enrolled" and left alone. Value drift between two
// existing rows is not touched.
func (o *Operations) SyncEnrollmentState(ctx context.Context, tx Tx, pair Pair) (SyncOutcome, error) {
	var out SyncOutcome
	if err := pair.Validate(); err != nil {
		return out, err
	}

	progress, err := tx.GetProgressRecord(ctx, pair)
	if err != nil {
		return out, err
	}
	enr, err := tx.GetEnrollmentRecord(ctx, pair)
	if err != nil {
		return out, err
	}

	now := o.now()
	switch {
	case progress != nil && enr == nil:
		rec := EnrollmentRecord{
			Pair:           pair,
			Progress:       decimal.NewFromInt(int64(progress.ProgressPercent)),
			Status:         StatusActive,
			Source:         SourceAdmin,
			LastAccessedAt: progress.LastAccessedAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.UpsertEnrollment(ctx, rec); err != nil {
			return out, err
		}
		out.EnrollmentCreated = true
	case progress != nil && !enr.Active():
		enr.Status = StatusActive
		enr.UpdatedAt = now
		if err := tx.UpsertEnrollment(ctx, *enr); err != nil {
			return out, err
		}
		out.EnrollmentReactivated = true
	case progress == nil && enr.Active():
		rec := ProgressRecord{
			Pair:            pair,
			ProgressPercent: MirrorPercent(enr.Progress),
			LastAccessedAt:  enr.LastAccessedAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.UpsertProgress(ctx, rec); err != nil {
			return out, err
		}
		out.ProgressCreated = true
	}
	return out, nil
}

// RecordProgress writes enrollments.progress as the source of truth and
// mirrors the rounded value into student_progress when that row exists.
// It never creates or deletes an enrollment.
func (o *Operations) RecordProgress(ctx context.Context, tx Tx, upd ProgressUpdate) (ProgressOutcome, error) {
	if err := upd.Pair.Validate(); err != nil {
		return ProgressOutcome{}, err
	}
	pct, err := NormalizeProgress(upd.Percent)
	if err != nil {
		return ProgressOutcome{}, err
	}

	enr, err := tx.GetEnrollmentRecord(ctx, upd.Pair)
	if err != nil {
		return ProgressOutcome{}, err
	}
	if !enr.Active() {
		return ProgressOutcome{}, ErrNotEnrolled
	}

	now := o.now()
	accessed := upd.AccessedAt
	if accessed.IsZero() {
		accessed = now
	}

	enr.Progress = pct
	enr.LastAccessedAt = &accessed
	enr.UpdatedAt = now
	if err := tx.UpsertEnrollment(ctx, *enr); err != nil {
		return ProgressOutcome{}, err
	}

	out := ProgressOutcome{Progress: pct}
	progress, err := tx.GetProgressRecord(ctx, upd.Pair)
	if err != nil {
		return out, err
	}
	if progress != nil {
		progress.ProgressPercent = MirrorPercent(pct)
		progress.LastAccessedAt = &accessed
		progress.UpdatedAt = now
		if err := tx.UpsertProgress(ctx, *progress); err != nil {
			return out, err
		}
		out.Mirrored = true
	}
	return out, nil
}

// MirrorProgress copies canonical progress into the legacy ledger.
// Returns false when either row is missing.
func (o *Operations) MirrorProgress(ctx context.Context, tx Tx, pair Pair) (bool, error) {
	enr, err := tx.GetEnrollmentRecord(ctx, pair)
	if err != nil {
		return false, err
	}
	progress, err := tx.GetProgressRecord(ctx, pair)
	if err != nil {
		return false, err
	}
	if enr == nil || progress == nil {
		return false, nil
	}
	want := MirrorPercent(enr.Progress)
	if progress.ProgressPercent == want {
		return false, nil
	}
	progress.ProgressPercent = want
	progress.UpdatedAt = o.now()
	if err := tx.UpsertProgress(ctx, *progress); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Operations) checkDirectory(ctx context.Context, q Querier, pair Pair) error {
	ok, err := q.StudentExists(ctx, pair.StudentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrStudentNotFound, pair.StudentID)
	}
	ok, err = q.CourseExists(ctx, pair.CourseID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrCourseNotFound, pair.CourseID)
	}
	return nil
}
