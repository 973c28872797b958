/*
engine.go - Lock + transaction + verification around the primitives

PURPOSE:
  The entry point for every caller that mutates enrollment state:
    1. Acquire the pair lock (bounded wait)
    2. Open one transaction with a timeout
    3. Run the Operations primitive inside it
    4. Commit, release the lock
    5. Verify the post-condition against the committed state

  A failed post-condition is a soft failure: the outcome is returned
  together with an *InconsistentError so the caller can surface
  "reconciliation required" while still treating the write as done.

ENTRY POINTS:
  Enroll, Unenroll, Sync, RecordProgress, MirrorProgress, Verify
  Run: arbitrary composite work under the pair lock (payment webhook)

SEE ALSO:
  - operations.go: The primitives
  - lock.go: Locker
  - checkout/webhook.go: Uses Run to complete a payment and enroll atomically
*/
package enrollment

import (
	"context"
	"time"

	"github.com/warp/enrollment-engine/logging"
)

// DefaultTxTimeout bounds one ledger transaction.
const DefaultTxTimeout = 10 * time.Second

// Engine serializes and verifies enrollment mutations.
type Engine struct {
	Store     FactStore
	Locker    Locker
	Ops       *Operations
	Log       *logging.Logger
	TxTimeout time.Duration
}

func NewEngine(store FactStore, locker Locker, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		Store:     store,
		Locker:    locker,
		Ops:       NewOperations(),
		Log:       log.With("component", "enrollment-engine"),
		TxTimeout: DefaultTxTimeout,
	}
}

// Run executes fn while holding the pair lock. fn is expected to open
// its own transaction (see InTx).
func (e *Engine) Run(ctx context.Context, pair Pair, fn func(ctx context.Context) error) error {
	_, err := WithEnrollmentLock(ctx, e.Locker, pair, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// TxContext bounds ctx by TxTimeout. Callers that open their own
// transaction under Run use it so a stuck statement releases the lock.
func (e *Engine) TxContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.TxTimeout
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// InTx runs fn in one fact-store transaction bounded by TxTimeout.
func (e *Engine) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := e.TxContext(ctx)
	defer cancel()
	return e.Store.WithTx(ctx, func(tx Tx) error {
		return fn(ctx, tx)
	})
}

// Enroll creates the enrollment fact for req.Pair.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (EnrollmentOutcome, error) {
	log := e.Log.With("op", "enroll", "student_id", req.Pair.StudentID, "course_id", req.Pair.CourseID, "source", req.Source)

	var out EnrollmentOutcome
	err := e.Run(ctx, req.Pair, func(ctx context.Context) error {
		return e.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = e.Ops.EnrollStudent(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		log.Warn("enroll failed", "error", err, "retryable", IsRetryable(err))
		return EnrollmentOutcome{}, err
	}

	log.Info("enroll committed",
		"student_progress_created", out.StudentProgressCreated,
		"enrollment_created", out.EnrollmentCreated,
		"enrollment_reactivated", out.EnrollmentReactivated,
		"already_enrolled", out.AlreadyEnrolled)

	return out, e.verifyAfter(ctx, "enroll", req.Pair, true)
}

// Unenroll removes the enrollment fact for req.Pair.
func (e *Engine) Unenroll(ctx context.Context, req UnenrollRequest) (UnenrollOutcome, error) {
	log := e.Log.With("op", "unenroll", "student_id", req.Pair.StudentID, "course_id", req.Pair.CourseID)

	var out UnenrollOutcome
	err := e.Run(ctx, req.Pair, func(ctx context.Context) error {
		return e.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = e.Ops.UnenrollStudent(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		log.Warn("unenroll failed", "error", err, "retryable", IsRetryable(err))
		return UnenrollOutcome{}, err
	}

	log.Info("unenroll committed",
		"student_progress_deleted", out.StudentProgressDeleted,
		"enrollment_deleted", out.EnrollmentDeleted,
		"reason", req.Reason)

	return out, e.verifyAfter(ctx, "unenroll", req.Pair, false)
}

// Sync repairs existence drift for one pair.
func (e *Engine) Sync(ctx context.Context, pair Pair) (SyncOutcome, error) {
	var out SyncOutcome
	err := e.Run(ctx, pair, func(ctx context.Context) error {
		return e.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = e.Ops.SyncEnrollmentState(ctx, tx, pair)
			return err
		})
	})
	if err != nil {
		return SyncOutcome{}, err
	}
	if out.Changed() {
		e.Log.Info("sync repaired pair",
			"student_id", pair.StudentID, "course_id", pair.CourseID,
			"enrollment_created", out.EnrollmentCreated,
			"enrollment_reactivated", out.EnrollmentReactivated,
			"progress_created", out.ProgressCreated)
	}
	return out, nil
}

// RecordProgress applies a content-consumption event.
func (e *Engine) RecordProgress(ctx context.Context, upd ProgressUpdate) (ProgressOutcome, error) {
	var out ProgressOutcome
	err := e.Run(ctx, upd.Pair, func(ctx context.Context) error {
		return e.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = e.Ops.RecordProgress(ctx, tx, upd)
			return err
		})
	})
	if err != nil {
		return ProgressOutcome{}, err
	}
	if !out.Mirrored {
		e.Log.Warn("progress not mirrored, legacy row missing",
			"student_id", upd.Pair.StudentID, "course_id", upd.Pair.CourseID)
	}
	return out, nil
}

// MirrorProgress repairs value drift for one pair.
func (e *Engine) MirrorProgress(ctx context.Context, pair Pair) (bool, error) {
	var changed bool
	err := e.Run(ctx, pair, func(ctx context.Context) error {
		return e.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			changed, err = e.Ops.MirrorProgress(ctx, tx, pair)
			return err
		})
	})
	return changed, err
}

// Verify reads the committed state of both ledgers.
func (e *Engine) Verify(ctx context.Context, pair Pair) (Verification, error) {
	if err := pair.Validate(); err != nil {
		return Verification{}, err
	}
	return e.Ops.VerifyEnrollmentExists(ctx, e.Store, pair)
}

// VerifyEnrolled checks the committed state after an enrolling write made
// outside Enroll. It returns an *InconsistentError when either ledger is
// missing the pair.
func (e *Engine) VerifyEnrolled(ctx context.Context, op string, pair Pair) error {
	return e.verifyAfter(ctx, op, pair, true)
}

func (e *Engine) verifyAfter(ctx context.Context, op string, pair Pair, wantEnrolled bool) error {
	v, err := e.Ops.VerifyEnrollmentExists(ctx, e.Store, pair)
	if err != nil {
		// The write committed; a failed read here is not a failed write.
		e.Log.Warn("post-write verification unavailable", "op", op, "pair", pair.String(), "error", err)
		return nil
	}
	ok := v.Verified
	if !wantEnrolled {
		ok = !v.InProgress && !v.InEnrollments
	}
	if ok {
		return nil
	}
	e.Log.Error("ledgers inconsistent after write",
		"op", op, "student_id", pair.StudentID, "course_id", pair.CourseID,
		"in_progress", v.InProgress, "in_enrollments", v.InEnrollments)
	return &InconsistentError{Pair: pair, Op: op, Verification: v}
}
