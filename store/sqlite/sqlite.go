/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the enrollment engine using
  SQLite. In production the same patterns apply to PostgreSQL with only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  enrollment.FactStore:        Both enrollment ledgers + directory reads
  enrollment.Tx:               (*Tx) ledger writes inside one transaction
  enrollment.IdempotencyStore: Stored webhook outcomes with TTL
  enrollment.RequestStore:     Access requests
  checkout.Store:              Payments + payment transactions

KEY TABLES:
  students, courses:    Directory (NotFound checks, orphan detection)
  student_progress:     Legacy ledger, integer percent
  enrollments:          Canonical ledger, decimal progress + status + source
  access_requests:      Request lifecycle
  idempotency_records:  Operation outcomes keyed by sha256 of parameters
  payments:             Checkout sessions
  activity_log:         Admin actions, written after successful mutations
  reconciliation_runs:  History of health scans and repairs

WRITE-BOUNDARY INVARIANTS:
  - access_requests: CHECK ((status = 'pending') = (reviewed_at IS NULL))
  - idx_access_requests_one_pending: at most one pending request per pair
  - The ledgers have NO foreign keys to the directory. Deleting a course
    leaves orphan rows for the reconciler to report; it never cascades.

ERRORS:
  Driver errors are wrapped by classifyErr into *enrollment.DatabaseError.
  SQLITE_BUSY / SQLITE_LOCKED and context deadlines are retryable,
  constraint and schema errors are terminal.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction; top-level reads take the read lock. Methods on *Tx
  never take the mutex and never touch s.db, so nothing inside a
  transaction can block on the store itself.

IN-MEMORY DATABASES:
  ":memory:" gives every connection its own empty database, so the pool
  is pinned to a single connection.

USAGE:
  store, err := sqlite.New("./data/enrollment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := enrollment.NewEngine(store, enrollment.NewKeyedLocker(0), logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - enrollment/store.go: Interface definitions
  - checkout/webhook.go: PaymentTx
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/checkout"
	"github.com/warp/enrollment-engine/enrollment"
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexicographically; expiry checks compare them as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classifyErr("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		gated BOOLEAN NOT NULL DEFAULT FALSE,
		price TEXT,
		currency TEXT,
		created_at TEXT NOT NULL
	);

	-- Legacy ledger: a row means enrolled
	CREATE TABLE IF NOT EXISTS student_progress (
		student_id INTEGER NOT NULL,
		course_id INTEGER NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0
			CHECK (progress_percent BETWEEN 0 AND 100),
		last_accessed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (student_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_student_progress_course
		ON student_progress(course_id);

	-- Canonical ledger
	CREATE TABLE IF NOT EXISTS enrollments (
		student_id INTEGER NOT NULL,
		course_id INTEGER NOT NULL,
		progress TEXT NOT NULL DEFAULT '0.00',
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'inactive')),
		source TEXT NOT NULL
			CHECK (source IN ('admin', 'payment', 'request-approval')),
		enrolled_by INTEGER,
		last_accessed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (student_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_course
		ON enrollments(course_id);

	-- Access requests
	-- CRITICAL: reviewed_at is set exactly when the request leaves pending.
	-- The pending list can then trust status alone.
	CREATE TABLE IF NOT EXISTS access_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		course_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'rejected')),
		message TEXT,
		requested_at TEXT NOT NULL,
		reviewed_at TEXT,
		reviewed_by INTEGER,
		CHECK ((status = 'pending') = (reviewed_at IS NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_access_requests_one_pending
		ON access_requests(student_id, course_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_access_requests_status
		ON access_requests(status);

	-- Idempotency
	CREATE TABLE IF NOT EXISTS idempotency_records (
		idem_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_records(expires_at);

	-- Payments (checkout sessions)
	CREATE TABLE IF NOT EXISTS payments (
		session_id TEXT PRIMARY KEY,
		student_id INTEGER NOT NULL,
		course_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'completed')),
		event_id TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_pair
		ON payments(student_id, course_id);

	-- Activity log (admin actions)
	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		admin_id INTEGER,
		action TEXT NOT NULL,
		student_id INTEGER,
		course_id INTEGER,
		detail_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_log_created
		ON activity_log(created_at DESC);

	-- Reconciliation runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		findings INTEGER NOT NULL DEFAULT 0,
		repaired INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		report_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// FACT STORE (enrollment.FactStore interface)
// =============================================================================

// GetProgressRecord reads the student_progress row for pair.
func (s *Store) GetProgressRecord(ctx context.Context, pair enrollment.Pair) (*enrollment.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProgress(ctx, s.db, pair)
}

// GetEnrollmentRecord reads the enrollments row for pair.
func (s *Store) GetEnrollmentRecord(ctx context.Context, pair enrollment.Pair) (*enrollment.EnrollmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEnrollment(ctx, s.db, pair)
}

func (s *Store) StudentExists(ctx context.Context, studentID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return exists(ctx, s.db, "student_exists", `SELECT 1 FROM students WHERE id = ?`, studentID)
}

func (s *Store) CourseExists(ctx context.Context, courseID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return exists(ctx, s.db, "course_exists", `SELECT 1 FROM courses WHERE id = ?`, courseID)
}

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(enrollment.Tx) error) error {
	return s.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// WithPaymentTx is WithTx with payment access.
func (s *Store) WithPaymentTx(ctx context.Context, fn func(checkout.PaymentTx) error) error {
	return s.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	return classifyErr("commit", sqlTx.Commit())
}

// ListAll reads both ledgers and the directory in one read transaction.
func (s *Store) ListAll(ctx context.Context) (*enrollment.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyErr("snapshot", err)
	}
	defer sqlTx.Rollback()

	snap := &enrollment.Snapshot{
		StudentIDs: make(map[int64]bool),
		CourseIDs:  make(map[int64]bool),
		TakenAt:    time.Now().UTC(),
	}

	if snap.Progress, err = queryProgress(ctx, sqlTx, `
		SELECT student_id, course_id, progress_percent, last_accessed_at, created_at, updated_at
		FROM student_progress
		ORDER BY student_id, course_id
	`); err != nil {
		return nil, err
	}

	if snap.Enrollments, err = queryEnrollments(ctx, sqlTx, `
		SELECT student_id, course_id, progress, status, source, enrolled_by,
		       last_accessed_at, created_at, updated_at
		FROM enrollments
		ORDER BY student_id, course_id
	`); err != nil {
		return nil, err
	}

	if err := collectIDs(ctx, sqlTx, `SELECT id FROM students`, snap.StudentIDs); err != nil {
		return nil, err
	}
	if err := collectIDs(ctx, sqlTx, `SELECT id FROM courses`, snap.CourseIDs); err != nil {
		return nil, err
	}

	return snap, nil
}

// ImportLedgerRows writes rows straight into the ledgers without going
// through enrollment.Operations. It exists for one-off data imports from
// the legacy system and for demo data that needs drift; the reconciler
// is expected to find what it creates.
func (s *Store) ImportLedgerRows(ctx context.Context, progress []enrollment.ProgressRecord, enrollments []enrollment.EnrollmentRecord) error {
	return s.withTx(ctx, func(tx *Tx) error {
		for _, p := range progress {
			if err := tx.UpsertProgress(ctx, p); err != nil {
				return err
			}
		}
		for _, e := range enrollments {
			if err := tx.UpsertEnrollment(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTION (enrollment.Tx, checkout.PaymentTx)
// =============================================================================

// Tx is one open transaction. It never takes the store mutex.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetProgressRecord(ctx context.Context, pair enrollment.Pair) (*enrollment.ProgressRecord, error) {
	return getProgress(ctx, t.tx, pair)
}

func (t *Tx) GetEnrollmentRecord(ctx context.Context, pair enrollment.Pair) (*enrollment.EnrollmentRecord, error) {
	return getEnrollment(ctx, t.tx, pair)
}

func (t *Tx) StudentExists(ctx context.Context, studentID int64) (bool, error) {
	return exists(ctx, t.tx, "student_exists", `SELECT 1 FROM students WHERE id = ?`, studentID)
}

func (t *Tx) CourseExists(ctx context.Context, courseID int64) (bool, error) {
	return exists(ctx, t.tx, "course_exists", `SELECT 1 FROM courses WHERE id = ?`, courseID)
}

// UpsertProgress inserts or replaces the student_progress row.
func (t *Tx) UpsertProgress(ctx context.Context, rec enrollment.ProgressRecord) error {
	query := `
		INSERT INTO student_progress
		(student_id, course_id, progress_percent, last_accessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, course_id) DO UPDATE SET
			progress_percent = excluded.progress_percent,
			last_accessed_at = excluded.last_accessed_at,
			updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(ctx, query,
		rec.StudentID,
		rec.CourseID,
		rec.ProgressPercent,
		nullTime(rec.LastAccessedAt),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	return classifyErr("upsert_progress", err)
}

// UpsertEnrollment inserts or replaces the enrollments row.
func (t *Tx) UpsertEnrollment(ctx context.Context, rec enrollment.EnrollmentRecord) error {
	query := `
		INSERT INTO enrollments
		(student_id, course_id, progress, status, source, enrolled_by,
		 last_accessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, course_id) DO UPDATE SET
			progress = excluded.progress,
			status = excluded.status,
			source = excluded.source,
			enrolled_by = excluded.enrolled_by,
			last_accessed_at = excluded.last_accessed_at,
			updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(ctx, query,
		rec.StudentID,
		rec.CourseID,
		rec.Progress.StringFixed(2),
		string(rec.Status),
		string(rec.Source),
		nullInt64(rec.EnrolledBy),
		nullTime(rec.LastAccessedAt),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	return classifyErr("upsert_enrollment", err)
}

// DeleteBoth hard-deletes the pair from both ledgers.
func (t *Tx) DeleteBoth(ctx context.Context, pair enrollment.Pair) (bool, bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM student_progress WHERE student_id = ? AND course_id = ?`,
		pair.StudentID, pair.CourseID)
	if err != nil {
		return false, false, classifyErr("delete_progress", err)
	}
	progressDeleted, _ := res.RowsAffected()

	res, err = t.tx.ExecContext(ctx,
		`DELETE FROM enrollments WHERE student_id = ? AND course_id = ?`,
		pair.StudentID, pair.CourseID)
	if err != nil {
		return false, false, classifyErr("delete_enrollment", err)
	}
	enrollmentDeleted, _ := res.RowsAffected()

	return progressDeleted > 0, enrollmentDeleted > 0, nil
}

func (t *Tx) PaymentBySession(ctx context.Context, sessionID string) (*checkout.Payment, error) {
	return getPayment(ctx, t.tx, sessionID)
}

// CompletePayment marks a pending payment completed. Completing an
// already completed payment is a no-op; the first event id is kept.
func (t *Tx) CompletePayment(ctx context.Context, sessionID, eventID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = 'completed', event_id = ?, completed_at = ?
		WHERE session_id = ? AND status = 'pending'
	`, eventID, formatTime(at), sessionID)
	return classifyErr("complete_payment", err)
}

// =============================================================================
// LEDGER QUERIES (shared by Store and Tx)
// =============================================================================

func getProgress(ctx context.Context, db dbtx, pair enrollment.Pair) (*enrollment.ProgressRecord, error) {
	recs, err := queryProgress(ctx, db, `
		SELECT student_id, course_id, progress_percent, last_accessed_at, created_at, updated_at
		FROM student_progress
		WHERE student_id = ? AND course_id = ?
	`, pair.StudentID, pair.CourseID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func getEnrollment(ctx context.Context, db dbtx, pair enrollment.Pair) (*enrollment.EnrollmentRecord, error) {
	recs, err := queryEnrollments(ctx, db, `
		SELECT student_id, course_id, progress, status, source, enrolled_by,
		       last_accessed_at, created_at, updated_at
		FROM enrollments
		WHERE student_id = ? AND course_id = ?
	`, pair.StudentID, pair.CourseID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func queryProgress(ctx context.Context, db dbtx, query string, args ...any) ([]enrollment.ProgressRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("query_progress", err)
	}
	defer rows.Close()

	var out []enrollment.ProgressRecord
	for rows.Next() {
		var (
			rec                  enrollment.ProgressRecord
			lastAccessed         sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.StudentID, &rec.CourseID, &rec.ProgressPercent,
			&lastAccessed, &createdAt, &updatedAt); err != nil {
			return nil, classifyErr("scan_progress", err)
		}
		rec.LastAccessedAt = parseNullTime(lastAccessed)
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		out = append(out, rec)
	}
	return out, classifyErr("query_progress", rows.Err())
}

func queryEnrollments(ctx context.Context, db dbtx, query string, args ...any) ([]enrollment.EnrollmentRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("query_enrollments", err)
	}
	defer rows.Close()

	var out []enrollment.EnrollmentRecord
	for rows.Next() {
		var (
			rec                      enrollment.EnrollmentRecord
			progress, status, source string
			enrolledBy               sql.NullInt64
			lastAccessed             sql.NullString
			createdAt, updatedAt     string
		)
		if err := rows.Scan(&rec.StudentID, &rec.CourseID, &progress, &status, &source,
			&enrolledBy, &lastAccessed, &createdAt, &updatedAt); err != nil {
			return nil, classifyErr("scan_enrollment", err)
		}
		rec.Progress, err = decimal.NewFromString(progress)
		if err != nil {
			return nil, &enrollment.DatabaseError{Op: "scan_enrollment", Err: fmt.Errorf("bad progress %q: %w", progress, err)}
		}
		rec.Status = enrollment.Status(status)
		rec.Source = enrollment.Source(source)
		if enrolledBy.Valid {
			id := enrolledBy.Int64
			rec.EnrolledBy = &id
		}
		rec.LastAccessedAt = parseNullTime(lastAccessed)
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		out = append(out, rec)
	}
	return out, classifyErr("query_enrollments", rows.Err())
}

func exists(ctx context.Context, db dbtx, op, query string, args ...any) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyErr(op, err)
	}
	return true, nil
}

func collectIDs(ctx context.Context, db dbtx, query string, into map[int64]bool) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return classifyErr("collect_ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return classifyErr("collect_ids", err)
		}
		into[id] = true
	}
	return classifyErr("collect_ids", rows.Err())
}

// =============================================================================
// IDEMPOTENCY STORE (enrollment.IdempotencyStore interface)
// =============================================================================

// GetIdempotencyRecord returns the record for key if it has not expired at now.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*enrollment.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec                  enrollment.IdempotencyRecord
		result               string
		createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT idem_key, operation, result_json, created_at, expires_at
		FROM idempotency_records
		WHERE idem_key = ? AND expires_at > ?
	`, key, formatTime(now)).Scan(&rec.Key, &rec.Operation, &result, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr("get_idempotency", err)
	}
	rec.Result = []byte(result)
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return &rec, nil
}

// SaveIdempotencyRecord stores rec. A live record with the same key wins;
// an expired one is replaced.
func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec enrollment.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idem_key, operation, result_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idem_key) DO UPDATE SET
			operation = excluded.operation,
			result_json = excluded.result_json,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= excluded.created_at
	`, rec.Key, rec.Operation, string(rec.Result), formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt))
	return classifyErr("save_idempotency", err)
}

// PurgeExpiredIdempotency deletes records expired at now.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, classifyErr("purge_idempotency", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// ACCESS REQUEST STORE (enrollment.RequestStore interface)
// =============================================================================

const requestColumns = `id, student_id, course_id, status, message, requested_at, reviewed_at, reviewed_by`

// CreateAccessRequest inserts a pending request.
func (s *Store) CreateAccessRequest(ctx context.Context, req enrollment.AccessRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO access_requests (student_id, course_id, status, message, requested_at)
		VALUES (?, ?, 'pending', ?, ?)
	`, req.Pair.StudentID, req.Pair.CourseID, nullString(req.Message), formatTime(req.RequestedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %s", enrollment.ErrDuplicateRequest, req.Pair)
		}
		return 0, classifyErr("create_access_request", err)
	}
	return res.LastInsertId()
}

// GetAccessRequest returns the request or nil.
func (s *Store) GetAccessRequest(ctx context.Context, id int64) (*enrollment.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs, err := queryRequests(ctx, s.db,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = ?`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

// ListPendingAccessRequests returns true-pending requests, oldest first.
func (s *Store) ListPendingAccessRequests(ctx context.Context) ([]enrollment.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryRequests(ctx, s.db, `
		SELECT `+requestColumns+`
		FROM access_requests
		WHERE status = 'pending' AND reviewed_at IS NULL
		ORDER BY requested_at ASC, id ASC
	`)
}

// ListAccessRequests returns every request.
func (s *Store) ListAccessRequests(ctx context.Context) ([]enrollment.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryRequests(ctx, s.db,
		`SELECT `+requestColumns+` FROM access_requests ORDER BY id ASC`)
}

// MarkAccessRequestReviewed moves a pending request to status. The
// WHERE clause is the compare-and-set: two admins reviewing the same
// request race on it and exactly one wins.
func (s *Store) MarkAccessRequestReviewed(ctx context.Context, id int64, status enrollment.RequestStatus, reviewer *int64, at time.Time) error {
	if status == enrollment.RequestPending {
		return fmt.Errorf("%w: cannot review into pending", enrollment.ErrRequestNotPending)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE access_requests
		SET status = ?, reviewed_at = ?, reviewed_by = ?
		WHERE id = ? AND status = 'pending' AND reviewed_at IS NULL
	`, string(status), formatTime(at), nullInt64(reviewer), id)
	if err != nil {
		return classifyErr("review_access_request", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %d", enrollment.ErrRequestNotPending, id)
	}
	return nil
}

func (s *Store) DeleteAccessRequest(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM access_requests WHERE id = ?`, id)
	return classifyErr("delete_access_request", err)
}

// SweepProcessedAccessRequests deletes rejected requests and approved
// requests whose pair holds an active enrollment.
func (s *Store) SweepProcessedAccessRequests(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM access_requests
		WHERE status = 'rejected'
		   OR (status = 'approved' AND EXISTS (
				SELECT 1 FROM enrollments e
				WHERE e.student_id = access_requests.student_id
				  AND e.course_id = access_requests.course_id
				  AND e.status = 'active'
			  ) AND EXISTS (
				SELECT 1 FROM student_progress p
				WHERE p.student_id = access_requests.student_id
				  AND p.course_id = access_requests.course_id
			  ))
	`)
	if err != nil {
		return 0, classifyErr("sweep_access_requests", err)
	}
	return res.RowsAffected()
}

func queryRequests(ctx context.Context, db dbtx, query string, args ...any) ([]enrollment.AccessRequest, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("query_access_requests", err)
	}
	defer rows.Close()

	var out []enrollment.AccessRequest
	for rows.Next() {
		var (
			req         enrollment.AccessRequest
			status      string
			message     sql.NullString
			requestedAt string
			reviewedAt  sql.NullString
			reviewedBy  sql.NullInt64
		)
		if err := rows.Scan(&req.ID, &req.Pair.StudentID, &req.Pair.CourseID, &status,
			&message, &requestedAt, &reviewedAt, &reviewedBy); err != nil {
			return nil, classifyErr("scan_access_request", err)
		}
		req.Status = enrollment.RequestStatus(status)
		req.Message = message.String
		req.RequestedAt = parseTime(requestedAt)
		req.ReviewedAt = parseNullTime(reviewedAt)
		if reviewedBy.Valid {
			id := reviewedBy.Int64
			req.ReviewedBy = &id
		}
		out = append(out, req)
	}
	return out, classifyErr("query_access_requests", rows.Err())
}

// =============================================================================
// PAYMENTS (checkout.Store interface)
// =============================================================================

// SavePayment creates or replaces a checkout session.
func (s *Store) SavePayment(ctx context.Context, p checkout.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := p.Status
	if status == "" {
		status = checkout.PaymentPending
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO payments
		(session_id, student_id, course_id, amount, currency, status, event_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.SessionID,
		p.Pair.StudentID,
		p.Pair.CourseID,
		p.Amount.StringFixed(2),
		p.Currency,
		string(status),
		nullString(p.EventID),
		formatTime(createdAt),
		nullTime(p.CompletedAt),
	)
	return classifyErr("save_payment", err)
}

// PaymentBySession returns the payment or nil.
func (s *Store) PaymentBySession(ctx context.Context, sessionID string) (*checkout.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, sessionID)
}

func getPayment(ctx context.Context, db dbtx, sessionID string) (*checkout.Payment, error) {
	var (
		p                    checkout.Payment
		amount, status       string
		eventID, completedAt sql.NullString
		createdAt            string
	)
	err := db.QueryRowContext(ctx, `
		SELECT session_id, student_id, course_id, amount, currency, status, event_id, created_at, completed_at
		FROM payments
		WHERE session_id = ?
	`, sessionID).Scan(&p.SessionID, &p.Pair.StudentID, &p.Pair.CourseID, &amount, &p.Currency,
		&status, &eventID, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr("get_payment", err)
	}
	p.Amount, _ = decimal.NewFromString(amount)
	p.Status = checkout.PaymentStatus(status)
	p.EventID = eventID.String
	p.CreatedAt = parseTime(createdAt)
	p.CompletedAt = parseNullTime(completedAt)
	return &p, nil
}

// =============================================================================
// DIRECTORY (students, courses)
// =============================================================================

// Student is a directory entry.
type Student struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Course is a directory entry. Gated courses are joined through access
// requests; priced courses through checkout.
type Course struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	Gated     bool             `json:"gated"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Currency  string           `json:"currency,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// SaveStudent creates or updates a student.
func (s *Store) SaveStudent(ctx context.Context, st Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, st.ID, st.Name, nullString(st.Email), formatTime(st.CreatedAt))
	return classifyErr("save_student", err)
}

// SaveCourse creates or updates a course.
func (s *Store) SaveCourse(ctx context.Context, c Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	var price sql.NullString
	if c.Price != nil {
		price = sql.NullString{String: c.Price.StringFixed(2), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, title, gated, price, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			gated = excluded.gated,
			price = excluded.price,
			currency = excluded.currency
	`, c.ID, c.Title, c.Gated, price, nullString(c.Currency), formatTime(c.CreatedAt))
	return classifyErr("save_course", err)
}

// ListStudents returns all students.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, created_at FROM students ORDER BY id`)
	if err != nil {
		return nil, classifyErr("list_students", err)
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var (
			st        Student
			email     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&st.ID, &st.Name, &email, &createdAt); err != nil {
			return nil, classifyErr("list_students", err)
		}
		st.Email = email.String
		st.CreatedAt = parseTime(createdAt)
		out = append(out, st)
	}
	return out, classifyErr("list_students", rows.Err())
}

// ListCourses returns all courses.
func (s *Store) ListCourses(ctx context.Context) ([]Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, gated, price, currency, created_at FROM courses ORDER BY id
	`)
	if err != nil {
		return nil, classifyErr("list_courses", err)
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var (
			c               Course
			price, currency sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.Gated, &price, &currency, &createdAt); err != nil {
			return nil, classifyErr("list_courses", err)
		}
		if price.Valid {
			if d, err := decimal.NewFromString(price.String); err == nil {
				c.Price = &d
			}
		}
		c.Currency = currency.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, classifyErr("list_courses", rows.Err())
}

// DeleteStudent removes a student from the directory. Ledger rows are
// left in place and surface as orphans.
func (s *Store) DeleteStudent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id)
	return classifyErr("delete_student", err)
}

// DeleteCourse removes a course from the directory. Ledger rows are left
// in place and surface as orphans.
func (s *Store) DeleteCourse(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
	return classifyErr("delete_course", err)
}

// =============================================================================
// ACTIVITY LOG
// =============================================================================

// ActivityEntry records one admin action.
type ActivityEntry struct {
	ID        int64           `json:"id"`
	AdminID   *int64          `json:"admin_id,omitempty"`
	Action    string          `json:"action"`
	StudentID int64           `json:"student_id,omitempty"`
	CourseID  int64           `json:"course_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendActivity writes an activity log entry.
func (s *Store) AppendActivity(ctx context.Context, e ActivityEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detail sql.NullString
	if len(e.Detail) > 0 {
		detail = sql.NullString{String: string(e.Detail), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (admin_id, action, student_id, course_id, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullInt64(e.AdminID), e.Action, e.StudentID, e.CourseID, detail, formatTime(e.CreatedAt))
	if err != nil {
		return 0, classifyErr("append_activity", err)
	}
	return res.LastInsertId()
}

// ListActivity returns the most recent entries first.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, admin_id, action, student_id, course_id, detail_json, created_at
		FROM activity_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classifyErr("list_activity", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			e                   ActivityEntry
			adminID             sql.NullInt64
			studentID, courseID sql.NullInt64
			detail              sql.NullString
			createdAt           string
		)
		if err := rows.Scan(&e.ID, &adminID, &e.Action, &studentID, &courseID, &detail, &createdAt); err != nil {
			return nil, classifyErr("list_activity", err)
		}
		if adminID.Valid {
			id := adminID.Int64
			e.AdminID = &id
		}
		e.StudentID = studentID.Int64
		e.CourseID = courseID.Int64
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, classifyErr("list_activity", rows.Err())
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

// RunStatus is the lifecycle of a reconciliation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is one scan, optionally followed by a repair.
type ReconciliationRun struct {
	ID          string          `json:"id"`
	TriggeredBy string          `json:"triggered_by"`
	Status      RunStatus       `json:"status"`
	Findings    int             `json:"findings"`
	Repaired    int             `json:"repaired"`
	Failed      int             `json:"failed"`
	Report      json.RawMessage `json:"report,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SaveReconciliationRun inserts or updates a run.
func (s *Store) SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report sql.NullString
	if len(run.Report) > 0 {
		report = sql.NullString{String: string(run.Report), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, triggered_by, status, findings, repaired, failed, report_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			findings = excluded.findings,
			repaired = excluded.repaired,
			failed = excluded.failed,
			report_json = excluded.report_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID,
		run.TriggeredBy,
		string(run.Status),
		run.Findings,
		run.Repaired,
		run.Failed,
		report,
		nullString(run.Error),
		formatTime(run.StartedAt),
		nullTime(run.CompletedAt),
	)
	return classifyErr("save_reconciliation_run", err)
}

// ListReconciliationRuns returns the most recent runs first. Reports are
// omitted; fetch one run with GetReconciliationRun for its report.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	return queryRuns(ctx, s.db, `
		SELECT id, triggered_by, status, findings, repaired, failed, NULL, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
}

// GetReconciliationRun returns one run with its report, or nil.
func (s *Store) GetReconciliationRun(ctx context.Context, id string) (*ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := queryRuns(ctx, s.db, `
		SELECT id, triggered_by, status, findings, repaired, failed, report_json, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE id = ?
	`, id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func queryRuns(ctx context.Context, db dbtx, query string, args ...any) ([]ReconciliationRun, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("query_reconciliation_runs", err)
	}
	defer rows.Close()

	var out []ReconciliationRun
	for rows.Next() {
		var (
			run             ReconciliationRun
			status          string
			report, errText sql.NullString
			startedAt       string
			completedAt     sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.TriggeredBy, &status, &run.Findings, &run.Repaired,
			&run.Failed, &report, &errText, &startedAt, &completedAt); err != nil {
			return nil, classifyErr("query_reconciliation_runs", err)
		}
		run.Status = RunStatus(status)
		if report.Valid {
			run.Report = json.RawMessage(report.String)
		}
		run.Error = errText.String
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseNullTime(completedAt)
		out = append(out, run)
	}
	return out, classifyErr("query_reconciliation_runs", rows.Err())
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"student_progress", "enrollments", "access_requests", "idempotency_records",
		"payments", "activity_log", "reconciliation_runs", "students", "courses",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return classifyErr("reset", err)
		}
	}
	return nil
}

// classifyErr wraps a driver error in *enrollment.DatabaseError with the
// retryable flag set from the SQLite result code.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *enrollment.DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}

	retryable := false
	var sqliteErr sqlite3.Error
	switch {
	case errors.As(err, &sqliteErr):
		retryable = sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sql.ErrConnDone):
		retryable = true
	}
	return &enrollment.DatabaseError{Op: op, Retryable: retryable, Err: err}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
