/*
reconcile.go - Cross-ledger health scan and additive repair

PURPOSE:
  Finds every place where the two ledgers, the directory and the access
  request table disagree, and optionally repairs the findings that only
  need a row ADDED. Nothing here deletes ledger rows.

FINDINGS:
  Type                           Severity  Repair
  orphaned_progress              high      never (course/student gone)
  orphaned_enrollment            high      never (course/student gone)
  missing_enrollment_row         medium    Sync
  missing_progress_row           medium    Sync
  progress_mismatch              low       MirrorProgress
  approved_request_not_enrolled  high      Enroll + consume request
  stale_pending_request          low       report only

ORPHANS WIN:
  A row whose student or course no longer exists is reported as an
  orphan and nothing else. Re-creating its partner row would only grow
  the orphan.

SCAN IS READ-ONLY:
  Scan reads one snapshot and never takes a pair lock. Repair goes
  through the Engine, so every fix re-reads under the lock and is a no-op
  if the drift was already fixed by someone else.

SEE ALSO:
  - engine.go: Sync, MirrorProgress
  - requests.go: CompleteApproval
  - api/handlers.go: /api/health/enrollments
*/
package enrollment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/logging"
)

// =============================================================================
// FINDINGS
// =============================================================================

type FindingType string

const (
	FindingOrphanedProgress           FindingType = "orphaned_progress"
	FindingOrphanedEnrollment         FindingType = "orphaned_enrollment"
	FindingMissingEnrollmentRow       FindingType = "missing_enrollment_row"
	FindingMissingProgressRow         FindingType = "missing_progress_row"
	FindingProgressMismatch           FindingType = "progress_mismatch"
	FindingApprovedRequestNotEnrolled FindingType = "approved_request_not_enrolled"
	FindingStalePendingRequest        FindingType = "stale_pending_request"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// DefaultProgressTolerance is the largest progress gap between the two
// ledgers that is explained by rounding.
var DefaultProgressTolerance = decimal.NewFromInt(1)

// Finding is one detected inconsistency.
type Finding struct {
	Type       FindingType `json:"type"`
	Severity   Severity    `json:"severity"`
	Pair       Pair        `json:"pair"`
	RequestID  int64       `json:"request_id,omitempty"`
	Detail     string      `json:"detail"`
	Repairable bool        `json:"repairable"`
}

// Report is the result of one scan.
type Report struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	PairsScanned int                 `json:"pairs_scanned"`
	Requests     int                 `json:"requests_scanned"`
	Findings     []Finding           `json:"findings"`
	ByType       map[FindingType]int `json:"by_type"`
	BySeverity   map[Severity]int    `json:"by_severity"`
	Healthy      bool                `json:"healthy"`
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.ByType[f.Type]++
	r.BySeverity[f.Severity]++
}

// Repairable returns the findings Repair would act on.
func (r *Report) Repairable() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Repairable {
			out = append(out, f)
		}
	}
	return out
}

// RepairAction is the outcome of one repair attempt.
type RepairAction struct {
	Finding  Finding `json:"finding"`
	Repaired bool    `json:"repaired"`
	Detail   string  `json:"detail,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// RepairResult summarizes a repair pass.
type RepairResult struct {
	Attempted int            `json:"attempted"`
	Repaired  int            `json:"repaired"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Actions   []RepairAction `json:"actions"`
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler scans and repairs the enrollment ledgers.
type Reconciler struct {
	Store     FactStore
	Approvals *RequestService
	Engine    *Engine
	Tolerance decimal.Decimal
	Log       *logging.Logger
	Now       func() time.Time
}

func NewReconciler(engine *Engine, approvals *RequestService, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Nop()
	}
	return &Reconciler{
		Store:     engine.Store,
		Approvals: approvals,
		Engine:    engine,
		Tolerance: DefaultProgressTolerance,
		Log:       log.With("component", "reconciler"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

type pairState struct {
	progress   *ProgressRecord
	enrollment *EnrollmentRecord
}

func (s pairState) enrolled() bool {
	return s.progress != nil && s.enrollment.Active()
}

func (s pairState) present() bool {
	return s.progress != nil || s.enrollment.Active()
}

// Scan reads everything once and reports all findings. It writes nothing.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	snap, err := r.Store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile snapshot: %w", err)
	}
	requests, err := r.Approvals.Requests.ListAccessRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile requests: %w", err)
	}

	states := make(map[Pair]*pairState)
	get := func(p Pair) *pairState {
		st, ok := states[p]
		if !ok {
			st = &pairState{}
			states[p] = st
		}
		return st
	}
	for i := range snap.Progress {
		get(snap.Progress[i].Pair).progress = &snap.Progress[i]
	}
	for i := range snap.Enrollments {
		get(snap.Enrollments[i].Pair).enrollment = &snap.Enrollments[i]
	}

	pairs := make([]Pair, 0, len(states))
	for p := range states {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].StudentID != pairs[j].StudentID {
			return pairs[i].StudentID < pairs[j].StudentID
		}
		return pairs[i].CourseID < pairs[j].CourseID
	})

	report := &Report{
		GeneratedAt:  r.now(),
		PairsScanned: len(pairs),
		Requests:     len(requests),
		Findings:     []Finding{},
		ByType:       make(map[FindingType]int),
		BySeverity:   make(map[Severity]int),
	}

	tolerance := r.Tolerance
	if tolerance.IsZero() || tolerance.IsNegative() {
		tolerance = DefaultProgressTolerance
	}

	for _, p := range pairs {
		st := states[p]

		if missing := missingDirectory(snap, p); missing != "" {
			if st.progress != nil {
				report.add(Finding{
					Type:     FindingOrphanedProgress,
					Severity: SeverityHigh,
					Pair:     p,
					Detail:   "student_progress row references missing " + missing,
				})
			}
			if st.enrollment != nil {
				report.add(Finding{
					Type:     FindingOrphanedEnrollment,
					Severity: SeverityHigh,
					Pair:     p,
					Detail:   "enrollments row references missing " + missing,
				})
			}
			continue
		}

		switch {
		case st.progress != nil && st.enrollment == nil:
			report.add(Finding{
				Type:       FindingMissingEnrollmentRow,
				Severity:   SeverityMedium,
				Pair:       p,
				Detail:     "present in student_progress only",
				Repairable: true,
			})
		case st.progress != nil && !st.enrollment.Active():
			report.add(Finding{
				Type:       FindingMissingEnrollmentRow,
				Severity:   SeverityMedium,
				Pair:       p,
				Detail:     "student_progress row next to an inactive enrollments row",
				Repairable: true,
			})
		case st.progress == nil && st.enrollment.Active():
			report.add(Finding{
				Type:       FindingMissingProgressRow,
				Severity:   SeverityMedium,
				Pair:       p,
				Detail:     "present in enrollments only",
				Repairable: true,
			})
		case st.enrolled():
			legacy := decimal.NewFromInt(int64(st.progress.ProgressPercent))
			gap := st.enrollment.Progress.Sub(legacy).Abs()
			if gap.GreaterThan(tolerance) {
				report.add(Finding{
					Type:       FindingProgressMismatch,
					Severity:   SeverityLow,
					Pair:       p,
					Detail:     fmt.Sprintf("enrollments.progress=%s student_progress=%d", st.enrollment.Progress.StringFixed(2), st.progress.ProgressPercent),
					Repairable: true,
				})
			}
		}
	}

	for _, req := range requests {
		st := states[req.Pair]
		if st == nil {
			st = &pairState{}
		}
		switch req.Status {
		case RequestApproved:
			if st.enrolled() {
				continue
			}
			f := Finding{
				Type:       FindingApprovedRequestNotEnrolled,
				Severity:   SeverityHigh,
				Pair:       req.Pair,
				RequestID:  req.ID,
				Detail:     "approved request has no complete enrollment",
				Repairable: true,
			}
			if missing := missingDirectory(snap, req.Pair); missing != "" {
				f.Detail = "approved request references missing " + missing
				f.Repairable = false
			}
			report.add(f)
		case RequestPending:
			if st.present() {
				report.add(Finding{
					Type:      FindingStalePendingRequest,
					Severity:  SeverityLow,
					Pair:      req.Pair,
					RequestID: req.ID,
					Detail:    "pending request for a pair that is already enrolled",
				})
			}
		}
	}

	report.Healthy = len(report.Findings) == 0
	r.Log.Info("reconciliation scan complete",
		"pairs", report.PairsScanned, "requests", report.Requests,
		"findings", len(report.Findings), "healthy", report.Healthy)
	return report, nil
}

func missingDirectory(snap *Snapshot, p Pair) string {
	switch {
	case !snap.StudentIDs[p.StudentID]:
		return fmt.Sprintf("student %d", p.StudentID)
	case !snap.CourseIDs[p.CourseID]:
		return fmt.Sprintf("course %d", p.CourseID)
	}
	return ""
}

// Repair applies the additive fixes for the repairable findings in report.
// A failed fix is recorded and the pass continues; only ctx cancellation
// stops it early.
func (r *Reconciler) Repair(ctx context.Context, report *Report) (*RepairResult, error) {
	res := &RepairResult{Actions: []RepairAction{}}
	if report == nil {
		return res, nil
	}

	for _, f := range report.Findings {
		if !f.Repairable {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempted++
		action := r.repairOne(ctx, f)
		switch {
		case action.Error != "":
			res.Failed++
		case action.Repaired:
			res.Repaired++
		}
		res.Actions = append(res.Actions, action)
	}

	r.Log.Info("reconciliation repair complete",
		"attempted", res.Attempted, "repaired", res.Repaired,
		"failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

func (r *Reconciler) repairOne(ctx context.Context, f Finding) RepairAction {
	action := RepairAction{Finding: f}
	fail := func(err error) RepairAction {
		action.Error = err.Error()
		r.Log.Warn("repair failed", "type", f.Type, "pair", f.Pair.String(), "error", err, "retryable", IsRetryable(err))
		return action
	}

	switch f.Type {
	case FindingMissingEnrollmentRow, FindingMissingProgressRow:
		out, err := r.Engine.Sync(ctx, f.Pair)
		if err != nil {
			return fail(err)
		}
		action.Repaired = out.Changed()
		if !action.Repaired {
			action.Detail = "already consistent"
		}

	case FindingProgressMismatch:
		changed, err := r.Engine.MirrorProgress(ctx, f.Pair)
		if err != nil {
			return fail(err)
		}
		action.Repaired = changed
		if !changed {
			action.Detail = "already consistent"
		}

	case FindingApprovedRequestNotEnrolled:
		out, err := r.Approvals.CompleteApproval(ctx, f.RequestID)
		if err != nil {
			return fail(err)
		}
		if out.EnrollError != "" {
			action.Error = out.EnrollError
			return action
		}
		action.Repaired = out.Enrolled
		if !out.Consumed {
			action.Detail = "enrolled, request left for sweep"
		}

	default:
		action.Detail = "no additive repair for this finding"
	}
	return action
}
