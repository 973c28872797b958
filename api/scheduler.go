// scheduler.go - Reconciliation job and its cron scheduler
//
// PURPOSE:
//   Runs the enrollment reconciler on a schedule and records every run, so
//   drift between the two ledgers is found even when nobody asks.
//
// JOB:
//   ReconciliationJob.Run:      scan, optional repair, re-scan, record run
//   ReconciliationJob.Maintain: retry stuck approvals, sweep processed
//                               requests, purge expired idempotency records
//
//   The same job backs POST /api/health/enrollments/repair and the
//   `reconcile` CLI command, so every path records a run row.
//
// CONFIGURATION:
//   - RECONCILE_CRON: cron spec ("*/15 * * * *", "@every 10m"); empty disables
//   - RECONCILE_AUTO_REPAIR: repair after each scheduled scan (default: off)
//
// OVERLAP:
//   A tick that fires while the previous one is still running is skipped.
//
// USAGE:
//   scheduler := NewReconciliationScheduler(job, cfg.ReconcileCron, cfg.ReconcileAutoRepair, log)
//   scheduler.Start()
//   // ... later
//   scheduler.Stop()
//
// SEE ALSO:
//   - enrollment/reconcile.go: Scan, Repair
//   - handlers.go: /api/health endpoints
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/logging"
	"github.com/warp/enrollment-engine/store/sqlite"
)

// DefaultJobTimeout bounds one scheduled tick.
const DefaultJobTimeout = 5 * time.Minute

// =============================================================================
// JOB
// =============================================================================

// ReconciliationJob scans, repairs and records.
type ReconciliationJob struct {
	Store      *sqlite.Store
	Reconciler *enrollment.Reconciler
	Requests   *enrollment.RequestService
	Log        *logging.Logger
	Now        func() time.Time
}

func NewReconciliationJob(store *sqlite.Store, reconciler *enrollment.Reconciler, requests *enrollment.RequestService, log *logging.Logger) *ReconciliationJob {
	if log == nil {
		log = logging.Nop()
	}
	return &ReconciliationJob{
		Store:      store,
		Reconciler: reconciler,
		Requests:   requests,
		Log:        log.With("component", "reconciliation-job"),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (j *ReconciliationJob) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now()
}

// RunResult is one recorded run.
type RunResult struct {
	Run    sqlite.ReconciliationRun
	Before *enrollment.Report
	Repair *enrollment.RepairResult
	After  *enrollment.Report
}

// Run scans the ledgers and, when repair is set, applies the additive
// fixes and scans again. The run row is written before the scan and
// updated when it ends, so a crashed run stays visible as "running".
func (j *ReconciliationJob) Run(ctx context.Context, triggeredBy string, repair bool) (*RunResult, error) {
	run := sqlite.ReconciliationRun{
		ID:          uuid.NewString(),
		TriggeredBy: triggeredBy,
		Status:      sqlite.RunRunning,
		StartedAt:   j.now(),
	}
	log := j.Log.With("run_id", run.ID, "triggered_by", triggeredBy, "repair", repair)
	if err := j.Store.SaveReconciliationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run record: %w", err)
	}

	res := &RunResult{}
	fail := func(err error) (*RunResult, error) {
		completed := j.now()
		run.Status = sqlite.RunFailed
		run.Error = err.Error()
		run.CompletedAt = &completed
		if saveErr := j.Store.SaveReconciliationRun(context.WithoutCancel(ctx), run); saveErr != nil {
			log.Warn("failed to record failed run", "error", saveErr)
		}
		res.Run = run
		log.Error("reconciliation run failed", "error", err)
		return res, err
	}

	before, err := j.Reconciler.Scan(ctx)
	if err != nil {
		return fail(err)
	}
	res.Before = before
	run.Findings = len(before.Findings)
	final := before

	if repair && len(before.Repairable()) > 0 {
		rep, err := j.Reconciler.Repair(ctx, before)
		res.Repair = rep
		if rep != nil {
			run.Repaired = rep.Repaired
			run.Failed = rep.Failed
		}
		if err != nil {
			return fail(err)
		}
		after, err := j.Reconciler.Scan(ctx)
		if err != nil {
			return fail(err)
		}
		res.After = after
		final = after
	}

	raw, err := json.Marshal(final)
	if err != nil {
		return fail(err)
	}
	completed := j.now()
	run.Status = sqlite.RunCompleted
	run.Report = raw
	run.CompletedAt = &completed
	if err := j.Store.SaveReconciliationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run record: %w", err)
	}
	res.Run = run

	log.Info("reconciliation run completed",
		"findings", run.Findings, "repaired", run.Repaired, "failed", run.Failed,
		"healthy", final.Healthy)
	return res, nil
}

// MaintenanceResult summarizes one Maintain pass.
type MaintenanceResult struct {
	ApprovalsRetried  int   `json:"approvals_retried"`
	ApprovalsEnrolled int   `json:"approvals_enrolled"`
	RequestsSwept     int64 `json:"requests_swept"`
	IdempotencyPurged int64 `json:"idempotency_purged"`
}

// Maintain finishes stuck approvals, then removes what is safe to remove.
// Each step runs even if an earlier one failed; the first error is returned.
func (j *ReconciliationJob) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var (
		res      MaintenanceResult
		firstErr error
	)
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		j.Log.Warn("maintenance step failed", "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}

	outcomes, err := j.Requests.RetryApproved(ctx)
	keep("retry_approved", err)
	res.ApprovalsRetried = len(outcomes)
	for _, o := range outcomes {
		if o.Enrolled {
			res.ApprovalsEnrolled++
		}
	}

	res.RequestsSwept, err = j.Requests.Sweep(ctx)
	keep("sweep", err)

	res.IdempotencyPurged, err = j.Store.PurgeExpiredIdempotency(ctx, j.now())
	keep("purge_idempotency", err)

	if res.ApprovalsRetried > 0 || res.RequestsSwept > 0 || res.IdempotencyPurged > 0 {
		j.Log.Info("maintenance complete",
			"approvals_retried", res.ApprovalsRetried, "approvals_enrolled", res.ApprovalsEnrolled,
			"requests_swept", res.RequestsSwept, "idempotency_purged", res.IdempotencyPurged)
	}
	return res, firstErr
}

// =============================================================================
// SCHEDULER
// =============================================================================

// ReconciliationScheduler runs the job on a cron schedule.
type ReconciliationScheduler struct {
	Job        *ReconciliationJob
	Spec       string
	AutoRepair bool
	Timeout    time.Duration
	Log        *logging.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler. An empty spec leaves it disabled.
func NewReconciliationScheduler(job *ReconciliationJob, spec string, autoRepair bool, log *logging.Logger) *ReconciliationScheduler {
	if log == nil {
		log = logging.Nop()
	}
	return &ReconciliationScheduler{
		Job:        job,
		Spec:       spec,
		AutoRepair: autoRepair,
		Timeout:    DefaultJobTimeout,
		Log:        log.With("component", "scheduler"),
	}
}

// Start begins the scheduler. It fails only on an unparsable spec.
func (rs *ReconciliationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Spec == "" {
		rs.Log.Info("scheduler disabled, RECONCILE_CRON not set")
		return nil
	}
	if rs.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	id, err := c.AddFunc(rs.Spec, rs.RunNow)
	if err != nil {
		return fmt.Errorf("invalid RECONCILE_CRON %q: %w", rs.Spec, err)
	}
	c.Start()
	rs.cron = c
	rs.entryID = id

	rs.Log.Info("scheduler started", "spec", rs.Spec, "auto_repair", rs.AutoRepair, "next_run", c.Entry(id).Next)
	return nil
}

// Stop stops the scheduler and waits for a running tick to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.cron = nil
	rs.Log.Info("scheduler stopped")
}

// RunNow runs one tick: maintenance first, then a recorded reconciliation.
func (rs *ReconciliationScheduler) RunNow() {
	timeout := rs.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := rs.Job.Maintain(ctx); err != nil {
		rs.Log.Warn("scheduled maintenance incomplete", "error", err)
	}
	if _, err := rs.Job.Run(ctx, "scheduler", rs.AutoRepair); err != nil {
		rs.Log.Error("scheduled reconciliation failed", "error", err)
	}
}

// NextRun returns when the next tick fires. ok is false when disabled.
func (rs *ReconciliationScheduler) NextRun() (next time.Time, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return time.Time{}, false
	}
	return rs.cron.Entry(rs.entryID).Next, true
}
