/*
requests.go - Access request lifecycle

PURPOSE:
  Students request access to gated courses; admins approve or reject.

STATE MACHINE:
  pending ──approve──▶ approved ──enroll ok──▶ (deleted)
     │                    │
     │                    └──enroll failed──▶ stays approved (retried later)
     └──reject───▶ rejected ──▶ (deleted)

INVARIANT:
  reviewed_at IS NULL  <=>  status = 'pending'
  Enforced by a CHECK constraint at the write boundary, so the pending
  list is a plain filter and never has to clean up on read.

APPROVAL IS NEVER ROLLED BACK:
  The approval decision commits before the enrollment is attempted. If
  enrolling fails the request stays approved; RetryApproved (or the
  reconciler) finishes it. Losing an approval would force the student
  to re-request, a stuck approval only needs a repair run.

SWEEP:
  Sweep deletes rejected rows and approved rows whose pair is enrolled,
  catching anything a failed delete left behind.

SEE ALSO:
  - engine.go: Enroll under the pair lock
  - reconcile.go: approved_request_not_enrolled, stale_pending_request
*/
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/enrollment-engine/logging"
)

// ApprovalOutcome reports what an approval achieved.
type ApprovalOutcome struct {
	RequestID   int64             `json:"request_id"`
	Pair        Pair              `json:"pair"`
	Approved    bool              `json:"approved"`
	Enrolled    bool              `json:"enrolled"`
	Consumed    bool              `json:"consumed"`
	Enrollment  EnrollmentOutcome `json:"enrollment"`
	EnrollError string            `json:"enroll_error,omitempty"`
}

// RequestService runs the access request state machine.
type RequestService struct {
	Requests  RequestStore
	Directory Querier
	Engine    *Engine
	Log       *logging.Logger
	Now       func() time.Time
}

func NewRequestService(requests RequestStore, engine *Engine, log *logging.Logger) *RequestService {
	if log == nil {
		log = logging.Nop()
	}
	return &RequestService{
		Requests:  requests,
		Directory: engine.Store,
		Engine:    engine,
		Log:       log.With("component", "access-requests"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *RequestService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Submit records a new pending request.
func (s *RequestService) Submit(ctx context.Context, pair Pair, message string) (*AccessRequest, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	if err := s.Engine.Ops.checkDirectory(ctx, s.Directory, pair); err != nil {
		return nil, err
	}
	v, err := s.Engine.Verify(ctx, pair)
	if err != nil {
		return nil, err
	}
	if v.InProgress || v.InEnrollments {
		return nil, ErrAlreadyEnrolled
	}

	req := AccessRequest{
		Pair:        pair,
		Status:      RequestPending,
		Message:     message,
		RequestedAt: s.now(),
	}
	id, err := s.Requests.CreateAccessRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	req.ID = id
	s.Log.Info("access request submitted", "request_id", id, "student_id", pair.StudentID, "course_id", pair.CourseID)
	return &req, nil
}

// ListPending returns requests still awaiting review.
func (s *RequestService) ListPending(ctx context.Context) ([]AccessRequest, error) {
	return s.Requests.ListPendingAccessRequests(ctx)
}

// Approve records the approval and then enrolls the student.
// An enrollment failure leaves the request approved and is reported in
// the outcome, not as an error: the approval itself succeeded.
func (s *RequestService) Approve(ctx context.Context, id int64, adminID int64) (*ApprovalOutcome, error) {
	req, err := s.Requests.GetAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if !req.TruePending() {
		return nil, fmt.Errorf("%w: %d is %s", ErrRequestNotPending, id, req.Status)
	}

	if err := s.Requests.MarkAccessRequestReviewed(ctx, id, RequestApproved, &adminID, s.now()); err != nil {
		return nil, err
	}

	out := &ApprovalOutcome{RequestID: id, Pair: req.Pair, Approved: true}
	s.finishApproval(ctx, req.ID, req.Pair, &adminID, out)
	return out, nil
}

// Reject records the rejection and consumes the request.
func (s *RequestService) Reject(ctx context.Context, id int64, adminID int64) error {
	req, err := s.Requests.GetAccessRequest(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if err := s.Requests.MarkAccessRequestReviewed(ctx, id, RequestRejected, &adminID, s.now()); err != nil {
		return err
	}
	if err := s.Requests.DeleteAccessRequest(ctx, id); err != nil {
		// Sweep removes it later; the rejection is already recorded.
		s.Log.Warn("rejected request not deleted", "request_id", id, "error", err)
	}
	s.Log.Info("access request rejected", "request_id", id, "admin_id", adminID)
	return nil
}

// RetryApproved finishes approvals whose enrollment previously failed.
func (s *RequestService) RetryApproved(ctx context.Context) ([]ApprovalOutcome, error) {
	all, err := s.Requests.ListAccessRequests(ctx)
	if err != nil {
		return nil, err
	}
	var outcomes []ApprovalOutcome
	for _, req := range all {
		if req.Status != RequestApproved {
			continue
		}
		out := ApprovalOutcome{RequestID: req.ID, Pair: req.Pair, Approved: true}
		s.finishApproval(ctx, req.ID, req.Pair, req.ReviewedBy, &out)
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// CompleteApproval retries the enrollment for one approved request.
func (s *RequestService) CompleteApproval(ctx context.Context, id int64) (*ApprovalOutcome, error) {
	req, err := s.Requests.GetAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if req.Status != RequestApproved {
		return nil, fmt.Errorf("%w: %d is %s, not approved", ErrRequestNotPending, id, req.Status)
	}
	out := &ApprovalOutcome{RequestID: id, Pair: req.Pair, Approved: true}
	s.finishApproval(ctx, req.ID, req.Pair, req.ReviewedBy, out)
	return out, nil
}

// Sweep deletes processed requests.
func (s *RequestService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.Requests.SweepProcessedAccessRequests(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info("swept processed access requests", "count", n)
	}
	return n, nil
}

func (s *RequestService) finishApproval(ctx context.Context, id int64, pair Pair, adminID *int64, out *ApprovalOutcome) {
	enr, err := s.Engine.Enroll(ctx, EnrollRequest{
		Pair:    pair,
		AdminID: adminID,
		Source:  SourceRequestApproval,
	})
	out.Enrollment = enr
	if err != nil && !IsInconsistent(err) {
		out.EnrollError = err.Error()
		s.Log.Error("approved request not enrolled, left for retry",
			"request_id", id, "student_id", pair.StudentID, "course_id", pair.CourseID, "error", err)
		return
	}
	out.Enrolled = true

	if err := s.Requests.DeleteAccessRequest(ctx, id); err != nil {
		s.Log.Warn("approved request not deleted", "request_id", id, "error", err)
		return
	}
	out.Consumed = true
}
