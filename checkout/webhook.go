/*
webhook.go - Paid checkout completion

PURPOSE:
  Turns a payment provider's "checkout completed" webhook into exactly one
  enrollment, no matter how many times the provider delivers it.

FLOW:
  1. ExecuteWithIdempotency("payment_webhook", {eventId, sessionId, type}, 48h)
  2. Resolve the payment by session id
       unknown session     -> stored outcome payment_not_found
       non-completion type -> stored outcome ignored
  3. Engine.Run(pair): under the pair lock, ONE transaction
       - re-read the payment
       - mark it completed (first completion wins)
       - EnrollStudent(source=payment)
  4. Post-commit verification (soft failure only)

WHAT IS RETRIED:
  Lock timeouts and retryable database errors are returned and NOT
  recorded, so the provider's redelivery gets a fresh attempt. Every
  decided outcome, including "not found", is recorded and replayed.

DOUBLE DELIVERY:
  Two deliveries of one event: the second replays the stored outcome.
  Two different events for one session: the payment is already
  completed and EnrollStudent is a no-op, so still one enrollment.

SEE ALSO:
  - enrollment/idempotency.go: ExecuteWithIdempotency
  - enrollment/engine.go: Run, VerifyEnrolled
  - store/sqlite/sqlite.go: WithPaymentTx
*/
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/logging"
)

// OperationPaymentWebhook is the idempotency operation name.
const OperationPaymentWebhook = "payment_webhook"

// DefaultWebhookTTL is how long a processed event is remembered.
const DefaultWebhookTTL = 48 * time.Hour

// Event types that complete a checkout.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

// Payment is a checkout session for one course purchase.
type Payment struct {
	SessionID   string          `json:"session_id"`
	Pair        enrollment.Pair `json:"pair"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	EventID     string          `json:"event_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PaymentTx is an enrollment transaction that can also see payments, so
// completing the payment and enrolling commit together.
type PaymentTx interface {
	enrollment.Tx
	PaymentBySession(ctx context.Context, sessionID string) (*Payment, error)
	CompletePayment(ctx context.Context, sessionID, eventID string, at time.Time) error
}

// Store reads payments and opens payment transactions.
type Store interface {
	PaymentBySession(ctx context.Context, sessionID string) (*Payment, error)
	WithPaymentTx(ctx context.Context, fn func(PaymentTx) error) error
}

// =============================================================================
// EVENTS AND OUTCOMES
// =============================================================================

// Event is the part of a provider webhook the processor needs.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (e Event) Validate() error {
	if e.ID == "" || e.Type == "" || e.SessionID == "" {
		return fmt.Errorf("%w: webhook event needs id, type and session_id", ErrInvalidEvent)
	}
	return nil
}

func (e Event) completes() bool {
	return e.Type == EventCheckoutCompleted || e.Type == EventAsyncPaymentSucceeded
}

// idempotencyParams is hashed into the idempotency key. Field order is fixed.
type idempotencyParams struct {
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

type OutcomeStatus string

const (
	OutcomeEnrolled        OutcomeStatus = "enrolled"
	OutcomeAlreadyEnrolled OutcomeStatus = "already_enrolled"
	OutcomePaymentNotFound OutcomeStatus = "payment_not_found"
	OutcomeIgnored         OutcomeStatus = "ignored"
)

// Outcome is what a webhook delivery decided. It is what gets stored.
type Outcome struct {
	Status       OutcomeStatus                 `json:"status"`
	EventID      string                        `json:"event_id"`
	SessionID    string                        `json:"session_id"`
	Pair         *enrollment.Pair              `json:"pair,omitempty"`
	Enrollment   *enrollment.EnrollmentOutcome `json:"enrollment,omitempty"`
	Inconsistent bool                          `json:"inconsistent,omitempty"`
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor handles payment webhooks.
type Processor struct {
	Store  Store
	Engine *enrollment.Engine
	Idem   *enrollment.Idempotency
	TTL    time.Duration
	Log    *logging.Logger
	Now    func() time.Time
}

func NewProcessor(store Store, engine *enrollment.Engine, idem *enrollment.Idempotency, log *logging.Logger) *Processor {
	if log == nil {
		log = logging.Nop()
	}
	return &Processor{
		Store:  store,
		Engine: engine,
		Idem:   idem,
		TTL:    DefaultWebhookTTL,
		Log:    log.With("component", "checkout"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

// Process handles one delivery. duplicate is true when the outcome was
// replayed from an earlier delivery of the same event.
func (p *Processor) Process(ctx context.Context, ev Event) (out Outcome, duplicate bool, err error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, false, err
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultWebhookTTL
	}

	params := idempotencyParams{EventID: ev.ID, SessionID: ev.SessionID, Type: ev.Type}
	return enrollment.ExecuteWithIdempotency(ctx, p.Idem, OperationPaymentWebhook, params, ttl,
		func(ctx context.Context) (Outcome, error) {
			return p.handle(ctx, ev)
		})
}

func (p *Processor) handle(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{EventID: ev.ID, SessionID: ev.SessionID}
	log := p.Log.With("event_id", ev.ID, "session_id", ev.SessionID, "type", ev.Type)

	payment, err := p.Store.PaymentBySession(ctx, ev.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	if payment == nil {
		log.Warn("webhook for unknown checkout session")
		out.Status = OutcomePaymentNotFound
		return out, nil
	}
	pair := payment.Pair
	out.Pair = &pair

	if !ev.completes() {
		log.Info("webhook event type does not complete a checkout")
		out.Status = OutcomeIgnored
		return out, nil
	}

	var enr enrollment.EnrollmentOutcome
	err = p.Engine.Run(ctx, pair, func(ctx context.Context) error {
		ctx, cancel := p.Engine.TxContext(ctx)
		defer cancel()
		return p.Store.WithPaymentTx(ctx, func(tx PaymentTx) error {
			current, err := tx.PaymentBySession(ctx, ev.SessionID)
			if err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("%w: %s", ErrPaymentVanished, ev.SessionID)
			}
			if current.Status != PaymentCompleted {
				if err := tx.CompletePayment(ctx, ev.SessionID, ev.ID, p.now()); err != nil {
					return err
				}
			}
			enr, err = p.Engine.Ops.EnrollStudent(ctx, tx, enrollment.EnrollRequest{
				Pair:   pair,
				Source: enrollment.SourcePayment,
			})
			return err
		})
	})
	if err != nil {
		log.Warn("payment enrollment failed", "error", err, "retryable", enrollment.IsRetryable(err))
		return Outcome{}, err
	}

	out.Enrollment = &enr
	out.Status = OutcomeEnrolled
	if enr.AlreadyEnrolled {
		out.Status = OutcomeAlreadyEnrolled
	}

	if verr := p.Engine.VerifyEnrolled(ctx, OperationPaymentWebhook, pair); verr != nil {
		// Committed; reconciliation finishes the job.
		out.Inconsistent = true
	}

	log.Info("payment webhook processed",
		"status", out.Status, "student_id", pair.StudentID, "course_id", pair.CourseID,
		"enrollment_created", enr.EnrollmentCreated, "student_progress_created", enr.StudentProgressCreated)
	return out, nil
}
