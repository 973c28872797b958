/*
idempotency.go - At-most-once side effects for at-least-once callers

PURPOSE:
  Payment providers redeliver webhooks. ExecuteWithIdempotency turns
  "delivered N times" into "side effect applied once" by storing the
  outcome of the first successful run under a key derived from the
  operation's semantic parameters.

KEY:
  hex(sha256(operation + 0x00 + json(params)))
  json.Marshal sorts map keys and emits struct fields in declaration
  order, so equal params always hash equally.

WHAT IS STORED:
  fn returns (result, nil):  result is stored (including domain outcomes
                             such as "payment not found") and replayed to
                             later duplicates.
  fn returns error:          nothing is stored. Transport/DB failures are
                             retried by the upstream redelivery.

BEST EFFORT:
  If saving the record fails after fn succeeded, the error is logged and
  the fresh result returned. The wrapped operation must itself be
  idempotent at the data level (EnrollStudent is).

SEE ALSO:
  - checkout/webhook.go: payment_webhook operation
  - store/sqlite/sqlite.go: idempotency_records table
*/
package enrollment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/enrollment-engine/logging"
)

// Idempotency is the idempotency store plus its clock and logger.
type Idempotency struct {
	Store IdempotencyStore
	Log   *logging.Logger
	Now   func() time.Time
}

func NewIdempotency(store IdempotencyStore, log *logging.Logger) *Idempotency {
	if log == nil {
		log = logging.Nop()
	}
	return &Idempotency{
		Store: store,
		Log:   log.With("component", "idempotency"),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (i *Idempotency) now() time.Time {
	if i.Now == nil {
		return time.Now().UTC()
	}
	return i.Now()
}

// IdempotencyKey derives the deterministic key for operation+params.
func IdempotencyKey(operation string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("idempotency params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Check returns the live record for key, or nil. Pure read.
func (i *Idempotency) Check(ctx context.Context, key string) (*IdempotencyRecord, error) {
	return i.Store.GetIdempotencyRecord(ctx, key, i.now())
}

// ExecuteWithIdempotency runs fn at most once per (operation, params) within ttl.
// The second return value is true when the stored result was replayed.
func ExecuteWithIdempotency[T any](
	ctx context.Context,
	idem *Idempotency,
	operation string,
	params any,
	ttl time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, bool, error) {
	var zero T

	key, err := IdempotencyKey(operation, params)
	if err != nil {
		return zero, false, err
	}
	log := idem.Log.With("operation", operation, "key", key[:16])

	rec, err := idem.Check(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if rec != nil {
		var stored T
		if err := json.Unmarshal(rec.Result, &stored); err != nil {
			return zero, false, fmt.Errorf("decode stored result for %s: %w", operation, err)
		}
		log.Info("duplicate call, replaying stored result")
		return stored, true, nil
	}

	result, err := fn(ctx)
	if err != nil {
		log.Warn("operation failed, result not recorded", "error", err, "retryable", IsRetryable(err))
		return zero, false, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		log.Error("result not serializable, not recorded", "error", err)
		return result, false, nil
	}
	now := idem.now()
	saveErr := idem.Store.SaveIdempotencyRecord(ctx, IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Result:    raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if saveErr != nil {
		log.Warn("failed to record idempotency result", "error", saveErr)
	}
	return result, false, nil
}
