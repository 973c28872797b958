package checkout

import "errors"

var (
	// ErrInvalidEvent is returned for a webhook payload missing required fields.
	ErrInvalidEvent = errors.New("invalid webhook event")

	// ErrPaymentVanished means the payment was deleted between lookup and
	// completion. Not recorded, so redelivery sees the final state.
	ErrPaymentVanished = errors.New("payment disappeared during completion")
)
