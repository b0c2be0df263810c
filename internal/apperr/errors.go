// Package apperr holds the sentinel errors shared by the booking and payment
// layers. Callers wrap them with fmt.Errorf("...: %w") and match with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound: the referenced booking, transaction or log does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the operation is not valid for the entity's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict: idempotency payload mismatch, or optimistic retries exhausted.
	ErrConflict = errors.New("conflict")

	// ErrAmountMismatch: a gateway amount disagrees with the recorded transaction amount.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrGatewayUnavailable: the payment gateway could not be reached in time.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrMalformedPayload: an inbound gateway payload could not be parsed or verified.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidDiscount: a discount exceeds the frozen price or is negative.
	ErrInvalidDiscount = errors.New("invalid discount")

	// ErrInvalidInput: a request is missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Store-level errors. Stores return these; services translate them.
var (
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate key")

	// ErrVersionConflict is returned when a conditional update finds a newer version.
	ErrVersionConflict = errors.New("version conflict")
)
