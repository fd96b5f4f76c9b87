package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the caller is not a party to the transaction
	// (or not an administrator where one is required).
	ErrUnauthorized = errors.New("caller is not authorized for this transaction")

	// ErrNotFound means no escrow transaction matches the identifier.
	ErrNotFound = errors.New("escrow transaction not found")

	// ErrInvalidSignature means a webhook failed signature verification and
	// was discarded without any state change.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrConflict means optimistic-concurrency retries were exhausted; the
	// caller may re-read and try again.
	ErrConflict = errors.New("transaction was modified concurrently, retry")

	// ErrExpiredWindow means the presented second factor matched neither the
	// TOTP drift window nor an unused backup code.
	ErrExpiredWindow = errors.New("invalid verification code")
)

// InvalidTransitionError reports an event that is not permitted from the
// transaction's current status. Callers see both states so webhook replays
// can distinguish "already applied" from genuinely invalid.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
