// Package custody abstracts the component that actually holds the seller's
// crypto. Mechanics (hot wallet, multisig, exchange sub-account) live behind
// an internal service; the coordinator only sees explicit success or failure.
package custody

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrTimeout is returned when a custody call exceeds its deadline.
var ErrTimeout = errors.New("custody request timed out")

// Adapter is the capability set the escrow coordinator needs. All calls are
// potentially slow and retryable; outcomes are never inferred from absence of
// an error.
type Adapter interface {
	// Fund verifies that the expected deposit has landed at the transaction's
	// escrow address and locks it.
	Fund(ctx context.Context, txID uuid.UUID, observedAmount decimal.Decimal) error

	// Release sends the locked crypto to the buyer's destination address.
	Release(ctx context.Context, txID uuid.UUID, destination string) error

	// Refund returns the locked crypto to the seller.
	Refund(ctx context.Context, txID uuid.UUID) error
}
