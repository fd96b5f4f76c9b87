package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow statuses
const (
	EscrowStatusPending          = "pending"
	EscrowStatusFunded           = "funded"
	EscrowStatusPaymentPending   = "payment_pending"
	EscrowStatusPaymentConfirmed = "payment_confirmed"
	EscrowStatusCompleted        = "completed"
	EscrowStatusDisputed         = "disputed"
	EscrowStatusCancelled        = "cancelled"
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPending:          {EscrowStatusFunded, EscrowStatusCancelled, EscrowStatusDisputed},
	EscrowStatusFunded:           {EscrowStatusPaymentPending, EscrowStatusCancelled, EscrowStatusDisputed},
	EscrowStatusPaymentPending:   {EscrowStatusPaymentConfirmed, EscrowStatusDisputed},
	EscrowStatusPaymentConfirmed: {EscrowStatusCompleted, EscrowStatusDisputed},
	EscrowStatusDisputed:         {EscrowStatusCompleted, EscrowStatusCancelled},
	EscrowStatusCompleted:        {},
	EscrowStatusCancelled:        {},
}

func IsValidEscrowTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalEscrowStatus reports whether no transition may leave the status.
func IsTerminalEscrowStatus(status string) bool {
	return status == EscrowStatusCompleted || status == EscrowStatusCancelled
}

// EscrowTransaction holds custody state for one crypto-for-fiat trade.
// Rows are never deleted; terminal transactions are retained for audit.
type EscrowTransaction struct {
	ID             uuid.UUID       `json:"id"`
	BuyerID        uuid.UUID       `json:"buyer_id"`
	SellerID       uuid.UUID       `json:"seller_id"`
	CryptoCurrency string          `json:"crypto_currency"`
	CryptoAmount   decimal.Decimal `json:"crypto_amount"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	Status         string          `json:"status"`

	// Set once at funding time, immutable after.
	EscrowAddress *string `json:"escrow_address,omitempty"`

	PaymentProvider    *string `json:"payment_provider,omitempty"`
	PaymentProviderRef *string `json:"payment_provider_ref,omitempty"`
	PaymentPixKey      *string `json:"payment_pix_key,omitempty"`
	PaymentQRPayload   *string `json:"payment_qr_payload,omitempty"`

	// Guards custody release/refund against double-spend across restarts.
	ReleaseAttempted bool `json:"release_attempted"`

	DisputeReason *string `json:"dispute_reason,omitempty"`

	// Version is bumped on every transition; writes are conditioned on it.
	Version int `json:"version"`

	CreatedAt          time.Time  `json:"created_at"`
	FundedAt           *time.Time `json:"funded_at,omitempty"`
	PaymentSentAt      *time.Time `json:"payment_sent_at,omitempty"`
	PaymentConfirmedAt *time.Time `json:"payment_confirmed_at,omitempty"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
	DisputedAt         *time.Time `json:"disputed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or seller of the transaction.
func (t *EscrowTransaction) IsParty(userID uuid.UUID) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// Expired reports whether expires_at has passed at the given instant.
func (t *EscrowTransaction) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
