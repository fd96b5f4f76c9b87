package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds, normalized across providers.
const (
	EventCreated   = "created"
	EventPending   = "pending"
	EventConfirmed = "confirmed"
	EventFailed    = "failed"
	EventExpired   = "expired"
)

var (
	// ErrTimeout is returned when a provider call exceeds its deadline.
	ErrTimeout = errors.New("payment provider request timed out")

	// ErrStatusUnavailable is returned by providers that have no automated
	// status source. Confirmation must come from an authenticated action.
	ErrStatusUnavailable = errors.New("provider has no automated status source")
)

// Event is a provider notification normalized into canonical form. It is
// consumed once by the escrow coordinator and never persisted.
type Event struct {
	ProviderRef string          `json:"provider_ref"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	EndToEndID  *string         `json:"end_to_end_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Raw         []byte          `json:"-"`
}

// Charge is the result of creating a payment request with a provider.
type Charge struct {
	ProviderRef   string    `json:"provider_ref"`
	PixKey        string    `json:"pix_key"`
	QRCodePayload string    `json:"qr_code_payload"` // EMV "copia e cola" string
	ExpiresAt     time.Time `json:"expires_at"`
	Provider      string    `json:"provider"`
}

type CreateChargeParams struct {
	Amount        decimal.Decimal
	Reference     string // our escrow transaction id, echoed back by webhooks
	PayerName     string
	ExpiryMinutes int
}

// Provider is the capability set the coordinator needs from a PIX provider.
// The concrete implementation is selected from configuration at startup.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, p CreateChargeParams) (*Charge, error)
	GetStatus(ctx context.Context, providerRef string) (*Event, error)
	ParseWebhook(rawBody []byte) (*Event, error)
	VerifyWebhookSignature(header http.Header, rawBody []byte) bool

	// SignsWebhooks reports whether webhook payloads carry a verifiable
	// signature. For providers that do not sign, a webhook is only a hint
	// and the coordinator must confirm via GetStatus before acting on it.
	SignsWebhooks() bool
}
