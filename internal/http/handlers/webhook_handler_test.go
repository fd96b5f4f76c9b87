package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/events"
	"github.com/rioporto/backend/internal/models"
	"github.com/rioporto/backend/internal/payment"
	"github.com/rioporto/backend/internal/repositories"
	"github.com/rioporto/backend/internal/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubEscrowStore serves a single transaction; writes are never reached in
// these tests.
type stubEscrowStore struct{ tx *models.EscrowTransaction }

func (s *stubEscrowStore) Create(context.Context, *models.EscrowTransaction) error { return nil }

func (s *stubEscrowStore) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	if s.tx == nil || s.tx.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *s.tx
	return &cp, nil
}

func (s *stubEscrowStore) GetByProviderRef(_ context.Context, ref string) (*models.EscrowTransaction, error) {
	if s.tx == nil || s.tx.PaymentProviderRef == nil || *s.tx.PaymentProviderRef != ref {
		return nil, pgx.ErrNoRows
	}
	cp := *s.tx
	return &cp, nil
}

func (s *stubEscrowStore) Transition(context.Context, *models.EscrowTransaction, string, repositories.TransitionPatch) error {
	return repositories.ErrStaleTransaction
}

func (s *stubEscrowStore) MarkReleaseAttempted(context.Context, *models.EscrowTransaction) error {
	return repositories.ErrStaleTransaction
}

func (s *stubEscrowStore) ClearReleaseAttempted(context.Context, *models.EscrowTransaction) error {
	return repositories.ErrStaleTransaction
}

func (s *stubEscrowStore) List(context.Context, repositories.EscrowFilter) ([]models.EscrowTransaction, error) {
	return nil, nil
}

func (s *stubEscrowStore) ListExpired(context.Context, int) ([]models.EscrowTransaction, error) {
	return nil, nil
}

func (s *stubEscrowStore) ListAwaitingConfirmation(context.Context, string, int) ([]models.EscrowTransaction, error) {
	return nil, nil
}

type stubAuditStore struct{}

func (stubAuditStore) Log(context.Context, models.EscrowEvent) error { return nil }

func (stubAuditStore) GetByEscrow(context.Context, uuid.UUID, int, int) ([]models.EscrowEvent, error) {
	return nil, nil
}

type stubProvider struct{ event *payment.Event }

func (stubProvider) Name() string        { return "stub" }
func (stubProvider) SignsWebhooks() bool { return true }

func (stubProvider) VerifyWebhookSignature(http.Header, []byte) bool { return true }

func (p stubProvider) ParseWebhook([]byte) (*payment.Event, error) { return p.event, nil }

func (p stubProvider) GetStatus(context.Context, string) (*payment.Event, error) {
	return p.event, nil
}

func (stubProvider) CreateCharge(context.Context, payment.CreateChargeParams) (*payment.Charge, error) {
	return &payment.Charge{}, nil
}

type stubCustody struct{}

func (stubCustody) Fund(context.Context, uuid.UUID, decimal.Decimal) error { return nil }
func (stubCustody) Release(context.Context, uuid.UUID, string) error       { return nil }
func (stubCustody) Refund(context.Context, uuid.UUID) error                { return nil }

type stubNotifier struct{}

func (stubNotifier) Notify(context.Context, uuid.UUID, string, map[string]any) {}

type stubPublisher struct{}

func (stubPublisher) Publish(context.Context, string, events.Event) error { return nil }

func newWebhookTestApp(tx *models.EscrowTransaction, provider payment.Provider) *fiber.App {
	cfg := &config.Config{
		ReleaseMaxAttempts: 1,
		ReleaseBaseBackoff: time.Millisecond,
		ReleaseMaxBackoff:  time.Millisecond,
	}
	svc := services.NewEscrowService(
		&stubEscrowStore{tx: tx}, stubAuditStore{}, provider, stubCustody{},
		stubNotifier{}, stubPublisher{}, cfg, zap.NewNop(),
	)
	h := NewWebhookHandler(svc, zap.NewNop())

	app := fiber.New()
	app.Post("/escrow/:id/payment-webhook", h.PaymentWebhook)
	return app
}

// A confirmed notification can outrun the buyer's payment-sent action. That
// must surface as a retryable conflict, not an internal error, so the
// provider redelivers once the transaction catches up.
func TestPaymentWebhookEarlyConfirmationAsksForRetry(t *testing.T) {
	ref := "charge-1"
	tx := &models.EscrowTransaction{
		ID:                 uuid.New(),
		BuyerID:            uuid.New(),
		SellerID:           uuid.New(),
		Status:             models.EscrowStatusFunded,
		FiatAmount:         decimal.RequireFromString("100.00"),
		PaymentProviderRef: &ref,
		ExpiresAt:          time.Now().Add(time.Hour),
	}
	provider := stubProvider{event: &payment.Event{
		ProviderRef: ref,
		Kind:        payment.EventConfirmed,
		Amount:      tx.FiatAmount,
	}}
	app := newWebhookTestApp(tx, provider)

	req := httptest.NewRequest(http.MethodPost,
		"/escrow/"+tx.ID.String()+"/payment-webhook",
		bytes.NewReader([]byte(`{"pix":[{"txid":"charge-1","valor":"100.00"}]}`)))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestPaymentWebhookUnknownTransactionIs404(t *testing.T) {
	app := newWebhookTestApp(nil, stubProvider{})

	req := httptest.NewRequest(http.MethodPost,
		"/escrow/"+uuid.NewString()+"/payment-webhook",
		bytes.NewReader([]byte(`{}`)))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
