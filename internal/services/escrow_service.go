package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/custody"
	"github.com/rioporto/backend/internal/events"
	"github.com/rioporto/backend/internal/models"
	"github.com/rioporto/backend/internal/payment"
	"github.com/rioporto/backend/internal/repositories"
	"github.com/rioporto/backend/internal/retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// casMaxRetries bounds the read-compute-write cycle on version conflicts.
const casMaxRetries = 3

const (
	disputeReasonReleaseFailed = "automatic release failed"
	disputeReasonRefundFailed  = "automatic refund failed"
	disputeReasonPaymentStale  = "payment confirmation window elapsed"
)

// EscrowStore is the persistence surface the coordinator needs. Satisfied by
// repositories.EscrowRepo; tests supply an in-memory implementation.
type EscrowStore interface {
	Create(ctx context.Context, t *models.EscrowTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetByProviderRef(ctx context.Context, providerRef string) (*models.EscrowTransaction, error)
	Transition(ctx context.Context, t *models.EscrowTransaction, newStatus string, patch repositories.TransitionPatch) error
	MarkReleaseAttempted(ctx context.Context, t *models.EscrowTransaction) error
	ClearReleaseAttempted(ctx context.Context, t *models.EscrowTransaction) error
	List(ctx context.Context, f repositories.EscrowFilter) ([]models.EscrowTransaction, error)
	ListExpired(ctx context.Context, limit int) ([]models.EscrowTransaction, error)
	ListAwaitingConfirmation(ctx context.Context, provider string, limit int) ([]models.EscrowTransaction, error)
}

// AuditStore records the audit trail of coordinator actions.
type AuditStore interface {
	Log(ctx context.Context, entry models.EscrowEvent) error
	GetByEscrow(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.EscrowEvent, error)
}

// EscrowService owns the EscrowTransaction state machine. Every mutation goes
// through the compare-and-swap transition cycle; external custody and
// provider calls never happen while a write is pending.
type EscrowService struct {
	store     EscrowStore
	audit     AuditStore
	provider  payment.Provider
	custodian custody.Adapter
	notifier  Notifier
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func NewEscrowService(
	store EscrowStore,
	audit AuditStore,
	provider payment.Provider,
	custodian custody.Adapter,
	notifier Notifier,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		store:     store,
		audit:     audit,
		provider:  provider,
		custodian: custodian,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// transition runs the read-compute-write cycle for one transaction. compute
// receives the freshly read state and returns the target status plus the
// columns that transition sets; it is re-invoked on every conflict retry.
func (s *EscrowService) transition(
	ctx context.Context,
	id uuid.UUID,
	actorID *uuid.UUID,
	actorType string,
	compute func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error),
) (*models.EscrowTransaction, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		t, err := s.store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, err
		}

		newStatus, patch, err := compute(t)
		if err != nil {
			return nil, err
		}

		if !models.IsValidEscrowTransition(t.Status, newStatus) {
			return nil, &InvalidTransitionError{From: t.Status, To: newStatus}
		}

		oldStatus := t.Status
		err = s.store.Transition(ctx, t, newStatus, patch)
		if errors.Is(err, repositories.ErrStaleTransaction) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.recordTransition(ctx, t, oldStatus, newStatus, actorID, actorType)
		return t, nil
	}
	return nil, ErrConflict
}

// recordTransition writes the audit entry, publishes the domain event and
// notifies both parties. None of these may fail the transition itself.
func (s *EscrowService) recordTransition(ctx context.Context, t *models.EscrowTransaction, oldStatus, newStatus string, actorID *uuid.UUID, actorType string) {
	if err := s.audit.Log(ctx, models.EscrowEvent{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      fmt.Sprintf("escrow_status_%s_to_%s", oldStatus, newStatus),
		EscrowID:    t.ID,
		Meta:        map[string]any{"old_status": oldStatus, "new_status": newStatus},
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("escrow_id", t.ID.String()), zap.Error(err))
	}

	if err := s.publisher.Publish(ctx, "events:escrow", events.Event{
		Type: events.EventEscrowStatusChanged,
		Payload: map[string]any{
			"escrow_id":  t.ID.String(),
			"old_status": oldStatus,
			"new_status": newStatus,
			"expires_at": t.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		s.log.Warn("event publish failed", zap.String("escrow_id", t.ID.String()), zap.Error(err))
	}

	payload := map[string]any{"escrow_id": t.ID.String(), "status": newStatus}
	s.notifier.Notify(ctx, t.BuyerID, "escrow_"+newStatus, payload)
	s.notifier.Notify(ctx, t.SellerID, "escrow_"+newStatus, payload)
}

// Create opens a new escrow transaction in pending with its expiry window.
// Trade matching happens upstream; amounts are immutable from here on.
func (s *EscrowService) Create(ctx context.Context, buyerID, sellerID uuid.UUID, cryptoCurrency string, cryptoAmount, fiatAmount decimal.Decimal, expiryMinutes int) (*models.EscrowTransaction, error) {
	if buyerID == sellerID {
		return nil, fmt.Errorf("buyer and seller must be distinct")
	}
	if cryptoCurrency == "" {
		return nil, fmt.Errorf("crypto currency is required")
	}
	if !cryptoAmount.IsPositive() || !fiatAmount.IsPositive() {
		return nil, fmt.Errorf("amounts must be positive")
	}
	if expiryMinutes <= 0 {
		expiryMinutes = s.cfg.EscrowExpiryMinutes
	}

	t := &models.EscrowTransaction{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		CryptoCurrency: cryptoCurrency,
		CryptoAmount:   cryptoAmount,
		FiatAmount:     fiatAmount,
		Status:         models.EscrowStatusPending,
		ExpiresAt:      s.now().Add(time.Duration(expiryMinutes) * time.Minute),
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	if err := s.audit.Log(ctx, models.EscrowEvent{
		ActorUserID: &sellerID,
		ActorType:   "seller",
		Action:      "escrow_created",
		EscrowID:    t.ID,
		Meta: map[string]any{
			"crypto_currency": cryptoCurrency,
			"crypto_amount":   cryptoAmount.String(),
			"fiat_amount":     fiatAmount.String(),
			"expires_at":      t.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("escrow_id", t.ID.String()), zap.Error(err))
	}
	return t, nil
}

// Fund verifies the seller's deposit through the custody adapter, creates the
// payment charge and moves pending -> funded. The escrow address and provider
// reference are set exactly once here.
func (s *EscrowService) Fund(ctx context.Context, txID, actorID uuid.UUID, escrowAddress string, observedAmount decimal.Decimal) (*models.EscrowTransaction, error) {
	t, err := s.getOwned(ctx, txID, actorID)
	if err != nil {
		return nil, err
	}
	if t.SellerID != actorID {
		return nil, ErrUnauthorized
	}
	if t.Status != models.EscrowStatusPending {
		return nil, &InvalidTransitionError{From: t.Status, To: models.EscrowStatusFunded}
	}
	if escrowAddress == "" {
		return nil, fmt.Errorf("escrow address is required")
	}
	if observedAmount.Cmp(t.CryptoAmount) < 0 {
		return nil, fmt.Errorf("observed deposit %s is below the agreed amount %s", observedAmount, t.CryptoAmount)
	}

	// Deposit verification is the adapter's job; a funded claim from the
	// client alone is never sufficient.
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = s.custodian.Fund(callCtx, t.ID, observedAmount)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("custody fund verification: %w", err)
	}

	charge, err := s.provider.CreateCharge(ctx, payment.CreateChargeParams{
		Amount:        t.FiatAmount,
		Reference:     t.ID.String(),
		ExpiryMinutes: s.cfg.PaymentExpiryMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment charge: %w", err)
	}

	fundedAt := s.now()
	providerName := s.provider.Name()
	return s.transition(ctx, txID, &actorID, "seller", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusFunded, repositories.TransitionPatch{
			EscrowAddress:      &escrowAddress,
			PaymentProvider:    &providerName,
			PaymentProviderRef: &charge.ProviderRef,
			PaymentPixKey:      &charge.PixKey,
			PaymentQRPayload:   &charge.QRCodePayload,
			FundedAt:           &fundedAt,
		}, nil
	})
}

// MarkPaymentSent records the buyer's claim that fiat went out. The claim is
// unverified; confirmation comes from the provider or the seller.
func (s *EscrowService) MarkPaymentSent(ctx context.Context, txID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	t, err := s.getOwned(ctx, txID, actorID)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actorID {
		return nil, ErrUnauthorized
	}

	sentAt := s.now()
	return s.transition(ctx, txID, &actorID, "buyer", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusPaymentPending, repositories.TransitionPatch{PaymentSentAt: &sentAt}, nil
	})
}

// ConfirmPaymentManual is the seller's out-of-band confirmation for rails
// with no automated status (the manual PIX provider).
func (s *EscrowService) ConfirmPaymentManual(ctx context.Context, txID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	t, err := s.getOwned(ctx, txID, actorID)
	if err != nil {
		return nil, err
	}
	if t.SellerID != actorID {
		return nil, ErrUnauthorized
	}
	return s.confirmAndRelease(ctx, txID, &actorID, "seller", s.now())
}

// ApplyPaymentEvent reconciles a normalized provider event against the
// transaction it references. Replays and out-of-order arrivals are no-ops:
// if the event's implied outcome is already reflected in the status, nothing
// happens.
func (s *EscrowService) ApplyPaymentEvent(ctx context.Context, ev *payment.Event) error {
	t, err := s.store.GetByProviderRef(ctx, ev.ProviderRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Never create a transaction from an unsolicited notification.
			s.log.Info("payment event for unknown provider ref, discarded",
				zap.String("provider_ref", ev.ProviderRef), zap.String("kind", ev.Kind))
			return ErrNotFound
		}
		return err
	}

	switch ev.Kind {
	case payment.EventConfirmed:
		if t.Status == models.EscrowStatusPaymentConfirmed || t.Status == models.EscrowStatusCompleted {
			return nil // already applied
		}
		if !ev.Amount.IsZero() && ev.Amount.Cmp(t.FiatAmount) < 0 {
			s.log.Warn("confirmed amount below expected, not applying",
				zap.String("escrow_id", t.ID.String()),
				zap.String("got", ev.Amount.String()),
				zap.String("want", t.FiatAmount.String()))
			return fmt.Errorf("confirmed amount %s below expected %s", ev.Amount, t.FiatAmount)
		}
		_, err := s.confirmAndRelease(ctx, t.ID, nil, "webhook", s.now())
		if err != nil && IsInvalidTransition(err) && models.IsTerminalEscrowStatus(t.Status) {
			return nil
		}
		return err

	case payment.EventFailed, payment.EventExpired:
		// The expiry sweeper owns stale-payment escalation; just record it.
		if err := s.audit.Log(ctx, models.EscrowEvent{
			ActorType: "webhook",
			Action:    "payment_" + ev.Kind,
			EscrowID:  t.ID,
			Meta:      map[string]any{"provider_ref": ev.ProviderRef},
		}); err != nil {
			s.log.Warn("audit log write failed", zap.String("escrow_id", t.ID.String()), zap.Error(err))
		}
		return nil

	default:
		return nil
	}
}

// HandleWebhook processes an inbound provider notification for one
// transaction. Signed providers must pass signature verification; unsigned
// providers are treated as a hint only and require an authoritative status
// poll before any transition.
func (s *EscrowService) HandleWebhook(ctx context.Context, txID uuid.UUID, header http.Header, rawBody []byte) error {
	t, err := s.store.GetByID(ctx, txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if t.PaymentProviderRef == nil {
		return ErrNotFound
	}

	if s.provider.SignsWebhooks() {
		if !s.provider.VerifyWebhookSignature(header, rawBody) {
			if err := s.audit.Log(ctx, models.EscrowEvent{
				ActorType: "webhook",
				Action:    "webhook_signature_rejected",
				EscrowID:  t.ID,
			}); err != nil {
				s.log.Warn("audit log write failed", zap.String("escrow_id", t.ID.String()), zap.Error(err))
			}
			return ErrInvalidSignature
		}

		ev, err := s.provider.ParseWebhook(rawBody)
		if err != nil {
			return fmt.Errorf("parse webhook: %w", err)
		}
		if ev.ProviderRef != *t.PaymentProviderRef {
			s.log.Info("webhook provider ref does not match transaction, discarded",
				zap.String("escrow_id", t.ID.String()), zap.String("provider_ref", ev.ProviderRef))
			return ErrNotFound
		}
		return s.ApplyPaymentEvent(ctx, ev)
	}

	// Unsigned provider: the webhook body proves nothing. Poll for the
	// authoritative status; providers with no status source stay untouched
	// until an authenticated party confirms.
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ev, err := s.provider.GetStatus(callCtx, *t.PaymentProviderRef)
	cancel()
	if err != nil {
		if errors.Is(err, payment.ErrStatusUnavailable) {
			s.log.Info("webhook for provider without status source ignored",
				zap.String("escrow_id", t.ID.String()))
			return nil
		}
		return err
	}
	return s.ApplyPaymentEvent(ctx, ev)
}

// confirmAndRelease moves payment_pending -> payment_confirmed and then runs
// the custody release flow.
func (s *EscrowService) confirmAndRelease(ctx context.Context, txID uuid.UUID, actorID *uuid.UUID, actorType string, confirmedAt time.Time) (*models.EscrowTransaction, error) {
	t, err := s.transition(ctx, txID, actorID, actorType, func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusPaymentConfirmed, repositories.TransitionPatch{PaymentConfirmedAt: &confirmedAt}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.release(ctx, t)
}

// release sends the crypto to the buyer. The persisted release_attempted
// marker makes the custody call happen at most once per transaction even
// across process restarts; exhausted retries escalate to disputed so funds
// are never silently stuck.
func (s *EscrowService) release(ctx context.Context, t *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	if err := s.store.MarkReleaseAttempted(ctx, t); err != nil {
		if errors.Is(err, repositories.ErrStaleTransaction) {
			// Another replica holds the release; let it finish.
			return s.store.GetByID(ctx, t.ID)
		}
		return nil, err
	}

	err := retry.Do(ctx, s.cfg.ReleaseMaxAttempts, s.cfg.ReleaseBaseBackoff, s.cfg.ReleaseMaxBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		// Custody resolves the buyer's payout address from its own records.
		return s.custodian.Release(callCtx, t.ID, t.BuyerID.String())
	})
	if err != nil {
		s.log.Error("custody release failed after retries, escalating to dispute",
			zap.String("escrow_id", t.ID.String()), zap.Error(err))
		reason := disputeReasonReleaseFailed
		disputedAt := s.now()
		rearm := false
		return s.transition(ctx, t.ID, nil, "system", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
			// Re-arm the guard so dispute resolution can reach custody.
			return models.EscrowStatusDisputed, repositories.TransitionPatch{DisputeReason: &reason, DisputedAt: &disputedAt, ReleaseAttempted: &rearm}, nil
		})
	}

	releasedAt := s.now()
	return s.transition(ctx, t.ID, nil, "system", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusCompleted, repositories.TransitionPatch{ReleasedAt: &releasedAt}, nil
	})
}

// refundAndCancel returns the deposit to the seller, then cancels. The refund
// runs before the terminal write so a failure can still escalate to disputed.
func (s *EscrowService) refundAndCancel(ctx context.Context, t *models.EscrowTransaction, actorType string) (*models.EscrowTransaction, error) {
	if err := s.store.MarkReleaseAttempted(ctx, t); err != nil {
		if errors.Is(err, repositories.ErrStaleTransaction) {
			return s.store.GetByID(ctx, t.ID)
		}
		return nil, err
	}

	err := retry.Do(ctx, s.cfg.ReleaseMaxAttempts, s.cfg.ReleaseBaseBackoff, s.cfg.ReleaseMaxBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.custodian.Refund(callCtx, t.ID)
	})
	if err != nil {
		s.log.Error("custody refund failed after retries, escalating to dispute",
			zap.String("escrow_id", t.ID.String()), zap.Error(err))
		reason := disputeReasonRefundFailed
		disputedAt := s.now()
		rearm := false
		return s.transition(ctx, t.ID, nil, "system", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
			// Re-arm the guard so dispute resolution can reach custody.
			return models.EscrowStatusDisputed, repositories.TransitionPatch{DisputeReason: &reason, DisputedAt: &disputedAt, ReleaseAttempted: &rearm}, nil
		})
	}

	cancelledAt := s.now()
	return s.transition(ctx, t.ID, nil, actorType, func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusCancelled, repositories.TransitionPatch{CancelledAt: &cancelledAt}, nil
	})
}

// OpenDispute moves any non-terminal transaction to disputed. Reason is
// mandatory: 10 to 1000 characters.
func (s *EscrowService) OpenDispute(ctx context.Context, txID, actorID uuid.UUID, reason string) (*models.EscrowTransaction, error) {
	if n := utf8.RuneCountInString(reason); n < 10 || n > 1000 {
		return nil, fmt.Errorf("dispute reason must be between 10 and 1000 characters")
	}

	t, err := s.getOwned(ctx, txID, actorID)
	if err != nil {
		return nil, err
	}

	actorType := "buyer"
	if t.SellerID == actorID {
		actorType = "seller"
	}

	disputedAt := s.now()
	return s.transition(ctx, txID, &actorID, actorType, func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusDisputed, repositories.TransitionPatch{DisputeReason: &reason, DisputedAt: &disputedAt}, nil
	})
}

// Cancel is the synchronous user cancellation, permitted only before funding.
// Once the counterparty's crypto is in custody, cancellation is reachable
// only through expiry or dispute resolution.
func (s *EscrowService) Cancel(ctx context.Context, txID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	t, err := s.getOwned(ctx, txID, actorID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.EscrowStatusPending {
		return nil, &InvalidTransitionError{From: t.Status, To: models.EscrowStatusCancelled}
	}

	actorType := "buyer"
	if t.SellerID == actorID {
		actorType = "seller"
	}

	cancelledAt := s.now()
	return s.transition(ctx, txID, &actorID, actorType, func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		if t.Status != models.EscrowStatusPending {
			return "", repositories.TransitionPatch{}, &InvalidTransitionError{From: t.Status, To: models.EscrowStatusCancelled}
		}
		return models.EscrowStatusCancelled, repositories.TransitionPatch{CancelledAt: &cancelledAt}, nil
	})
}

// Resolve is the administrator's dispute decision: force release to the
// buyer or refund to the seller. This is the only path out of disputed. The
// release guard is claimed before the custody call, so concurrent resolutions
// of the same transaction collapse to a single payout.
func (s *EscrowService) Resolve(ctx context.Context, txID, adminID uuid.UUID, outcome string) (*models.EscrowTransaction, error) {
	if !s.cfg.IsAdmin(adminID) {
		return nil, ErrUnauthorized
	}
	if outcome != "release" && outcome != "refund" {
		return nil, fmt.Errorf("unknown resolution outcome %q, must be release or refund", outcome)
	}

	t, err := s.store.GetByID(ctx, txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.Status != models.EscrowStatusDisputed {
		return nil, &InvalidTransitionError{From: t.Status, To: outcomeStatus(outcome)}
	}

	if err := s.store.MarkReleaseAttempted(ctx, t); err != nil {
		if errors.Is(err, repositories.ErrStaleTransaction) {
			// Another resolution holds the guard or already finished.
			return nil, ErrConflict
		}
		return nil, err
	}

	err = retry.Do(ctx, s.cfg.ReleaseMaxAttempts, s.cfg.ReleaseBaseBackoff, s.cfg.ReleaseMaxBackoff, func() error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if outcome == "release" {
			return s.custodian.Release(callCtx, t.ID, t.BuyerID.String())
		}
		return s.custodian.Refund(callCtx, t.ID)
	})
	if err != nil {
		// Re-arm the guard so the administrator can try again later.
		if clearErr := s.store.ClearReleaseAttempted(ctx, t); clearErr != nil {
			s.log.Error("release guard re-arm failed",
				zap.String("escrow_id", t.ID.String()), zap.Error(clearErr))
		}
		return nil, fmt.Errorf("custody %s: %w", outcome, err)
	}

	resolvedAt := s.now()
	if outcome == "release" {
		return s.transition(ctx, txID, &adminID, "admin", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
			return models.EscrowStatusCompleted, repositories.TransitionPatch{ReleasedAt: &resolvedAt}, nil
		})
	}
	return s.transition(ctx, txID, &adminID, "admin", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
		return models.EscrowStatusCancelled, repositories.TransitionPatch{CancelledAt: &resolvedAt}, nil
	})
}

// SweepExpired drives overdue transactions through their expiry transitions.
// Safe to run from multiple replicas: the CAS write makes a re-scan of an
// already-transitioned record a no-op. One failing transaction never aborts
// the sweep.
func (s *EscrowService) SweepExpired(ctx context.Context) {
	txs, err := s.store.ListExpired(ctx, 100)
	if err != nil {
		s.log.Error("expiry scan failed", zap.Error(err))
		return
	}

	for i := range txs {
		t := &txs[i]
		var err error
		switch t.Status {
		case models.EscrowStatusPending:
			// Never funded: plain cancellation, nothing to refund.
			cancelledAt := s.now()
			_, err = s.transition(ctx, t.ID, nil, "system", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
				if t.Status != models.EscrowStatusPending {
					return "", repositories.TransitionPatch{}, &InvalidTransitionError{From: t.Status, To: models.EscrowStatusCancelled}
				}
				return models.EscrowStatusCancelled, repositories.TransitionPatch{CancelledAt: &cancelledAt}, nil
			})

		case models.EscrowStatusFunded:
			// Buyer stalled: refund the seller's deposit, then cancel.
			_, err = s.refundAndCancel(ctx, t, "system")

		case models.EscrowStatusPaymentPending:
			// A "sent" claim with no confirmation protects nobody; a human
			// must decide.
			reason := disputeReasonPaymentStale
			disputedAt := s.now()
			_, err = s.transition(ctx, t.ID, nil, "system", func(t *models.EscrowTransaction) (string, repositories.TransitionPatch, error) {
				if t.Status != models.EscrowStatusPaymentPending {
					return "", repositories.TransitionPatch{}, &InvalidTransitionError{From: t.Status, To: models.EscrowStatusDisputed}
				}
				return models.EscrowStatusDisputed, repositories.TransitionPatch{DisputeReason: &reason, DisputedAt: &disputedAt}, nil
			})
		}

		if err != nil && !IsInvalidTransition(err) {
			s.log.Error("expiry transition failed",
				zap.String("escrow_id", t.ID.String()),
				zap.String("status", t.Status),
				zap.Error(err))
		}
	}
}

// PollPaymentStatuses reconciles payment_pending transactions against the
// provider's authoritative status, recovering webhooks that never arrived.
func (s *EscrowService) PollPaymentStatuses(ctx context.Context) {
	txs, err := s.store.ListAwaitingConfirmation(ctx, s.provider.Name(), 100)
	if err != nil {
		s.log.Error("status poll scan failed", zap.Error(err))
		return
	}

	for i := range txs {
		t := &txs[i]
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ev, err := s.provider.GetStatus(callCtx, *t.PaymentProviderRef)
		cancel()
		if err != nil {
			if !errors.Is(err, payment.ErrStatusUnavailable) {
				s.log.Warn("status poll failed",
					zap.String("escrow_id", t.ID.String()), zap.Error(err))
			}
			continue
		}
		if err := s.ApplyPaymentEvent(ctx, ev); err != nil && !IsInvalidTransition(err) {
			s.log.Warn("status poll apply failed",
				zap.String("escrow_id", t.ID.String()), zap.Error(err))
		}
	}
}

// Get returns a transaction to one of its parties (or an admin).
func (s *EscrowService) Get(ctx context.Context, txID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	t, err := s.store.GetByID(ctx, txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !t.IsParty(actorID) && !s.cfg.IsAdmin(actorID) {
		return nil, ErrUnauthorized
	}
	return t, nil
}

func (s *EscrowService) List(ctx context.Context, f repositories.EscrowFilter) ([]models.EscrowTransaction, error) {
	return s.store.List(ctx, f)
}

func (s *EscrowService) GetEvents(ctx context.Context, txID, actorID uuid.UUID) ([]models.EscrowEvent, error) {
	if _, err := s.Get(ctx, txID, actorID); err != nil {
		return nil, err
	}
	return s.audit.GetByEscrow(ctx, txID, 100, 0)
}

func (s *EscrowService) getOwned(ctx context.Context, txID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	t, err := s.store.GetByID(ctx, txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	return t, nil
}

func outcomeStatus(outcome string) string {
	if outcome == "refund" {
		return models.EscrowStatusCancelled
	}
	return models.EscrowStatusCompleted
}
