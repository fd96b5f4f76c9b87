package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rioporto/backend/internal/models"
)

// ErrStaleTransaction means a compare-and-swap write matched no row: the
// transaction moved (status or version changed) since it was read.
var ErrStaleTransaction = errors.New("escrow transaction changed since read")

const escrowColumns = `
	id, buyer_id, seller_id, crypto_currency, crypto_amount, fiat_amount, status,
	escrow_address, payment_provider, payment_provider_ref, payment_pix_key,
	payment_qr_payload, release_attempted, dispute_reason, version, created_at,
	funded_at, payment_sent_at, payment_confirmed_at, released_at, disputed_at,
	cancelled_at, expires_at, updated_at`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, t *models.EscrowTransaction) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_transactions (buyer_id, seller_id, crypto_currency, crypto_amount, fiat_amount, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, version, created_at, updated_at
	`, t.BuyerID, t.SellerID, t.CryptoCurrency, t.CryptoAmount, t.FiatAmount, t.Status, t.ExpiresAt,
	).Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanEscrow(row)
}

func (r *EscrowRepo) GetByProviderRef(ctx context.Context, providerRef string) (*models.EscrowTransaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE payment_provider_ref = $1`, providerRef)
	return scanEscrow(row)
}

// TransitionPatch carries the columns a transition sets alongside the status.
// Each timestamp is written by exactly one transition, never retroactively.
type TransitionPatch struct {
	EscrowAddress      *string
	PaymentProvider    *string
	PaymentProviderRef *string
	PaymentPixKey      *string
	PaymentQRPayload   *string
	DisputeReason      *string
	ReleaseAttempted   *bool

	FundedAt           *time.Time
	PaymentSentAt      *time.Time
	PaymentConfirmedAt *time.Time
	ReleasedAt         *time.Time
	DisputedAt         *time.Time
	CancelledAt        *time.Time
}

// Transition performs the compare-and-swap status write: the update applies
// only if the row still has the status and version the caller read. On a miss
// it returns ErrStaleTransaction and the caller re-reads and retries.
func (r *EscrowRepo) Transition(ctx context.Context, t *models.EscrowTransaction, newStatus string, patch TransitionPatch) error {
	set := []string{"status = $1", "version = version + 1", "updated_at = now()"}
	args := []any{newStatus}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.EscrowAddress != nil {
		add("escrow_address", *patch.EscrowAddress)
	}
	if patch.PaymentProvider != nil {
		add("payment_provider", *patch.PaymentProvider)
	}
	if patch.PaymentProviderRef != nil {
		add("payment_provider_ref", *patch.PaymentProviderRef)
	}
	if patch.PaymentPixKey != nil {
		add("payment_pix_key", *patch.PaymentPixKey)
	}
	if patch.PaymentQRPayload != nil {
		add("payment_qr_payload", *patch.PaymentQRPayload)
	}
	if patch.DisputeReason != nil {
		add("dispute_reason", *patch.DisputeReason)
	}
	if patch.ReleaseAttempted != nil {
		add("release_attempted", *patch.ReleaseAttempted)
	}
	if patch.FundedAt != nil {
		add("funded_at", *patch.FundedAt)
	}
	if patch.PaymentSentAt != nil {
		add("payment_sent_at", *patch.PaymentSentAt)
	}
	if patch.PaymentConfirmedAt != nil {
		add("payment_confirmed_at", *patch.PaymentConfirmedAt)
	}
	if patch.ReleasedAt != nil {
		add("released_at", *patch.ReleasedAt)
	}
	if patch.DisputedAt != nil {
		add("disputed_at", *patch.DisputedAt)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}

	args = append(args, t.ID, t.Status, t.Version)
	query := fmt.Sprintf(`
		UPDATE escrow_transactions SET %s
		WHERE id = $%d AND status = $%d AND version = $%d
		RETURNING `+escrowColumns,
		joinSet(set), len(args)-2, len(args)-1, len(args))

	updated, err := scanEscrow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleTransaction
		}
		return err
	}
	*t = *updated
	return nil
}

// MarkReleaseAttempted sets the release guard without changing status. The
// conditional write makes the guard win exactly once across replicas.
func (r *EscrowRepo) MarkReleaseAttempted(ctx context.Context, t *models.EscrowTransaction) error {
	updated, err := scanEscrow(r.pool.QueryRow(ctx, `
		UPDATE escrow_transactions
		SET release_attempted = true, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND release_attempted = false
		RETURNING `+escrowColumns, t.ID, t.Version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleTransaction
		}
		return err
	}
	*t = *updated
	return nil
}

// ClearReleaseAttempted re-arms the release guard after a custody call that
// failed, so a later attempt can reach custody again. Version-conditioned
// like the guard itself.
func (r *EscrowRepo) ClearReleaseAttempted(ctx context.Context, t *models.EscrowTransaction) error {
	updated, err := scanEscrow(r.pool.QueryRow(ctx, `
		UPDATE escrow_transactions
		SET release_attempted = false, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND release_attempted = true
		RETURNING `+escrowColumns, t.ID, t.Version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleTransaction
		}
		return err
	}
	*t = *updated
	return nil
}

type EscrowFilter struct {
	BuyerID  *uuid.UUID
	SellerID *uuid.UUID
	PartyID  *uuid.UUID // buyer OR seller
	Status   *string
	Limit    int
	Offset   int
}

func (r *EscrowRepo) List(ctx context.Context, f EscrowFilter) ([]models.EscrowTransaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions`
	args := []any{}
	where := []string{}

	if f.BuyerID != nil {
		args = append(args, *f.BuyerID)
		where = append(where, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if f.SellerID != nil {
		args = append(args, *f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if f.PartyID != nil {
		args = append(args, *f.PartyID)
		where = append(where, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListExpired returns transactions whose expiry has passed while in a
// non-terminal, non-disputed state. Driven by the sweeper.
func (r *EscrowRepo) ListExpired(ctx context.Context, limit int) ([]models.EscrowTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE expires_at < now()
		  AND status IN ($1, $2, $3)
		ORDER BY expires_at ASC LIMIT $4
	`, models.EscrowStatusPending, models.EscrowStatusFunded, models.EscrowStatusPaymentPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListAwaitingConfirmation returns payment_pending transactions with a live
// provider charge, for the status poller.
func (r *EscrowRepo) ListAwaitingConfirmation(ctx context.Context, provider string, limit int) ([]models.EscrowTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrow_transactions
		WHERE status = $1 AND payment_provider = $2 AND payment_provider_ref IS NOT NULL
		ORDER BY payment_sent_at ASC LIMIT $3
	`, models.EscrowStatusPaymentPending, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func scanEscrow(row pgx.Row) (*models.EscrowTransaction, error) {
	var t models.EscrowTransaction
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.CryptoCurrency, &t.CryptoAmount, &t.FiatAmount, &t.Status,
		&t.EscrowAddress, &t.PaymentProvider, &t.PaymentProviderRef, &t.PaymentPixKey,
		&t.PaymentQRPayload, &t.ReleaseAttempted, &t.DisputeReason, &t.Version, &t.CreatedAt,
		&t.FundedAt, &t.PaymentSentAt, &t.PaymentConfirmedAt, &t.ReleasedAt, &t.DisputedAt,
		&t.CancelledAt, &t.ExpiresAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectEscrows(rows pgx.Rows) ([]models.EscrowTransaction, error) {
	var txs []models.EscrowTransaction
	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func joinSet(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func joinAnd(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " AND "
		}
		out += p
	}
	return out
}
