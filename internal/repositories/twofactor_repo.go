package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rioporto/backend/internal/models"
)

type TwoFactorRepo struct {
	pool *pgxpool.Pool
}

func NewTwoFactorRepo(pool *pgxpool.Pool) *TwoFactorRepo {
	return &TwoFactorRepo{pool: pool}
}

func (r *TwoFactorRepo) Get(ctx context.Context, userID uuid.UUID) (*models.TwoFactorCredential, error) {
	var c models.TwoFactorCredential
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, secret, enabled, verified, last_used_at, updated_at
		FROM two_factor_credentials WHERE user_id = $1
	`, userID).Scan(&c.UserID, &c.Secret, &c.Enabled, &c.Verified, &c.LastUsedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertSecret stores a fresh secret in the unverified, disabled state.
// Re-running setup always invalidates a prior unconfirmed secret.
func (r *TwoFactorRepo) UpsertSecret(ctx context.Context, userID uuid.UUID, secret string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO two_factor_credentials (user_id, secret, enabled, verified)
		VALUES ($1, $2, false, false)
		ON CONFLICT (user_id) DO UPDATE SET
			secret = EXCLUDED.secret, enabled = false, verified = false, updated_at = now()
	`, userID, secret)
	return err
}

func (r *TwoFactorRepo) Enable(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE two_factor_credentials
		SET enabled = true, verified = true, last_used_at = now(), updated_at = now()
		WHERE user_id = $1
	`, userID)
	return err
}

func (r *TwoFactorRepo) TouchLastUsed(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE two_factor_credentials SET last_used_at = $1, updated_at = now() WHERE user_id = $2
	`, at, userID)
	return err
}

func (r *TwoFactorRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM two_factor_credentials WHERE user_id = $1`, userID)
	return err
}

// --- backup codes ---

func (r *TwoFactorRepo) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, h := range codeHashes {
		if _, err := tx.Exec(ctx, `INSERT INTO backup_codes (user_id, code_hash) VALUES ($1, $2)`, userID, h); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *TwoFactorRepo) ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]models.BackupCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, code_hash, used, used_at, created_at
		FROM backup_codes WHERE user_id = $1 AND used = false
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []models.BackupCode
	for rows.Next() {
		var c models.BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// ConsumeBackupCode marks a code used if and only if it is still unused.
// Returns false when another login already consumed it.
func (r *TwoFactorRepo) ConsumeBackupCode(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE backup_codes SET used = true, used_at = now()
		WHERE id = $1 AND used = false
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TwoFactorRepo) DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
	return err
}
