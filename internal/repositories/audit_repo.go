package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rioporto/backend/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Log(ctx context.Context, entry models.EscrowEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_events (actor_user_id, actor_type, action, escrow_id, meta)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ActorUserID, entry.ActorType, entry.Action, entry.EscrowID, entry.Meta)
	return err
}

func (r *AuditRepo) GetByEscrow(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.EscrowEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_user_id, actor_type, action, escrow_id, meta, created_at
		FROM escrow_events WHERE escrow_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, escrowID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.EscrowEvent
	for rows.Next() {
		var e models.EscrowEvent
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.ActorType, &e.Action, &e.EscrowID, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
