package models

import (
	"time"

	"github.com/google/uuid"
)

type EscrowEvent struct {
	ID          uuid.UUID  `json:"id"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	ActorType   string     `json:"actor_type"` // buyer/seller/admin/system/webhook
	Action      string     `json:"action"`
	EscrowID    uuid.UUID  `json:"escrow_id"`
	Meta        any        `json:"meta,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
