package models

import (
	"time"

	"github.com/google/uuid"
)

// TwoFactorCredential holds the shared TOTP seed for one user.
// The verifier service is the only writer.
type TwoFactorCredential struct {
	UserID     uuid.UUID  `json:"user_id"`
	Secret     string     `json:"-"` // base32 seed, never returned to clients
	Enabled    bool       `json:"enabled"`
	Verified   bool       `json:"verified"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BackupCode is a single-use fallback second factor. Once used it is never
// reusable; marking used happens atomically with the login decision.
type BackupCode struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	CodeHash  string     `json:"-"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
