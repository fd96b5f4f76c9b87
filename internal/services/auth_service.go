package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rioporto/backend/internal/auth"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/models"
	"go.uber.org/zap"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

type AuthUserStore interface {
	Create(ctx context.Context, email, passwordHash string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastActive(ctx context.Context, id uuid.UUID) error
}

// AuthService handles registration and the two-phase login: accounts with
// 2FA enabled get a short-lived pending token that only unlocks the
// verification endpoint.
type AuthService struct {
	users     AuthUserStore
	twoFactor *TwoFactorService
	cfg       *config.Config
	log       *zap.Logger
}

func NewAuthService(users AuthUserStore, twoFactor *TwoFactorService, cfg *config.Config, log *zap.Logger) *AuthService {
	return &AuthService{users: users, twoFactor: twoFactor, cfg: cfg, log: log}
}

type LoginResult struct {
	Token            string       `json:"token"`
	TwoFactorPending bool         `json:"two_factor_pending"`
	User             *models.User `json:"user,omitempty"`
}

func (s *AuthService) Register(ctx context.Context, email, password string) (*LoginResult, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	u, err := s.users.Create(ctx, email, hash)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, u.ID, false, s.cfg.JWTExpiration)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: u}, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	if u.TwoFactorEnabled {
		// Pending token: good only for presenting the second factor.
		token, err := auth.GenerateJWT(s.cfg.JWTSecret, u.ID, true, s.cfg.TwoFactorPendingTTL)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Token: token, TwoFactorPending: true}, nil
	}

	if err := s.users.UpdateLastActive(ctx, u.ID); err != nil {
		s.log.Warn("failed to update last_active_at", zap.String("user_id", u.ID.String()), zap.Error(err))
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, u.ID, false, s.cfg.JWTExpiration)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: u}, nil
}

// CompleteTwoFactor exchanges a pending token plus a valid code for a full
// session token.
func (s *AuthService) CompleteTwoFactor(ctx context.Context, userID uuid.UUID, code string) (*LoginResult, error) {
	if err := s.twoFactor.Verify(ctx, userID, code); err != nil {
		return nil, err
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateLastActive(ctx, u.ID); err != nil {
		s.log.Warn("failed to update last_active_at", zap.String("user_id", u.ID.String()), zap.Error(err))
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, u.ID, false, s.cfg.JWTExpiration)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: u}, nil
}
