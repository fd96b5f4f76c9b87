package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/rioporto/backend/internal/auth"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	backupCodeCount = 10
	// Accept codes from two 30s steps either side of the current one to
	// tolerate device clock drift.
	totpSkew = 2

	failedAttemptLimit  = 5
	failedAttemptWindow = 15 * time.Minute
)

var ErrTooManyAttempts = errors.New("too many failed verification attempts, try again later")

// TwoFactorStore is the persistence surface for TOTP credentials and backup
// codes. Satisfied by repositories.TwoFactorRepo.
type TwoFactorStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.TwoFactorCredential, error)
	UpsertSecret(ctx context.Context, userID uuid.UUID, secret string) error
	Enable(ctx context.Context, userID uuid.UUID) error
	TouchLastUsed(ctx context.Context, userID uuid.UUID, at time.Time) error
	Delete(ctx context.Context, userID uuid.UUID) error
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]models.BackupCode, error)
	ConsumeBackupCode(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetTwoFactorEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// TwoFactorService owns TOTP enrollment and verification plus single-use
// backup codes. Codes are bcrypt-hashed at rest; plaintext is shown to the
// user exactly once, at generation time.
type TwoFactorService struct {
	store TwoFactorStore
	users UserStore
	rdb   *redis.Client
	cfg   *config.Config
	log   *zap.Logger
	now   func() time.Time
}

func NewTwoFactorService(store TwoFactorStore, users UserStore, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *TwoFactorService {
	return &TwoFactorService{
		store: store,
		users: users,
		rdb:   rdb,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// SetupResult carries the provisioning material for the authenticator app.
type SetupResult struct {
	Secret      string `json:"secret"`
	OTPAuthURL  string `json:"otpauth_url"`
	AccountName string `json:"account_name"`
}

// Setup generates a fresh secret and stores it unverified. The user must
// confirm one valid code through VerifySetup before 2FA takes effect.
func (s *TwoFactorService) Setup(ctx context.Context, userID uuid.UUID) (*SetupResult, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.TwoFactorEnabled {
		return nil, fmt.Errorf("two-factor authentication is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: u.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	if err := s.store.UpsertSecret(ctx, userID, key.Secret()); err != nil {
		return nil, err
	}

	return &SetupResult{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		AccountName: u.Email,
	}, nil
}

// VerifySetup confirms the enrollment with one valid TOTP code, enables 2FA
// and returns the freshly generated backup codes in plaintext.
func (s *TwoFactorService) VerifySetup(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	cred, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("two-factor setup was not started")
		}
		return nil, err
	}
	if cred.Enabled {
		return nil, fmt.Errorf("two-factor authentication is already enabled")
	}

	if !s.validateTOTP(cred.Secret, code) {
		return nil, ErrExpiredWindow
	}

	if err := s.store.Enable(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.users.SetTwoFactorEnabled(ctx, userID, true); err != nil {
		return nil, err
	}
	return s.issueBackupCodes(ctx, userID)
}

// Verify checks a second factor during login: first against the TOTP drift
// window, then against unused backup codes. A matched backup code is consumed
// atomically so it can never pass twice. Failed attempts are rate limited per
// user through redis.
func (s *TwoFactorService) Verify(ctx context.Context, userID uuid.UUID, code string) error {
	if err := s.checkAttempts(ctx, userID); err != nil {
		return err
	}

	cred, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("two-factor authentication is not enabled")
		}
		return err
	}
	if !cred.Enabled {
		return fmt.Errorf("two-factor authentication is not enabled")
	}

	if s.validateTOTP(cred.Secret, code) {
		s.clearAttempts(ctx, userID)
		if err := s.store.TouchLastUsed(ctx, userID, s.now()); err != nil {
			s.log.Warn("failed to touch 2fa last_used_at", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return nil
	}

	ok, err := s.tryBackupCode(ctx, userID, code)
	if err != nil {
		return err
	}
	if ok {
		s.clearAttempts(ctx, userID)
		return nil
	}

	s.recordFailedAttempt(ctx, userID)
	return ErrExpiredWindow
}

// Disable turns 2FA off. Requires the account password and a currently valid
// code so a hijacked session cannot silently weaken the account.
func (s *TwoFactorService) Disable(ctx context.Context, userID uuid.UUID, password, code string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.TwoFactorEnabled {
		return fmt.Errorf("two-factor authentication is not enabled")
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return ErrUnauthorized
	}
	if err := s.Verify(ctx, userID, code); err != nil {
		return err
	}

	if err := s.store.DeleteBackupCodes(ctx, userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID); err != nil {
		return err
	}
	return s.users.SetTwoFactorEnabled(ctx, userID, false)
}

// RegenerateBackupCodes replaces the whole set. Requires a valid code first;
// previously issued codes stop working immediately.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	if err := s.Verify(ctx, userID, code); err != nil {
		return nil, err
	}
	return s.issueBackupCodes(ctx, userID)
}

func (s *TwoFactorService) validateTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *TwoFactorService) tryBackupCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	codes, err := s.store.ListUnusedBackupCodes(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range codes {
		if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
			continue
		}
		consumed, err := s.store.ConsumeBackupCode(ctx, c.ID)
		if err != nil {
			return false, err
		}
		// consumed == false means a concurrent login spent the code first.
		return consumed, nil
	}
	return false, nil
}

func (s *TwoFactorService) issueBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	plain := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		plain = append(plain, code)
		hashes = append(hashes, string(hash))
	}
	if err := s.store.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return plain, nil
}

func randomBackupCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *TwoFactorService) checkAttempts(ctx context.Context, userID uuid.UUID) error {
	count, err := s.rdb.Get(ctx, attemptKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil // fail open on redis trouble
	}
	if count >= failedAttemptLimit {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *TwoFactorService) recordFailedAttempt(ctx context.Context, userID uuid.UUID) {
	key := attemptKey(userID)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		s.log.Warn("failed to record 2fa attempt", zap.Error(err))
		return
	}
	if count == 1 {
		s.rdb.Expire(ctx, key, failedAttemptWindow)
	}
}

func (s *TwoFactorService) clearAttempts(ctx context.Context, userID uuid.UUID) {
	if err := s.rdb.Del(ctx, attemptKey(userID)).Err(); err != nil {
		s.log.Warn("failed to clear 2fa attempts", zap.Error(err))
	}
}

func attemptKey(userID uuid.UUID) string {
	return "2fa:attempts:" + userID.String()
}
