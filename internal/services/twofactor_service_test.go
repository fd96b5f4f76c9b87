package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/rioporto/backend/internal/auth"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTwoFactorStore struct {
	creds map[uuid.UUID]*models.TwoFactorCredential
	codes map[uuid.UUID]*models.BackupCode
}

func newFakeTwoFactorStore() *fakeTwoFactorStore {
	return &fakeTwoFactorStore{
		creds: make(map[uuid.UUID]*models.TwoFactorCredential),
		codes: make(map[uuid.UUID]*models.BackupCode),
	}
}

func (s *fakeTwoFactorStore) Get(_ context.Context, userID uuid.UUID) (*models.TwoFactorCredential, error) {
	c, ok := s.creds[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *fakeTwoFactorStore) UpsertSecret(_ context.Context, userID uuid.UUID, secret string) error {
	s.creds[userID] = &models.TwoFactorCredential{UserID: userID, Secret: secret}
	return nil
}

func (s *fakeTwoFactorStore) Enable(_ context.Context, userID uuid.UUID) error {
	s.creds[userID].Enabled = true
	s.creds[userID].Verified = true
	return nil
}

func (s *fakeTwoFactorStore) TouchLastUsed(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.creds[userID].LastUsedAt = &at
	return nil
}

func (s *fakeTwoFactorStore) Delete(_ context.Context, userID uuid.UUID) error {
	delete(s.creds, userID)
	return nil
}

func (s *fakeTwoFactorStore) ReplaceBackupCodes(_ context.Context, userID uuid.UUID, codeHashes []string) error {
	for id, c := range s.codes {
		if c.UserID == userID {
			delete(s.codes, id)
		}
	}
	for _, h := range codeHashes {
		id := uuid.New()
		s.codes[id] = &models.BackupCode{ID: id, UserID: userID, CodeHash: h}
	}
	return nil
}

func (s *fakeTwoFactorStore) ListUnusedBackupCodes(_ context.Context, userID uuid.UUID) ([]models.BackupCode, error) {
	var out []models.BackupCode
	for _, c := range s.codes {
		if c.UserID == userID && !c.Used {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeTwoFactorStore) ConsumeBackupCode(_ context.Context, id uuid.UUID) (bool, error) {
	c, ok := s.codes[id]
	if !ok || c.Used {
		return false, nil
	}
	c.Used = true
	return true, nil
}

func (s *fakeTwoFactorStore) DeleteBackupCodes(_ context.Context, userID uuid.UUID) error {
	for id, c := range s.codes {
		if c.UserID == userID {
			delete(s.codes, id)
		}
	}
	return nil
}

type fakeUserStore struct {
	users map[uuid.UUID]*models.User
}

func (s *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) SetTwoFactorEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.users[id].TwoFactorEnabled = enabled
	return nil
}

type twoFactorHarness struct {
	store  *fakeTwoFactorStore
	users  *fakeUserStore
	svc    *TwoFactorService
	userID uuid.UUID
	secret string
	now    time.Time
}

func newTwoFactorHarness(t *testing.T) *twoFactorHarness {
	t.Helper()

	userID := uuid.New()
	hash, err := auth.HashPassword("correct horse battery")
	require.NoError(t, err)

	h := &twoFactorHarness{
		store:  newFakeTwoFactorStore(),
		users:  &fakeUserStore{users: map[uuid.UUID]*models.User{userID: {ID: userID, Email: "user@test", PasswordHash: hash}}},
		userID: userID,
		// Aligned to a 30s step boundary so skew offsets are exact.
		now: time.Unix(30_000_000*30, 0).UTC(),
	}

	// Unreachable redis: the attempt counter fails open, which is what we
	// want here since these tests cover code validation, not rate limiting.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond, MaxRetries: -1})

	cfg := &config.Config{TOTPIssuer: "RioPorto P2P"}
	h.svc = NewTwoFactorService(h.store, h.users, rdb, cfg, zap.NewNop())
	h.svc.now = func() time.Time { return h.now }
	return h
}

// enroll runs Setup and VerifySetup, returning the plaintext backup codes.
func (h *twoFactorHarness) enroll(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	setup, err := h.svc.Setup(ctx, h.userID)
	require.NoError(t, err)
	h.secret = setup.Secret

	code, err := totp.GenerateCode(h.secret, h.now)
	require.NoError(t, err)
	codes, err := h.svc.VerifySetup(ctx, h.userID, code)
	require.NoError(t, err)
	return codes
}

func (h *twoFactorHarness) codeAt(t *testing.T, offset time.Duration) string {
	t.Helper()
	code, err := totp.GenerateCode(h.secret, h.now.Add(offset))
	require.NoError(t, err)
	return code
}

func TestTwoFactorSetupAndVerify(t *testing.T) {
	h := newTwoFactorHarness(t)
	codes := h.enroll(t)

	assert.Len(t, codes, backupCodeCount)
	assert.True(t, h.users.users[h.userID].TwoFactorEnabled)

	err := h.svc.Verify(context.Background(), h.userID, h.codeAt(t, 0))
	assert.NoError(t, err)
}

func TestTwoFactorDriftWindow(t *testing.T) {
	h := newTwoFactorHarness(t)
	h.enroll(t)
	ctx := context.Background()

	// Codes within two steps either side are accepted.
	for _, offset := range []time.Duration{-60 * time.Second, -30 * time.Second, 0, 30 * time.Second, 60 * time.Second} {
		assert.NoError(t, h.svc.Verify(ctx, h.userID, h.codeAt(t, offset)), "offset %v", offset)
	}

	// Three steps out is rejected.
	for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second} {
		assert.ErrorIs(t, h.svc.Verify(ctx, h.userID, h.codeAt(t, offset)), ErrExpiredWindow, "offset %v", offset)
	}
}

func TestTwoFactorRejectsGarbageCodes(t *testing.T) {
	h := newTwoFactorHarness(t)
	h.enroll(t)
	ctx := context.Background()

	for _, code := range []string{"", "000000", "123456", "not-a-code"} {
		if code == h.codeAt(t, 0) {
			continue // astronomically unlikely, but don't flake
		}
		assert.ErrorIs(t, h.svc.Verify(ctx, h.userID, code), ErrExpiredWindow)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	h := newTwoFactorHarness(t)
	codes := h.enroll(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Verify(ctx, h.userID, codes[0]))

	// Same code again must fail: it was consumed.
	assert.ErrorIs(t, h.svc.Verify(ctx, h.userID, codes[0]), ErrExpiredWindow)

	// The rest of the set is still valid.
	require.NoError(t, h.svc.Verify(ctx, h.userID, codes[1]))
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	h := newTwoFactorHarness(t)
	oldCodes := h.enroll(t)
	ctx := context.Background()

	newCodes, err := h.svc.RegenerateBackupCodes(ctx, h.userID, h.codeAt(t, 0))
	require.NoError(t, err)
	require.Len(t, newCodes, backupCodeCount)

	assert.ErrorIs(t, h.svc.Verify(ctx, h.userID, oldCodes[0]), ErrExpiredWindow)
	assert.NoError(t, h.svc.Verify(ctx, h.userID, newCodes[0]))
}

func TestVerifySetupRejectsWrongCode(t *testing.T) {
	h := newTwoFactorHarness(t)
	ctx := context.Background()

	setup, err := h.svc.Setup(ctx, h.userID)
	require.NoError(t, err)
	h.secret = setup.Secret

	_, err = h.svc.VerifySetup(ctx, h.userID, h.codeAt(t, 5*time.Minute))
	assert.ErrorIs(t, err, ErrExpiredWindow)
	assert.False(t, h.users.users[h.userID].TwoFactorEnabled)
}

func TestVerifyWithout2FAEnabled(t *testing.T) {
	h := newTwoFactorHarness(t)
	err := h.svc.Verify(context.Background(), h.userID, "123456")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrExpiredWindow)
}

func TestDisableRequiresPasswordAndCode(t *testing.T) {
	h := newTwoFactorHarness(t)
	h.enroll(t)
	ctx := context.Background()

	err := h.svc.Disable(ctx, h.userID, "wrong password", h.codeAt(t, 0))
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = h.svc.Disable(ctx, h.userID, "correct horse battery", h.codeAt(t, 5*time.Minute))
	assert.ErrorIs(t, err, ErrExpiredWindow)

	require.NoError(t, h.svc.Disable(ctx, h.userID, "correct horse battery", h.codeAt(t, 0)))
	assert.False(t, h.users.users[h.userID].TwoFactorEnabled)
	assert.Empty(t, h.store.creds)
	assert.Empty(t, h.store.codes)
}

func TestSetupTwiceRotatesSecret(t *testing.T) {
	h := newTwoFactorHarness(t)
	ctx := context.Background()

	first, err := h.svc.Setup(ctx, h.userID)
	require.NoError(t, err)
	second, err := h.svc.Setup(ctx, h.userID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)

	// A code from the abandoned first secret must not confirm the second.
	code, err := totp.GenerateCode(first.Secret, h.now)
	require.NoError(t, err)
	_, err = h.svc.VerifySetup(ctx, h.userID, code)
	assert.ErrorIs(t, err, ErrExpiredWindow)
}
