package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/hashing"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/repository/scylla"
	"security-core/internal/util"
)

// CredentialService owns password hashing, sessions, refresh tokens and the
// block/lock flags that automated threat responses write.
type CredentialService struct {
	hasher   *hashing.Hasher
	sessions *redisrepo.SessionCache
	tokens   *redisrepo.RefreshTokenCache
	threats  *redisrepo.ThreatCache
	users    scylla.UserStore
	cfg      config.AuthConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewCredentialService(
	cfg *config.Config,
	hasher *hashing.Hasher,
	sessions *redisrepo.SessionCache,
	tokens *redisrepo.RefreshTokenCache,
	threats *redisrepo.ThreatCache,
	users scylla.UserStore,
	logger *zap.Logger,
) *CredentialService {
	return &CredentialService{
		hasher:   hasher,
		sessions: sessions,
		tokens:   tokens,
		threats:  threats,
		users:    users,
		cfg:      cfg.Auth,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *CredentialService) HashPassword(plaintext string) (string, error) {
	return s.hasher.HashPassword(plaintext)
}

func (s *CredentialService) VerifyPassword(plaintext, hash string) bool {
	return s.hasher.VerifyPassword(plaintext, hash)
}

// VerifyPasswordOrDummy burns one hash computation when hash is empty.
func (s *CredentialService) VerifyPasswordOrDummy(plaintext, hash string) bool {
	return s.hasher.VerifyPasswordOrDummy(plaintext, hash)
}

func (s *CredentialService) sessionTTL() time.Duration {
	if s.cfg.SessionTTL > 0 {
		return s.cfg.SessionTTL
	}
	return 7 * 24 * time.Hour
}

func (s *CredentialService) refreshTTL() time.Duration {
	if s.cfg.RefreshTokenDays > 0 {
		return time.Duration(s.cfg.RefreshTokenDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// ===================== SESSIONS =====================

func (s *CredentialService) CreateSession(ctx context.Context, userID string, meta models.RequestMetadata) (string, error) {
	now := s.now()
	ttl := s.sessionTTL()
	session := &models.Session{
		SessionID:    util.NewUUID(),
		UserID:       userID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.sessions.Create(ctx, session, ttl); err != nil {
		return "", err
	}
	return session.SessionID, nil
}

// GetSession returns models.ErrNotFound for unknown or expired sessions.
func (s *CredentialService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(s.now()) {
		return nil, models.ErrNotFound
	}
	return session, nil
}

// InvalidateSession is a no-op for sessions that are already gone.
func (s *CredentialService) InvalidateSession(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sessions.Delete(ctx, session.UserID, sessionID)
}

func (s *CredentialService) InvalidateAllUserSessions(ctx context.Context, userID string) (int, error) {
	n, err := s.sessions.DeleteAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("user sessions invalidated", zap.String("user_id", userID), zap.Int("count", n))
	return n, nil
}

func (s *CredentialService) ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.sessions.List(ctx, userID)
}

// ===================== REFRESH TOKENS =====================

func (s *CredentialService) CreateRefreshToken(ctx context.Context, userID string) (*models.RefreshToken, error) {
	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	ttl := s.refreshTTL()
	if err := s.tokens.Store(ctx, token, userID, ttl); err != nil {
		return nil, err
	}
	return &models.RefreshToken{Token: token, UserID: userID, ExpiresAt: s.now().Add(ttl)}, nil
}

// VerifyRefreshToken returns "" with a nil error for unknown tokens.
func (s *CredentialService) VerifyRefreshToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	userID, err := s.tokens.Lookup(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	return userID, err
}

// RotateRefreshToken consumes old and issues a replacement for the same user.
// Invalid or already-consumed tokens yield models.ErrInvalidToken and nothing is issued.
func (s *CredentialService) RotateRefreshToken(ctx context.Context, old string) (*models.RefreshToken, error) {
	if old == "" {
		return nil, models.ErrInvalidToken
	}
	userID, err := s.tokens.Consume(ctx, old)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return s.CreateRefreshToken(ctx, userID)
}

func (s *CredentialService) InvalidateRefreshToken(ctx context.Context, token string) error {
	return s.tokens.Delete(ctx, token)
}

func (s *CredentialService) InvalidateAllUserRefreshTokens(ctx context.Context, userID string) (int, error) {
	return s.tokens.DeleteAll(ctx, userID)
}

// ===================== AUTOMATED RESPONSES =====================

func (s *CredentialService) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if ip == "" {
		return fmt.Errorf("%w: ip address required", models.ErrValidation)
	}
	if duration <= 0 {
		duration = time.Hour
	}
	if err := s.threats.BlockIP(ctx, ip, reason, duration); err != nil {
		return err
	}
	s.logger.Warn("ip blocked", zap.String("ip", ip), zap.Duration("duration", duration), zap.String("reason", reason))
	return nil
}

func (s *CredentialService) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	return s.threats.IsIPBlocked(ctx, ip)
}

func (s *CredentialService) UnblockIP(ctx context.Context, ip string) error {
	return s.threats.UnblockIP(ctx, ip)
}

// LockAccount flags the account and revokes every session and refresh token it holds.
func (s *CredentialService) LockAccount(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", models.ErrValidation)
	}
	if duration <= 0 {
		duration = s.cfg.DefaultLockoutTime
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	if err := s.threats.LockAccount(ctx, userID, reason, duration); err != nil {
		return err
	}
	if _, err := s.InvalidateAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("account locked but sessions not revoked: %w", err)
	}
	if _, err := s.InvalidateAllUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("account locked but refresh tokens not revoked: %w", err)
	}
	s.logger.Warn("account locked", zap.String("user_id", userID), zap.Duration("duration", duration), zap.String("reason", reason))
	return nil
}

func (s *CredentialService) IsAccountLocked(ctx context.Context, userID string) (bool, error) {
	return s.threats.IsAccountLocked(ctx, userID)
}

func (s *CredentialService) UnlockAccount(ctx context.Context, userID string) error {
	return s.threats.UnlockAccount(ctx, userID)
}

// OnLogin records the login on the account and opens a session.
func (s *CredentialService) OnLogin(ctx context.Context, user *models.User, meta models.RequestMetadata) (string, error) {
	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.UserID, meta.IPAddress, now); err != nil {
		return "", err
	}
	user.LastLogin = &now
	user.LastLoginIP = meta.IPAddress
	return s.CreateSession(ctx, user.UserID, meta)
}

// ChangePassword stores the new hash, revokes every session and refresh
// token, and marks the change for account-takeover scoring.
func (s *CredentialService) ChangePassword(ctx context.Context, userID, newPassword string) error {
	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}

	ttl := s.cfg.PasswordChangeTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.threats.MarkPasswordChanged(ctx, userID, s.now(), ttl); err != nil {
		s.logger.Warn("failed to mark password change", zap.String("user_id", userID), zap.Error(err))
	}
	if _, err := s.InvalidateAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("password changed but sessions not revoked: %w", err)
	}
	if _, err := s.InvalidateAllUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("password changed but refresh tokens not revoked: %w", err)
	}
	return nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
