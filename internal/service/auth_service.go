package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"security-core/internal/metrics"
	"security-core/internal/models"
	"security-core/internal/repository/scylla"
	"security-core/internal/util"
)

type LoginRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	MFAToken string                 `json:"mfa_token,omitempty"`
	Meta     models.RequestMetadata `json:"-"`
}

type LoginResult struct {
	User   *models.User      `json:"user"`
	Tokens *models.TokenPair `json:"tokens"`
}

// AuthService runs the login flow across the credential, MFA, audit, threat
// and alert components.
type AuthService struct {
	users   scylla.UserStore
	creds   *CredentialService
	mfa     *MFAService
	tokens  *TokenIssuer
	audit   *AuditService
	threats *ThreatService
	alerts  *AlertService
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

func NewAuthService(
	users scylla.UserStore,
	creds *CredentialService,
	mfa *MFAService,
	tokens *TokenIssuer,
	audit *AuditService,
	threats *ThreatService,
	alerts *AlertService,
	reg *metrics.Registry,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:   users,
		creds:   creds,
		mfa:     mfa,
		tokens:  tokens,
		audit:   audit,
		threats: threats,
		alerts:  alerts,
		metrics: reg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an active account for email.
func (s *AuthService) Register(ctx context.Context, email, password string, meta models.RequestMetadata) (*models.User, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email address", models.ErrValidation)
	}
	hash, err := s.creds.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if _, err := s.audit.LogAuthenticationEvent(ctx, "user_registered", user.UserID, user.Email, meta.IPAddress, true, nil); err != nil {
		s.logger.Error("failed to audit registration", zap.String("user_id", user.UserID), zap.Error(err))
	}
	return user, nil
}

// Login authenticates a password (and MFA token when enabled) and returns a
// fresh session with its token pair. Wrong passwords, unknown emails and
// inactive accounts all yield ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	ip := req.Meta.IPAddress

	blocked, err := s.creds.IsIPBlocked(ctx, ip)
	if err != nil {
		s.recordAttempt("unavailable")
		return nil, models.Unavailable("ip gate", err)
	}
	if blocked {
		s.recordAttempt("ip_blocked")
		s.logger.Warn("login rejected at ip gate", zap.String("ip", ip), util.MaskedEmail("email", req.Email))
		return nil, models.ErrIPBlocked
	}

	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.recordAttempt("unavailable")
		return nil, models.Unavailable("user lookup", err)
	}
	if errors.Is(err, models.ErrNotFound) {
		user = nil
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	valid := s.creds.VerifyPasswordOrDummy(req.Password, hash) && user != nil && user.IsActive

	if user != nil {
		locked, err := s.creds.IsAccountLocked(ctx, user.UserID)
		if err != nil {
			s.recordAttempt("unavailable")
			return nil, models.Unavailable("account lock check", err)
		}
		if locked {
			s.recordAttempt("locked")
			s.auditLogin(ctx, "login_locked", user.UserID, req.Email, ip, req.Meta.UserAgent, false)
			return nil, models.ErrAccountLocked
		}
	}

	if !valid {
		userID := ""
		if user != nil {
			userID = user.UserID
		}
		s.failLogin(ctx, models.EventLoginFailed, userID, req)
		return nil, models.ErrInvalidCredentials
	}

	enabled, err := s.mfa.IsEnabled(ctx, user.UserID)
	if err != nil {
		s.recordAttempt("unavailable")
		return nil, models.Unavailable("mfa status", err)
	}
	if enabled {
		if req.MFAToken == "" {
			s.recordAttempt("mfa_required")
			return nil, models.ErrMFARequired
		}
		ok, err := s.mfa.VerifyMFAToken(ctx, user.UserID, req.MFAToken)
		if err != nil {
			s.recordAttempt("unavailable")
			return nil, models.Unavailable("mfa verify", err)
		}
		if !ok {
			s.failLogin(ctx, models.EventMFAFailed, user.UserID, req)
			return nil, models.ErrInvalidCredentials
		}
	}

	s.auditLogin(ctx, models.EventLoginSuccess, user.UserID, user.Email, ip, req.Meta.UserAgent, true)
	if ind := s.analyze(ctx, models.EventLoginSuccess, user.UserID, req); ind != nil &&
		ind.AutomatedResponse == models.ResponseLockAccount {
		s.recordAttempt("locked")
		return nil, models.ErrAccountLocked
	}

	sessionID, err := s.creds.OnLogin(ctx, user, req.Meta)
	if err != nil {
		s.recordAttempt("unavailable")
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	pair, err := s.issue(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}

	s.recordAttempt("success")
	s.logger.Info("login succeeded", zap.String("user_id", user.UserID), util.Masked("session_id", sessionID))
	return &LoginResult{User: user, Tokens: pair}, nil
}

// failLogin records the attempt before threat analysis so the counters the
// rules read include it.
func (s *AuthService) failLogin(ctx context.Context, eventType, userID string, req LoginRequest) {
	s.recordAttempt("failure")
	s.logger.Debug("login failed", zap.String("reason", eventType), zap.String("ip", req.Meta.IPAddress), util.MaskedEmail("email", req.Email))
	s.auditLogin(ctx, eventType, userID, req.Email, req.Meta.IPAddress, req.Meta.UserAgent, false)
	s.analyze(ctx, models.EventLoginFailed, userID, req)
}

func (s *AuthService) analyze(ctx context.Context, eventType, userID string, req LoginRequest) *models.ThreatIndicator {
	event := &models.SecurityEvent{
		ID:                util.NewULID(),
		EventType:         eventType,
		UserID:            userID,
		Email:             req.Email,
		IPAddress:         req.Meta.IPAddress,
		UserAgent:         req.Meta.UserAgent,
		Location:          req.Meta.Location,
		DeviceFingerprint: req.Meta.DeviceFingerprint,
		Success:           eventType == models.EventLoginSuccess,
		Timestamp:         s.now(),
	}
	ind, _ := s.threats.ProcessEvent(ctx, event)
	if ind == nil {
		return nil
	}
	if _, err := s.alerts.ProcessThreatIndicator(ctx, ind); err != nil {
		s.logger.Error("failed to raise alert", zap.String("rule", ind.Rule), zap.Error(err))
	}
	return ind
}

// auditLogin keeps the user agent so the anomaly baseline can be rebuilt from audit rows.
func (s *AuthService) auditLogin(ctx context.Context, eventType, userID, email, ip, userAgent string, success bool) {
	var extra map[string]any
	if userAgent != "" {
		extra = map[string]any{"user_agent": userAgent}
	}
	if _, err := s.audit.LogAuthenticationEvent(ctx, eventType, userID, email, ip, success, extra); err != nil {
		s.logger.Error("failed to audit login", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *AuthService) recordAttempt(result string) {
	s.metrics.LoginAttempts.WithLabelValues(result).Inc()
}

func (s *AuthService) issue(ctx context.Context, user *models.User, sessionID string) (*models.TokenPair, error) {
	access, accessExp, err := s.tokens.Issue(user.UserID, user.Email, sessionID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.creds.CreateRefreshToken(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		SessionID:        sessionID,
		TokenType:        "Bearer",
	}, nil
}

// Refresh rotates refreshToken and opens a new session for its owner.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.RequestMetadata) (*models.TokenPair, error) {
	blocked, err := s.creds.IsIPBlocked(ctx, meta.IPAddress)
	if err != nil {
		return nil, models.Unavailable("ip gate", err)
	}
	if blocked {
		return nil, models.ErrIPBlocked
	}

	rotated, err := s.creds.RotateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	locked, err := s.creds.IsAccountLocked(ctx, rotated.UserID)
	if err != nil {
		return nil, models.Unavailable("account lock check", err)
	}
	user, err := s.users.GetUserByID(ctx, rotated.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if locked || user == nil || !user.IsActive {
		if err := s.creds.InvalidateRefreshToken(ctx, rotated.Token); err != nil {
			s.logger.Error("failed to revoke refresh token of disabled account",
				zap.String("user_id", rotated.UserID),
				zap.Error(err))
			return nil, err
		}
		return nil, models.ErrInvalidToken
	}

	sessionID, err := s.creds.CreateSession(ctx, user.UserID, meta)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.tokens.Issue(user.UserID, user.Email, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rotated.Token,
		RefreshExpiresAt: rotated.ExpiresAt,
		SessionID:        sessionID,
		TokenType:        "Bearer",
	}, nil
}

// Logout ends one session and, when given, its refresh token.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID, refreshToken, ip string) error {
	if err := s.creds.InvalidateSession(ctx, sessionID); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.creds.InvalidateRefreshToken(ctx, refreshToken); err != nil {
			return err
		}
	}
	s.auditLogin(ctx, models.EventLogout, userID, "", ip, "", true)
	return nil
}

// LogoutAll revokes every session and refresh token the user holds.
func (s *AuthService) LogoutAll(ctx context.Context, userID, ip string) (int, error) {
	n, err := s.creds.InvalidateAllUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.creds.InvalidateAllUserRefreshTokens(ctx, userID); err != nil {
		return n, err
	}
	if _, err := s.audit.LogAuthenticationEvent(ctx, "logout_all", userID, "", ip, true, map[string]any{"sessions": n}); err != nil {
		s.logger.Error("failed to audit logout", zap.String("user_id", userID), zap.Error(err))
	}
	return n, nil
}

// ChangePassword requires the current password. All existing sessions end.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, meta models.RequestMetadata) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.creds.VerifyPassword(current, user.PasswordHash) {
		s.auditLogin(ctx, models.EventPasswordChange, userID, user.Email, meta.IPAddress, meta.UserAgent, false)
		return models.ErrInvalidCredentials
	}
	if err := s.creds.ChangePassword(ctx, userID, next); err != nil {
		return err
	}
	s.auditLogin(ctx, models.EventPasswordChange, userID, user.Email, meta.IPAddress, meta.UserAgent, true)
	return nil
}
