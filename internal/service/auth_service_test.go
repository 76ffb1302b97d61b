package service

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func loginReq(email, password, ip string) LoginRequest {
	return LoginRequest{
		Email:    email,
		Password: password,
		Meta:     models.RequestMetadata{IPAddress: ip, UserAgent: "test-agent"},
	}
}

func TestAuthService_BruteForceEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	const attackerIP = "203.0.113.50"

	user := env.register(t, "candidate@example.com", "a strong password")

	res, err := auth.Login(ctx, loginReq("candidate@example.com", "a strong password", attackerIP))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.SessionID)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	stored, err := env.users.GetUserByID(ctx, user.UserID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, attackerIP, stored.LastLoginIP)

	claims, err := env.svc.Tokens.Verify(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, claims.UserID)
	assert.Equal(t, res.Tokens.SessionID, claims.SessionID)

	for i := 0; i < 5; i++ {
		_, err := auth.Login(ctx, loginReq("candidate@example.com", "wrong password", attackerIP))
		assert.ErrorIs(t, err, models.ErrInvalidCredentials, "attempt %d", i+1)
	}

	alerts, err := env.svc.Alerts.ListAlerts(ctx, models.AlertFilter{Category: models.ThreatBruteForce})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertOpen, alerts[0].Status)
	assert.Equal(t, models.ThreatHigh, alerts[0].Severity)
	assert.Equal(t, attackerIP, alerts[0].SourceIP)
	assert.Equal(t, 1, env.webhook.count())

	blocked, err := env.svc.Credentials.IsIPBlocked(ctx, attackerIP)
	require.NoError(t, err)
	assert.True(t, blocked)

	// rejected at the gate, even with the right password
	_, err = auth.Login(ctx, loginReq("candidate@example.com", "a strong password", attackerIP))
	assert.ErrorIs(t, err, models.ErrIPBlocked)

	// the failed attempts were audited before evaluation
	types := env.store.auditTypes()
	failed := 0
	for _, tp := range types {
		if tp == models.EventLoginFailed {
			failed++
		}
	}
	assert.Equal(t, 5, failed)
	assert.Contains(t, types, "automated_response")

	// other addresses are unaffected
	_, err = auth.Login(ctx, loginReq("candidate@example.com", "a strong password", "198.51.100.77"))
	assert.NoError(t, err)
}

func TestAuthService_UniformInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	user := env.register(t, "seeker@example.com", "a strong password")

	_, err := auth.Login(ctx, loginReq("nobody@example.com", "a strong password", "192.0.2.1"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	_, err = auth.Login(ctx, loginReq("seeker@example.com", "not the password", "192.0.2.1"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	require.NoError(t, env.users.SetActive(ctx, user.UserID, false))
	_, err = auth.Login(ctx, loginReq("seeker@example.com", "a strong password", "192.0.2.1"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestAuthService_LockedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "locked@example.com", "a strong password")

	require.NoError(t, env.svc.Credentials.LockAccount(ctx, user.UserID, time.Hour, "manual"))

	_, err := env.svc.Auth.Login(ctx, loginReq("locked@example.com", "a strong password", "192.0.2.2"))
	assert.ErrorIs(t, err, models.ErrAccountLocked)
}

func TestAuthService_MFAFlow(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	user := env.register(t, "mfa@example.com", "a strong password")
	setup := enableMFA(t, env, user.UserID)

	_, err := auth.Login(ctx, loginReq("mfa@example.com", "a strong password", "192.0.2.3"))
	assert.ErrorIs(t, err, models.ErrMFARequired)

	req := loginReq("mfa@example.com", "a strong password", "192.0.2.3")
	req.MFAToken = "000000"
	_, err = auth.Login(ctx, req)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Contains(t, env.store.auditTypes(), models.EventMFAFailed)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	req.MFAToken = code
	res, err := auth.Login(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, res.User.UserID)

	req.MFAToken = setup.BackupCodes[0]
	_, err = auth.Login(ctx, req)
	require.NoError(t, err)
	_, err = auth.Login(ctx, req)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestAuthService_FailsClosedWhenStoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "down@example.com", "a strong password")
	env.mr.SetError("LOADING redis is loading")

	_, err := env.svc.Auth.Login(context.Background(), loginReq("down@example.com", "a strong password", "192.0.2.4"))
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestAuthService_RefreshAndLogout(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	user := env.register(t, "refresh@example.com", "a strong password")
	meta := models.RequestMetadata{IPAddress: "192.0.2.5"}

	res, err := auth.Login(ctx, loginReq("refresh@example.com", "a strong password", meta.IPAddress))
	require.NoError(t, err)

	pair, err := auth.Refresh(ctx, res.Tokens.RefreshToken, meta)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, res.Tokens.SessionID, pair.SessionID)

	_, err = auth.Refresh(ctx, res.Tokens.RefreshToken, meta)
	assert.ErrorIs(t, err, models.ErrInvalidToken)

	require.NoError(t, auth.Logout(ctx, user.UserID, pair.SessionID, pair.RefreshToken, meta.IPAddress))
	_, err = env.svc.Credentials.GetSession(ctx, pair.SessionID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = auth.Refresh(ctx, pair.RefreshToken, meta)
	assert.ErrorIs(t, err, models.ErrInvalidToken)

	n, err := auth.LogoutAll(ctx, user.UserID, meta.IPAddress)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAuthService_RefreshForDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	user := env.register(t, "leaver@example.com", "a strong password")
	meta := models.RequestMetadata{IPAddress: "192.0.2.6"}

	res, err := auth.Login(ctx, loginReq("leaver@example.com", "a strong password", meta.IPAddress))
	require.NoError(t, err)
	second, err := auth.Login(ctx, loginReq("leaver@example.com", "a strong password", meta.IPAddress))
	require.NoError(t, err)
	require.NoError(t, env.users.SetActive(ctx, user.UserID, false))

	_, err = auth.Refresh(ctx, res.Tokens.RefreshToken, meta)
	assert.ErrorIs(t, err, models.ErrInvalidToken)

	// revoking the rotated token fails: the caller sees the failure, not a plain rejection
	env.users.onGetByID = func() { env.mr.SetError("READONLY replica") }
	_, err = auth.Refresh(ctx, second.Tokens.RefreshToken, meta)
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrInvalidToken)
	env.mr.SetError("")
}

func TestAuthService_RegisterAndChangePassword(t *testing.T) {
	env := newTestEnv(t)
	auth := env.svc.Auth
	ctx := context.Background()
	meta := models.RequestMetadata{IPAddress: "192.0.2.6"}

	_, err := auth.Register(ctx, "not-an-email", "a strong password", meta)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = auth.Register(ctx, "weak@example.com", "password", meta)
	assert.ErrorIs(t, err, models.ErrWeakPassword)

	user := env.register(t, "dup@example.com", "a strong password")
	_, err = auth.Register(ctx, "dup@example.com", "another strong one", meta)
	assert.ErrorIs(t, err, models.ErrDuplicateName)

	err = auth.ChangePassword(ctx, user.UserID, "wrong current", "a newer password", meta)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	require.NoError(t, auth.ChangePassword(ctx, user.UserID, "a strong password", "a newer password", meta))
	_, err = auth.Login(ctx, loginReq("dup@example.com", "a strong password", "192.0.2.6"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	_, err = auth.Login(ctx, loginReq("dup@example.com", "a newer password", "192.0.2.6"))
	assert.NoError(t, err)
}
