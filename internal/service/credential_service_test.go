package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func TestCredentialService_PasswordRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials

	for _, p := range []string{"correct horse battery", "Tr0ub4dor&3", "another long secret"} {
		h1, err := creds.HashPassword(p)
		require.NoError(t, err)
		h2, err := creds.HashPassword(p)
		require.NoError(t, err)

		assert.NotEqual(t, h1, h2)
		assert.True(t, creds.VerifyPassword(p, h1))
		assert.True(t, creds.VerifyPassword(p, h2))
		assert.False(t, creds.VerifyPassword(p+"!", h1))
	}

	_, err := creds.HashPassword("short")
	assert.ErrorIs(t, err, models.ErrWeakPassword)
}

func TestCredentialService_InvalidateSession(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials
	ctx := context.Background()

	meta := models.RequestMetadata{IPAddress: "203.0.113.7", UserAgent: "test"}
	id1, err := creds.CreateSession(ctx, "u1", meta)
	require.NoError(t, err)
	id2, err := creds.CreateSession(ctx, "u1", meta)
	require.NoError(t, err)

	require.NoError(t, creds.InvalidateSession(ctx, id1))

	_, err = creds.GetSession(ctx, id1)
	assert.ErrorIs(t, err, models.ErrNotFound)
	members, err := env.mr.Members("user_sessions:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{id2}, members)

	// already gone is not an error
	assert.NoError(t, creds.InvalidateSession(ctx, id1))

	sessions, err := creds.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id2, sessions[0].SessionID)
}

func TestCredentialService_RefreshRotationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials
	ctx := context.Background()

	tok, err := creds.CreateRefreshToken(ctx, "u1")
	require.NoError(t, err)

	next, err := creds.RotateRefreshToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", next.UserID)

	uid, err := creds.VerifyRefreshToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Empty(t, uid)

	uid, err = creds.VerifyRefreshToken(ctx, next.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	_, err = creds.RotateRefreshToken(ctx, tok.Token)
	assert.ErrorIs(t, err, models.ErrInvalidToken)
}

func TestCredentialService_ConcurrentRotationOneWinner(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials
	ctx := context.Background()

	tok, err := creds.CreateRefreshToken(ctx, "u1")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := creds.RotateRefreshToken(ctx, tok.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCredentialService_BlockAndLock(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials
	ctx := context.Background()

	require.NoError(t, creds.BlockIP(ctx, "192.0.2.10", time.Minute, "test"))
	blocked, err := creds.IsIPBlocked(ctx, "192.0.2.10")
	require.NoError(t, err)
	assert.True(t, blocked)

	env.mr.FastForward(2 * time.Minute)
	blocked, err = creds.IsIPBlocked(ctx, "192.0.2.10")
	require.NoError(t, err)
	assert.False(t, blocked)

	sid, err := creds.CreateSession(ctx, "u9", models.RequestMetadata{IPAddress: "192.0.2.11"})
	require.NoError(t, err)
	tok, err := creds.CreateRefreshToken(ctx, "u9")
	require.NoError(t, err)

	require.NoError(t, creds.LockAccount(ctx, "u9", time.Hour, "test"))
	locked, err := creds.IsAccountLocked(ctx, "u9")
	require.NoError(t, err)
	assert.True(t, locked)

	_, err = creds.GetSession(ctx, sid)
	assert.ErrorIs(t, err, models.ErrNotFound)
	uid, err := creds.VerifyRefreshToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Empty(t, uid)

	require.NoError(t, creds.UnlockAccount(ctx, "u9"))
	locked, err = creds.IsAccountLocked(ctx, "u9")
	require.NoError(t, err)
	assert.False(t, locked)

	assert.ErrorIs(t, creds.BlockIP(ctx, "", time.Minute, "test"), models.ErrValidation)
	assert.ErrorIs(t, creds.LockAccount(ctx, "", time.Minute, "test"), models.ErrValidation)
}

func TestCredentialService_ChangePasswordRevokesAndMarks(t *testing.T) {
	env := newTestEnv(t)
	creds := env.svc.Credentials
	ctx := context.Background()
	user := env.register(t, "change@example.com", "original password")

	sid, err := creds.CreateSession(ctx, user.UserID, models.RequestMetadata{IPAddress: "192.0.2.1"})
	require.NoError(t, err)

	require.NoError(t, creds.ChangePassword(ctx, user.UserID, "brand new password"))

	_, err = creds.GetSession(ctx, sid)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.True(t, env.mr.Exists("password_changed:"+user.UserID))

	stored, err := env.users.GetUserByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, creds.VerifyPassword("brand new password", stored.PasswordHash))
}

func TestCredentialService_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.mr.SetError("LOADING redis is loading")

	_, err := env.svc.Credentials.IsIPBlocked(context.Background(), "192.0.2.1")
	assert.Error(t, err)
}
