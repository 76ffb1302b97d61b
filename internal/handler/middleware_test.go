package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	tokens := s.login(t, "alice@example.com")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + tokens.AccessToken},
		{"garbage token", "Bearer not.a.jwt"},
		{"empty bearer", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticateRejectsLockedAccountSessions(t *testing.T) {
	s := newTestServer(t, nil)
	user := s.register(t, "alice@example.com")
	tokens := s.login(t, "alice@example.com")

	require.NoError(t, s.svc.Credentials.LockAccount(context.Background(), user.UserID, time.Minute, "investigation"))

	code, _ := s.do(t, call{method: http.MethodGet, path: "/api/v1/auth/sessions", token: tokens.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: loginRequest{Email: "alice@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusLocked, code)
	assert.Equal(t, models.ErrAccountLocked.Error(), resp.Error)
}

func TestIPGateCoversEveryAPIRoute(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.svc.Credentials.BlockIP(context.Background(), "203.0.113.50", time.Hour, "test"))

	for _, path := range []string{"/api/v1/auth/register", "/api/v1/auth/refresh", "/api/v1/mfa/status"} {
		code, resp := s.do(t, call{method: http.MethodPost, path: path, ip: "203.0.113.50", body: "{}"})
		assert.Equal(t, http.StatusForbidden, code, path)
		assert.Equal(t, models.ErrIPBlocked.Error(), resp.Error, path)
	}

	s.mr.FastForward(2 * time.Hour)
	code, _ := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/refresh", ip: "203.0.113.50", body: refreshRequest{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStoreOutageFailsClosed(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	tokens := s.login(t, "alice@example.com")

	s.mr.SetError("connection refused")

	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: loginRequest{Email: "alice@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), resp.Error)

	s.mr.SetError("")
	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/v1/auth/sessions", token: tokens.AccessToken})
	assert.Equal(t, http.StatusOK, code)
}

func TestRequirePermission(t *testing.T) {
	s := newTestServer(t, nil)
	user := s.register(t, "analyst@example.com")
	token := s.login(t, "analyst@example.com").AccessToken

	code, resp := s.do(t, call{method: http.MethodGet, path: "/api/v1/alerts", token: token})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, models.ErrPermissionDenied.Error(), resp.Error)

	s.grant(t, user.UserID, "alerts:read")

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/v1/alerts", token: token})
	assert.Equal(t, http.StatusOK, code)

	// read does not imply manage
	code, _ = s.do(t, call{method: http.MethodPatch, path: "/api/v1/alerts/any/status", token: token,
		body: updateAlertStatusRequest{Status: models.AlertResolved}})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/v1/rbac/roles", token: token})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrWeakPassword, http.StatusBadRequest},
		{models.ErrComplianceViolation, http.StatusBadRequest},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{models.ErrMFARequired, http.StatusUnauthorized},
		{models.ErrIPBlocked, http.StatusForbidden},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrDuplicateName, http.StatusConflict},
		{models.ErrAccountLocked, http.StatusLocked},
		{models.Unavailable("redis", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

// loginFrom sends a failed login whose TCP peer is peer and whose X-Real-IP is header.
func (s *testServer) loginFrom(t *testing.T, peer, header string) int {
	t.Helper()
	body := `{"email":"alice@example.com","password":"Wrong!Passw0rd"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = peer + ":41000"
	req.Header.Set("X-Real-IP", header)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestForwardedHeadersFromUntrustedPeerAreIgnored(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	peer := "198.51.100.77"

	for i := 0; i < 5; i++ {
		code := s.loginFrom(t, peer, fmt.Sprintf("203.0.113.%d", i+1))
		require.Equal(t, http.StatusUnauthorized, code, "attempt %d", i+1)
	}

	blocked, err := s.svc.Credentials.IsIPBlocked(context.Background(), peer)
	require.NoError(t, err)
	assert.True(t, blocked, "failures count against the TCP peer")

	for _, spoofed := range []string{"203.0.113.8", "192.0.2.200"} {
		assert.Equal(t, http.StatusForbidden, s.loginFrom(t, peer, spoofed), spoofed)
	}
}

func TestBlockedAddressStaysBlockedBehindProxy(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	require.NoError(t, s.svc.Credentials.BlockIP(context.Background(), "203.0.113.7", time.Hour, "test"))

	assert.Equal(t, http.StatusForbidden, s.loginFrom(t, "192.0.2.1", "203.0.113.7"))
	assert.Equal(t, http.StatusUnauthorized, s.loginFrom(t, "192.0.2.1", "203.0.113.8"))
	// an untrusted peer cannot borrow a clean address
	require.NoError(t, s.svc.Credentials.BlockIP(context.Background(), "198.51.100.9", time.Hour, "test"))
	assert.Equal(t, http.StatusForbidden, s.loginFrom(t, "198.51.100.9", "203.0.113.8"))
}

func TestTrustedRealIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name   string
		remote string
		realIP string
		xff    string
		want   string
	}{
		{"untrusted peer keeps its address", "198.51.100.1:1234", "203.0.113.1", "203.0.113.2", "198.51.100.1:1234"},
		{"trusted peer with X-Real-IP", "10.1.2.3:1234", "203.0.113.1", "", "203.0.113.1"},
		{"rightmost untrusted hop wins", "10.1.2.3:1234", "", "6.6.6.6, 203.0.113.5, 10.9.9.9", "203.0.113.5"},
		{"all hops trusted", "10.1.2.3:1234", "", "10.4.4.4", "10.1.2.3:1234"},
		{"garbage header", "10.1.2.3:1234", "not-an-ip", "", "10.1.2.3:1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(proxies)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}
