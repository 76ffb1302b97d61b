package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func TestMFAEnrolmentAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	token := s.login(t, "alice@example.com").AccessToken

	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/setup", token: token})
	require.Equal(t, http.StatusOK, code)
	setup := decodeData[models.MFASetup](t, resp)
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.ProvisioningURI, "JobPlatform")
	assert.Len(t, setup.BackupCodes, 10)

	// still disabled until confirmed
	code, resp = s.do(t, call{method: http.MethodGet, path: "/api/v1/mfa/status", token: token})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.MFASetupPending, decodeData[map[string]models.MFAStatus](t, resp)["status"])

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify-setup", token: token, body: mfaTokenRequest{Token: "000000"}})
	assert.Equal(t, http.StatusBadRequest, code)

	otpCode, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify-setup", token: token, body: mfaTokenRequest{Token: otpCode}})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/setup", token: token})
	assert.Equal(t, http.StatusConflict, code)

	code, resp = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: loginRequest{Email: "alice@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, models.ErrMFARequired.Error(), resp.Error)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login",
		body: loginRequest{Email: "alice@example.com", Password: testPassword, MFAToken: setup.BackupCodes[0]}})
	require.Equal(t, http.StatusOK, code)

	code, resp = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify", token: token, body: mfaTokenRequest{Token: setup.BackupCodes[0]}})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decodeData[map[string]bool](t, resp)["valid"], "backup codes are single use")

	assert.Contains(t, s.store.auditTypes(), "mfa_enabled")
}

func TestMFADisableRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "alice@example.com")
	token := s.login(t, "alice@example.com").AccessToken

	_, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/setup", token: token})
	setup := decodeData[models.MFASetup](t, resp)
	otpCode, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	code, _ := s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/verify-setup", token: token, body: mfaTokenRequest{Token: otpCode}})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/disable", token: token, body: mfaTokenRequest{Token: "123456"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/mfa/disable", token: token, body: mfaTokenRequest{Token: setup.BackupCodes[1]}})
	require.Equal(t, http.StatusOK, code)

	_, resp = s.do(t, call{method: http.MethodGet, path: "/api/v1/mfa/status", token: token})
	assert.Equal(t, models.MFADisabled, decodeData[map[string]models.MFAStatus](t, resp)["status"])
	assert.Contains(t, s.store.auditTypes(), "mfa_disabled")
}
