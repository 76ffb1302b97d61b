package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Threat.BruteForceThreshold)
	assert.Equal(t, 10, cfg.Threat.SprayThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.Auth.MFASetupTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL())
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Len(t, cfg.Alerting.Rules, 2)
	assert.Same(t, cfg, Get())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("BRUTE_FORCE_THRESHOLD", "3")
	t.Setenv("BRUTE_FORCE_WINDOW", "5m")
	t.Setenv("THREAT_BAD_IPS", "203.0.113.5, 198.51.100.7")
	t.Setenv("ALERT_RULES", `[{"name":"all","channels":["webhook"],"throttle_minutes":1,"max_alerts_per_hour":5}]`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Threat.BruteForceThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Threat.BruteForceWindow)
	assert.Equal(t, []string{"203.0.113.5", "198.51.100.7"}, cfg.Threat.BadIPs)
	require.Len(t, cfg.Alerting.Rules, 1)
	assert.Equal(t, "all", cfg.Alerting.Rules[0].Name)
	assert.Equal(t, []string{models.ChannelWebhook}, cfg.Alerting.Rules[0].Channels)
}

func TestLoadConfigRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"bf","categories":["brute_force"],"min_severity":"high"}]`), 0o600))
	t.Setenv("ALERT_RULES", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Alerting.Rules, 1)
	assert.Equal(t, []models.ThreatCategory{models.ThreatBruteForce}, cfg.Alerting.Rules[0].Categories)
	assert.Equal(t, models.ThreatHigh, cfg.Alerting.Rules[0].MinSeverity)
}

func TestLoadConfigRejectsShortSecretInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsBadThresholds(t *testing.T) {
	t.Setenv("SPRAY_THRESHOLD", "0")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestTrustedProxyPrefixes(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7,2001:db8::/32")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	prefixes, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
	assert.Equal(t, "2001:db8::/32", prefixes[2].String())
}

func TestLoadConfigRejectsBadTrustedProxy(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/33")

	_, err := LoadConfig()
	assert.ErrorIs(t, err, models.ErrValidation)
}
