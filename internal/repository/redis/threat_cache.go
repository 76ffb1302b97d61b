package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/util"
)

const (
	failedLoginPrefix     = "failed_login:"
	loginUsernamesPrefix  = "login_usernames:"
	badIPSetKey           = "threat:bad_ips"
	blockedIPPrefix       = "blocked_ip:"
	lockedAccountPrefix   = "locked_account:"
	lastLoginInfoPrefix   = "last_login_info:"
	passwordChangedPrefix = "password_changed:"
)

// LoginInfo is the last known login context used for takeover detection.
type LoginInfo struct {
	IPAddress         string    `json:"ip_address"`
	Location          string    `json:"location,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	At                time.Time `json:"at"`
}

// ThreatCache holds detection counters and the automated-response flags.
type ThreatCache struct {
	client *client.RedisClient
}

func NewThreatCache(client *client.RedisClient) *ThreatCache {
	return &ThreatCache{client: client}
}

// IncrFailedLogin counts a failure for ip within window and returns the new total.
func (c *ThreatCache) IncrFailedLogin(ctx context.Context, ip string, window time.Duration) (int64, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, failedLoginPrefix+ip, window)
	if err != nil {
		util.Error("Failed to increment failed-login counter", zap.String("ip", ip), zap.Error(err))
		return 0, fmt.Errorf("failed to count failed login: %w", err)
	}
	return count, nil
}

func (c *ThreatCache) ResetFailedLogins(ctx context.Context, ip string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Del(ctx, failedLoginPrefix+ip, loginUsernamesPrefix+ip)
}

// AddLoginUsername records a username tried from ip and returns the distinct count.
func (c *ThreatCache) AddLoginUsername(ctx context.Context, ip, username string, window time.Duration) (int64, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	n, err := c.client.SAddWithExpire(ctx, loginUsernamesPrefix+ip, window, username)
	if err != nil {
		util.Error("Failed to record login username", zap.String("ip", ip), zap.Error(err))
		return 0, fmt.Errorf("failed to record login username: %w", err)
	}
	return n, nil
}

func (c *ThreatCache) AddBadIPs(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	members := make([]interface{}, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	return c.client.SAdd(ctx, badIPSetKey, members...)
}

func (c *ThreatCache) RemoveBadIP(ctx context.Context, ip string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.SRem(ctx, badIPSetKey, ip)
}

func (c *ThreatCache) IsBadIP(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.SIsMember(ctx, badIPSetKey, ip)
}

func (c *ThreatCache) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, blockedIPPrefix+ip, reason, ttl); err != nil {
		util.Error("Failed to block IP", zap.String("ip", ip), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to block ip: %w", err)
	}
	return nil
}

func (c *ThreatCache) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Exists(ctx, blockedIPPrefix+ip)
}

func (c *ThreatCache) UnblockIP(ctx context.Context, ip string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Del(ctx, blockedIPPrefix+ip)
}

func (c *ThreatCache) LockAccount(ctx context.Context, userID, reason string, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, lockedAccountPrefix+userID, reason, ttl); err != nil {
		util.Error("Failed to lock account", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to lock account: %w", err)
	}
	return nil
}

func (c *ThreatCache) IsAccountLocked(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Exists(ctx, lockedAccountPrefix+userID)
}

func (c *ThreatCache) UnlockAccount(ctx context.Context, userID string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Del(ctx, lockedAccountPrefix+userID)
}

// LastLogin returns nil when no previous login is known.
func (c *ThreatCache) LastLogin(ctx context.Context, userID string) (*LoginInfo, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, lastLoginInfoPrefix+userID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last login: %w", err)
	}

	var info LoginInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		util.Warn("Discarding malformed last-login record", zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	}
	return &info, nil
}

func (c *ThreatCache) SetLastLogin(ctx context.Context, userID string, info LoginInfo, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal last login: %w", err)
	}
	return c.client.Set(ctx, lastLoginInfoPrefix+userID, data, ttl)
}

func (c *ThreatCache) MarkPasswordChanged(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Set(ctx, passwordChangedPrefix+userID, at.UTC().Format(time.RFC3339), ttl)
}

func (c *ThreatCache) PasswordChangedRecently(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()
	return c.client.Exists(ctx, passwordChangedPrefix+userID)
}
