package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	mfaSetupPrefix       = "mfa_setup:"
	mfaSecretPrefix      = "mfa_secret:"
	mfaBackupCodesPrefix = "mfa_backup_codes:"
)

// consumeBackupCode removes one matching code from the comma-joined list,
// keeping the remaining TTL. Returns 1 on match, 0 on miss, -1 if no list exists.
var consumeBackupCode = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return -1 end
local ttl = redis.call('PTTL', KEYS[1])
local out = {}
local found = 0
for code in string.gmatch(v, '([^,]+)') do
  if found == 0 and code == ARGV[1] then
    found = 1
  else
    table.insert(out, code)
  end
end
if found == 0 then return 0 end
if #out == 0 then
  redis.call('DEL', KEYS[1])
elseif ttl > 0 then
  redis.call('SET', KEYS[1], table.concat(out, ','), 'PX', ttl)
else
  redis.call('SET', KEYS[1], table.concat(out, ','))
end
return 1
`)

type MFACache struct {
	client *client.RedisClient
}

func NewMFACache(client *client.RedisClient) *MFACache {
	return &MFACache{client: client}
}

// StartSetup stores the pending secret and the backup codes for a new enrolment.
func (c *MFACache) StartSetup(ctx context.Context, userID, encryptedSecret string, setupTTL time.Duration, codes []string, codesTTL time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, mfaSetupPrefix+userID, encryptedSecret, setupTTL)
	pipe.Set(ctx, mfaBackupCodesPrefix+userID, joinCodes(codes), codesTTL)
	if err := c.client.ExecPipeline(ctx, pipe); err != nil {
		util.Error("Failed to store MFA setup", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to store mfa setup: %w", err)
	}
	return nil
}

func (c *MFACache) PendingSecret(ctx context.Context, userID string) (string, error) {
	return c.get(ctx, mfaSetupPrefix+userID)
}

func (c *MFACache) Secret(ctx context.Context, userID string) (string, error) {
	return c.get(ctx, mfaSecretPrefix+userID)
}

// Promote consumes the pending secret and stores it as the confirmed one. It
// fails with models.ErrNotFound if the pending entry was already consumed or
// replaced since the caller read it.
func (c *MFACache) Promote(ctx context.Context, userID, expected string, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	pending, err := c.client.GetDel(ctx, mfaSetupPrefix+userID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume mfa setup: %w", err)
	}
	if pending != expected {
		return models.ErrNotFound
	}

	if err := c.client.Set(ctx, mfaSecretPrefix+userID, pending, ttl); err != nil {
		util.Error("Failed to store confirmed MFA secret", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to store mfa secret: %w", err)
	}
	return nil
}

// ConsumeBackupCode reports whether code matched and was removed.
func (c *MFACache) ConsumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	res, err := c.client.RunScript(ctx, consumeBackupCode, []string{mfaBackupCodesPrefix + userID}, strings.ToUpper(code))
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *MFACache) BackupCodes(ctx context.Context, userID string) ([]string, error) {
	raw, err := c.get(ctx, mfaBackupCodesPrefix+userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Split(raw, ","), nil
}

func (c *MFACache) Status(ctx context.Context, userID string) (models.MFAStatus, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	secret := pipe.Exists(ctx, mfaSecretPrefix+userID)
	setup := pipe.Exists(ctx, mfaSetupPrefix+userID)
	if err := c.client.ExecPipeline(ctx, pipe); err != nil {
		return models.MFADisabled, fmt.Errorf("failed to read mfa status: %w", err)
	}

	switch {
	case secret.Val() > 0:
		return models.MFAEnabled, nil
	case setup.Val() > 0:
		return models.MFASetupPending, nil
	}
	return models.MFADisabled, nil
}

// Clear removes every MFA key for the user. Missing keys are not an error.
func (c *MFACache) Clear(ctx context.Context, userID string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, mfaSecretPrefix+userID, mfaBackupCodesPrefix+userID, mfaSetupPrefix+userID); err != nil {
		util.Error("Failed to clear MFA state", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to clear mfa state: %w", err)
	}
	return nil
}

func (c *MFACache) get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	v, err := c.client.Get(ctx, key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.SplitN(key, ":", 2)[0], err)
	}
	return v, nil
}

func joinCodes(codes []string) string {
	upper := make([]string, len(codes))
	for i, code := range codes {
		upper[i] = strings.ToUpper(code)
	}
	return strings.Join(upper, ",")
}
