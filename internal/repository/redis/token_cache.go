package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	refreshTokenPrefix      = "refresh_token:"
	userRefreshTokensPrefix = "user_refresh_tokens:"
)

// RefreshTokenCache maps refresh_token:<token> to the owning user id.
type RefreshTokenCache struct {
	client *client.RedisClient
}

func NewRefreshTokenCache(client *client.RedisClient) *RefreshTokenCache {
	return &RefreshTokenCache{client: client}
}

func (c *RefreshTokenCache) Store(ctx context.Context, token, userID string, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	indexKey := userRefreshTokensPrefix + userID
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, refreshTokenPrefix+token, userID, ttl)
	pipe.SAdd(ctx, indexKey, token)
	pipe.Expire(ctx, indexKey, ttl)
	if err := c.client.ExecPipeline(ctx, pipe); err != nil {
		util.Error("Failed to store refresh token", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// Lookup returns models.ErrNotFound for unknown or expired tokens.
func (c *RefreshTokenCache) Lookup(ctx context.Context, token string) (string, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	userID, err := c.client.Get(ctx, refreshTokenPrefix+token)
	if errors.Is(err, client.ErrKeyNotFound) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return userID, nil
}

// Consume atomically removes the token and returns its owner. Of two concurrent
// callers at most one sees the user id.
func (c *RefreshTokenCache) Consume(ctx context.Context, token string) (string, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	userID, err := c.client.GetDel(ctx, refreshTokenPrefix+token)
	if errors.Is(err, client.ErrKeyNotFound) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume refresh token: %w", err)
	}

	if err := c.client.SRem(ctx, userRefreshTokensPrefix+userID, token); err != nil {
		util.Warn("Failed to drop consumed token from index", zap.String("user_id", userID), zap.Error(err))
	}
	return userID, nil
}

// Delete is a no-op for unknown tokens.
func (c *RefreshTokenCache) Delete(ctx context.Context, token string) error {
	_, err := c.Consume(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func (c *RefreshTokenCache) DeleteAll(ctx context.Context, userID string) (int, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	indexKey := userRefreshTokensPrefix + userID
	tokens, err := c.client.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, refreshTokenPrefix+t)
	}
	keys = append(keys, indexKey)

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to revoke refresh tokens", zap.String("user_id", userID), zap.Error(err))
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return len(tokens), nil
}
