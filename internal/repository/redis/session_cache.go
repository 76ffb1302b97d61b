package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "user_sessions:"
)

type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// Create writes the session record and adds it to the owner's index, both TTL'd.
func (c *SessionCache) Create(ctx context.Context, s *models.Session, ttl time.Duration) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	indexKey := userSessionsPrefix + s.UserID
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+s.SessionID, data, ttl)
	pipe.SAdd(ctx, indexKey, s.SessionID)
	pipe.Expire(ctx, indexKey, ttl)
	if err := c.client.ExecPipeline(ctx, pipe); err != nil {
		util.Error("Failed to create session",
			zap.String("user_id", s.UserID),
			zap.String("session_id", s.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("user_id", s.UserID),
		zap.String("session_id", s.SessionID),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns models.ErrNotFound when the session is gone or expired.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionPrefix+sessionID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

// Delete removes the record and its index entry.
func (c *SessionCache) Delete(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	if userID != "" {
		pipe.SRem(ctx, userSessionsPrefix+userID, sessionID)
	}
	if err := c.client.ExecPipeline(ctx, pipe); err != nil {
		util.Error("Failed to delete session",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (c *SessionCache) UserSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	ids, err := c.client.SMembers(ctx, userSessionsPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return ids, nil
}

// DeleteAll bulk-deletes every indexed session and then the index itself.
func (c *SessionCache) DeleteAll(ctx context.Context, userID string) (int, error) {
	ids, err := c.UserSessionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionPrefix+id)
	}
	keys = append(keys, userSessionsPrefix+userID)

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to invalidate all user sessions",
			zap.String("user_id", userID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to invalidate user sessions: %w", err)
	}
	return len(ids), nil
}

// List resolves every indexed id, pruning ids whose record has expired.
func (c *SessionCache) List(ctx context.Context, userID string) ([]*models.Session, error) {
	ids, err := c.UserSessionIDs(ctx, userID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionPrefix + id
	}
	vals, err := c.client.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, models.Unavailable("redis mget", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	var stale []interface{}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, &s)
	}

	if len(stale) > 0 {
		if err := c.client.SRem(ctx, userSessionsPrefix+userID, stale...); err != nil {
			util.Warn("Failed to prune stale session ids", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return sessions, nil
}
