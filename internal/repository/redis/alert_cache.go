package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	alertThrottlePrefix = "alert_throttle:"
	alertRatePrefix     = "alert_rate:"
	recentAlertsKey     = "alerts:recent"
)

type AlertCache struct {
	client *client.RedisClient
}

func NewAlertCache(client *client.RedisClient) *AlertCache {
	return &AlertCache{client: client}
}

// AcquireThrottle claims the notification slot for rule/target. False means
// a notification already went out inside the throttle window.
func (c *AlertCache) AcquireThrottle(ctx context.Context, rule, target string, window time.Duration) (bool, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	ok, err := c.client.SetNX(ctx, alertThrottlePrefix+rule+":"+target, time.Now().UTC().Unix(), window)
	if err != nil {
		util.Error("Failed to acquire alert throttle", zap.String("rule", rule), zap.String("target", target), zap.Error(err))
		return false, fmt.Errorf("failed to acquire alert throttle: %w", err)
	}
	return ok, nil
}

// ReleaseThrottle gives the slot back so the next alert for target can notify.
func (c *AlertCache) ReleaseThrottle(ctx context.Context, rule, target string) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, alertThrottlePrefix+rule+":"+target); err != nil {
		return fmt.Errorf("failed to release alert throttle: %w", err)
	}
	return nil
}

// IncrHourly bumps the per-rule counter for the hour containing now.
func (c *AlertCache) IncrHourly(ctx context.Context, rule string, now time.Time) (int64, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	key := alertRatePrefix + rule + ":" + now.UTC().Format("2006010215")
	count, err := c.client.IncrWithExpire(ctx, key, time.Hour)
	if err != nil {
		return 0, fmt.Errorf("failed to count alert rate: %w", err)
	}
	return count, nil
}

// PushRecent keeps a capped newest-first copy of alerts for dashboards.
func (c *AlertCache) PushRecent(ctx context.Context, alert *models.SecurityAlert, limit int64) error {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return c.client.LPushTrim(ctx, recentAlertsKey, data, limit)
}

func (c *AlertCache) Recent(ctx context.Context, limit int64) ([]*models.SecurityAlert, error) {
	ctx, cancel := c.client.OpContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	raw, err := c.client.LRange(ctx, recentAlertsKey, 0, limit-1)
	if err != nil {
		return nil, err
	}

	alerts := make([]*models.SecurityAlert, 0, len(raw))
	for _, r := range raw {
		var a models.SecurityAlert
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			util.Warn("Skipping malformed cached alert", zap.Error(err))
			continue
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}
