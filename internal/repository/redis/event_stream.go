package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/models"
	"security-core/internal/util"
)

const securityEventsStreamKey = "security_events:stream"

// EventStream is a capped list of recent audit entries for live views.
type EventStream struct {
	client *client.RedisClient
	maxLen int64
}

func NewEventStream(client *client.RedisClient, maxLen int64) *EventStream {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &EventStream{client: client, maxLen: maxLen}
}

func (s *EventStream) Push(ctx context.Context, entry models.StreamEntry) error {
	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal stream entry: %w", err)
	}
	if err := s.client.LPushTrim(ctx, securityEventsStreamKey, data, s.maxLen); err != nil {
		util.Error("Failed to push security event", zap.String("event_type", entry.EventType), zap.Error(err))
		return err
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *EventStream) Recent(ctx context.Context, n int64) ([]models.StreamEntry, error) {
	ctx, cancel := s.client.OpContext(ctx)
	defer cancel()

	if n <= 0 || n > s.maxLen {
		n = s.maxLen
	}
	raw, err := s.client.LRange(ctx, securityEventsStreamKey, 0, n-1)
	if err != nil {
		return nil, err
	}

	entries := make([]models.StreamEntry, 0, len(raw))
	for _, r := range raw {
		var e models.StreamEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
