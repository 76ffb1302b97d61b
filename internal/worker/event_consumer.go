package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

// MessageSource is the consumer-group reader, implemented by client.KafkaConsumer.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type ThreatProcessor interface {
	ProcessEvent(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error)
}

// Auditor records consumed events before they reach the rules.
type Auditor interface {
	LogAuthenticationEvent(ctx context.Context, eventType, userID, email, ip string, success bool, additional map[string]any) (*models.AuditEvent, error)
	LogSecurityEvent(ctx context.Context, eventType, description, ip string, severity models.ThreatLevel, additional map[string]any) (*models.AuditEvent, error)
}

type AlertRaiser interface {
	ProcessThreatIndicator(ctx context.Context, ind *models.ThreatIndicator) (*models.SecurityAlert, error)
}

// EventConsumer feeds security events published by other platform services
// into threat detection and raises alerts for what it finds.
type EventConsumer struct {
	source  MessageSource
	audit   Auditor
	threats ThreatProcessor
	alerts  AlertRaiser
	logger  *zap.Logger
	backoff time.Duration
}

func NewEventConsumer(source MessageSource, audit Auditor, threats ThreatProcessor, alerts AlertRaiser, logger *zap.Logger) *EventConsumer {
	return &EventConsumer{
		source:  source,
		audit:   audit,
		threats: threats,
		alerts:  alerts,
		logger:  logger,
		backoff: time.Second,
	}
}

// Run consumes until ctx is cancelled. Malformed messages are committed and
// skipped so one bad record cannot stall the partition.
func (c *EventConsumer) Run(ctx context.Context) error {
	c.logger.Info("security event consumer started")
	defer c.logger.Info("security event consumer stopped")

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch security event", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.Handle(ctx, msg)

		if err := c.source.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("failed to commit security event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Handle processes one message.
func (c *EventConsumer) Handle(ctx context.Context, msg kafka.Message) {
	var event models.SecurityEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn("skipping malformed security event",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if event.EventType == "" {
		c.logger.Warn("skipping security event without type", zap.Int64("offset", msg.Offset))
		return
	}
	if event.ID == "" {
		event.ID = util.NewULID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = msg.Time.UTC()
	}

	// the audit row goes first so the counters the rules read include this event
	c.record(ctx, &event)

	ind, _ := c.threats.ProcessEvent(ctx, &event)
	if ind == nil {
		return
	}
	if _, err := c.alerts.ProcessThreatIndicator(ctx, ind); err != nil {
		c.logger.Error("failed to raise alert from consumed event",
			zap.String("event_id", event.ID),
			zap.String("rule", ind.Rule),
			zap.Error(err))
	}
}

// record writes the audit row for a consumed event. A failure is logged; the
// audit service has already buffered the row when storage was the problem.
func (c *EventConsumer) record(ctx context.Context, e *models.SecurityEvent) {
	extra := map[string]any{"event_id": e.ID, "source": "kafka"}
	if e.UserAgent != "" {
		extra["user_agent"] = e.UserAgent
	}
	if e.SessionDuration > 0 {
		extra["session_seconds"] = e.SessionDuration.Seconds()
	}
	if e.Payload != "" {
		extra["payload_bytes"] = len(e.Payload)
	}
	for k, v := range e.Metadata {
		if _, taken := extra[k]; !taken {
			extra[k] = v
		}
	}

	var err error
	if strings.HasPrefix(e.EventType, "login_") {
		_, err = c.audit.LogAuthenticationEvent(ctx, e.EventType, e.UserID, e.Email, e.IPAddress, e.Success, extra)
	} else {
		if e.UserID != "" {
			extra["user_id"] = e.UserID
		}
		_, err = c.audit.LogSecurityEvent(ctx, e.EventType, fmt.Sprintf("consumed %s event", e.EventType), e.IPAddress, "", extra)
	}
	if err != nil {
		c.logger.Error("failed to audit consumed security event",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Error(err))
	}
}
