package service

import (
	"context"
	"fmt"

	"security-core/internal/bucketing"
	"security-core/internal/client"
	"security-core/internal/models"
)

// KafkaAuditSink publishes every audit event as JSON keyed by user or ip.
type KafkaAuditSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaAuditSink(producer *client.KafkaProducer, topic string) *KafkaAuditSink {
	return &KafkaAuditSink{producer: producer, topic: topic}
}

func (k *KafkaAuditSink) Name() string { return "kafka" }

func (k *KafkaAuditSink) Write(ctx context.Context, e *models.AuditEvent) error {
	key := e.UserID
	if key == "" {
		key = e.IPAddress
	}
	return k.producer.PublishJSON(ctx, k.topic, key, e, map[string]string{
		"event_type": e.EventType,
		"category":   e.Category,
	})
}

// ClickHouseAuditSink copies audit rows into an analytics table partitioned by day and bucket.
type ClickHouseAuditSink struct {
	client    *client.ClickHouseClient
	table     string
	bucketing *bucketing.BucketingManager
}

func NewClickHouseAuditSink(ch *client.ClickHouseClient, table string, bm *bucketing.BucketingManager) *ClickHouseAuditSink {
	return &ClickHouseAuditSink{client: ch, table: table, bucketing: bm}
}

func (c *ClickHouseAuditSink) Name() string { return "clickhouse" }

// EnsureTable creates the analytics table when missing.
func (c *ClickHouseAuditSink) EnsureTable(ctx context.Context) error {
	return c.client.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_date  Date,
			bucket      UInt16,
			id          String,
			category    LowCardinality(String),
			event_type  LowCardinality(String),
			user_id     String,
			ip_address  String,
			success     UInt8,
			severity    LowCardinality(String),
			occurred_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(event_date)
		ORDER BY (event_date, bucket, event_type, occurred_at)`, c.table))
}

func (c *ClickHouseAuditSink) Write(ctx context.Context, e *models.AuditEvent) error {
	key := e.UserID
	if key == "" {
		key = e.IPAddress
	}
	var success uint8
	if e.Success {
		success = 1
	}
	row := []interface{}{
		e.Timestamp.UTC(),
		uint16(c.bucketing.GetEventBucket(key)),
		e.ID,
		e.Category,
		e.EventType,
		e.UserID,
		e.IPAddress,
		success,
		string(e.Severity),
		e.Timestamp.UTC(),
	}
	return c.client.BatchInsert(ctx, "INSERT INTO "+c.table, [][]interface{}{row})
}
