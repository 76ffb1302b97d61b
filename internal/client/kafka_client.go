package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/util"
)

var errNoBrokers = errors.New("no kafka brokers configured")

// KafkaProducer publishes audit copies and alert notifications.
type KafkaProducer struct {
	writer  *kafka.Writer
	brokers []string
	dialer  *kafka.Dialer
}

// KafkaConsumer reads security events with explicit commits.
type KafkaConsumer struct {
	reader *kafka.Reader
	topic  string
}

func kafkaTLS(c config.KafkaConfig) *tls.Config {
	if !c.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, errNoBrokers
	}
	tlsConfig := kafkaTLS(kc)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kc.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{TLS: tlsConfig, DialTimeout: 5 * time.Second},
	}

	p := &KafkaProducer{
		writer:  writer,
		brokers: kc.Brokers,
		dialer:  &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true, TLS: tlsConfig},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		_ = writer.Close()
		return nil, err
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.Bool("tls", tlsConfig != nil),
	)
	return p, nil
}

func NewKafkaConsumer(cfg *config.Config, topic, groupID string, logger *zap.Logger) (*KafkaConsumer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if topic == "" || groupID == "" {
		return nil, fmt.Errorf("%w: kafka consumer needs a topic and a group", models.ErrValidation)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kc.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		Dialer:   &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true, TLS: kafkaTLS(kc)},
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
		// a new group starts from the oldest retained event so nothing is skipped
		StartOffset:    kafka.FirstOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})

	logger.Info("Kafka consumer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.String("topic", topic),
		zap.String("group_id", groupID),
	)
	return &KafkaConsumer{reader: reader, topic: topic}, nil
}

func (p *KafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	util.Info("Kafka producer closed")
	return nil
}

func (c *KafkaConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka consumer: %w", err)
	}
	util.Info("Kafka consumer closed", util.String("topic", c.topic))
	return nil
}

// PublishJSON encodes v and writes it keyed by key. Messages sharing a key
// land on the same partition.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode kafka message: %w", err)
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return models.Unavailable("kafka write", err)
	}
	util.Debug("Published kafka message",
		util.String("topic", topic),
		util.Int("value_size", len(value)),
	)
	return nil
}

// FetchMessage reads the next message without committing it.
func (c *KafkaConsumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to read kafka message: %w", err)
	}
	return msg, nil
}

func (c *KafkaConsumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

// HealthCheck succeeds when any broker answers a metadata request.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return models.Unavailable("kafka brokers", errors.Join(errs...))
}
