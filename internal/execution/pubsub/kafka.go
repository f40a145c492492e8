package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka status event sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks"`
}

// DefaultKafkaConfig returns sane defaults for the status topic.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "order-status",
		WriteTimeout: 1 * time.Second,
		RequiredAcks: 1,
	}
}

// KafkaPublisher publishes status events to Kafka, keyed by owner id so a
// single owner's events land on one partition in order. Publishing is
// best-effort: failures are logged and never propagated to the executor.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a Kafka-backed status publisher.
func NewKafkaPublisher(cfg *KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if cfg == nil {
		cfg = DefaultKafkaConfig()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to publish status events",
					zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
	return &KafkaPublisher{writer: writer, logger: logger.Named("kafka-status")}
}

// PublishStatus writes one event to the status topic.
func (p *KafkaPublisher) PublishStatus(ctx context.Context, event OrderStatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal status event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.OwnerID.String()),
		Value: data,
		Time:  event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to write status event",
			zap.Error(err),
			zap.String("order_id", event.OrderID.String()))
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
