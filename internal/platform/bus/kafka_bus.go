package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const kafkaBatchTimeout = 50 * time.Millisecond

type KafkaConfig struct {
	Brokers []string
	// ClientID is stamped on every produced message as a header.
	ClientID string
}

type kafkaBus struct {
	log      *logger.Logger
	writer   *kafka.Writer
	clientID string
}

// NewKafkaBus writes messages keyed by the aggregate key so that all updates
// of one aggregate land on one partition, in order.
func NewKafkaBus(log *logger.Logger, cfg KafkaConfig) (Publisher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           kafkaBatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &kafkaBus{
		log:      log.With("component", "KafkaBus"),
		writer:   w,
		clientID: cfg.ClientID,
	}, nil
}

func (b *kafkaBus) Publish(ctx context.Context, topic, key string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: raw,
		Time:  time.Now(),
	}
	if b.clientID != "" {
		msg.Headers = []kafka.Header{{Key: "producer", Value: []byte(b.clientID)}}
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s key=%s: %w", topic, key, err)
	}
	return nil
}

func (b *kafkaBus) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}
