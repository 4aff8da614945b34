package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 10 * time.Second
)

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads step events from Kafka. Offsets are committed only after
// the event is stored or rejected, so a crash redelivers at most the
// uncommitted tail.
type Consumer struct {
	log    *logger.Logger
	reader *kafka.Reader
	ing    *Ingestor
}

func NewConsumer(baseLog *logger.Logger, cfg ConsumerConfig, ing *Ingestor) (*Consumer, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("ingest: logger required")
	}
	if ing == nil {
		return nil, fmt.Errorf("ingest: ingestor required")
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("ingest: brokers, topic and group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return &Consumer{
		log:    baseLog.With("component", "KafkaStepEventConsumer", "topic", cfg.Topic),
		reader: r,
		ing:    ing,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Starting step event consumer")
	backoff := minBackoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("fetch failed", "error", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		if !c.handle(ctx, m) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("commit failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

// handle retries transient failures until the message is stored or ctx ends.
// It reports false when ctx ended first.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	backoff := minBackoff
	for {
		err := c.ing.Handle(ctx, m.Value, headers)
		if err == nil {
			return true
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			c.log.Warn("step event rejected",
				"partition", m.Partition,
				"offset", m.Offset,
				"reason", rejected.Reason,
				"error", rejected.Err,
			)
			return true
		}
		c.log.Warn("store step event failed, retrying", "offset", m.Offset, "error", err)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
