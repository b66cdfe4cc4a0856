package kafka

import (
	"context"
	"time"

	"github.com/datarun/lmis/internal/config"
	"github.com/segmentio/kafka-go"
)

type Message = kafka.Message

// Consumer reads the inbox topic as part of the relay consumer group. Offsets are
// committed explicitly after a wake-up has been handed to the relay.
type Consumer struct {
	r *kafka.Reader
}

// NewConsumer joins cfg.GroupID on cfg.Topic. A group with no committed offset starts
// at the newest message: older events are covered by the relay's first scheduled run.
func NewConsumer(cfg config.KafkaConfig) *Consumer {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	commitEvery := time.Duration(cfg.CommitInterval) * time.Millisecond
	if commitEvery <= 0 {
		commitEvery = time.Second
	}

	return &Consumer{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: commitEvery,
		StartOffset:    kafka.LastOffset,
	})}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
