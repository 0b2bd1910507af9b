package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// TenantHeader carries the tenant a message belongs to.
const TenantHeader = "tenant_id"

// BatchHandler processes one batch of messages. Messages are committed only
// when it returns nil.
type BatchHandler func(ctx context.Context, msgs []kafka.Message) error

// messageReader abstracts kafka.Reader for testability.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	BatchSize int
	BatchWait time.Duration
}

// Consumer collects messages into batches bounded by size and wait time and
// hands each batch to a BatchHandler.
type Consumer struct {
	reader messageReader
	size   int
	wait   time.Duration
	handle BatchHandler
	logger zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, handle BatchHandler, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.BatchWait,
	})
	return NewConsumerWith(r, cfg, handle, logger)
}

// NewConsumerWith is used by tests to inject a fake reader.
func NewConsumerWith(r messageReader, cfg ConsumerConfig, handle BatchHandler, logger zerolog.Logger) *Consumer {
	size := cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	wait := cfg.BatchWait
	if wait <= 0 {
		wait = time.Second
	}
	return &Consumer{
		reader: r,
		size:   size,
		wait:   wait,
		handle: handle,
		logger: logger.With().Str("topic", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is cancelled or the handler fails. A partially
// collected batch is dropped on cancellation and redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Int("batch_size", c.size).Dur("batch_wait", c.wait).Msg("consumer started")
	for {
		batch, err := c.collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if len(batch) == 0 {
			continue
		}

		if err := c.handle(ctx, batch); err != nil {
			return fmt.Errorf("handle batch of %d: %w", len(batch), err)
		}
		if err := c.reader.CommitMessages(ctx, batch...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit batch: %w", err)
		}
		c.logger.Debug().Int("messages", len(batch)).Msg("batch committed")
	}
}

// collect blocks for the first message, then gathers more until the batch is
// full or the wait window since the first message closes.
func (c *Consumer) collect(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}

	wctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	for len(batch) < c.size {
		m, err := c.reader.FetchMessage(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, err
		}
		batch = append(batch, m)
	}
	return batch, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Header returns the value of the named header, or "".
func Header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
