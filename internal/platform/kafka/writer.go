package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultBatchTimeout bounds how long a partially filled batch waits before it
// is flushed. kafka-go defaults to one second, which every synchronous write
// below BatchSize pays in full.
const DefaultBatchTimeout = 10 * time.Millisecond

// Writer publishes JSON payloads to a single topic.
type Writer struct {
	writer  messageWriter
	brokers []string
}

func NewWriter(brokers []string, topic string) *Writer {
	return &Writer{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: DefaultBatchTimeout,
		},
	}
}

// NewWriterWith is used by tests to inject a fake writer.
func NewWriterWith(w messageWriter) *Writer {
	return &Writer{writer: w}
}

// Publish writes v as JSON under key. A non-empty tenant is attached as the
// TenantHeader header.
func (w *Writer) Publish(ctx context.Context, tenant, key string, v interface{}) error {
	msg, err := encode(tenant, key, v)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Item is one keyed payload of a PublishBatch call.
type Item struct {
	Key   string
	Value interface{}
}

// PublishBatch writes all items in one WriteMessages call and returns one
// error slot per item, nil for delivered items.
func (w *Writer) PublishBatch(ctx context.Context, tenant string, items []Item) []error {
	errs := make([]error, len(items))
	msgs := make([]kafka.Message, 0, len(items))
	slots := make([]int, 0, len(items))
	for i, it := range items {
		msg, err := encode(tenant, it.Key, it.Value)
		if err != nil {
			errs[i] = err
			continue
		}
		msgs = append(msgs, msg)
		slots = append(slots, i)
	}
	if len(msgs) == 0 {
		return errs
	}

	err := w.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return errs
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) && len(writeErrs) == len(msgs) {
		for j, werr := range writeErrs {
			if werr != nil {
				errs[slots[j]] = fmt.Errorf("write message: %w", werr)
			}
		}
		return errs
	}
	for _, i := range slots {
		errs[i] = fmt.Errorf("write message: %w", err)
	}
	return errs
}

func encode(tenant, key string, v interface{}) (kafka.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal: %w", err)
	}
	msg := kafka.Message{Key: []byte(key), Value: b}
	if tenant != "" {
		msg.Headers = []kafka.Header{{Key: TenantHeader, Value: []byte(tenant)}}
	}
	return msg, nil
}

// Ping dials the first reachable broker.
func (w *Writer) Ping(ctx context.Context) error {
	var lastErr error
	for _, b := range w.brokers {
		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := kafka.DialContext(dctx, "tcp", b)
		cancel()
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("no brokers configured")
	}
	return lastErr
}

func (w *Writer) Close() error {
	return w.writer.Close()
}
