package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-media-flow/pkg/retry"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Time    time.Time
	Headers []kafka.Header
}

// Header returns the value of the first header named key.
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return a *RejectError to dead-letter the
// message and commit. Any other error redelivers the same message to the
// handler after a backoff; later offsets of the partition are not read until
// it settles.
type HandlerFunc func(ctx context.Context, msg Message) error

// RejectError marks a message as unprocessable.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected (%s): %v", e.Reason, e.Err)
	}
	return "rejected: " + e.Reason
}

func (e *RejectError) Unwrap() error { return e.Err }

// Reject wraps err so the consumer dead-letters the message.
func Reject(reason string, err error) error {
	return &RejectError{Reason: reason, Err: err}
}

// Consumer reads messages from one or more Kafka topics.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumer)

// WithDeadLetter sends rejected and expired messages to topic via p.
func WithDeadLetter(p Producer, topic string) ConsumerOption {
	return func(c *consumer) {
		c.dlq = p
		c.dlqTopic = topic
	}
}

// WithRedeliveryBackoff sets the wait between redeliveries of a message whose
// handler failed. Waits grow quadratically from base up to max.
func WithRedeliveryBackoff(base, max time.Duration) ConsumerOption {
	return func(c *consumer) { c.backoff = retry.Config{BaseDelay: base, MaxDelay: max} }
}

// WithMessageTTL dead-letters messages older than ttl without handling them.
func WithMessageTTL(ttl time.Duration) ConsumerOption {
	return func(c *consumer) { c.ttl = ttl }
}

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader   messageReader
	logger   *slog.Logger
	dlq      Producer
	dlqTopic string
	ttl      time.Duration
	backoff  retry.Config
	now      func() time.Time
}

// NewConsumer creates a Kafka consumer for the given topic and consumer group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	return newConsumer(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}, logger, opts...)
}

// NewGroupConsumer creates a consumer that reads several topics in one group.
func NewGroupConsumer(brokers, topics []string, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	return newConsumer(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
	}, logger, opts...)
}

func newConsumer(cfg kafka.ReaderConfig, logger *slog.Logger, opts ...ConsumerOption) *consumer {
	cfg.MinBytes = 1
	cfg.MaxBytes = 10e6 // 10 MB
	cfg.MaxWait = 500 * time.Millisecond
	cfg.CommitInterval = 0 // manual commit only
	cfg.StartOffset = kafka.FirstOffset
	c := &consumer{
		reader:  kafka.NewReader(cfg),
		logger:  logger,
		backoff: retry.Config{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe reads messages in a loop until ctx is cancelled.
// Offsets are committed only after the message is settled (at-least-once).
// Commits are cumulative per partition, so an unsettled message is retried
// in place rather than skipped. Cancelling ctx while a message is
// unsettled returns without committing it.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Time:    m.Time,
			Headers: m.Headers,
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		for attempt := 1; !c.settle(msgCtx, msg, handler); attempt++ {
			if !c.wait(ctx, attempt) {
				return nil
			}
			c.logger.Info("redelivering message",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Int("attempt", attempt+1),
			)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// wait sleeps before redelivery attempt+1. It reports false if ctx ended.
func (c *consumer) wait(ctx context.Context, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(c.backoff.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// settle runs the handler and reports whether the offset may be committed.
func (c *consumer) settle(ctx context.Context, msg Message, handler HandlerFunc) bool {
	if c.ttl > 0 && !msg.Time.IsZero() && c.now().Sub(msg.Time) > c.ttl {
		return c.deadLetter(ctx, msg, "expired")
	}

	err := handler(ctx, msg)
	if err == nil {
		return true
	}

	var rej *RejectError
	if errors.As(err, &rej) {
		c.logger.Warn("message rejected",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("reason", rej.Reason),
			slog.String("error", err.Error()),
		)
		return c.deadLetter(ctx, msg, rej.Reason)
	}

	c.logger.Error("message handler failed, will redeliver",
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("error", err.Error()),
	)
	return false
}

// deadLetter forwards msg to the dead-letter topic. Without a configured
// dead-letter topic the message is dropped. A failed forward keeps the
// offset uncommitted.
func (c *consumer) deadLetter(ctx context.Context, msg Message, reason string) bool {
	if c.dlq == nil || c.dlqTopic == "" {
		c.logger.Warn("no dead-letter topic configured, dropping message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("reason", reason),
		)
		return true
	}
	headers := append([]Header{}, msg.Headers...)
	headers = append(headers,
		Header{Key: HeaderDeadReason, Value: []byte(reason)},
		Header{Key: HeaderOriginTopic, Value: []byte(msg.Topic)},
		Header{Key: HeaderOriginOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	if err := c.dlq.Publish(ctx, c.dlqTopic, string(msg.Key), msg.Value, headers...); err != nil {
		c.logger.Error("failed to publish to dead-letter topic",
			slog.String("topic", c.dlqTopic),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
