package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
// Topics are expected to exist; DeclareTopology creates them.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same task number, same partition
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &producer{writer: w}
}

// Publish writes one record synchronously. The caller's headers are sent
// as given, followed by the trace context of the publish span.
func (p *producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error {
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
		),
	)
	defer span.End()

	carrier := HeaderCarrier(append(make([]Header, 0, len(headers)+2), headers...))
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	start := time.Now()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(carrier),
		Time:    start,
	})
	telemetry.KafkaPublishSeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.KafkaPublishTotal.WithLabelValues(topic, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	telemetry.KafkaPublishTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
