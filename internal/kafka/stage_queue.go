package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// StageQueue publishes dispatch messages to per-stage topics.
type StageQueue struct {
	producer Producer
}

// NewStageQueue wraps a Producer.
func NewStageQueue(p Producer) *StageQueue {
	return &StageQueue{producer: p}
}

// Publish routes msg to the stage's work topic. The task number is the key,
// so every message for a task lands on the same partition.
func (q *StageQueue) Publish(ctx context.Context, stage domain.Stage, msg domain.DispatchMessage) error {
	msg.Stage = stage
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message for %s: %w", msg.TaskNumber, err)
	}
	return q.producer.Publish(ctx, StageTopic(stage), msg.TaskNumber, value,
		IntHeader(HeaderPriority, int64(msg.Priority)),
		IntHeader(HeaderRetryCount, int64(msg.RetryCount)),
	)
}

// DecodeDispatch parses and validates a stage message.
func DecodeDispatch(value []byte) (domain.DispatchMessage, error) {
	var msg domain.DispatchMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, fmt.Errorf("decode dispatch message: %w", err)
	}
	if msg.TaskID <= 0 {
		return msg, &domain.ValidationError{Field: "task_id", Reason: "missing"}
	}
	if !msg.ProcessType.Valid() {
		return msg, &domain.InvalidProcessTypeError{ProcessType: string(msg.ProcessType)}
	}
	if !msg.ProcessType.HasStage(msg.Stage) {
		return msg, &domain.ValidationError{
			Field:  "stage",
			Reason: fmt.Sprintf("%q is not part of %s", msg.Stage, msg.ProcessType),
		}
	}
	return msg, nil
}
