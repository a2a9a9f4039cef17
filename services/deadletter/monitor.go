// Package deadletter watches the dead-letter topics of every stage and
// records each rejected or expired message in the task's event history.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

const reasonExpired = "expired"

// Recorder is the part of the orchestrator the monitor writes to.
type Recorder interface {
	Task(ctx context.Context, taskID int64) (*domain.Task, error)
	RecordDeadLetter(ctx context.Context, t *domain.Task, stage domain.Stage, reason string)
	MarkFailed(ctx context.Context, t *domain.Task, stage domain.Stage, reason string) (*domain.Task, error)
}

// Monitor consumes dead-letter topics.
type Monitor struct {
	consumer kafka.Consumer
	recorder Recorder
	logger   *slog.Logger
}

func NewMonitor(consumer kafka.Consumer, recorder Recorder, logger *slog.Logger) *Monitor {
	return &Monitor{consumer: consumer, recorder: recorder, logger: logger}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	return m.consumer.Subscribe(ctx, m.handle)
}

func (m *Monitor) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("deadletter").Start(ctx, "deadletter.record")
	defer span.End()

	reason := msg.Header(kafka.HeaderDeadReason)
	if reason == "" {
		reason = "unknown"
	}
	stage, _ := kafka.StageOfTopic(msg.Topic)
	log := m.logger.With(
		slog.String("topic", msg.Topic),
		slog.String("origin_topic", msg.Header(kafka.HeaderOriginTopic)),
		slog.String("origin_offset", msg.Header(kafka.HeaderOriginOffset)),
		slog.String("reason", reason),
	)

	dm, err := kafka.DecodeDispatch(msg.Value)
	if err != nil {
		telemetry.DeadLettersTotal.WithLabelValues(string(stage), reason).Inc()
		log.Error("undecodable dead letter", slog.String("error", err.Error()), slog.String("raw", string(msg.Value)))
		return nil
	}
	if stage == "" {
		stage = dm.Stage
	}
	telemetry.DeadLettersTotal.WithLabelValues(string(stage), reason).Inc()
	span.SetAttributes(
		attribute.Int64("task.id", dm.TaskID),
		attribute.String("task.stage", string(stage)),
		attribute.String("dead_letter.reason", reason),
	)
	log = log.With(
		slog.Int64("task_id", dm.TaskID),
		slog.String("task_number", dm.TaskNumber),
		slog.String("stage", string(stage)),
	)

	t, err := m.recorder.Task(ctx, dm.TaskID)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			log.Warn("dead letter for unknown task")
			return nil
		}
		return fmt.Errorf("load task %d: %w", dm.TaskID, err)
	}

	m.recorder.RecordDeadLetter(ctx, t, stage, reason)
	log.Warn("dead letter recorded", slog.String("status", string(t.Status)))

	// A pending task is re-dispatched by the pending sweep once its claim
	// lease ends. A task already handed to this stage has no such path.
	if reason == reasonExpired && t.Status == domain.StatusProcessing && t.CurrentStep == string(stage) && dm.RetryCount == t.RetryCount {
		if _, err := m.recorder.MarkFailed(ctx, t, stage, "stage message expired before processing"); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			return fmt.Errorf("fail expired task %d: %w", t.ID, err)
		}
		log.Warn("expired stage message, task marked failed")
	}
	return nil
}
