package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

// asTransitionError turns a failed conditional update into the caller-facing
// InvalidTransitionError. Other errors pass through.
func asTransitionError(err error, t *domain.Task, to domain.Status) error {
	var conflict *domain.StatusConflictError
	if errors.As(err, &conflict) {
		return &domain.InvalidTransitionError{TaskNumber: t.TaskNumber, From: conflict.Current, To: to}
	}
	return err
}

// Cancel moves a pending or processing task to cancelled. Messages already
// queued are not retracted; workers observe the status and skip the task.
func (s *Service) Cancel(ctx context.Context, taskNumber string, userID int64) (*domain.Task, error) {
	t, err := s.owned(ctx, taskNumber, userID)
	if err != nil {
		return nil, err
	}
	if !t.CanCancel() {
		return nil, &domain.InvalidTransitionError{
			TaskNumber: t.TaskNumber, From: t.Status, To: domain.StatusCancelled,
			Reason: "only pending or processing tasks can be cancelled",
		}
	}

	updated, err := s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: domain.SourcesOf(domain.StatusCancelled)},
		domain.TaskUpdate{Status: domain.Ptr(domain.StatusCancelled), ClearDispatch: true})
	if err != nil {
		return nil, asTransitionError(err, t, domain.StatusCancelled)
	}
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusCancelled)).Inc()

	s.emitBy(ctx, updated, userID, domain.EventTaskCancelled, map[string]any{
		"user_id":         userID,
		"previous_status": t.Status,
	})

	// The queued message stays on its topic; the worker drops it when it
	// sees the cancelled status.
	stage := t.DispatchStage()
	if t.Status == domain.StatusProcessing && t.CurrentStep != "" {
		stage = domain.Stage(t.CurrentStep)
	}
	s.emitBy(ctx, updated, userID, domain.EventQueueJobCancelled, map[string]any{
		"stage":     stage,
		"in_flight": t.DispatchedAt != nil || t.Status == domain.StatusProcessing,
	})
	fields := domain.SnapshotOf(updated)
	fields.Message = domain.Ptr("cancelled by user")
	s.publishProgress(ctx, updated, fields)

	s.logger.Info("task cancelled",
		append(taskAttrs(updated),
			slog.String("previous_status", string(t.Status)),
			slog.String("queued_stage", string(stage)))...)
	return updated, nil
}

// RetryOption configures a manual retry.
type RetryOption func(*retryOptions)

type retryOptions struct {
	stage domain.Stage
}

// WithResumeStage re-enters the pipeline at stage instead of its first stage.
func WithResumeStage(stage domain.Stage) RetryOption {
	return func(o *retryOptions) { o.stage = stage }
}

// Retry moves a failed task back to pending and dispatches it. It is
// rejected unless the task is failed with retry_count below the budget.
func (s *Service) Retry(ctx context.Context, taskNumber string, userID int64, opts ...RetryOption) (*domain.Task, error) {
	t, err := s.owned(ctx, taskNumber, userID)
	if err != nil {
		return nil, err
	}

	o := retryOptions{stage: t.ProcessType.RoutingKey()}
	for _, opt := range opts {
		opt(&o)
	}
	if !t.ProcessType.HasStage(o.stage) {
		return nil, &domain.ValidationError{
			Field:  "stage",
			Reason: fmt.Sprintf("%s is not part of the %s pipeline", o.stage, t.ProcessType),
		}
	}

	if !t.CanRetry(s.maxRetries) {
		reason := "only failed tasks can be retried"
		if t.Status == domain.StatusFailed {
			reason = fmt.Sprintf("retry budget of %d exhausted", s.maxRetries)
		}
		return nil, &domain.InvalidTransitionError{
			TaskNumber: t.TaskNumber, From: t.Status, To: domain.StatusPending, Reason: reason,
		}
	}

	// Kept on the row so the pending sweep re-dispatches at the same stage
	// when the dispatch below fails.
	resumeAt := o.stage
	if resumeAt == t.ProcessType.RoutingKey() {
		resumeAt = ""
	}
	updated, err := s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusFailed}, RetriesBelow: s.maxRetries},
		domain.TaskUpdate{
			Status:         domain.Ptr(domain.StatusPending),
			ResumeStage:    &resumeAt,
			ErrorMessage:   domain.Ptr(""),
			IncrementRetry: true,
			ResetProgress:  true,
			Dispatched:     true,
		})
	if err != nil {
		return nil, asTransitionError(err, t, domain.StatusPending)
	}

	claim := domain.RetryClaim{Task: updated, PreviousError: t.ErrorMessage}
	if err := s.resume(ctx, claim, o.stage, &userID); err != nil {
		s.logger.Warn("retry dispatch failed, leaving task to the pending sweep",
			append(taskAttrs(updated), slog.String("error", err.Error()))...)
	}
	return updated, nil
}

// ResumeRetried dispatches a task the failed sweep already moved back to
// pending.
func (s *Service) ResumeRetried(ctx context.Context, claim domain.RetryClaim) error {
	return s.resume(ctx, claim, claim.Task.ProcessType.RoutingKey(), nil)
}

// resume announces a retry and dispatches it. actor is the user who asked
// for it, nil for the failed sweep.
func (s *Service) resume(ctx context.Context, claim domain.RetryClaim, stage domain.Stage, actor *int64) error {
	t := claim.Task
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusPending)).Inc()
	trigger := "automatic"
	if actor != nil {
		trigger = "manual"
	}
	ev := domain.NewTaskEvent(domain.EventTaskRetried, t.TaskNumber, map[string]any{
		"retry_count":    t.RetryCount,
		"previous_error": claim.PreviousError,
		"resume_stage":   stage,
		"trigger":        trigger,
	}, s.now())
	if actor != nil {
		ev.By(*actor)
	}
	s.record(ctx, t, ev)

	fields := domain.SnapshotOf(t)
	fields.Error = domain.Ptr("")
	fields.Message = domain.Ptr(fmt.Sprintf("retry %d queued", t.RetryCount))
	s.publishProgress(ctx, t, fields)

	s.logger.Info("task retried",
		append(taskAttrs(t),
			slog.Int("retry_count", t.RetryCount),
			slog.String("trigger", trigger),
			slog.String("stage", string(stage)))...)
	return s.Dispatch(ctx, t, stage)
}

// MarkStarted moves a task into processing for stage. started_at is
// stamped on the first stage only.
func (s *Service) MarkStarted(ctx context.Context, taskID int64, stage domain.Stage) (*domain.Task, error) {
	updated, err := s.repo.Update(ctx, taskID,
		domain.TaskGuard{Statuses: domain.SourcesOf(domain.StatusProcessing)},
		domain.TaskUpdate{
			Status:        domain.Ptr(domain.StatusProcessing),
			CurrentStep:   domain.Ptr(string(stage)),
			ResumeStage:   domain.Ptr(domain.Stage("")),
			Started:       true,
			ClearDispatch: true,
		})
	if err != nil {
		return nil, err
	}
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusProcessing)).Inc()

	s.emit(ctx, updated, domain.EventTaskStarted, map[string]any{
		"stage":       stage,
		"retry_count": updated.RetryCount,
	})
	fields := domain.SnapshotOf(updated)
	fields.Message = domain.Ptr(string(stage) + " started")
	s.publishProgress(ctx, updated, fields)
	return updated, nil
}

// UpdateFileProgress records one more processed file and bumps the cached
// snapshot with it. The count never reaches total_files here; the last file
// of the final stage is accounted for by MarkCompleted.
func (s *Service) UpdateFileProgress(ctx context.Context, taskID int64) (*domain.Task, error) {
	updated, err := s.repo.Update(ctx, taskID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusProcessing}, ProcessedBelowTotal: true},
		domain.TaskUpdate{IncrementProcessed: true})
	if err != nil {
		return nil, err
	}
	snap, err := s.progress.IncrementProcessedFiles(ctx, updated.ID)
	if err != nil {
		s.logger.Warn("publish progress", append(taskAttrs(updated), slog.String("error", err.Error()))...)
		return updated, nil
	}
	// An expired or missed snapshot is rebuilt from the row.
	if snap.ProcessedFiles != updated.ProcessedFiles || snap.TotalFiles != updated.TotalFiles {
		s.publishProgress(ctx, updated, domain.SnapshotOf(updated))
	}
	return updated, nil
}

// AdvanceStage hands a processing task from one stage to the next. The
// returned error is non-nil when the next stage could not be enqueued.
func (s *Service) AdvanceStage(ctx context.Context, t *domain.Task, from, next domain.Stage) error {
	updated, err := s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusProcessing}},
		domain.TaskUpdate{CurrentStep: domain.Ptr(string(next)), ResetProgress: true})
	if err != nil {
		return err
	}
	s.emit(ctx, updated, domain.EventQueueJobProcessed, map[string]any{
		"stage":      from,
		"next_stage": next,
	})
	fields := domain.SnapshotOf(updated)
	fields.Message = domain.Ptr(string(from) + " finished, queued " + string(next))
	s.publishProgress(ctx, updated, fields)
	return s.Dispatch(ctx, updated, next)
}

// MarkCompleted finishes a processing task at 100%.
func (s *Service) MarkCompleted(ctx context.Context, t *domain.Task, stage domain.Stage) (*domain.Task, error) {
	updated, err := s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusProcessing}},
		domain.TaskUpdate{Status: domain.Ptr(domain.StatusCompleted), Completed: true, ErrorMessage: domain.Ptr("")})
	if err != nil {
		return nil, err
	}
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusCompleted)).Inc()

	data := map[string]any{"stage": stage}
	if updated.StartedAt != nil && updated.CompletedAt != nil {
		data["duration_ms"] = updated.CompletedAt.Sub(*updated.StartedAt).Milliseconds()
	}
	s.emit(ctx, updated, domain.EventQueueJobProcessed, map[string]any{"stage": stage})
	s.emit(ctx, updated, domain.EventTaskCompleted, data)

	if _, err := s.progress.MarkCompleted(ctx, updated.ID); err != nil {
		s.logger.Warn("publish completion", append(taskAttrs(updated), slog.String("error", err.Error()))...)
	}
	s.logger.Info("task completed", taskAttrs(updated)...)
	return updated, nil
}

// MarkFailed records a stage failure. The failed sweep retries the task
// after the cool-down while its retry budget lasts.
func (s *Service) MarkFailed(ctx context.Context, t *domain.Task, stage domain.Stage, reason string) (*domain.Task, error) {
	updated, err := s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusProcessing}},
		domain.TaskUpdate{Status: domain.Ptr(domain.StatusFailed), ErrorMessage: domain.Ptr(reason)})
	if err != nil {
		return nil, err
	}
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()

	s.emit(ctx, updated, domain.EventTaskFailed, map[string]any{
		"stage":       stage,
		"error":       reason,
		"retry_count": updated.RetryCount,
		"exhausted":   updated.RetryCount >= s.maxRetries,
	})
	if _, err := s.progress.MarkFailed(ctx, updated.ID, reason); err != nil {
		s.logger.Warn("publish failure", append(taskAttrs(updated), slog.String("error", err.Error()))...)
	}
	s.logger.Warn("task failed",
		append(taskAttrs(updated),
			slog.String("stage", string(stage)),
			slog.Int("retry_count", updated.RetryCount),
			slog.String("error", reason))...)
	return updated, nil
}

// Task loads a task by ID.
func (s *Service) Task(ctx context.Context, taskID int64) (*domain.Task, error) {
	return s.repo.FindByID(ctx, taskID)
}

// Files returns the files of a task.
func (s *Service) Files(ctx context.Context, taskID int64) ([]*domain.TaskFile, error) {
	return s.repo.Files(ctx, taskID)
}

// UpdateFile changes per-file processing state.
func (s *Service) UpdateFile(ctx context.Context, fileID int64, u domain.FileUpdate) error {
	return s.repo.UpdateFile(ctx, fileID, u)
}

// RecordResult stores the artifact of one stage for one file.
func (s *Service) RecordResult(ctx context.Context, res *domain.ProcessingResult) error {
	return s.results.Create(ctx, res)
}

// FileEvent appends a file.* event to the task's history.
func (s *Service) FileEvent(ctx context.Context, t *domain.Task, f *domain.TaskFile, eventType domain.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["file_id"] = f.ID
	data["filename"] = f.OriginalFilename
	s.emit(ctx, t, eventType, data)
}

// RecordDeadLetter appends queue.job_failed for a message that reached a
// dead-letter queue.
func (s *Service) RecordDeadLetter(ctx context.Context, t *domain.Task, stage domain.Stage, reason string) {
	s.emit(ctx, t, domain.EventQueueJobFailed, map[string]any{
		"stage":  stage,
		"reason": reason,
	})
}
