package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
	"github.com/ramiqadoumi/go-media-flow/internal/storage"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

// SubmitRequest is a user's request to process a batch of files.
type SubmitRequest struct {
	UserID      int64
	ProcessType string
	Files       []storage.Upload
}

func (r SubmitRequest) validate() (domain.ProcessType, error) {
	if r.UserID <= 0 {
		return "", &domain.ValidationError{Field: "user_id", Reason: "must be a positive integer"}
	}
	pt, err := domain.ParseProcessType(r.ProcessType)
	if err != nil {
		return "", err
	}
	if len(r.Files) == 0 {
		return "", &domain.ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	for _, f := range r.Files {
		if f.Filename == "" {
			return "", &domain.ValidationError{Field: "files", Reason: "file name is required"}
		}
	}
	return pt, nil
}

// Submit validates the request, creates the task with its files and the
// task.created event in one transaction, then dispatches the first stage.
// A dispatch failure does not fail the submission: the task stays pending
// and the pending sweep picks it up.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*TaskDetails, error) {
	pt, err := req.validate()
	if err != nil {
		return nil, err
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, req.UserID)
		switch {
		case err != nil:
			s.logger.Warn("rate limiter unavailable", slog.Int64("user_id", req.UserID), slog.String("error", err.Error()))
		case !ok:
			return nil, &domain.RateLimitExceededError{UserID: req.UserID, Limit: s.limiter.Limit()}
		}
	}

	now := s.now()
	// Counted outside the creation transaction; concurrent submissions from
	// one user may overshoot the limit by the number in flight.
	count, err := s.repo.CountCreatedSince(ctx, req.UserID, domain.StartOfDay(now, s.loc))
	if err != nil {
		return nil, fmt.Errorf("count tasks created today: %w", err)
	}
	if count >= s.dailyLimit {
		return nil, &domain.DailyLimitExceededError{UserID: req.UserID, Limit: s.dailyLimit}
	}

	task := &domain.Task{
		UserID:      req.UserID,
		Status:      domain.StatusPending,
		ProcessType: pt,
		Priority:    pt.Priority(),
		CreatedAt:   now,
	}
	event := domain.NewTaskEvent(domain.EventTaskCreated, "", map[string]any{
		"user_id":      req.UserID,
		"process_type": pt,
		"priority":     task.Priority,
		"total_files":  len(req.Files),
	}, now).By(req.UserID)

	var saved []string
	created, files, err := s.repo.Create(ctx, postgres.CreateTaskInput{
		Task:  task,
		Event: event,
		Files: func(taskNumber string) ([]*domain.TaskFile, error) {
			return s.storeFiles(ctx, taskNumber, req.Files, &saved)
		},
		Discard: func(taskNumber string) {
			s.discardUploads(taskNumber, saved)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	telemetry.TaskTransitions.WithLabelValues(string(domain.StatusPending)).Inc()

	s.logger.Info("task created",
		append(taskAttrs(created),
			slog.Int64("user_id", created.UserID),
			slog.String("process_type", string(pt)),
			slog.Int("total_files", created.TotalFiles))...)
	for _, f := range files {
		s.emitBy(ctx, created, req.UserID, domain.EventFileUploaded, map[string]any{
			"file_id":   f.ID,
			"filename":  f.OriginalFilename,
			"file_size": f.FileSize,
			"file_type": f.FileType,
			"mime_type": f.MimeType,
		})
	}

	s.publishProgress(ctx, created, domain.SnapshotOf(created))

	if claimed, err := s.claim(ctx, created); err != nil {
		s.logger.Warn("claim new task for dispatch", append(taskAttrs(created), slog.String("error", err.Error()))...)
	} else if err := s.Dispatch(ctx, claimed, pt.RoutingKey()); err != nil {
		s.logger.Warn("initial dispatch failed, leaving task to the pending sweep",
			append(taskAttrs(created), slog.String("error", err.Error()))...)
	} else {
		created = claimed
	}

	return &TaskDetails{Task: created, Files: files}, nil
}

// storeFiles saves uploads under taskNumber, appending each written path
// to saved as it goes.
func (s *Service) storeFiles(ctx context.Context, taskNumber string, uploads []storage.Upload, saved *[]string) ([]*domain.TaskFile, error) {
	files := make([]*domain.TaskFile, 0, len(uploads))
	for i, up := range uploads {
		f := &domain.TaskFile{
			OriginalFilename: up.Filename,
			FileSize:         up.Size,
			FileType:         domain.DetectFileType(up.Filename),
			Status:           domain.FileStatusPending,
		}
		if s.files != nil {
			stored, err := s.files.Save(ctx, taskNumber, i+1, up)
			if err != nil {
				return nil, fmt.Errorf("store %s: %w", up.Filename, err)
			}
			*saved = append(*saved, stored.Path)
			f.StoredPath = stored.Path
			f.FileSize = stored.Size
			f.MimeType = stored.MimeType
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *Service) discardUploads(taskNumber string, paths []string) {
	if s.files == nil || len(paths) == 0 {
		return
	}
	if err := s.files.RemoveFiles(taskNumber, paths); err != nil {
		s.logger.Warn("remove uploads of failed task",
			slog.String("task_number", taskNumber), slog.String("error", err.Error()))
	}
}

// claim stamps dispatched_at on a pending task so the pending sweep skips
// it while its first message is in flight.
func (s *Service) claim(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	return s.repo.Update(ctx, t.ID,
		domain.TaskGuard{Statuses: []domain.Status{domain.StatusPending}},
		domain.TaskUpdate{Dispatched: true})
}

// Dispatch publishes t to the queue of stage. The caller must hold the
// dispatch claim. On failure a pending task's claim is released so the
// next pending sweep retries it.
func (s *Service) Dispatch(ctx context.Context, t *domain.Task, stage domain.Stage) error {
	msg := domain.NewDispatchMessage(t, stage, s.now().UnixMilli())
	if err := s.queue.Publish(ctx, stage, msg); err != nil {
		telemetry.DispatchTotal.WithLabelValues(string(stage), "error").Inc()
		if t.Status == domain.StatusPending {
			_, relErr := s.repo.Update(ctx, t.ID,
				domain.TaskGuard{Statuses: []domain.Status{domain.StatusPending}},
				domain.TaskUpdate{ClearDispatch: true})
			if relErr != nil && !errors.Is(relErr, domain.ErrStatusConflict) {
				s.logger.Error("release dispatch claim", append(taskAttrs(t), slog.String("error", relErr.Error()))...)
			}
		}
		return &domain.DispatchError{TaskNumber: t.TaskNumber, Stage: stage, Err: err}
	}
	telemetry.DispatchTotal.WithLabelValues(string(stage), "ok").Inc()

	s.emit(ctx, t, domain.EventQueueJobCreated, map[string]any{
		"stage":       stage,
		"priority":    t.Priority,
		"retry_count": t.RetryCount,
	})
	s.logger.Debug("task dispatched", append(taskAttrs(t), slog.String("stage", string(stage)))...)
	return nil
}
