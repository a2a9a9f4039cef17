package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// TaskDetails is a task with its files, stage results and live progress.
type TaskDetails struct {
	Task     *domain.Task               `json:"task"`
	Files    []*domain.TaskFile         `json:"files"`
	Results  []*domain.ProcessingResult `json:"results,omitempty"`
	Progress *domain.ProgressSnapshot   `json:"live_progress,omitempty"`
}

// GetTask returns a task owned by userID. A live snapshot, when present,
// overrides the stored progress.
func (s *Service) GetTask(ctx context.Context, taskNumber string, userID int64) (*TaskDetails, error) {
	t, err := s.owned(ctx, taskNumber, userID)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.Files(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load files of %s: %w", t.TaskNumber, err)
	}
	results, err := s.results.ListByTask(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load results of %s: %w", t.TaskNumber, err)
	}

	d := &TaskDetails{Task: t, Files: files, Results: results}
	snap, ok, err := s.progress.GetProgress(ctx, t.ID)
	if err != nil {
		s.logger.Warn("read live progress", append(taskAttrs(t), slog.String("error", err.Error()))...)
	}
	if ok {
		d.Progress = snap
		t.Progress = snap.Progress
	}
	return d, nil
}

// ListTasks returns one page of a user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID int64, page, pageSize int) (*domain.TaskPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, total, err := s.repo.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list tasks of user %d: %w", userID, err)
	}
	s.overlayProgress(ctx, items)
	return domain.NewTaskPage(items, total, page, pageSize), nil
}

// overlayProgress copies live progress onto active tasks.
func (s *Service) overlayProgress(ctx context.Context, items []*domain.Task) {
	var ids []int64
	for _, t := range items {
		if t.Status.IsActive() {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	snaps, err := s.progress.GetMany(ctx, ids)
	if err != nil {
		s.logger.Warn("read live progress", slog.Int("tasks", len(ids)), slog.String("error", err.Error()))
		return
	}
	for _, t := range items {
		if snap, ok := snaps[t.ID]; ok {
			t.Progress = snap.Progress
		}
	}
}

// Statistics counts a user's tasks per status.
func (s *Service) Statistics(ctx context.Context, userID int64) (domain.TaskStats, error) {
	counts, err := s.repo.CountByStatus(ctx, userID)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("count tasks of user %d: %w", userID, err)
	}
	return domain.NewTaskStats(counts), nil
}

// Events returns the event history of a task, oldest first.
func (s *Service) Events(ctx context.Context, taskNumber string, userID int64) ([]*domain.DomainEvent, error) {
	t, err := s.owned(ctx, taskNumber, userID)
	if err != nil {
		return nil, err
	}
	return s.events.ListByAggregate(ctx, domain.AggregateTask, t.TaskNumber)
}

// LatestResult returns the newest result of one type for a task.
func (s *Service) LatestResult(ctx context.Context, taskID int64, resultType domain.ResultType) (*domain.ProcessingResult, error) {
	return s.results.Latest(ctx, taskID, resultType)
}
