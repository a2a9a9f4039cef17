// Package progress maintains the live progress view of running tasks.
//
// Snapshots are a cache: the durable task row stays the source of truth and
// every write here is best-effort. Updates merge into the existing snapshot
// and are published to subscribers of the task's channel.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
)

// Aggregator merges partial progress updates into per-task snapshots.
type Aggregator struct {
	store  redisstore.ProgressStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(a *Aggregator) { a.logger = l } }

// NewAggregator wraps a ProgressStore.
func NewAggregator(store redisstore.ProgressStore, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// load returns the cached snapshot or a fresh one for taskID.
func (a *Aggregator) load(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, error) {
	snap, err := a.store.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNoProgress) {
		return &domain.ProgressSnapshot{TaskID: taskID}, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (a *Aggregator) save(ctx context.Context, snap *domain.ProgressSnapshot) (*domain.ProgressSnapshot, error) {
	snap.UpdatedAt = a.now().UnixMilli()
	written, err := a.store.Set(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("save progress for task %d: %w", snap.TaskID, err)
	}
	if !written {
		a.logger.Debug("stale progress write dropped", slog.Int64("task_id", snap.TaskID))
	}
	return snap, nil
}

// SetProgress merges fields into the task's snapshot, stamps UpdatedAt and
// publishes the result.
func (a *Aggregator) SetProgress(ctx context.Context, taskID int64, fields domain.ProgressFields) (*domain.ProgressSnapshot, error) {
	snap, err := a.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap.Apply(fields)
	return a.save(ctx, snap)
}

// IncrementProcessedFiles bumps the processed count and recomputes progress.
// An unset total is treated as one file.
func (a *Aggregator) IncrementProcessedFiles(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, error) {
	snap, err := a.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if snap.TotalFiles <= 0 {
		snap.TotalFiles = 1
	}
	if snap.ProcessedFiles < snap.TotalFiles {
		snap.ProcessedFiles++
	}
	snap.Progress = domain.CalculateProgress(snap.ProcessedFiles, snap.TotalFiles)
	return a.save(ctx, snap)
}

// MarkCompleted records completion at 100%.
func (a *Aggregator) MarkCompleted(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, error) {
	snap, err := a.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap.Status = domain.StatusCompleted
	snap.Progress = 100
	if snap.TotalFiles > 0 {
		snap.ProcessedFiles = snap.TotalFiles
	}
	snap.CompletedAt = a.now().UnixMilli()
	return a.save(ctx, snap)
}

// MarkFailed records the failure reason.
func (a *Aggregator) MarkFailed(ctx context.Context, taskID int64, reason string) (*domain.ProgressSnapshot, error) {
	snap, err := a.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	snap.Status = domain.StatusFailed
	snap.Error = reason
	snap.FailedAt = a.now().UnixMilli()
	return a.save(ctx, snap)
}

// GetProgress returns the snapshot for taskID; ok is false when none exists.
func (a *Aggregator) GetProgress(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, bool, error) {
	snap, err := a.store.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNoProgress) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// GetMany returns snapshots for the tasks that have one.
func (a *Aggregator) GetMany(ctx context.Context, taskIDs []int64) (map[int64]*domain.ProgressSnapshot, error) {
	return a.store.GetMany(ctx, taskIDs)
}

// Subscribe opens a pub/sub connection for live updates.
func (a *Aggregator) Subscribe(ctx context.Context) redisstore.ProgressSubscription {
	return a.store.Subscribe(ctx)
}
