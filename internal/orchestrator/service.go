// Package orchestrator owns the task lifecycle: submission, dispatch to
// stage queues, cancellation, retries and the transitions stage workers
// report. Every status change is a conditional update on the task row;
// progress snapshots and domain events follow the committed state.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
	"github.com/ramiqadoumi/go-media-flow/internal/storage"
)

const (
	DefaultMaxRetries = 3
	DefaultDailyLimit = 100
	DefaultPageSize   = 20
	MaxPageSize       = 100
)

// Queue publishes dispatch messages to stage queues.
type Queue interface {
	Publish(ctx context.Context, stage domain.Stage, msg domain.DispatchMessage) error
}

// FileStore persists uploads under a task number.
type FileStore interface {
	Save(ctx context.Context, taskNumber string, index int, up storage.Upload) (storage.StoredFile, error)
	RemoveFiles(taskNumber string, paths []string) error
}

// Service implements the task state machine on top of the repository,
// event log, progress store and dispatch queue.
type Service struct {
	repo     postgres.TaskRepository
	events   postgres.EventLog
	results  postgres.ResultRepository
	queue    Queue
	progress *progress.Aggregator

	files      FileStore
	limiter    redisstore.RateLimiter
	logger     *slog.Logger
	now        func() time.Time
	loc        *time.Location
	dailyLimit int
	maxRetries int
}

// Option configures a Service.
type Option func(*Service)

func WithFileStore(fs FileStore) Option { return func(s *Service) { s.files = fs } }

// WithRateLimiter enables the short-window submission limit.
func WithRateLimiter(l redisstore.RateLimiter) Option { return func(s *Service) { s.limiter = l } }

func WithLogger(l *slog.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithDailyLimit sets how many tasks a user may create per local day.
func WithDailyLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dailyLimit = n
		}
	}
}

// WithMaxRetries sets the retry budget shared by manual and automatic retries.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewService creates a Service.
func NewService(
	repo postgres.TaskRepository,
	events postgres.EventLog,
	results postgres.ResultRepository,
	queue Queue,
	agg *progress.Aggregator,
	opts ...Option,
) *Service {
	s := &Service{
		repo:       repo,
		events:     events,
		results:    results,
		queue:      queue,
		progress:   agg,
		logger:     slog.Default(),
		now:        time.Now,
		loc:        time.Local,
		dailyLimit: DefaultDailyLimit,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxRetries returns the configured retry budget.
func (s *Service) MaxRetries() int { return s.maxRetries }

// Progress exposes the aggregator for live update subscribers.
func (s *Service) Progress() *progress.Aggregator { return s.progress }

func taskAttrs(t *domain.Task) []any {
	return []any{slog.Int64("task_id", t.ID), slog.String("task_number", t.TaskNumber)}
}

// emit appends a task event caused by the system or a worker. The state
// change it describes is already committed, so a failed append is logged
// and not returned.
func (s *Service) emit(ctx context.Context, t *domain.Task, eventType domain.EventType, data map[string]any) {
	s.record(ctx, t, domain.NewTaskEvent(eventType, t.TaskNumber, data, s.now()))
}

// emitBy appends a task event caused by userID.
func (s *Service) emitBy(ctx context.Context, t *domain.Task, userID int64, eventType domain.EventType, data map[string]any) {
	s.record(ctx, t, domain.NewTaskEvent(eventType, t.TaskNumber, data, s.now()).By(userID))
}

func (s *Service) record(ctx context.Context, t *domain.Task, ev *domain.DomainEvent) {
	eventType := ev.EventType
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Error("append domain event",
			append(taskAttrs(t),
				slog.String("event_type", string(eventType)),
				slog.String("error", err.Error()))...)
	}
}

// publishProgress writes a snapshot. Progress is a cache of the task row and
// never fails the operation that triggered it.
func (s *Service) publishProgress(ctx context.Context, t *domain.Task, fields domain.ProgressFields) {
	if _, err := s.progress.SetProgress(ctx, t.ID, fields); err != nil {
		s.logger.Warn("publish progress", append(taskAttrs(t), slog.String("error", err.Error()))...)
	}
}

// owned loads a task by number and hides tasks of other users.
func (s *Service) owned(ctx context.Context, taskNumber string, userID int64) (*domain.Task, error) {
	t, err := s.repo.FindByNumber(ctx, taskNumber)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, &domain.TaskNotFoundError{TaskNumber: taskNumber}
	}
	return t, nil
}
