package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/handlers"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/pkg/retry"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

// Pipeline is the part of the orchestrator a stage worker drives.
type Pipeline interface {
	Task(ctx context.Context, taskID int64) (*domain.Task, error)
	Files(ctx context.Context, taskID int64) ([]*domain.TaskFile, error)
	MarkStarted(ctx context.Context, taskID int64, stage domain.Stage) (*domain.Task, error)
	UpdateFileProgress(ctx context.Context, taskID int64) (*domain.Task, error)
	AdvanceStage(ctx context.Context, t *domain.Task, from, next domain.Stage) error
	MarkCompleted(ctx context.Context, t *domain.Task, stage domain.Stage) (*domain.Task, error)
	MarkFailed(ctx context.Context, t *domain.Task, stage domain.Stage, reason string) (*domain.Task, error)
	UpdateFile(ctx context.Context, fileID int64, u domain.FileUpdate) error
	RecordResult(ctx context.Context, res *domain.ProcessingResult) error
	FileEvent(ctx context.Context, t *domain.Task, f *domain.TaskFile, eventType domain.EventType, data map[string]any)
}

// errInactive aborts a stage once the task has left processing, which in
// practice means the user cancelled it.
var errInactive = errors.New("task no longer processing")

// Worker consumes stage topics and runs the registered handler for each
// message's stage over every file of the dispatched task.
type Worker struct {
	consumer    kafka.Consumer
	pipeline    Pipeline
	handlers    *handlers.Registry
	workerID    string
	concurrency int
	maxRetries  int
	timeout     time.Duration
	baseDelay   time.Duration
	logger      *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithRetries(n int) Option             { return func(w *Worker) { w.maxRetries = n } }
func WithTimeout(d time.Duration) Option   { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option     { return func(w *Worker) { w.logger = l } }
func WithBaseDelay(d time.Duration) Option { return func(w *Worker) { w.baseDelay = d } }

// WithConcurrency bounds how many files of one task are processed at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// NewWorker constructs a Worker serving the stages registered in reg.
func NewWorker(workerID string, consumer kafka.Consumer, pipeline Pipeline, reg *handlers.Registry, opts ...Option) *Worker {
	w := &Worker{
		workerID:    workerID,
		consumer:    consumer,
		pipeline:    pipeline,
		handlers:    reg,
		concurrency: 4,
		maxRetries:  3,
		timeout:     10 * time.Minute,
		baseDelay:   time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts consuming and processing messages. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, w.processMessage)
}

// Wait blocks until all in-flight stages finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// InFlight returns the number of stages currently executing.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// stageRun is one message being processed by the handler of its stage.
type stageRun struct {
	*Worker
	stage   domain.Stage
	handler handlers.Handler
}

func (w *stageRun) skip(log *slog.Logger, reason string) error {
	telemetry.WorkerSkippedTotal.WithLabelValues(string(w.stage), reason).Inc()
	log.Info("message skipped", slog.String("reason", reason))
	return nil
}

// processMessage is the consumer HandlerFunc. It returns nil to commit,
// a RejectError to dead-letter, and any other error to leave the message
// for redelivery.
func (w *Worker) processMessage(consumerCtx context.Context, msg kafka.Message) error {
	dm, err := kafka.DecodeDispatch(msg.Value)
	if err != nil {
		w.logger.Error("malformed stage message",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return kafka.Reject("malformed", err)
	}
	handler, err := w.handlers.Get(dm.Stage)
	if err != nil {
		return kafka.Reject("wrong stage", err)
	}
	return (&stageRun{Worker: w, stage: dm.Stage, handler: handler}).process(consumerCtx, dm)
}

func (w *stageRun) process(consumerCtx context.Context, dm domain.DispatchMessage) error {
	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.process_stage",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", dm.TaskID),
		attribute.String("task.number", dm.TaskNumber),
		attribute.String("task.stage", string(w.stage)),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.Int64("task_id", dm.TaskID),
		slog.String("task_number", dm.TaskNumber),
		slog.String("stage", string(w.stage)),
		slog.String("worker_id", w.workerID),
	)

	t, err := w.pipeline.Task(ctx, dm.TaskID)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return w.skip(log, "not_found")
		}
		return fmt.Errorf("load task: %w", err)
	}
	if !t.Status.IsActive() {
		return w.skip(log, string(t.Status))
	}
	if dm.RetryCount < t.RetryCount {
		return w.skip(log, "stale")
	}
	if t.Status == domain.StatusProcessing && t.CurrentStep != string(w.stage) {
		return w.skip(log, "stale")
	}

	started, err := w.pipeline.MarkStarted(ctx, t.ID, w.stage)
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return w.skip(log, "conflict")
		}
		return fmt.Errorf("mark started: %w", err)
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerStagesInFlight.WithLabelValues(string(w.stage)).Inc()
	defer func() {
		telemetry.WorkerStagesInFlight.WithLabelValues(string(w.stage)).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	start := time.Now()
	runErr := w.runFiles(ctx, log, started)
	telemetry.WorkerStageDurationSeconds.WithLabelValues(string(w.stage)).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(runErr, errInactive):
		return w.skip(log, "cancelled")
	case runErr != nil && ctx.Err() != nil:
		// Shutdown: leave the message uncommitted so it is redelivered.
		log.Warn("stage interrupted", slog.String("error", runErr.Error()))
		return runErr
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "stage failed")
		return w.fail(ctx, log, started, runErr)
	}
	return w.finish(ctx, log, started)
}

func (w *stageRun) fail(ctx context.Context, log *slog.Logger, t *domain.Task, runErr error) error {
	telemetry.WorkerStagesProcessed.WithLabelValues(string(w.stage), "failed").Inc()
	if _, err := w.pipeline.MarkFailed(ctx, t, w.stage, runErr.Error()); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return w.skip(log, "cancelled")
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	return kafka.Reject("stage failed", runErr)
}

func (w *stageRun) finish(ctx context.Context, log *slog.Logger, t *domain.Task) error {
	if next, ok := t.ProcessType.NextStage(w.stage); ok {
		if err := w.pipeline.AdvanceStage(ctx, t, w.stage, next); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return w.skip(log, "cancelled")
			}
			// A redelivered message would be stale by now, so a lost
			// hand-off is recorded as a failure for the retry sweep.
			var de *domain.DispatchError
			if errors.As(err, &de) {
				return w.fail(ctx, log, t, err)
			}
			return fmt.Errorf("advance to %s: %w", next, err)
		}
		telemetry.WorkerStagesProcessed.WithLabelValues(string(w.stage), "advanced").Inc()
		log.Info("stage finished", slog.String("next_stage", string(next)))
		return nil
	}

	if _, err := w.pipeline.MarkCompleted(ctx, t, w.stage); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return w.skip(log, "cancelled")
		}
		return fmt.Errorf("mark completed: %w", err)
	}
	telemetry.WorkerStagesProcessed.WithLabelValues(string(w.stage), "completed").Inc()
	return nil
}

// runFiles processes every file of t, at most w.concurrency at a time. The
// first failing file cancels the rest.
func (w *stageRun) runFiles(ctx context.Context, log *slog.Logger, t *domain.Task) error {
	files, err := w.pipeline.Files(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("load files: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := w.processFile(gctx, log, t, f); err != nil {
				return err
			}
			// The final file is counted by the stage transition, not here.
			if n := done.Add(1); int(n) < len(files) {
				if _, err := w.pipeline.UpdateFileProgress(gctx, t.ID); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
					log.Warn("record file progress", slog.String("error", err.Error()))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *stageRun) checkActive(ctx context.Context, taskID int64) error {
	current, err := w.pipeline.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if current.Status != domain.StatusProcessing {
		return errInactive
	}
	return nil
}

func (w *stageRun) processFile(ctx context.Context, log *slog.Logger, t *domain.Task, f *domain.TaskFile) error {
	if err := w.checkActive(ctx, t.ID); err != nil {
		return err
	}
	log = log.With(slog.Int64("file_id", f.ID), slog.String("filename", f.OriginalFilename))

	step := string(w.stage)
	if err := w.pipeline.UpdateFile(ctx, f.ID, domain.FileUpdate{
		Status:         domain.Ptr(domain.FileStatusProcessing),
		ProcessingStep: &step,
	}); err != nil {
		return fmt.Errorf("update file %d: %w", f.ID, err)
	}
	w.pipeline.FileEvent(ctx, t, f, domain.EventFileProcessingStarted, map[string]any{"stage": w.stage})

	// Later stages read the previous stage's output.
	input := f.StoredPath
	if f.ProcessedPath != "" && t.ProcessType.RoutingKey() != w.stage {
		input = f.ProcessedPath
	}
	job := handlers.StageJob{Task: t, File: f, Stage: w.stage, InputPath: input}

	var out *handlers.StageOutput
	execErr := retry.Do(ctx, retry.Config{
		MaxAttempts: w.maxRetries + 1,
		BaseDelay:   w.baseDelay,
		OnRetry: func(attempt int, err error) {
			telemetry.WorkerRetriesTotal.WithLabelValues(string(w.stage)).Inc()
			log.Warn("stage attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		execCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		var err error
		out, err = w.handler.Process(execCtx, job)
		return err
	})
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		stageErr := &domain.StageError{Stage: w.stage, Filename: f.OriginalFilename, Err: execErr}
		if err := w.pipeline.UpdateFile(ctx, f.ID, domain.FileUpdate{
			Status:       domain.Ptr(domain.FileStatusFailed),
			ErrorMessage: domain.Ptr(execErr.Error()),
		}); err != nil {
			log.Warn("mark file failed", slog.String("error", err.Error()))
		}
		w.pipeline.FileEvent(ctx, t, f, domain.EventFileProcessingFailed, map[string]any{
			"stage": w.stage,
			"error": execErr.Error(),
		})
		return stageErr
	}

	// Results of a cancelled task are discarded.
	if err := w.checkActive(ctx, t.ID); err != nil {
		return err
	}

	if err := w.pipeline.RecordResult(ctx, &domain.ProcessingResult{
		TaskID:     t.ID,
		TaskFileID: f.ID,
		ResultType: w.stage.ResultType(),
		ResultData: out.ResultData,
		ResultPath: out.OutputPath,
		FileSize:   out.FileSize,
		Duration:   out.Duration,
		Metadata:   out.Metadata,
	}); err != nil {
		return fmt.Errorf("record result for file %d: %w", f.ID, err)
	}

	u := domain.FileUpdate{Status: domain.Ptr(domain.FileStatusCompleted), ErrorMessage: domain.Ptr("")}
	if out.OutputPath != "" {
		u.ProcessedPath = domain.Ptr(out.OutputPath)
	}
	if err := w.pipeline.UpdateFile(ctx, f.ID, u); err != nil {
		return fmt.Errorf("update file %d: %w", f.ID, err)
	}
	w.pipeline.FileEvent(ctx, t, f, domain.EventFileProcessingCompleted, map[string]any{
		"stage":       w.stage,
		"output_path": out.OutputPath,
	})
	return nil
}
