package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

const (
	sweepPending = "pending"
	sweepFailed  = "failed"
)

// Dispatcher is the part of the orchestrator the sweeps drive.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *domain.Task, stage domain.Stage) error
	ResumeRetried(ctx context.Context, claim domain.RetryClaim) error
}

// Config tunes both sweeps.
type Config struct {
	PendingInterval time.Duration
	FailedInterval  time.Duration
	PendingBatch    int
	FailedBatch     int
	Cooldown        time.Duration
	MaxRetries      int
	// ClaimLease is how long a dispatched pending task is skipped by the
	// pending sweep. It matches the stage message TTL.
	ClaimLease time.Duration
	// LeaderRenew is how often leadership is renewed.
	LeaderRenew time.Duration
}

// DefaultConfig returns the production sweep settings.
func DefaultConfig() Config {
	return Config{
		PendingInterval: 30 * time.Second,
		FailedInterval:  300 * time.Second,
		PendingBatch:    50,
		FailedBatch:     20,
		Cooldown:        5 * time.Minute,
		MaxRetries:      3,
		ClaimLease:      time.Hour,
		LeaderRenew:     10 * time.Second,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Selected   int
	Dispatched int
	Failed     int
}

// Scheduler runs the pending and failed-retry sweeps on timers. With a
// Leader configured only the instance holding the lease sweeps.
type Scheduler struct {
	repo     postgres.TaskRepository
	dispatch Dispatcher
	leader   redisstore.Leader
	cfg      Config
	logger   *slog.Logger
	isLeader atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeader gates sweeps on a leader lease.
func WithLeader(l redisstore.Leader) Option { return func(s *Scheduler) { s.leader = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// NewScheduler creates a Scheduler. Zero fields in cfg take their defaults.
func NewScheduler(repo postgres.TaskRepository, dispatch Dispatcher, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = def.PendingInterval
	}
	if cfg.FailedInterval <= 0 {
		cfg.FailedInterval = def.FailedInterval
	}
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = def.PendingBatch
	}
	if cfg.FailedBatch <= 0 {
		cfg.FailedBatch = def.FailedBatch
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if cfg.LeaderRenew <= 0 {
		cfg.LeaderRenew = def.LeaderRenew
	}
	s := &Scheduler{repo: repo, dispatch: dispatch, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the timers, sweeps once immediately and blocks until ctx is
// cancelled. A sweep still running when its next tick fires is not
// overlapped.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))

	jobs := []struct {
		every time.Duration
		fn    func()
	}{
		{s.cfg.LeaderRenew, func() { s.renewLeadership(ctx) }},
		{s.cfg.PendingInterval, func() { s.runSweep(ctx, sweepPending, s.SweepPending) }},
		{s.cfg.FailedInterval, func() { s.runSweep(ctx, sweepFailed, s.SweepFailed) }},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.every), j.fn); err != nil {
			return fmt.Errorf("schedule @every %s: %w", j.every, err)
		}
	}

	s.renewLeadership(ctx)
	s.runSweep(ctx, sweepPending, s.SweepPending)
	s.runSweep(ctx, sweepFailed, s.SweepFailed)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	if s.leader != nil && s.isLeader.Load() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.leader.Release(releaseCtx); err != nil {
			s.logger.Warn("release leadership", slog.String("error", err.Error()))
		}
	}
	telemetry.SchedulerIsLeader.Set(0)
	return nil
}

func (s *Scheduler) renewLeadership(ctx context.Context) {
	if s.leader == nil {
		s.isLeader.Store(true)
		telemetry.SchedulerIsLeader.Set(1)
		return
	}
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		ok = false
	}
	if was := s.isLeader.Swap(ok); was != ok {
		if ok {
			s.logger.Info("acquired scheduler leadership")
		} else {
			s.logger.Warn("lost scheduler leadership")
		}
	}
	if ok {
		telemetry.SchedulerIsLeader.Set(1)
	} else {
		telemetry.SchedulerIsLeader.Set(0)
	}
}

func (s *Scheduler) runSweep(ctx context.Context, name string, sweep func(context.Context) (SweepResult, error)) {
	if !s.isLeader.Load() || ctx.Err() != nil {
		return
	}
	start := time.Now()
	res, err := sweep(ctx)
	telemetry.SchedulerSweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("sweep failed", slog.String("sweep", name), slog.String("error", err.Error()))
		return
	}
	if res.Selected > 0 {
		s.logger.Info("sweep finished",
			slog.String("sweep", name),
			slog.Int("selected", res.Selected),
			slog.Int("dispatched", res.Dispatched),
			slog.Int("failed", res.Failed),
		)
	}
}

// SweepPending claims pending tasks, highest priority and oldest first,
// and dispatches each to its first stage, or to the stage a manual retry
// asked to resume from. A failed dispatch is logged and the sweep moves on.
func (s *Scheduler) SweepPending(ctx context.Context) (SweepResult, error) {
	tasks, err := s.repo.ClaimPending(ctx, s.cfg.PendingBatch, s.cfg.MaxRetries, s.cfg.ClaimLease)
	if err != nil {
		return SweepResult{}, fmt.Errorf("claim pending tasks: %w", err)
	}
	res := SweepResult{Selected: len(tasks)}
	for _, t := range tasks {
		stage := t.DispatchStage()
		if err := s.dispatch.Dispatch(ctx, t, stage); err != nil {
			res.Failed++
			telemetry.SchedulerSweepTasks.WithLabelValues(sweepPending, "error").Inc()
			s.logger.Warn("dispatch pending task",
				slog.Int64("task_id", t.ID),
				slog.String("task_number", t.TaskNumber),
				slog.String("stage", string(stage)),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Dispatched++
		telemetry.SchedulerSweepTasks.WithLabelValues(sweepPending, "ok").Inc()
	}
	return res, nil
}

// SweepFailed moves failed tasks past the cool-down with retry budget left
// back to pending and dispatches them.
func (s *Scheduler) SweepFailed(ctx context.Context) (SweepResult, error) {
	claims, err := s.repo.ClaimFailedForRetry(ctx, s.cfg.Cooldown, s.cfg.FailedBatch, s.cfg.MaxRetries)
	if err != nil {
		return SweepResult{}, fmt.Errorf("claim failed tasks: %w", err)
	}
	res := SweepResult{Selected: len(claims)}
	for _, c := range claims {
		if err := s.dispatch.ResumeRetried(ctx, c); err != nil {
			res.Failed++
			telemetry.SchedulerSweepTasks.WithLabelValues(sweepFailed, "error").Inc()
			s.logger.Warn("dispatch retried task",
				slog.Int64("task_id", c.Task.ID),
				slog.String("task_number", c.Task.TaskNumber),
				slog.Int("retry_count", c.Task.RetryCount),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Dispatched++
		telemetry.SchedulerSweepTasks.WithLabelValues(sweepFailed, "ok").Inc()
	}
	return res, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
