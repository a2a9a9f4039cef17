package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	"github.com/ramiqadoumi/go-media-flow/internal/testsupport"
	"github.com/ramiqadoumi/go-media-flow/services/scheduler"
)

var (
	testNow    = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	quietLog   = slog.New(slog.NewTextHandler(io.Discard, nil))
	testConfig = scheduler.Config{LeaderRenew: time.Hour}
)

// recordingDispatcher records dispatches and fails for chosen task numbers.
type recordingDispatcher struct {
	mu      sync.Mutex
	failFor map[string]bool
	order   []string
	stages  []domain.Stage
	resumed []domain.RetryClaim
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t *domain.Task, stage domain.Stage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, t.TaskNumber)
	d.stages = append(d.stages, stage)
	if d.failFor[t.TaskNumber] {
		return errors.New("broker down")
	}
	return nil
}

func (d *recordingDispatcher) ResumeRetried(_ context.Context, c domain.RetryClaim) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumed = append(d.resumed, c)
	if d.failFor[c.Task.TaskNumber] {
		return errors.New("broker down")
	}
	return nil
}

func newStore() *testsupport.Store {
	s := testsupport.NewStore()
	s.Now = func() time.Time { return testNow }
	return s
}

func seed(s *testsupport.Store, number string, pt domain.ProcessType, status domain.Status, retries int, createdAt time.Time) int64 {
	return s.Seed(&domain.Task{
		UserID:      1,
		TaskNumber:  number,
		Status:      status,
		ProcessType: pt,
		Priority:    pt.Priority(),
		RetryCount:  retries,
		CreatedAt:   createdAt,
	}, "a.mp3")
}

func TestSweepPending_PriorityThenAge(t *testing.T) {
	store := newStore()
	base := testNow.Add(-time.Hour)
	// Priorities 2, 8 and 4, created in order A, B, C.
	seed(store, "A", domain.ProcessTranscription, domain.StatusPending, 0, base)
	seed(store, "B", domain.ProcessAudioExtract, domain.StatusPending, 0, base.Add(time.Second))
	seed(store, "C", domain.ProcessFastRecognition, domain.StatusPending, 0, base.Add(2*time.Second))

	d := &recordingDispatcher{}
	s := scheduler.NewScheduler(store, d, testConfig, scheduler.WithLogger(quietLog))

	res, err := s.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepResult{Selected: 3, Dispatched: 3}, res)
	assert.Equal(t, []string{"B", "C", "A"}, d.order)
}

func TestSweepPending_FIFOWithinPriority(t *testing.T) {
	store := newStore()
	base := testNow.Add(-time.Hour)
	seed(store, "late", domain.ProcessDenoise, domain.StatusPending, 0, base.Add(time.Minute))
	seed(store, "early", domain.ProcessDenoise, domain.StatusPending, 0, base)

	d := &recordingDispatcher{}
	_, err := scheduler.NewScheduler(store, d, testConfig).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, d.order)
}

func TestSweepPending_HonoursResumeStage(t *testing.T) {
	store := newStore()
	base := testNow.Add(-time.Hour)
	seed(store, "fresh", domain.ProcessFullProcess, domain.StatusPending, 0, base)
	store.Seed(&domain.Task{
		UserID: 1, TaskNumber: "resumed", Status: domain.StatusPending,
		ProcessType: domain.ProcessFullProcess, Priority: domain.ProcessFullProcess.Priority(),
		RetryCount: 1, ResumeStage: domain.StageTranscription, CreatedAt: base.Add(time.Second),
	}, "a.mp4")

	d := &recordingDispatcher{}
	_, err := scheduler.NewScheduler(store, d, testConfig).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "resumed"}, d.order)
	assert.Equal(t, []domain.Stage{domain.StageAudioExtract, domain.StageTranscription}, d.stages)
}

func TestSweepPending_IsolatesFailures(t *testing.T) {
	store := newStore()
	base := testNow.Add(-time.Hour)
	seed(store, "A", domain.ProcessDenoise, domain.StatusPending, 0, base)
	seed(store, "B", domain.ProcessDenoise, domain.StatusPending, 0, base.Add(time.Second))
	seed(store, "C", domain.ProcessDenoise, domain.StatusPending, 0, base.Add(2*time.Second))

	d := &recordingDispatcher{failFor: map[string]bool{"A": true}}
	res, err := scheduler.NewScheduler(store, d, testConfig, scheduler.WithLogger(quietLog)).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, d.order, "a failing task does not abort the sweep")
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, res.Failed)
}

func TestSweepPending_SkipsExhaustedAndOtherStatuses(t *testing.T) {
	store := newStore()
	base := testNow.Add(-time.Hour)
	seed(store, "ok", domain.ProcessDenoise, domain.StatusPending, 2, base)
	seed(store, "exhausted", domain.ProcessDenoise, domain.StatusPending, 3, base)
	seed(store, "running", domain.ProcessDenoise, domain.StatusProcessing, 0, base)
	seed(store, "cancelled", domain.ProcessDenoise, domain.StatusCancelled, 0, base)

	d := &recordingDispatcher{}
	_, err := scheduler.NewScheduler(store, d, testConfig).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, d.order)
}

func TestSweepPending_BatchLimit(t *testing.T) {
	store := newStore()
	for i := 0; i < 60; i++ {
		seed(store, fmt.Sprintf("1_20260310_%04d", i+1), domain.ProcessDenoise, domain.StatusPending, 0,
			testNow.Add(-time.Duration(60-i)*time.Second))
	}
	d := &recordingDispatcher{}
	res, err := scheduler.NewScheduler(store, d, testConfig).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, res.Selected)

	again, err := scheduler.NewScheduler(store, d, testConfig).SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, again.Selected, "claimed tasks are leased, the rest follow")
}

func TestSweepFailed_CooldownAndBudget(t *testing.T) {
	store := newStore()
	old := testNow.Add(-time.Hour)
	eligible := seed(store, "eligible", domain.ProcessDenoise, domain.StatusFailed, 1, old)
	seed(store, "exhausted", domain.ProcessDenoise, domain.StatusFailed, 3, old)
	seed(store, "fresh", domain.ProcessDenoise, domain.StatusFailed, 0, testNow.Add(-time.Minute))

	d := &recordingDispatcher{}
	res, err := scheduler.NewScheduler(store, d, testConfig).SweepFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	require.Len(t, d.resumed, 1)
	assert.Equal(t, "eligible", d.resumed[0].Task.TaskNumber)

	task := store.Task(eligible)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 2, task.RetryCount)
}

// End to end through the orchestrator: a task failing on every attempt is
// retried automatically until retry_count reaches 3, then left failed.
func TestRetryBudget_ExhaustsAfterThreeAutomaticRetries(t *testing.T) {
	store := newStore()
	clock := testNow
	store.Now = func() time.Time { return clock }
	queue := &testsupport.Queue{}
	agg := progress.NewAggregator(testsupport.NewProgressStore())
	svc := orchestrator.NewService(store, store, store.ResultRepository(), queue, agg,
		orchestrator.WithClock(func() time.Time { return clock }),
		orchestrator.WithLogger(quietLog))
	sched := scheduler.NewScheduler(store, svc, testConfig, scheduler.WithLogger(quietLog))
	ctx := context.Background()

	id := seed(store, "1_20260310_0001", domain.ProcessDenoise, domain.StatusPending, 0, clock)

	failOnce := func() {
		task, err := svc.MarkStarted(ctx, id, domain.StageDenoise)
		require.NoError(t, err)
		_, err = svc.MarkFailed(ctx, task, domain.StageDenoise, "boom")
		require.NoError(t, err)
	}

	failOnce()
	for attempt := 1; attempt <= 3; attempt++ {
		clock = clock.Add(6 * time.Minute)
		res, err := sched.SweepFailed(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Dispatched, "attempt %d", attempt)
		assert.Equal(t, attempt, store.Task(id).RetryCount)
		failOnce()
	}

	final := store.Task(id)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, domain.StatusFailed, final.Status)

	clock = clock.Add(time.Hour)
	res, err := sched.SweepFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Selected, "exhausted tasks are not selected automatically")

	_, err = svc.Retry(ctx, final.TaskNumber, 1)
	assert.ErrorIs(t, err, domain.ErrStatusConflict, "retry_count == 3 is outside the budget")
	assert.Len(t, store.Events(domain.EventTaskRetried), 3)
}

type fakeLeader struct {
	mu       sync.Mutex
	leader   bool
	released bool
}

func (f *fakeLeader) Acquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader, nil
}

func (f *fakeLeader) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func TestRun_FollowerDoesNotSweep(t *testing.T) {
	store := newStore()
	seed(store, "A", domain.ProcessDenoise, domain.StatusPending, 0, testNow.Add(-time.Hour))
	d := &recordingDispatcher{}
	s := scheduler.NewScheduler(store, d, testConfig,
		scheduler.WithLeader(&fakeLeader{leader: false}), scheduler.WithLogger(quietLog))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.order)
}

func TestRun_LeaderSweepsAtStartupAndReleases(t *testing.T) {
	store := newStore()
	seed(store, "A", domain.ProcessDenoise, domain.StatusPending, 0, testNow.Add(-time.Hour))
	d := &recordingDispatcher{}
	leader := &fakeLeader{leader: true}
	s := scheduler.NewScheduler(store, d, testConfig,
		scheduler.WithLeader(leader), scheduler.WithLogger(quietLog))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.order) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	leader.mu.Lock()
	defer leader.mu.Unlock()
	assert.True(t, leader.released)
}
