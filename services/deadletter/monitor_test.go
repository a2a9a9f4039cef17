package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	"github.com/ramiqadoumi/go-media-flow/internal/testsupport"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type failingTask struct {
	Recorder
	err error
}

func (f failingTask) Task(context.Context, int64) (*domain.Task, error) { return nil, f.err }

func newMonitor(t *testing.T) (*Monitor, *testsupport.Store, *orchestrator.Service) {
	t.Helper()
	store := testsupport.NewStore()
	agg := progress.NewAggregator(testsupport.NewProgressStore(), progress.WithLogger(discardLogger))
	svc := orchestrator.NewService(store, store, store.ResultRepository(), &testsupport.Queue{}, agg,
		orchestrator.WithLogger(discardLogger))
	return NewMonitor(nil, svc, discardLogger), store, svc
}

func deadLetter(t *testing.T, task *domain.Task, stage domain.Stage, reason string) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(domain.NewDispatchMessage(task, stage, time.Now().UnixMilli()))
	require.NoError(t, err)
	return kafka.Message{
		Topic: kafka.DeadLetterTopic(stage),
		Value: raw,
		Headers: []kafka.Header{
			{Key: kafka.HeaderDeadReason, Value: []byte(reason)},
			{Key: kafka.HeaderOriginTopic, Value: []byte(kafka.StageTopic(stage))},
		},
	}
}

func seed(store *testsupport.Store, status domain.Status, step domain.Stage) *domain.Task {
	task := &domain.Task{
		UserID:      7,
		TaskNumber:  "7_20260310_0001",
		Status:      status,
		ProcessType: domain.ProcessFullProcess,
		Priority:    domain.ProcessFullProcess.Priority(),
		CurrentStep: string(step),
	}
	store.Seed(task, "a.mp4")
	return task
}

func TestMonitor_RecordsJobFailedEvent(t *testing.T) {
	m, store, _ := newMonitor(t)
	task := seed(store, domain.StatusFailed, domain.StageDenoise)

	require.NoError(t, m.handle(context.Background(), deadLetter(t, task, domain.StageDenoise, "stage failed")))

	events := store.Events(domain.EventQueueJobFailed)
	require.Len(t, events, 1)
	var data map[string]any
	require.NoError(t, json.Unmarshal(events[0].EventData, &data))
	assert.Equal(t, "denoise", data["stage"])
	assert.Equal(t, "stage failed", data["reason"])
	assert.Equal(t, domain.StatusFailed, store.Task(task.ID).Status)
}

func TestMonitor_ExpiredWhileProcessing_FailsTask(t *testing.T) {
	m, store, _ := newMonitor(t)
	task := seed(store, domain.StatusProcessing, domain.StageTranscription)

	require.NoError(t, m.handle(context.Background(), deadLetter(t, task, domain.StageTranscription, "expired")))

	got := store.Task(task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "stage message expired before processing", got.ErrorMessage)
	assert.Len(t, store.Events(domain.EventTaskFailed), 1)
}

func TestMonitor_ExpiredWhilePending_LeftToSweep(t *testing.T) {
	m, store, _ := newMonitor(t)
	task := seed(store, domain.StatusPending, "")

	require.NoError(t, m.handle(context.Background(), deadLetter(t, task, domain.StageAudioExtract, "expired")))

	assert.Equal(t, domain.StatusPending, store.Task(task.ID).Status)
	assert.Len(t, store.Events(domain.EventQueueJobFailed), 1)
	assert.Empty(t, store.Events(domain.EventTaskFailed))
}

func TestMonitor_ExpiredForOtherStage_Ignored(t *testing.T) {
	m, store, _ := newMonitor(t)
	task := seed(store, domain.StatusProcessing, domain.StageFastRecognition)

	require.NoError(t, m.handle(context.Background(), deadLetter(t, task, domain.StageDenoise, "expired")))
	assert.Equal(t, domain.StatusProcessing, store.Task(task.ID).Status)
}

func TestMonitor_UndecodableAndUnknown_Committed(t *testing.T) {
	m, store, _ := newMonitor(t)

	err := m.handle(context.Background(), kafka.Message{Topic: "media.stage.denoise.dlq", Value: []byte("garbage")})
	assert.NoError(t, err)

	ghost := &domain.Task{ID: 404, TaskNumber: "7_20260310_0404", ProcessType: domain.ProcessDenoise}
	assert.NoError(t, m.handle(context.Background(), deadLetter(t, ghost, domain.StageDenoise, "malformed")))
	assert.Empty(t, store.Events(domain.EventQueueJobFailed))
}

func TestMonitor_LoadError_NotCommitted(t *testing.T) {
	m, store, svc := newMonitor(t)
	task := seed(store, domain.StatusFailed, domain.StageDenoise)
	m.recorder = failingTask{Recorder: svc, err: errors.New("db down")}

	err := m.handle(context.Background(), deadLetter(t, task, domain.StageDenoise, "stage failed"))
	assert.Error(t, err)
}
