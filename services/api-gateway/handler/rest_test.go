package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	"github.com/ramiqadoumi/go-media-flow/internal/storage"
	"github.com/ramiqadoumi/go-media-flow/internal/testsupport"
	"github.com/ramiqadoumi/go-media-flow/services/api-gateway/handler"
)

var (
	testNow       = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeInspector struct {
	stats []kafka.QueueStat
	err   error
}

func (f fakeInspector) Stats(context.Context, []domain.Stage) ([]kafka.QueueStat, error) {
	return f.stats, f.err
}

// ── helpers ──────────────────────────────────────────────────────────────────

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type gateway struct {
	store    *testsupport.Store
	queue    *testsupport.Queue
	progress *testsupport.ProgressStore
	svc      *orchestrator.Service
	server   http.Handler
	seeded   int
}

func newGateway(t *testing.T, queues handler.QueueInspector, opts ...orchestrator.Option) *gateway {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := testsupport.NewStore()
	store.Now = clock
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	g := &gateway{store: store, queue: &testsupport.Queue{}, progress: testsupport.NewProgressStore()}
	agg := progress.NewAggregator(g.progress, progress.WithClock(clock))
	base := []orchestrator.Option{
		orchestrator.WithClock(clock),
		orchestrator.WithLocation(time.UTC),
		orchestrator.WithFileStore(files),
		orchestrator.WithLogger(discardLogger),
	}
	g.svc = orchestrator.NewService(store, store, store.ResultRepository(), g.queue, agg, append(base, opts...)...)
	g.server = handler.NewRouter(handler.NewREST(g.svc, queues, discardLogger), handler.NewWS(agg, discardLogger))
	return g
}

func (g *gateway) seed(userID int64, pt domain.ProcessType, status domain.Status, retries int) *domain.Task {
	g.seeded++
	task := &domain.Task{
		UserID:      userID,
		TaskNumber:  fmt.Sprintf("%d_20260310_%04d", userID, g.seeded),
		Status:      status,
		ProcessType: pt,
		Priority:    pt.Priority(),
		RetryCount:  retries,
		CreatedAt:   testNow.Add(-time.Hour),
	}
	g.store.Seed(task, "a.mp3", "b.mp3")
	return g.store.Task(task.ID)
}

func (g *gateway) do(t *testing.T, req *http.Request) (int, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	g.server.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (g *gateway) get(t *testing.T, path string) (int, apiResponse) {
	return g.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (g *gateway) postJSON(t *testing.T, path, body string) (int, apiResponse) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return g.do(t, req)
}

func submitRequest(t *testing.T, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitTask_Created(t *testing.T) {
	g := newGateway(t, nil)

	code, resp := g.do(t, submitRequest(t,
		map[string]string{"user_id": "7", "process_type": "full_process"},
		map[string]string{"talk.mp4": "video-bytes", "voice.wav": "audio-bytes"},
	))
	require.Equal(t, http.StatusCreated, code, resp.Message)
	assert.True(t, resp.Success)

	var details orchestrator.TaskDetails
	require.NoError(t, json.Unmarshal(resp.Data, &details))
	assert.Equal(t, "7_20260310_0001", details.Task.TaskNumber)
	assert.Equal(t, domain.ProcessFullProcess, details.Task.ProcessType)
	assert.Equal(t, 2, details.Task.TotalFiles)
	assert.Len(t, details.Files, 2)

	msgs := g.queue.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StageAudioExtract, msgs[0].Stage)
}

func TestSubmitTask_ValidationErrors(t *testing.T) {
	cases := map[string]struct {
		fields map[string]string
		files  map[string]string
	}{
		"unknown process type": {
			fields: map[string]string{"user_id": "7", "process_type": "karaoke"},
			files:  map[string]string{"a.mp3": "x"},
		},
		"no files": {
			fields: map[string]string{"user_id": "7", "process_type": "denoise"},
		},
		"missing user": {
			fields: map[string]string{"process_type": "denoise"},
			files:  map[string]string{"a.mp3": "x"},
		},
		"non-numeric user": {
			fields: map[string]string{"user_id": "alice", "process_type": "denoise"},
			files:  map[string]string{"a.mp3": "x"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			g := newGateway(t, nil)
			code, resp := g.do(t, submitRequest(t, tc.fields, tc.files))
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
			assert.Empty(t, g.queue.Messages())
		})
	}
}

func TestSubmitTask_NotMultipart(t *testing.T) {
	g := newGateway(t, nil)
	code, _ := g.postJSON(t, "/api/v1/tasks", `{"user_id":7}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubmitTask_DailyLimit(t *testing.T) {
	g := newGateway(t, nil, orchestrator.WithDailyLimit(1))
	form := map[string]string{"user_id": "7", "process_type": "denoise"}

	code, _ := g.do(t, submitRequest(t, form, map[string]string{"a.mp3": "x"}))
	require.Equal(t, http.StatusCreated, code)

	code, resp := g.do(t, submitRequest(t, form, map[string]string{"b.mp3": "y"}))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, resp.Message, "daily limit")
}

func TestGetTask(t *testing.T) {
	g := newGateway(t, nil)
	task := g.seed(7, domain.ProcessDenoise, domain.StatusPending, 0)

	code, resp := g.get(t, "/api/v1/tasks/"+task.TaskNumber+"?user_id=7")
	require.Equal(t, http.StatusOK, code)

	var details orchestrator.TaskDetails
	require.NoError(t, json.Unmarshal(resp.Data, &details))
	assert.Equal(t, task.ID, details.Task.ID)
	assert.Len(t, details.Files, 2)
}

func TestGetTask_NotOwnedIsNotFound(t *testing.T) {
	g := newGateway(t, nil)
	task := g.seed(7, domain.ProcessDenoise, domain.StatusPending, 0)

	code, resp := g.get(t, "/api/v1/tasks/"+task.TaskNumber+"?user_id=8")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Task not found", resp.Message)

	code, _ = g.get(t, "/api/v1/tasks/7_20260310_9999?user_id=7")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetTask_RequiresUser(t *testing.T) {
	g := newGateway(t, nil)
	code, _ := g.get(t, "/api/v1/tasks/7_20260310_0001")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListTasks(t *testing.T) {
	g := newGateway(t, nil)
	for range 3 {
		g.seed(7, domain.ProcessDenoise, domain.StatusPending, 0)
	}
	g.seed(8, domain.ProcessDenoise, domain.StatusPending, 0)

	code, resp := g.get(t, "/api/v1/tasks?user_id=7&page=1&page_size=2")
	require.Equal(t, http.StatusOK, code)

	var page domain.TaskPage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.TotalPages)
}

func TestListTasks_BadPaging(t *testing.T) {
	g := newGateway(t, nil)
	for _, q := range []string{"page=0", "page_size=101", "page=first"} {
		t.Run(q, func(t *testing.T) {
			code, _ := g.get(t, "/api/v1/tasks?user_id=7&"+q)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestStatistics(t *testing.T) {
	g := newGateway(t, nil)
	g.seed(7, domain.ProcessDenoise, domain.StatusPending, 0)
	g.seed(7, domain.ProcessDenoise, domain.StatusFailed, 1)
	g.seed(7, domain.ProcessDenoise, domain.StatusFailed, 3)

	code, resp := g.get(t, "/api/v1/tasks/statistics?user_id=7")
	require.Equal(t, http.StatusOK, code)

	var stats domain.TaskStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.StatusFailed])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusCompleted])
}

func TestCancelTask(t *testing.T) {
	g := newGateway(t, nil)
	task := g.seed(7, domain.ProcessDenoise, domain.StatusProcessing, 0)
	path := "/api/v1/tasks/" + task.TaskNumber + "/cancel"

	code, resp := g.postJSON(t, path, `{"user_id":7}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, domain.StatusCancelled, g.store.Task(task.ID).Status)

	code, _ = g.postJSON(t, path, `{"user_id":7}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestCancelTask_ValidatesBody(t *testing.T) {
	g := newGateway(t, nil)
	task := g.seed(7, domain.ProcessDenoise, domain.StatusPending, 0)
	path := "/api/v1/tasks/" + task.TaskNumber + "/cancel"

	for _, body := range []string{``, `{"user_id":0}`, `not json`} {
		code, _ := g.postJSON(t, path, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
	}
	assert.Equal(t, domain.StatusPending, g.store.Task(task.ID).Status)
}

func TestRetryTask(t *testing.T) {
	g := newGateway(t, nil)
	task := g.seed(7, domain.ProcessFullProcess, domain.StatusFailed, 1)

	code, resp := g.postJSON(t, "/api/v1/tasks/"+task.TaskNumber+"/retry", `{"user_id":7,"stage":"denoise"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "Task retry initiated", resp.Message)

	stored := g.store.Task(task.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)

	msgs := g.queue.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StageDenoise, msgs[0].Stage)
}

func TestRetryTask_Rejections(t *testing.T) {
	g := newGateway(t, nil)
	exhausted := g.seed(7, domain.ProcessDenoise, domain.StatusFailed, 3)
	running := g.seed(7, domain.ProcessDenoise, domain.StatusProcessing, 0)
	single := g.seed(7, domain.ProcessDenoise, domain.StatusFailed, 0)

	cases := []struct {
		name string
		task *domain.Task
		body string
		want int
	}{
		{"budget exhausted", exhausted, `{"user_id":7}`, http.StatusConflict},
		{"not failed", running, `{"user_id":7}`, http.StatusConflict},
		{"unknown stage", single, `{"user_id":7,"stage":"mastering"}`, http.StatusBadRequest},
		{"stage outside pipeline", single, `{"user_id":7,"stage":"transcription"}`, http.StatusBadRequest},
		{"other user", single, `{"user_id":9}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := g.postJSON(t, "/api/v1/tasks/"+tc.task.TaskNumber+"/retry", tc.body)
			assert.Equal(t, tc.want, code)
		})
	}
	assert.Empty(t, g.queue.Messages())
}

func TestTaskEvents(t *testing.T) {
	g := newGateway(t, nil)
	code, resp := g.do(t, submitRequest(t,
		map[string]string{"user_id": "7", "process_type": "denoise"},
		map[string]string{"a.mp3": "x"},
	))
	require.Equal(t, http.StatusCreated, code)
	var details orchestrator.TaskDetails
	require.NoError(t, json.Unmarshal(resp.Data, &details))

	code, resp = g.get(t, "/api/v1/tasks/"+details.Task.TaskNumber+"/events?user_id=7")
	require.Equal(t, http.StatusOK, code)

	var events []domain.DomainEvent
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTaskCreated, events[0].EventType)
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, int64(7), *events[0].UserID)
}

func TestQueueStats(t *testing.T) {
	stats := []kafka.QueueStat{{Stage: domain.StageDenoise, Topic: "media.stage.denoise", Messages: 4, Consumers: 2}}

	g := newGateway(t, fakeInspector{stats: stats})
	code, resp := g.get(t, "/api/v1/queues")
	require.Equal(t, http.StatusOK, code)
	var got []kafka.QueueStat
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, stats, got)

	code, _ = newGateway(t, fakeInspector{err: errors.New("broker down")}).get(t, "/api/v1/queues")
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = newGateway(t, nil).get(t, "/api/v1/queues")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServiceErrorIsGeneric(t *testing.T) {
	g := newGateway(t, nil)
	g.store.CreateErr = errors.New("connection reset by peer")

	code, resp := g.do(t, submitRequest(t,
		map[string]string{"user_id": "7", "process_type": "denoise"},
		map[string]string{"a.mp3": "x"},
	))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal server error", resp.Message)
}

func TestUnknownRoute(t *testing.T) {
	g := newGateway(t, nil)
	code, resp := g.get(t, "/api/v2/nothing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Not Found", resp.Message)

	code, _ = g.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHealth(t *testing.T) {
	code, resp := newGateway(t, nil).get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}
