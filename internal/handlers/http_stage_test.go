package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/handlers"
	"github.com/ramiqadoumi/go-media-flow/pkg/retry"
)

func testJob() handlers.StageJob {
	return handlers.StageJob{
		Task:      &domain.Task{ID: 4, TaskNumber: "7_20260101_0001", ProcessType: domain.ProcessDenoise},
		File:      &domain.TaskFile{ID: 11, OriginalFilename: "talk.wav", FileType: domain.FileTypeAudio},
		Stage:     domain.StageDenoise,
		InputPath: "/uploads/7_20260101_0001/1_talk.wav",
	}
}

func TestHTTPStageHandler_Stage(t *testing.T) {
	h := handlers.NewHTTPStageHandler(domain.StageDenoise, "http://localhost", time.Second)
	assert.Equal(t, domain.StageDenoise, h.Stage())
}

func TestHTTPStageHandler_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output_path":"/out/talk.clean.wav","file_size":2048,"duration":12.5}`))
	}))
	defer srv.Close()

	h := handlers.NewHTTPStageHandler(domain.StageDenoise, srv.URL, time.Second)
	out, err := h.Process(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, "/out/talk.clean.wav", out.OutputPath)
	assert.EqualValues(t, 2048, out.FileSize)
	assert.InDelta(t, 12.5, out.Duration, 0.001)
	assert.Equal(t, "7_20260101_0001", got["task_number"])
	assert.Equal(t, "denoise", got["stage"])
	assert.EqualValues(t, 11, got["file_id"])
}

func TestHTTPStageHandler_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported codec", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := handlers.NewHTTPStageHandler(domain.StageDenoise, srv.URL, time.Second)
	_, err := h.Process(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "unsupported codec")
}

func TestHTTPStageHandler_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := handlers.NewHTTPStageHandler(domain.StageDenoise, srv.URL, time.Second)
	_, err := h.Process(context.Background(), testJob())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestHTTPStageHandler_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	h := handlers.NewHTTPStageHandler(domain.StageDenoise, srv.URL, time.Second)
	_, err := h.Process(context.Background(), testJob())
	assert.Error(t, err)
}

func TestHTTPStageHandler_Unreachable(t *testing.T) {
	h := handlers.NewHTTPStageHandler(domain.StageDenoise, "http://127.0.0.1:1", 200*time.Millisecond)
	_, err := h.Process(context.Background(), testJob())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
