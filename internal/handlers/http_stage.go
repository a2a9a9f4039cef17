package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/pkg/retry"
)

// stageRequest is the JSON body posted to a processing service.
type stageRequest struct {
	TaskID      int64              `json:"task_id"`
	TaskNumber  string             `json:"task_number"`
	ProcessType domain.ProcessType `json:"process_type"`
	Stage       domain.Stage       `json:"stage"`
	FileID      int64              `json:"file_id"`
	Filename    string             `json:"filename"`
	FileType    domain.FileType    `json:"file_type"`
	InputPath   string             `json:"input_path"`
}

// HTTPStageHandler delegates a stage to an external processing service.
// The service answers 2xx with a StageOutput body. 4xx responses are
// permanent failures; anything else may be retried.
type HTTPStageHandler struct {
	stage    domain.Stage
	endpoint string
	client   *http.Client
}

// HTTPOption configures an HTTPStageHandler.
type HTTPOption func(*HTTPStageHandler)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPStageHandler) { h.client = c }
}

// NewHTTPStageHandler creates a handler posting jobs for stage to endpoint.
func NewHTTPStageHandler(stage domain.Stage, endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTPStageHandler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	h := &HTTPStageHandler{
		stage:    stage,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPStageHandler) Stage() domain.Stage { return h.stage }

func (h *HTTPStageHandler) Process(ctx context.Context, job StageJob) (*StageOutput, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler."+string(h.stage),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("task.number", job.Task.TaskNumber),
		attribute.Int64("file.id", job.File.ID),
		attribute.String("stage.endpoint", h.endpoint),
	)

	body, err := json.Marshal(stageRequest{
		TaskID:      job.Task.ID,
		TaskNumber:  job.Task.TaskNumber,
		ProcessType: job.Task.ProcessType,
		Stage:       job.Stage,
		FileID:      job.File.ID,
		Filename:    job.File.OriginalFilename,
		FileType:    job.File.FileType,
		InputPath:   job.InputPath,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode stage request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, retry.Permanent(fmt.Errorf("build stage request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("%s call to %s: %w", h.stage, h.endpoint, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s service returned status %d: %s", h.stage, resp.StatusCode, bytes.TrimSpace(msg))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var out StageOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode %s response: %w", h.stage, err)
	}
	return &out, nil
}
