package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-media-flow/internal/storage"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
)

// multipartMemory is how much of a multipart form is held in memory before
// file parts spill to temporary files.
const multipartMemory = 32 << 20

// TaskService is the part of the orchestrator the REST layer drives.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.TaskDetails, error)
	GetTask(ctx context.Context, taskNumber string, userID int64) (*orchestrator.TaskDetails, error)
	ListTasks(ctx context.Context, userID int64, page, pageSize int) (*domain.TaskPage, error)
	Statistics(ctx context.Context, userID int64) (domain.TaskStats, error)
	Events(ctx context.Context, taskNumber string, userID int64) ([]*domain.DomainEvent, error)
	Cancel(ctx context.Context, taskNumber string, userID int64) (*domain.Task, error)
	Retry(ctx context.Context, taskNumber string, userID int64, opts ...orchestrator.RetryOption) (*domain.Task, error)
}

// QueueInspector reports stage queue depth.
type QueueInspector interface {
	Stats(ctx context.Context, stages []domain.Stage) ([]kafka.QueueStat, error)
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	tasks    TaskService
	queues   QueueInspector
	validate *validator.Validate
	logger   *slog.Logger
}

// NewREST creates a new REST handler. queues may be nil, in which case the
// queue endpoint answers 503.
func NewREST(tasks TaskService, queues QueueInspector, logger *slog.Logger) *REST {
	return &REST{tasks: tasks, queues: queues, validate: validator.New(), logger: logger}
}

// Routes mounts the task API on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/queues", h.QueueStats)
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/", h.ListTasks)
		r.Get("/statistics", h.Statistics)
		r.Get("/{taskNumber}", h.GetTask)
		r.Get("/{taskNumber}/events", h.TaskEvents)
		r.Post("/{taskNumber}/cancel", h.CancelTask)
		r.Post("/{taskNumber}/retry", h.RetryTask)
	})
}

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type listQuery struct {
	UserID   int64 `validate:"gt=0"`
	Page     int   `validate:"gte=1"`
	PageSize int   `validate:"gte=1,lte=100"`
}

// ActionRequest is the JSON body for cancel and retry. Stage is only read
// by retry and overrides the stage the task resumes at.
type ActionRequest struct {
	UserID int64  `json:"user_id" validate:"gt=0"`
	Stage  string `json:"stage,omitempty" validate:"omitempty,oneof=audio_extract denoise fast_recognition transcription"`
}

// SubmitTask handles POST /api/v1/tasks, a multipart form with user_id,
// process_type and one or more files.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject(w, "too_large", http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		h.reject(w, "malformed", http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	userID, err := parseUserID(r.FormValue("user_id"))
	if err != nil {
		h.reject(w, "validation", http.StatusBadRequest, err.Error())
		return
	}
	processType := r.FormValue("process_type")
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("task.process_type", processType),
	)

	details, err := h.tasks.Submit(ctx, orchestrator.SubmitRequest{
		UserID:      userID,
		ProcessType: processType,
		Files:       uploads(r.MultipartForm),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		telemetry.APITasksRejected.WithLabelValues(rejectReason(err)).Inc()
		h.writeServiceError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("task.number", details.Task.TaskNumber))
	telemetry.APITasksSubmitted.WithLabelValues(string(details.Task.ProcessType)).Inc()
	h.logger.Info("task submitted",
		slog.String("task_number", details.Task.TaskNumber),
		slog.Int64("user_id", userID),
		slog.String("process_type", string(details.Task.ProcessType)),
		slog.Int("total_files", details.Task.TotalFiles),
	)
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Task created", Data: details})
}

// ListTasks handles GET /api/v1/tasks?user_id=&page=&page_size=.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q, err := h.listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.tasks.ListTasks(r.Context(), q.UserID, q.Page, q.PageSize)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: page})
}

// Statistics handles GET /api/v1/tasks/statistics?user_id=.
func (h *REST) Statistics(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := h.tasks.Statistics(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

// GetTask handles GET /api/v1/tasks/{taskNumber}?user_id=.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	details, err := h.tasks.GetTask(r.Context(), chi.URLParam(r, "taskNumber"), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: details})
}

// TaskEvents handles GET /api/v1/tasks/{taskNumber}/events?user_id=.
func (h *REST) TaskEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.tasks.Events(r.Context(), chi.URLParam(r, "taskNumber"), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.DomainEvent{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: events})
}

// CancelTask handles POST /api/v1/tasks/{taskNumber}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	req, err := h.actionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := h.tasks.Cancel(r.Context(), chi.URLParam(r, "taskNumber"), req.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("task cancelled", slog.String("task_number", task.TaskNumber), slog.Int64("user_id", req.UserID))
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Task cancelled successfully", Data: task})
}

// RetryTask handles POST /api/v1/tasks/{taskNumber}/retry.
func (h *REST) RetryTask(w http.ResponseWriter, r *http.Request) {
	req, err := h.actionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var opts []orchestrator.RetryOption
	if req.Stage != "" {
		opts = append(opts, orchestrator.WithResumeStage(domain.Stage(req.Stage)))
	}
	task, err := h.tasks.Retry(r.Context(), chi.URLParam(r, "taskNumber"), req.UserID, opts...)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("task retry initiated",
		slog.String("task_number", task.TaskNumber),
		slog.Int("retry_count", task.RetryCount),
	)
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Task retry initiated", Data: task})
}

// QueueStats handles GET /api/v1/queues.
func (h *REST) QueueStats(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspection is not configured")
		return
	}
	stats, err := h.queues.Stats(r.Context(), domain.AllStages())
	if err != nil {
		h.logger.Error("queue stats", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

// Health handles GET /api/v1/health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found")
}

func (h *REST) listQuery(r *http.Request) (listQuery, error) {
	query := r.URL.Query()
	q := listQuery{Page: 1, PageSize: orchestrator.DefaultPageSize}
	var err error
	if q.UserID, err = parseUserID(query.Get("user_id")); err != nil {
		return q, err
	}
	if v := query.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			return q, errors.New("page must be an integer")
		}
	}
	if v := query.Get("page_size"); v != "" {
		if q.PageSize, err = strconv.Atoi(v); err != nil {
			return q, errors.New("page_size must be an integer")
		}
	}
	if err := h.validate.Struct(q); err != nil {
		return q, validationMessage(err)
	}
	return q, nil
}

func (h *REST) actionRequest(r *http.Request) (ActionRequest, error) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, errors.New("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return req, validationMessage(err)
	}
	return req, nil
}

func (h *REST) reject(w http.ResponseWriter, reason string, code int, msg string) {
	telemetry.APITasksRejected.WithLabelValues(reason).Inc()
	writeError(w, code, msg)
}

// writeServiceError maps orchestrator errors onto status codes. Unknown
// errors are logged and answered with a generic message.
func (h *REST) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *domain.ValidationError
		processType *domain.InvalidProcessTypeError
		daily       *domain.DailyLimitExceededError
		rate        *domain.RateLimitExceededError
		notFound    *domain.TaskNotFoundError
		transition  *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &processType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &daily), errors.As(err, &rate):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStatusConflict):
		writeError(w, http.StatusConflict, "task changed status concurrently, try again")
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func rejectReason(err error) string {
	var (
		daily *domain.DailyLimitExceededError
		rate  *domain.RateLimitExceededError
	)
	switch {
	case errors.As(err, &daily):
		return "daily_limit"
	case errors.As(err, &rate):
		return "rate_limit"
	case errors.As(err, new(*domain.ValidationError)), errors.As(err, new(*domain.InvalidProcessTypeError)):
		return "validation"
	default:
		return "error"
	}
}

func parseUserID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("user_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("user_id must be a positive integer")
	}
	return id, nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.New("invalid " + fe.Field() + ": failed " + fe.Tag() + " check")
	}
	return err
}

// uploads collects every file part of the form, whatever its field name.
// Fields are visited in name order so file numbering is stable.
func uploads(form *multipart.Form) []storage.Upload {
	var out []storage.Upload
	for _, field := range slices.Sorted(maps.Keys(form.File)) {
		for _, fh := range form.File[field] {
			out = append(out, storage.Upload{
				Filename: fh.Filename,
				Size:     fh.Size,
				Open:     func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg})
}
