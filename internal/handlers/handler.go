package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// StageJob is one file of a task handed to a stage.
type StageJob struct {
	Task      *domain.Task
	File      *domain.TaskFile
	Stage     domain.Stage
	InputPath string
}

// StageOutput is what a stage produced for one file.
type StageOutput struct {
	OutputPath string          `json:"output_path"`
	ResultData json.RawMessage `json:"result_data,omitempty"`
	FileSize   int64           `json:"file_size"`
	Duration   float64         `json:"duration"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Handler runs one pipeline stage for one file.
type Handler interface {
	Process(ctx context.Context, job StageJob) (*StageOutput, error)
	Stage() domain.Stage
}

// Registry maps stages to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Stage]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.Stage]Handler, len(hs))}
	for _, h := range hs {
		r.handlers[h.Stage()] = h
	}
	return r
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Stage()] = h
}

// Get returns the handler for the given stage.
// Returns a ValidationError if none is registered.
func (r *Registry) Get(stage domain.Stage) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stage]
	if !ok {
		return nil, &domain.ValidationError{Field: "stage", Reason: "no handler registered for " + string(stage)}
	}
	return h, nil
}

// Stages returns the registered stages in pipeline order.
func (r *Registry) Stages() []domain.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Stage
	for _, st := range domain.AllStages() {
		if _, ok := r.handlers[st]; ok {
			out = append(out, st)
		}
	}
	return out
}
