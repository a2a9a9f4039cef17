package domain

import "math"

// CalculateProgress returns processed/total as a percentage rounded to two
// decimals. A task without files reports zero.
func CalculateProgress(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	if processed > total {
		processed = total
	}
	return math.Round(float64(processed)/float64(total)*10000) / 100
}

// ProgressSnapshot is the live, non-authoritative view of a task's progress
// kept in the cache. Timestamps are unix milliseconds.
type ProgressSnapshot struct {
	TaskID         int64   `json:"task_id"`
	Status         Status  `json:"status,omitempty"`
	Progress       float64 `json:"progress"`
	CurrentStep    string  `json:"current_step,omitempty"`
	ProcessedFiles int     `json:"processed_files"`
	TotalFiles     int     `json:"total_files"`
	Message        string  `json:"message,omitempty"`
	Error          string  `json:"error,omitempty"`
	UpdatedAt      int64   `json:"updated_at"`
	CompletedAt    int64   `json:"completed_at,omitempty"`
	FailedAt       int64   `json:"failed_at,omitempty"`
}

// ProgressFields is a partial snapshot update. Nil fields keep their
// current value.
type ProgressFields struct {
	Status         *Status
	Progress       *float64
	CurrentStep    *string
	ProcessedFiles *int
	TotalFiles     *int
	Message        *string
	Error          *string
}

// Apply merges f into s.
func (s *ProgressSnapshot) Apply(f ProgressFields) {
	if f.Status != nil {
		s.Status = *f.Status
	}
	if f.Progress != nil {
		s.Progress = *f.Progress
	}
	if f.CurrentStep != nil {
		s.CurrentStep = *f.CurrentStep
	}
	if f.ProcessedFiles != nil {
		s.ProcessedFiles = *f.ProcessedFiles
	}
	if f.TotalFiles != nil {
		s.TotalFiles = *f.TotalFiles
	}
	if f.Message != nil {
		s.Message = *f.Message
	}
	if f.Error != nil {
		s.Error = *f.Error
	}
}

// SnapshotOf derives a progress snapshot from the persisted task.
func SnapshotOf(t *Task) ProgressFields {
	status := t.Status
	progress := t.Progress
	step := t.CurrentStep
	processed := t.ProcessedFiles
	total := t.TotalFiles
	return ProgressFields{
		Status:         &status,
		Progress:       &progress,
		CurrentStep:    &step,
		ProcessedFiles: &processed,
		TotalFiles:     &total,
	}
}
