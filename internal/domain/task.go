package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle states of a processing task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in a stable order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
}

// ParseStatus converts a persisted or user-supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that no worker will ever move out of.
// Failed is not terminal: the retry sweep may move it back to pending.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether a worker may still act on a task in this status.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// FileStatus is the per-file processing state.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// FileType is the media category detected from a file's extension.
type FileType string

const (
	FileTypeVideo   FileType = "video"
	FileTypeAudio   FileType = "audio"
	FileTypeUnknown FileType = "unknown"
)

var (
	videoExtensions = map[string]struct{}{
		"mp4": {}, "avi": {}, "mov": {}, "wmv": {}, "flv": {}, "mkv": {}, "webm": {},
	}
	audioExtensions = map[string]struct{}{
		"mp3": {}, "wav": {}, "flac": {}, "aac": {}, "ogg": {}, "wma": {}, "m4a": {},
	}
)

// DetectFileType classifies a filename by its extension, case-insensitively.
func DetectFileType(filename string) FileType {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if _, ok := videoExtensions[ext]; ok {
		return FileTypeVideo
	}
	if _, ok := audioExtensions[ext]; ok {
		return FileTypeAudio
	}
	return FileTypeUnknown
}

// Task is the aggregate root: a user's request to process a batch of files.
type Task struct {
	ID             int64       `json:"id"`
	TaskNumber     string      `json:"task_number"`
	UserID         int64       `json:"user_id"`
	Status         Status      `json:"status"`
	ProcessType    ProcessType `json:"process_type"`
	Priority       int         `json:"priority"`
	TotalFiles     int         `json:"total_files"`
	ProcessedFiles int         `json:"processed_files"`
	CurrentStep    string      `json:"current_step,omitempty"`
	ResumeStage    Stage       `json:"resume_stage,omitempty"`
	Progress       float64     `json:"progress"`
	RetryCount     int         `json:"retry_count"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	DispatchedAt   *time.Time  `json:"-"`
}

// DispatchStage is the stage a pending task is queued at: the stage a
// manual retry asked to resume from, or the pipeline's first stage.
func (t *Task) DispatchStage() Stage {
	if t.ResumeStage != "" && t.ProcessType.HasStage(t.ResumeStage) {
		return t.ResumeStage
	}
	return t.ProcessType.RoutingKey()
}

// CanRetry reports whether the task may be moved from failed back to pending.
func (t *Task) CanRetry(maxRetries int) bool {
	return t.Status == StatusFailed && t.RetryCount < maxRetries
}

// CanCancel reports whether the task may still be cancelled.
func (t *Task) CanCancel() bool {
	return CanTransition(t.Status, StatusCancelled)
}

// TaskFile is one uploaded input file belonging to a task.
type TaskFile struct {
	ID               int64           `json:"id"`
	TaskID           int64           `json:"task_id"`
	OriginalFilename string          `json:"original_filename"`
	StoredPath       string          `json:"stored_path"`
	FileSize         int64           `json:"file_size"`
	MimeType         string          `json:"mime_type"`
	FileType         FileType        `json:"file_type"`
	Status           FileStatus      `json:"status"`
	ProcessingStep   string          `json:"processing_step,omitempty"`
	ProcessedPath    string          `json:"processed_path,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ProcessingResult is the artifact one stage produced for one file.
type ProcessingResult struct {
	ID         int64           `json:"id"`
	TaskID     int64           `json:"task_id"`
	TaskFileID int64           `json:"task_file_id"`
	ResultType ResultType      `json:"result_type"`
	ResultData json.RawMessage `json:"result_data,omitempty"`
	ResultPath string          `json:"result_path,omitempty"`
	FileSize   int64           `json:"file_size"`
	Duration   float64         `json:"duration"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TaskPage is one page of a user's tasks, newest first.
type TaskPage struct {
	Items      []*Task `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
}

// NewTaskPage computes the page count for a listing result.
func NewTaskPage(items []*Task, total, page, pageSize int) *TaskPage {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	if items == nil {
		items = []*Task{}
	}
	return &TaskPage{Items: items, Total: total, Page: page, PageSize: pageSize, TotalPages: pages}
}

// TaskStats counts a user's tasks per status. Every status is present.
type TaskStats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// NewTaskStats zero-fills counts for statuses with no tasks.
func NewTaskStats(counts map[Status]int) TaskStats {
	stats := TaskStats{ByStatus: make(map[Status]int, len(AllStatuses()))}
	for _, s := range AllStatuses() {
		n := counts[s]
		stats.ByStatus[s] = n
		stats.Total += n
	}
	return stats
}

// RetryClaim is a failed task the retry sweep has moved back to pending,
// together with the error it carried before the reset.
type RetryClaim struct {
	Task          *Task
	PreviousError string
}

// SortForDispatch orders tasks by priority descending, then creation time
// ascending. Ties fall back to ID so the order is total.
func SortForDispatch(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
