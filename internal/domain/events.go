package domain

import (
	"encoding/json"
	"time"
)

// EventType names an entry in the append-only domain event log.
type EventType string

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskRetried   EventType = "task.retried"

	EventFileUploaded            EventType = "file.uploaded"
	EventFileProcessingStarted   EventType = "file.processing_started"
	EventFileProcessingCompleted EventType = "file.processing_completed"
	EventFileProcessingFailed    EventType = "file.processing_failed"

	EventQueueJobCreated   EventType = "queue.job_created"
	EventQueueJobProcessed EventType = "queue.job_processed"
	EventQueueJobFailed    EventType = "queue.job_failed"
	EventQueueJobCancelled EventType = "queue.job_cancelled"
)

// AggregateTask is the aggregate type recorded for task events.
const AggregateTask = "Task"

// DomainEvent is an immutable audit record. AggregateID holds the task number.
type DomainEvent struct {
	ID            int64           `json:"id"`
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`

	// UserID is the user who caused the event; nil for system and worker
	// actions.
	UserID     *int64    `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent builds a version-1 task event. data is marshalled to JSON;
// a value that cannot be marshalled is recorded as an empty object.
func NewTaskEvent(eventType EventType, taskNumber string, data map[string]any, at time.Time) *DomainEvent {
	raw, err := json.Marshal(data)
	if err != nil || data == nil {
		raw = []byte("{}")
	}
	return &DomainEvent{
		EventType:     eventType,
		AggregateType: AggregateTask,
		AggregateID:   taskNumber,
		EventData:     raw,
		Version:       1,
		OccurredAt:    at,
	}
}

// By records userID as the actor of e.
func (e *DomainEvent) By(userID int64) *DomainEvent {
	e.UserID = &userID
	return e
}
