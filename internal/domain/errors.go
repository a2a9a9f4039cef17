package domain

import (
	"errors"
	"fmt"
)

// ErrStatusConflict is matched by errors.Is when a conditional update found
// the task in a status its guard did not allow.
var ErrStatusConflict = errors.New("task status conflict")

// ErrNoProgress is returned when no live progress snapshot exists for a task.
var ErrNoProgress = errors.New("no progress snapshot")

// TaskNotFoundError is returned when a task does not exist or is not owned
// by the caller.
type TaskNotFoundError struct {
	TaskID     int64
	TaskNumber string
}

func (e *TaskNotFoundError) Error() string {
	if e.TaskNumber != "" {
		return fmt.Sprintf("task not found: %s", e.TaskNumber)
	}
	return fmt.Sprintf("task not found: %d", e.TaskID)
}

// InvalidProcessTypeError is returned when a submission names an unknown
// process type.
type InvalidProcessTypeError struct {
	ProcessType string
}

func (e *InvalidProcessTypeError) Error() string {
	return fmt.Sprintf("invalid process type %q", e.ProcessType)
}

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DailyLimitExceededError is returned when a user has already created the
// maximum number of tasks since local midnight.
type DailyLimitExceededError struct {
	UserID int64
	Limit  int
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("user %d reached the daily limit of %d tasks", e.UserID, e.Limit)
}

// RateLimitExceededError is returned when a user submits faster than the
// short-window rate limit allows.
type RateLimitExceededError struct {
	UserID int64
	Limit  int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %d: limit is %d", e.UserID, e.Limit)
}

// InvalidTransitionError is returned when an operation is not allowed from
// the task's current status.
type InvalidTransitionError struct {
	TaskNumber string
	From       Status
	To         Status
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %s cannot move from %s to %s", e.TaskNumber, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrStatusConflict }

// StatusConflictError is returned by conditional updates when the guard did
// not match. Current is the status observed after the failed write.
type StatusConflictError struct {
	TaskID  int64
	Current Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("task %d: conditional update rejected in status %s", e.TaskID, e.Current)
}

func (e *StatusConflictError) Unwrap() error { return ErrStatusConflict }

// DispatchError wraps a failure to publish a task to a stage queue.
type DispatchError struct {
	TaskNumber string
	Stage      Stage
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch task %s to %s: %v", e.TaskNumber, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// StageError wraps a stage handler failure for one file.
type StageError struct {
	Stage    Stage
	Filename string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for %s: %v", e.Stage, e.Filename, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
