package domain

import "time"

// TaskGuard is the precondition of a conditional task update. The update
// applies only when every set condition holds at write time.
type TaskGuard struct {
	Statuses            []Status
	RetriesBelow        int
	ProcessedBelowTotal bool
}

// Matches evaluates the guard against t.
func (g TaskGuard) Matches(t *Task) bool {
	if len(g.Statuses) > 0 {
		ok := false
		for _, s := range g.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if g.RetriesBelow > 0 && t.RetryCount >= g.RetriesBelow {
		return false
	}
	if g.ProcessedBelowTotal && t.ProcessedFiles >= t.TotalFiles {
		return false
	}
	return true
}

// TaskUpdate lists the columns a conditional update may change. Zero values
// leave the column untouched. IncrementProcessed is rejected when it would
// bring processed_files up to total_files.
type TaskUpdate struct {
	Status             *Status
	CurrentStep        *string
	ResumeStage        *Stage  // an empty stage clears it
	ErrorMessage       *string // an empty string clears the message
	IncrementRetry     bool
	IncrementProcessed bool
	ResetProgress      bool
	Started            bool // stamps started_at unless already set
	Completed          bool // stamps completed_at and sets progress to 100
	Dispatched         bool
	ClearDispatch      bool
}

// Apply performs the update on an in-memory task.
func (u TaskUpdate) Apply(t *Task, now time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.CurrentStep != nil {
		t.CurrentStep = *u.CurrentStep
	}
	if u.ResumeStage != nil {
		t.ResumeStage = *u.ResumeStage
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.IncrementRetry {
		t.RetryCount++
	}
	if u.ResetProgress {
		t.ProcessedFiles = 0
		t.Progress = 0
	}
	if u.IncrementProcessed {
		t.ProcessedFiles++
		t.Progress = CalculateProgress(t.ProcessedFiles, t.TotalFiles)
	}
	if u.Started && t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}
	if u.Completed {
		ts := now
		t.CompletedAt = &ts
		t.ProcessedFiles = t.TotalFiles
		t.Progress = 100
	}
	if u.Dispatched {
		ts := now
		t.DispatchedAt = &ts
	}
	if u.ClearDispatch {
		t.DispatchedAt = nil
	}
	t.UpdatedAt = now
}

// FileUpdate lists the task_files columns a stage may change.
type FileUpdate struct {
	Status         *FileStatus
	ProcessingStep *string
	ProcessedPath  *string
	ErrorMessage   *string
}

// Apply performs the update on an in-memory file.
func (u FileUpdate) Apply(f *TaskFile, now time.Time) {
	if u.Status != nil {
		f.Status = *u.Status
	}
	if u.ProcessingStep != nil {
		f.ProcessingStep = *u.ProcessingStep
	}
	if u.ProcessedPath != nil {
		f.ProcessedPath = *u.ProcessedPath
	}
	if u.ErrorMessage != nil {
		f.ErrorMessage = *u.ErrorMessage
	}
	f.UpdatedAt = now
}

// Ptr returns a pointer to v. It keeps update literals short.
func Ptr[T any](v T) *T { return &v }
