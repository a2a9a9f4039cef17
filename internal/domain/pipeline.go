package domain

import (
	"fmt"
	"strings"
)

// ProcessType is the kind of processing a user requested for a task.
type ProcessType string

const (
	ProcessAudioExtract    ProcessType = "audio_extract"
	ProcessDenoise         ProcessType = "denoise"
	ProcessFastRecognition ProcessType = "fast_recognition"
	ProcessTranscription   ProcessType = "transcription"
	ProcessFullProcess     ProcessType = "full_process"
)

// AllProcessTypes lists every process type in a stable order.
func AllProcessTypes() []ProcessType {
	return []ProcessType{
		ProcessAudioExtract, ProcessDenoise, ProcessFastRecognition,
		ProcessTranscription, ProcessFullProcess,
	}
}

// ParseProcessType validates a user-supplied process type.
func ParseProcessType(s string) (ProcessType, error) {
	pt := ProcessType(strings.TrimSpace(s))
	if !pt.Valid() {
		return "", &InvalidProcessTypeError{ProcessType: s}
	}
	return pt, nil
}

// Valid reports whether pt is one of the known process types.
func (pt ProcessType) Valid() bool {
	switch pt {
	case ProcessAudioExtract, ProcessDenoise, ProcessFastRecognition, ProcessTranscription, ProcessFullProcess:
		return true
	}
	return false
}

// Priority returns the dispatch priority of the process type. Higher runs first.
func (pt ProcessType) Priority() int {
	switch pt {
	case ProcessAudioExtract:
		return 8
	case ProcessDenoise:
		return 6
	case ProcessFastRecognition:
		return 4
	case ProcessTranscription, ProcessFullProcess:
		return 2
	}
	return 0
}

// Pipeline returns the ordered stages a task of this type passes through.
// Single-stage types run just their own stage.
func (pt ProcessType) Pipeline() []Stage {
	switch pt {
	case ProcessAudioExtract:
		return []Stage{StageAudioExtract}
	case ProcessDenoise:
		return []Stage{StageDenoise}
	case ProcessFastRecognition:
		return []Stage{StageFastRecognition}
	case ProcessTranscription:
		return []Stage{StageTranscription}
	case ProcessFullProcess:
		return []Stage{StageAudioExtract, StageDenoise, StageFastRecognition, StageTranscription}
	}
	return nil
}

// RoutingKey is the stage a freshly dispatched task is sent to.
func (pt ProcessType) RoutingKey() Stage {
	if p := pt.Pipeline(); len(p) > 0 {
		return p[0]
	}
	return ""
}

// HasStage reports whether s is part of the pipeline.
func (pt ProcessType) HasStage(s Stage) bool {
	for _, st := range pt.Pipeline() {
		if st == s {
			return true
		}
	}
	return false
}

// NextStage returns the stage that follows current, or false when current
// is the last stage of the pipeline (or not part of it).
func (pt ProcessType) NextStage(current Stage) (Stage, bool) {
	p := pt.Pipeline()
	for i, st := range p {
		if st == current && i+1 < len(p) {
			return p[i+1], true
		}
	}
	return "", false
}

// IsFinalStage reports whether completing s completes the whole task.
func (pt ProcessType) IsFinalStage(s Stage) bool {
	p := pt.Pipeline()
	return len(p) > 0 && p[len(p)-1] == s
}

// Stage is a single processing step. Each stage has its own dispatch queue.
type Stage string

const (
	StageAudioExtract    Stage = "audio_extract"
	StageDenoise         Stage = "denoise"
	StageFastRecognition Stage = "fast_recognition"
	StageTranscription   Stage = "transcription"
)

// AllStages lists every stage in pipeline order.
func AllStages() []Stage {
	return []Stage{StageAudioExtract, StageDenoise, StageFastRecognition, StageTranscription}
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.TrimSpace(s))
	for _, known := range AllStages() {
		if st == known {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", s)}
}

// ResultType returns the kind of artifact the stage produces.
func (s Stage) ResultType() ResultType {
	switch s {
	case StageAudioExtract:
		return ResultAudioExtraction
	case StageDenoise:
		return ResultDenoising
	case StageFastRecognition:
		return ResultRecognition
	case StageTranscription:
		return ResultTranscription
	}
	return ""
}

// ResultType identifies the artifact kind stored in a ProcessingResult.
type ResultType string

const (
	ResultAudioExtraction ResultType = "audio_extraction"
	ResultDenoising       ResultType = "denoising"
	ResultRecognition     ResultType = "recognition"
	ResultTranscription   ResultType = "transcription"
)

// DispatchMessage is the payload published to a stage queue.
type DispatchMessage struct {
	TaskID       int64       `json:"task_id"`
	TaskNumber   string      `json:"task_number"`
	ProcessType  ProcessType `json:"process_type"`
	Priority     int         `json:"priority"`
	RetryCount   int         `json:"retry_count"`
	Stage        Stage       `json:"stage"`
	DispatchedAt int64       `json:"dispatched_at"`
}

// NewDispatchMessage builds the message that routes task to stage.
func NewDispatchMessage(t *Task, stage Stage, dispatchedAtMs int64) DispatchMessage {
	return DispatchMessage{
		TaskID:       t.ID,
		TaskNumber:   t.TaskNumber,
		ProcessType:  t.ProcessType,
		Priority:     t.Priority,
		RetryCount:   t.RetryCount,
		Stage:        stage,
		DispatchedAt: dispatchedAtMs,
	}
}
