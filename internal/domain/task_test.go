package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[domain.Status]bool{
		domain.StatusPending:    false,
		domain.StatusProcessing: false,
		domain.StatusFailed:     false,
		domain.StatusCompleted:  true,
		domain.StatusCancelled:  true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := domain.ParseStatus(" Processing ")
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, st)

	_, err = domain.ParseStatus("QUEUED")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDetectFileType(t *testing.T) {
	cases := map[string]domain.FileType{
		"clip.MP4":        domain.FileTypeVideo,
		"talk.webm":       domain.FileTypeVideo,
		"song.flac":       domain.FileTypeAudio,
		"memo.m4a":        domain.FileTypeAudio,
		"notes.txt":       domain.FileTypeUnknown,
		"no-extension":    domain.FileTypeUnknown,
		"archive.mp3.zip": domain.FileTypeUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, domain.DetectFileType(name), name)
	}
}

func TestTask_CanRetry(t *testing.T) {
	task := &domain.Task{Status: domain.StatusFailed, RetryCount: 2}
	assert.True(t, task.CanRetry(3))

	task.RetryCount = 3
	assert.False(t, task.CanRetry(3), "retry_count at the limit must not retry")

	task.RetryCount = 0
	task.Status = domain.StatusCancelled
	assert.False(t, task.CanRetry(3))
}

func TestTask_DispatchStage(t *testing.T) {
	task := &domain.Task{ProcessType: domain.ProcessFullProcess}
	assert.Equal(t, domain.StageAudioExtract, task.DispatchStage())

	task.ResumeStage = domain.StageFastRecognition
	assert.Equal(t, domain.StageFastRecognition, task.DispatchStage())

	task.ProcessType = domain.ProcessDenoise
	assert.Equal(t, domain.StageDenoise, task.DispatchStage(), "a stage outside the pipeline is ignored")
}

func TestNewTaskPage(t *testing.T) {
	page := domain.NewTaskPage(nil, 41, 3, 20)
	assert.Equal(t, 3, page.TotalPages)
	assert.NotNil(t, page.Items)

	page = domain.NewTaskPage(nil, 0, 1, 20)
	assert.Equal(t, 0, page.TotalPages)
}

func TestNewTaskStats_ZeroFills(t *testing.T) {
	stats := domain.NewTaskStats(map[domain.Status]int{
		domain.StatusCompleted: 4,
		domain.StatusFailed:    1,
	})
	assert.Equal(t, 5, stats.Total)
	assert.Len(t, stats.ByStatus, 5)
	assert.Equal(t, 0, stats.ByStatus[domain.StatusPending])
	assert.Equal(t, 4, stats.ByStatus[domain.StatusCompleted])
}

func TestSortForDispatch(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := &domain.Task{ID: 1, TaskNumber: "A", Priority: 2, CreatedAt: base}
	b := &domain.Task{ID: 2, TaskNumber: "B", Priority: 8, CreatedAt: base.Add(time.Second)}
	c := &domain.Task{ID: 3, TaskNumber: "C", Priority: 4, CreatedAt: base.Add(2 * time.Second)}
	d := &domain.Task{ID: 4, TaskNumber: "D", Priority: 4, CreatedAt: base.Add(time.Second)}

	tasks := []*domain.Task{a, b, c, d}
	domain.SortForDispatch(tasks)

	var order []string
	for _, task := range tasks {
		order = append(order, task.TaskNumber)
	}
	assert.Equal(t, []string{"B", "D", "C", "A"}, order)
}
