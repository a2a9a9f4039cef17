package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

func TestProcessType_Priority(t *testing.T) {
	want := map[domain.ProcessType]int{
		domain.ProcessAudioExtract:    8,
		domain.ProcessDenoise:         6,
		domain.ProcessFastRecognition: 4,
		domain.ProcessTranscription:   2,
		domain.ProcessFullProcess:     2,
	}
	for pt, p := range want {
		assert.Equal(t, p, pt.Priority(), pt)
	}
}

func TestProcessType_RoutingKey(t *testing.T) {
	assert.Equal(t, domain.StageAudioExtract, domain.ProcessFullProcess.RoutingKey())
	assert.Equal(t, domain.StageDenoise, domain.ProcessDenoise.RoutingKey())
	assert.Equal(t, domain.StageTranscription, domain.ProcessTranscription.RoutingKey())
}

func TestParseProcessType(t *testing.T) {
	for _, pt := range domain.AllProcessTypes() {
		got, err := domain.ParseProcessType(string(pt))
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}

	_, err := domain.ParseProcessType("video_render")
	var ipt *domain.InvalidProcessTypeError
	require.ErrorAs(t, err, &ipt)
	assert.Equal(t, "video_render", ipt.ProcessType)
}

func TestFullProcessPipeline(t *testing.T) {
	pt := domain.ProcessFullProcess
	stage := pt.RoutingKey()
	visited := []domain.Stage{stage}
	for {
		next, ok := pt.NextStage(stage)
		if !ok {
			break
		}
		visited = append(visited, next)
		stage = next
	}
	assert.Equal(t, domain.AllStages(), visited)
	assert.True(t, pt.IsFinalStage(domain.StageTranscription))
	assert.False(t, pt.IsFinalStage(domain.StageDenoise))
}

func TestSingleStagePipeline(t *testing.T) {
	_, ok := domain.ProcessDenoise.NextStage(domain.StageDenoise)
	assert.False(t, ok)
	assert.True(t, domain.ProcessDenoise.IsFinalStage(domain.StageDenoise))
	assert.False(t, domain.ProcessDenoise.HasStage(domain.StageTranscription))
}

func TestStage_ResultType(t *testing.T) {
	assert.Equal(t, domain.ResultAudioExtraction, domain.StageAudioExtract.ResultType())
	assert.Equal(t, domain.ResultDenoising, domain.StageDenoise.ResultType())
	assert.Equal(t, domain.ResultRecognition, domain.StageFastRecognition.ResultType())
	assert.Equal(t, domain.ResultTranscription, domain.StageTranscription.ResultType())
}

func TestParseStage(t *testing.T) {
	st, err := domain.ParseStage("fast_recognition")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFastRecognition, st)

	_, err = domain.ParseStage("full_process")
	assert.Error(t, err, "full_process is a process type, not a stage")
}
