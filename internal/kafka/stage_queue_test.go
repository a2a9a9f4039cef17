package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

func TestStageQueue_Publish(t *testing.T) {
	p := &fakeProducer{}
	q := NewStageQueue(p)
	task := &domain.Task{
		ID: 5, TaskNumber: "9_20260101_0003", ProcessType: domain.ProcessFullProcess,
		Priority: 2, RetryCount: 1,
	}
	msg := domain.NewDispatchMessage(task, domain.StageAudioExtract, time.Now().UnixMilli())

	require.NoError(t, q.Publish(context.Background(), domain.StageAudioExtract, msg))
	require.Len(t, p.sent, 1)
	sent := p.sent[0]
	assert.Equal(t, "media.stage.audio_extract", sent.topic)
	assert.Equal(t, "9_20260101_0003", sent.key)
	assert.Equal(t, "2", headerValue(sent.headers, HeaderPriority))
	assert.Equal(t, "1", headerValue(sent.headers, HeaderRetryCount))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(sent.value, &decoded))
	for _, field := range []string{"task_id", "task_number", "process_type", "priority", "retry_count", "stage", "dispatched_at"} {
		assert.Contains(t, decoded, field)
	}
}

func TestDecodeDispatch(t *testing.T) {
	good := `{"task_id":1,"task_number":"1_20260101_0001","process_type":"full_process","stage":"denoise"}`
	msg, err := DecodeDispatch([]byte(good))
	require.NoError(t, err)
	assert.Equal(t, domain.StageDenoise, msg.Stage)

	cases := map[string]string{
		"malformed":     `{`,
		"missing id":    `{"process_type":"denoise","stage":"denoise"}`,
		"bad type":      `{"task_id":1,"process_type":"render","stage":"denoise"}`,
		"foreign stage": `{"task_id":1,"process_type":"denoise","stage":"transcription"}`,
	}
	for name, raw := range cases {
		_, err := DecodeDispatch([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "media.stage.transcription", StageTopic(domain.StageTranscription))
	assert.Equal(t, "media.stage.transcription.dlq", DeadLetterTopic(domain.StageTranscription))
	assert.Equal(t, "media-worker-transcription", StageGroup(domain.StageTranscription))
	assert.Equal(t, []string{"media.stage.denoise.dlq", "media.stage.transcription.dlq"},
		DeadLetterTopics([]domain.Stage{domain.StageDenoise, domain.StageTranscription}))
}

func TestStageOfTopic(t *testing.T) {
	stage, ok := StageOfTopic("media.stage.fast_recognition.dlq")
	require.True(t, ok)
	assert.Equal(t, domain.StageFastRecognition, stage)

	stage, ok = StageOfTopic("media.stage.denoise")
	require.True(t, ok)
	assert.Equal(t, domain.StageDenoise, stage)

	_, ok = StageOfTopic("media.stage.full_process")
	assert.False(t, ok)
	_, ok = StageOfTopic("tasks.dlq")
	assert.False(t, ok)
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	c := HeaderCarrier{}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
