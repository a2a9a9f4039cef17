package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
	"github.com/ramiqadoumi/go-media-flow/internal/testsupport"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestAggregator_SetProgressMerges(t *testing.T) {
	store := testsupport.NewProgressStore()
	agg := progress.NewAggregator(store, progress.WithClock(fixedClock(1000)))
	ctx := context.Background()

	_, err := agg.SetProgress(ctx, 1, domain.ProgressFields{
		CurrentStep: domain.Ptr("denoise"),
		TotalFiles:  domain.Ptr(4),
	})
	require.NoError(t, err)

	snap, err := agg.SetProgress(ctx, 1, domain.ProgressFields{Progress: domain.Ptr(25.0)})
	require.NoError(t, err)
	assert.Equal(t, "denoise", snap.CurrentStep)
	assert.Equal(t, 4, snap.TotalFiles)
	assert.Equal(t, 25.0, snap.Progress)
	assert.Equal(t, int64(1000), snap.UpdatedAt)
	assert.Len(t, store.Published(1), 2, "each write publishes")
}

func TestAggregator_IncrementDefaultsTotalToOne(t *testing.T) {
	agg := progress.NewAggregator(testsupport.NewProgressStore())
	snap, err := agg.IncrementProcessedFiles(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalFiles)
	assert.Equal(t, 1, snap.ProcessedFiles)
	assert.Equal(t, 100.0, snap.Progress)
}

func TestAggregator_IncrementRecomputesProgress(t *testing.T) {
	agg := progress.NewAggregator(testsupport.NewProgressStore())
	ctx := context.Background()
	_, err := agg.SetProgress(ctx, 2, domain.ProgressFields{TotalFiles: domain.Ptr(3)})
	require.NoError(t, err)

	snap, err := agg.IncrementProcessedFiles(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 33.33, snap.Progress)
}

func TestAggregator_MarkCompletedAndFailed(t *testing.T) {
	agg := progress.NewAggregator(testsupport.NewProgressStore(), progress.WithClock(fixedClock(5000)))
	ctx := context.Background()

	done, err := agg.MarkCompleted(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 100.0, done.Progress)
	assert.Equal(t, int64(5000), done.CompletedAt)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	failed, err := agg.MarkFailed(ctx, 4, "decoder crashed")
	require.NoError(t, err)
	assert.Equal(t, "decoder crashed", failed.Error)
	assert.Equal(t, int64(5000), failed.FailedAt)
}

func TestAggregator_GetProgressAbsent(t *testing.T) {
	agg := progress.NewAggregator(testsupport.NewProgressStore())
	snap, ok, err := agg.GetProgress(context.Background(), 77)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestAggregator_StaleWriteDropped(t *testing.T) {
	store := testsupport.NewProgressStore()
	ctx := context.Background()

	late := progress.NewAggregator(store, progress.WithClock(fixedClock(2000)))
	early := progress.NewAggregator(store, progress.WithClock(fixedClock(1000)))

	_, err := late.SetProgress(ctx, 5, domain.ProgressFields{Progress: domain.Ptr(80.0)})
	require.NoError(t, err)
	_, err = early.SetProgress(ctx, 5, domain.ProgressFields{Progress: domain.Ptr(20.0)})
	require.NoError(t, err)

	snap, ok, err := late.GetProgress(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 80.0, snap.Progress)
}

func TestAggregator_ConcurrentWritersConverge(t *testing.T) {
	store := testsupport.NewProgressStore()
	agg := progress.NewAggregator(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = agg.SetProgress(ctx, 6, domain.ProgressFields{Progress: domain.Ptr(float64(i))})
		}(i)
	}
	wg.Wait()

	_, ok, err := agg.GetProgress(ctx, 6)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAggregator_StoreErrorPropagates(t *testing.T) {
	store := testsupport.NewProgressStore()
	store.GetErr = errors.New("redis down")
	agg := progress.NewAggregator(store)

	_, err := agg.SetProgress(context.Background(), 1, domain.ProgressFields{})
	assert.Error(t, err)
}

var _ redisstore.ProgressStore = (*testsupport.ProgressStore)(nil)
