package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// newBenchClient returns a Redis client connected to localhost:6379.
// Benchmarks are skipped if Redis is not reachable.
func newBenchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  1 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

// BenchmarkProgressStore_Set measures the conditional SET and PUBLISH script.
func BenchmarkProgressStore_Set(b *testing.B) {
	store := NewProgressStore(newBenchClient(b), time.Hour)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap := &domain.ProgressSnapshot{TaskID: 1, Progress: 50, UpdatedAt: int64(i)}
		if _, err := store.Set(ctx, snap); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkProgressStore_GetMany measures a 50-key MGET.
func BenchmarkProgressStore_GetMany(b *testing.B) {
	store := NewProgressStore(newBenchClient(b), time.Hour)
	ctx := context.Background()

	ids := make([]int64, 50)
	for i := range ids {
		ids[i] = int64(i + 1)
		if _, err := store.Set(ctx, &domain.ProgressSnapshot{TaskID: ids[i], UpdatedAt: 1}); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.GetMany(ctx, ids); err != nil {
			b.Fatal(err)
		}
	}
}
