package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// DefaultProgressTTL is how long a snapshot survives without writes.
const DefaultProgressTTL = 24 * time.Hour

const (
	progressKeyPrefix     = "progress:"
	progressChannelPrefix = "task_progress:"
)

func progressKey(taskID int64) string     { return progressKeyPrefix + strconv.FormatInt(taskID, 10) }
func progressChannel(taskID int64) string { return progressChannelPrefix + strconv.FormatInt(taskID, 10) }

// setIfNewer stores the snapshot unless the cached one carries a later
// updated_at, then publishes it on the task channel. Returns 1 when written.
var setIfNewer = redis.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur then
		local ok, decoded = pcall(cjson.decode, cur)
		if ok and type(decoded) == "table" and decoded["updated_at"] then
			if tonumber(decoded["updated_at"]) > tonumber(ARGV[2]) then
				return 0
			end
		end
	end
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
	redis.call("publish", ARGV[4], ARGV[1])
	return 1
`)

// ProgressStore keeps live task progress in Redis and fans updates out over
// pub/sub. Writes are last-write-wins on the snapshot's UpdatedAt.
type ProgressStore interface {
	Get(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, error)
	GetMany(ctx context.Context, taskIDs []int64) (map[int64]*domain.ProgressSnapshot, error)
	Set(ctx context.Context, snap *domain.ProgressSnapshot) (bool, error)
	Subscribe(ctx context.Context) ProgressSubscription
}

// ProgressSubscription is a single pub/sub connection that can follow any
// number of tasks.
type ProgressSubscription interface {
	Follow(ctx context.Context, taskIDs ...int64) error
	Unfollow(ctx context.Context, taskIDs ...int64) error
	Updates() <-chan *domain.ProgressSnapshot
	Close() error
}

type progressStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProgressStore creates a Redis-backed ProgressStore. A zero ttl uses
// DefaultProgressTTL.
func NewProgressStore(client *redis.Client, ttl time.Duration) ProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &progressStore{client: client, ttl: ttl}
}

func (s *progressStore) Get(ctx context.Context, taskID int64) (*domain.ProgressSnapshot, error) {
	data, err := s.client.Get(ctx, progressKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNoProgress
		}
		return nil, fmt.Errorf("redis get progress for %d: %w", taskID, err)
	}
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal progress for %d: %w", taskID, err)
	}
	return &snap, nil
}

// GetMany fetches snapshots in one MGET. Tasks without a snapshot are absent
// from the result.
func (s *progressStore) GetMany(ctx context.Context, taskIDs []int64) (map[int64]*domain.ProgressSnapshot, error) {
	out := make(map[int64]*domain.ProgressSnapshot, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = progressKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget progress: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var snap domain.ProgressSnapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			continue
		}
		out[taskIDs[i]] = &snap
	}
	return out, nil
}

func (s *progressStore) Set(ctx context.Context, snap *domain.ProgressSnapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("marshal progress: %w", err)
	}
	n, err := setIfNewer.Run(ctx, s.client,
		[]string{progressKey(snap.TaskID)},
		data, snap.UpdatedAt, s.ttl.Milliseconds(), progressChannel(snap.TaskID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis set progress for %d: %w", snap.TaskID, err)
	}
	return n == 1, nil
}

func (s *progressStore) Subscribe(ctx context.Context) ProgressSubscription {
	return &subscription{
		ps:   s.client.Subscribe(ctx),
		out:  make(chan *domain.ProgressSnapshot, 64),
		done: make(chan struct{}),
	}
}

type subscription struct {
	ps    *redis.PubSub
	out   chan *domain.ProgressSnapshot
	done  chan struct{}
	start sync.Once
	stop  sync.Once
	fwd   sync.WaitGroup
}

func channelsFor(taskIDs []int64) []string {
	chans := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		chans[i] = progressChannel(id)
	}
	return chans
}

func (s *subscription) Follow(ctx context.Context, taskIDs ...int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	if err := s.ps.Subscribe(ctx, channelsFor(taskIDs)...); err != nil {
		return fmt.Errorf("redis subscribe progress: %w", err)
	}
	s.start.Do(func() {
		s.fwd.Add(1)
		go s.forward()
	})
	return nil
}

func (s *subscription) Unfollow(ctx context.Context, taskIDs ...int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	if err := s.ps.Unsubscribe(ctx, channelsFor(taskIDs)...); err != nil {
		return fmt.Errorf("redis unsubscribe progress: %w", err)
	}
	return nil
}

func (s *subscription) Updates() <-chan *domain.ProgressSnapshot { return s.out }

// forward decodes pub/sub payloads until the subscription is closed.
func (s *subscription) forward() {
	defer s.fwd.Done()
	for msg := range s.ps.Channel() {
		var snap domain.ProgressSnapshot
		if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
			continue
		}
		if snap.TaskID == 0 {
			if id, err := strconv.ParseInt(strings.TrimPrefix(msg.Channel, progressChannelPrefix), 10, 64); err == nil {
				snap.TaskID = id
			}
		}
		select {
		case s.out <- &snap:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.stop.Do(func() {
		close(s.done)
		err = s.ps.Close()
		// Prevent a later Follow from starting a forwarder after close.
		s.start.Do(func() {})
		s.fwd.Wait()
		close(s.out)
	})
	return err
}
