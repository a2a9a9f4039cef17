package testsupport

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
)

// ProgressStore is an in-memory redis.ProgressStore with the same
// last-write-wins rule. Every accepted write is recorded as published.
type ProgressStore struct {
	mu        sync.Mutex
	snaps     map[int64]domain.ProgressSnapshot
	published map[int64][]domain.ProgressSnapshot
	subs      []*memSubscription

	// GetErr, when set, is returned by Get.
	GetErr error
}

// NewProgressStore returns an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		snaps:     make(map[int64]domain.ProgressSnapshot),
		published: make(map[int64][]domain.ProgressSnapshot),
	}
}

// Published returns the snapshots published for taskID in order.
func (s *ProgressStore) Published(taskID int64) []domain.ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressSnapshot(nil), s.published[taskID]...)
}

func (s *ProgressStore) Get(_ context.Context, taskID int64) (*domain.ProgressSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	snap, ok := s.snaps[taskID]
	if !ok {
		return nil, domain.ErrNoProgress
	}
	return &snap, nil
}

func (s *ProgressStore) GetMany(_ context.Context, taskIDs []int64) (map[int64]*domain.ProgressSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*domain.ProgressSnapshot)
	for _, id := range taskIDs {
		if snap, ok := s.snaps[id]; ok {
			c := snap
			out[id] = &c
		}
	}
	return out, nil
}

func (s *ProgressStore) Set(_ context.Context, snap *domain.ProgressSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.TaskID]; ok && cur.UpdatedAt > snap.UpdatedAt {
		return false, nil
	}
	s.snaps[snap.TaskID] = *snap
	s.published[snap.TaskID] = append(s.published[snap.TaskID], *snap)
	for _, sub := range s.subs {
		sub.deliver(*snap)
	}
	return true, nil
}

func (s *ProgressStore) Subscribe(_ context.Context) redisstore.ProgressSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memSubscription{follow: make(map[int64]bool), out: make(chan *domain.ProgressSnapshot, 64)}
	s.subs = append(s.subs, sub)
	return sub
}

type memSubscription struct {
	mu     sync.Mutex
	follow map[int64]bool
	out    chan *domain.ProgressSnapshot
	closed bool
}

func (m *memSubscription) deliver(snap domain.ProgressSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.follow[snap.TaskID] {
		return
	}
	select {
	case m.out <- &snap:
	default:
	}
}

func (m *memSubscription) Follow(_ context.Context, taskIDs ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		m.follow[id] = true
	}
	return nil
}

func (m *memSubscription) Unfollow(_ context.Context, taskIDs ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		delete(m.follow, id)
	}
	return nil
}

func (m *memSubscription) Updates() <-chan *domain.ProgressSnapshot { return m.out }

func (m *memSubscription) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.out)
	}
	return nil
}
