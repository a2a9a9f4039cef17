// Package testsupport provides in-memory stand-ins for the Postgres, Redis
// and Kafka adapters so service logic can be tested without infrastructure.
package testsupport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
)

// Store is an in-memory task repository, event log and result store. It
// applies the same guards and orderings as the Postgres implementation.
type Store struct {
	mu      sync.Mutex
	Now     func() time.Time
	Loc     *time.Location
	tasks   map[int64]*domain.Task
	files   map[int64][]*domain.TaskFile
	results []*domain.ProcessingResult
	events  []*domain.DomainEvent
	nextID  int64

	// UpdateErr, when set, is returned by the next Update call and cleared.
	UpdateErr error
	// CreateErr, when set, is returned by every Create call.
	CreateErr error
}

var (
	_ postgres.TaskRepository   = (*Store)(nil)
	_ postgres.EventLog         = (*Store)(nil)
	_ postgres.ResultRepository = resultView{}
)

// NewStore returns an empty Store using the wall clock in UTC.
func NewStore() *Store {
	return &Store{
		Now:   time.Now,
		Loc:   time.UTC,
		tasks: make(map[int64]*domain.Task),
		files: make(map[int64][]*domain.TaskFile),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func clone(t *domain.Task) *domain.Task {
	c := *t
	return &c
}

// Seed inserts a task as-is and returns its ID. Files are created pending.
func (s *Store) Seed(t *domain.Task, filenames ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	for _, name := range filenames {
		s.files[t.ID] = append(s.files[t.ID], &domain.TaskFile{
			ID:               s.id(),
			TaskID:           t.ID,
			OriginalFilename: name,
			StoredPath:       "/uploads/" + t.TaskNumber + "/" + name,
			FileType:         domain.DetectFileType(name),
			Status:           domain.FileStatusPending,
		})
	}
	if len(filenames) > 0 {
		t.TotalFiles = len(filenames)
	}
	s.tasks[t.ID] = clone(t)
	return t.ID
}

// Task returns a copy of the stored task, or nil.
func (s *Store) Task(id int64) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return clone(t)
	}
	return nil
}

// Events returns every appended event of the given type, or all events when
// eventType is empty.
func (s *Store) Events(eventType domain.EventType) []*domain.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DomainEvent
	for _, ev := range s.events {
		if eventType == "" || ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// StoredResults returns every stored result.
func (s *Store) StoredResults() []*domain.ProcessingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ProcessingResult(nil), s.results...)
}

func (s *Store) Create(_ context.Context, in postgres.CreateTaskInput) (*domain.Task, []*domain.TaskFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, nil, s.CreateErr
	}

	task := in.Task
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.Now()
	}
	day := task.CreatedAt.In(s.Loc)
	prefix := domain.TaskNumberPrefix(task.UserID, day)
	last := ""
	var lastID int64
	for _, t := range s.tasks {
		if strings.HasPrefix(t.TaskNumber, prefix) && t.ID > lastID {
			last, lastID = t.TaskNumber, t.ID
		}
	}
	number, err := domain.NextTaskNumber(task.UserID, day, last)
	if err != nil {
		return nil, nil, err
	}
	task.TaskNumber = number

	var files []*domain.TaskFile
	if in.Files != nil {
		if files, err = in.Files(number); err != nil {
			if in.Discard != nil {
				in.Discard(number)
			}
			return nil, nil, err
		}
	}
	task.ID = s.id()
	task.TotalFiles = len(files)
	task.UpdatedAt = task.CreatedAt
	for _, f := range files {
		f.ID = s.id()
		f.TaskID = task.ID
		f.CreatedAt, f.UpdatedAt = task.CreatedAt, task.CreatedAt
	}
	s.tasks[task.ID] = clone(task)
	s.files[task.ID] = files
	if in.Event != nil {
		in.Event.AggregateID = number
		in.Event.ID = s.id()
		s.events = append(s.events, in.Event)
	}
	return task, files, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return clone(t), nil
}

func (s *Store) FindByNumber(_ context.Context, taskNumber string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.TaskNumber == taskNumber {
			return clone(t), nil
		}
	}
	return nil, &domain.TaskNotFoundError{TaskNumber: taskNumber}
}

func (s *Store) ListByUser(_ context.Context, userID int64, page, pageSize int) ([]*domain.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*domain.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			all = append(all, clone(t))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (s *Store) ClaimPending(_ context.Context, limit, maxRetries int, lease time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var picked []*domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.StatusPending || t.RetryCount >= maxRetries {
			continue
		}
		if t.DispatchedAt != nil && !t.DispatchedAt.Before(now.Add(-lease)) {
			continue
		}
		picked = append(picked, t)
	}
	domain.SortForDispatch(picked)
	if len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]*domain.Task, 0, len(picked))
	for _, t := range picked {
		ts := now
		t.DispatchedAt = &ts
		out = append(out, clone(t))
	}
	return out, nil
}

func (s *Store) ClaimFailedForRetry(_ context.Context, cooldown time.Duration, limit, maxRetries int) ([]domain.RetryClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var picked []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.StatusFailed && t.RetryCount < maxRetries && !t.UpdatedAt.After(now.Add(-cooldown)) {
			picked = append(picked, t)
		}
	}
	domain.SortForDispatch(picked)
	if len(picked) > limit {
		picked = picked[:limit]
	}
	claims := make([]domain.RetryClaim, 0, len(picked))
	for _, t := range picked {
		prev := t.ErrorMessage
		domain.TaskUpdate{
			Status:         domain.Ptr(domain.StatusPending),
			IncrementRetry: true,
			ErrorMessage:   domain.Ptr(""),
			ResetProgress:  true,
			Dispatched:     true,
		}.Apply(t, now)
		claims = append(claims, domain.RetryClaim{Task: clone(t), PreviousError: prev})
	}
	return claims, nil
}

func (s *Store) Update(_ context.Context, id int64, guard domain.TaskGuard, u domain.TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.UpdateErr; err != nil {
		s.UpdateErr = nil
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if !guard.Matches(t) || (u.IncrementProcessed && t.ProcessedFiles+1 >= t.TotalFiles) {
		return nil, &domain.StatusConflictError{TaskID: id, Current: t.Status}
	}
	u.Apply(t, s.Now())
	return clone(t), nil
}

func (s *Store) CountCreatedSince(_ context.Context, userID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(_ context.Context, userID int64) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.Status]int)
	for _, t := range s.tasks {
		if t.UserID == userID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (s *Store) Files(_ context.Context, taskID int64) ([]*domain.TaskFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TaskFile, 0, len(s.files[taskID]))
	for _, f := range s.files[taskID] {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) UpdateFile(_ context.Context, fileID int64, u domain.FileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, files := range s.files {
		for _, f := range files {
			if f.ID == fileID {
				u.Apply(f, s.Now())
				return nil
			}
		}
	}
	return &domain.ValidationError{Field: "file_id", Reason: "no such file"}
}

// Append implements postgres.EventLog.
func (s *Store) Append(_ context.Context, ev *domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.id()
	s.events = append(s.events, ev)
	return nil
}

// ListByAggregate implements postgres.EventLog.
func (s *Store) ListByAggregate(_ context.Context, aggregateType, aggregateID string) ([]*domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DomainEvent
	for _, ev := range s.events {
		if ev.AggregateType == aggregateType && ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ResultRepository returns a result store backed by s.
func (s *Store) ResultRepository() postgres.ResultRepository { return resultView{s: s} }

type resultView struct{ s *Store }

func (v resultView) Create(_ context.Context, res *domain.ProcessingResult) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	res.ID = v.s.id()
	res.CreatedAt = v.s.Now()
	v.s.results = append(v.s.results, res)
	return nil
}

func (v resultView) ListByTask(_ context.Context, taskID int64) ([]*domain.ProcessingResult, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*domain.ProcessingResult
	for _, r := range v.s.results {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v resultView) Latest(_ context.Context, taskID int64, resultType domain.ResultType) (*domain.ProcessingResult, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for i := len(v.s.results) - 1; i >= 0; i-- {
		r := v.s.results[i]
		if r.TaskID == taskID && r.ResultType == resultType {
			return r, nil
		}
	}
	return nil, postgres.ErrResultNotFound
}
