package testsupport

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// Published is one message captured by Queue.
type Published struct {
	Stage   domain.Stage
	Message domain.DispatchMessage
}

// Queue records stage publishes. Err, when set, fails every publish.
type Queue struct {
	mu   sync.Mutex
	msgs []Published
	Err  error
}

func (q *Queue) Publish(_ context.Context, stage domain.Stage, msg domain.DispatchMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.msgs = append(q.msgs, Published{Stage: stage, Message: msg})
	return nil
}

// Messages returns the captured publishes in order.
func (q *Queue) Messages() []Published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Published(nil), q.msgs...)
}

// TaskNumbers returns the task numbers of captured publishes in order.
func (q *Queue) TaskNumbers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.Message.TaskNumber
	}
	return out
}

// Reset drops captured publishes.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = nil
}
