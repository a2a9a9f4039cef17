package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to domain.Status }{
		{domain.StatusPending, domain.StatusProcessing},
		{domain.StatusPending, domain.StatusCancelled},
		{domain.StatusProcessing, domain.StatusProcessing},
		{domain.StatusProcessing, domain.StatusCompleted},
		{domain.StatusProcessing, domain.StatusFailed},
		{domain.StatusProcessing, domain.StatusCancelled},
		{domain.StatusFailed, domain.StatusPending},
	}
	allowedSet := map[[2]domain.Status]bool{}
	for _, tr := range allowed {
		allowedSet[[2]domain.Status{tr.from, tr.to}] = true
	}

	for _, from := range domain.AllStatuses() {
		for _, to := range domain.AllStatuses() {
			want := allowedSet[[2]domain.Status{from, to}]
			assert.Equal(t, want, domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, from := range []domain.Status{domain.StatusCompleted, domain.StatusCancelled} {
		for _, to := range domain.AllStatuses() {
			assert.False(t, domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t,
		[]domain.Status{domain.StatusPending, domain.StatusProcessing},
		domain.SourcesOf(domain.StatusCancelled))
	assert.Equal(t, []domain.Status{domain.StatusFailed}, domain.SourcesOf(domain.StatusPending))
}
