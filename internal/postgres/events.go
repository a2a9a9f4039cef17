package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// EventLog is the append-only domain event store.
type EventLog interface {
	Append(ctx context.Context, ev *domain.DomainEvent) error
	ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*domain.DomainEvent, error)
}

type eventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog returns a Postgres-backed EventLog.
func NewEventLog(pool *pgxpool.Pool) EventLog {
	return &eventLog{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertEvent(ctx context.Context, db execer, ev *domain.DomainEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	data := ev.EventData
	if len(data) == 0 {
		data = []byte("{}")
	}
	err := db.QueryRow(ctx, `
		INSERT INTO domain_events
			(event_type, aggregate_type, aggregate_id, event_data, version, user_id, occurred_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		string(ev.EventType), ev.AggregateType, ev.AggregateID, string(data), ev.Version, ev.UserID, ev.OccurredAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", ev.EventType, ev.AggregateID, err)
	}
	return nil
}

func (l *eventLog) Append(ctx context.Context, ev *domain.DomainEvent) error {
	return insertEvent(ctx, l.pool, ev)
}

func (l *eventLog) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*domain.DomainEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, event_type, aggregate_type, aggregate_id, event_data, version, user_id, occurred_at
		FROM domain_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY occurred_at, id
	`, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s %s: %w", aggregateType, aggregateID, err)
	}
	defer rows.Close()

	var events []*domain.DomainEvent
	for rows.Next() {
		var ev domain.DomainEvent
		var eventType string
		if err := rows.Scan(&ev.ID, &eventType, &ev.AggregateType, &ev.AggregateID,
			&ev.EventData, &ev.Version, &ev.UserID, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = domain.EventType(eventType)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
