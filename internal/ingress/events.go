// Package ingress receives gateway webhooks and routes inbound messages
// through the reply pipeline.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// EventDB abstracts the pgx query interface for testing.
type EventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventStore deduplicates webhook deliveries. Gateways redeliver on slow
// responses, so every event is claimed exactly once before processing.
type EventStore struct {
	db EventDB
}

// NewEventStore creates a processed-event store.
func NewEventStore(db EventDB) *EventStore {
	return &EventStore{db: db}
}

// Claim records the event id and reports whether this delivery is the first.
// A false return means a concurrent or earlier delivery already claimed it.
func (s *EventStore) Claim(ctx context.Context, tenantID, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("ingress: claim event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Purge deletes processed-event rows older than the cutoff.
func (s *EventStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM processed_events WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ingress: purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
