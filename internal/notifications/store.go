package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry is one append-only row of evidence that a send occurred.
type Entry struct {
	ID        uuid.UUID
	TenantID  string
	Phone     string
	DedupeKey string
	Kind      Kind
	Payload   map[string]any
	SentAt    time.Time
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the SQL half of the dedup index: durable, append-only evidence
// of every outbound send, unique on (tenant_id, dedupe_key).
type Store struct {
	db DB
}

// NewStore creates a notification log store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// RecordSent appends a log entry. Returns inserted=false when the dedupe
// key was already recorded for the tenant; that is informational, not an
// error.
func (s *Store) RecordSent(ctx context.Context, tenantID, dedupeKey string, kind Kind, phone string, payload map[string]any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("notifications: marshal payload: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO notification_log (id, tenant_id, phone, dedupe_key, kind, payload, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
		uuid.New(), tenantID, phone, dedupeKey, string(kind), data, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("notifications: record sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HasSent reports whether a dedupe key has already been recorded.
func (s *Store) HasSent(ctx context.Context, tenantID, dedupeKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM notification_log WHERE tenant_id = $1 AND dedupe_key = $2`,
		tenantID, dedupeKey,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("notifications: has sent: %w", err)
	}
	return true, nil
}

// ListForDay returns every entry sent on the given UTC day for a tenant.
// Used by the audit reconciler.
func (s *Store) ListForDay(ctx context.Context, tenantID string, day time.Time) ([]Entry, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, phone, dedupe_key, kind, payload, sent_at
		FROM notification_log
		WHERE tenant_id = $1 AND sent_at >= $2 AND sent_at < $3
		ORDER BY sent_at ASC`,
		tenantID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("notifications: list for day: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRange returns every entry sent in [from, to) for a tenant.
func (s *Store) ListRange(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, phone, dedupe_key, kind, payload, sent_at
		FROM notification_log
		WHERE tenant_id = $1 AND sent_at >= $2 AND sent_at < $3
		ORDER BY sent_at ASC`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("notifications: list range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var result []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Phone, &e.DedupeKey, &kind, &payload, &e.SentAt); err != nil {
			return nil, fmt.Errorf("notifications: scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("notifications: unmarshal payload: %w", err)
			}
		}
		e.Kind = Kind(kind)
		result = append(result, e)
	}
	return result, rows.Err()
}
