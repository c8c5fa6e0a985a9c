// Package handoff implements the operator-controlled pause switch consulted
// before every outbound send. A record pauses one recipient, or all traffic
// when global. Expiry is honored by readers; there is no sweeper.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// GlobalPhone is the phone value of the tenant-wide pause row.
const GlobalPhone = "*"

// Record is one pause switch.
type Record struct {
	TenantID  string
	Phone     string // GlobalPhone for the tenant-wide switch
	Enabled   bool
	Reason    string
	OpenedBy  string
	ExpiresAt *time.Time // nil = no expiry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the record pauses traffic at the given instant.
// An expired record is equivalent to absence.
func (r Record) Active(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists handoff records.
type Store struct {
	db DB
}

// NewStore creates a handoff store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Enable upserts an active handoff for a recipient (or GlobalPhone).
func (s *Store) Enable(ctx context.Context, tenantID, phone, reason, openedBy string, expiresAt *time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO handoffs (tenant_id, phone, enabled, reason, opened_by, expires_at, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			enabled = TRUE,
			reason = EXCLUDED.reason,
			opened_by = EXCLUDED.opened_by,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		tenantID, phone, reason, openedBy, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("handoff: enable: %w", err)
	}
	return nil
}

// Disable turns a handoff off. Missing rows are a no-op.
func (s *Store) Disable(ctx context.Context, tenantID, phone string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE handoffs SET enabled = FALSE, updated_at = $1
		WHERE tenant_id = $2 AND phone = $3`,
		time.Now().UTC(), tenantID, phone,
	)
	if err != nil {
		return fmt.Errorf("handoff: disable: %w", err)
	}
	return nil
}

// Get returns the record for (tenant, phone), or nil when absent.
func (s *Store) Get(ctx context.Context, tenantID, phone string) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT tenant_id, phone, enabled, reason, opened_by, expires_at, created_at, updated_at
		FROM handoffs WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone,
	)
	var r Record
	err := row.Scan(&r.TenantID, &r.Phone, &r.Enabled, &r.Reason, &r.OpenedBy, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("handoff: get: %w", err)
	}
	return &r, nil
}

// ListActive returns every record still pausing traffic for a tenant.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, phone, enabled, reason, opened_by, expires_at, created_at, updated_at
		FROM handoffs
		WHERE tenant_id = $1 AND enabled = TRUE
		ORDER BY updated_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("handoff: list active: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var result []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TenantID, &r.Phone, &r.Enabled, &r.Reason, &r.OpenedBy, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("handoff: scan: %w", err)
		}
		if r.Active(now) {
			result = append(result, r)
		}
	}
	return result, rows.Err()
}
