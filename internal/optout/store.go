package optout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind scopes a suppression to a message kind. KindAll supersedes the finer
// kinds at query time.
type Kind string

const (
	KindAll         Kind = "all"
	KindPreVisit    Kind = "pre_visit"
	KindNoShowCheck Kind = "no_show_check"
)

// Record is one suppression row.
type Record struct {
	TenantID  string
	Phone     string
	Kind      Kind
	CreatedAt time.Time
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the per-tenant, per-recipient suppression list.
type Store struct {
	db DB
}

// NewStore creates an opt-out store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Register upserts a suppression. Registering twice is a no-op.
func (s *Store) Register(ctx context.Context, tenantID, phone string, kind Kind) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO opt_outs (tenant_id, phone, kind, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, phone, kind) DO NOTHING`,
		tenantID, phone, string(kind), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("optout: register: %w", err)
	}
	return nil
}

// Release removes exactly one suppression row.
func (s *Store) Release(ctx context.Context, tenantID, phone string, kind Kind) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM opt_outs WHERE tenant_id = $1 AND phone = $2 AND kind = $3`,
		tenantID, phone, string(kind),
	)
	if err != nil {
		return fmt.Errorf("optout: release: %w", err)
	}
	return nil
}

// IsSuppressed reports whether a record with kind in {all, msgKind} exists.
func (s *Store) IsSuppressed(ctx context.Context, tenantID, phone string, msgKind Kind) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM opt_outs
		WHERE tenant_id = $1 AND phone = $2 AND kind IN ('all', $3)
		LIMIT 1`,
		tenantID, phone, string(msgKind),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("optout: is suppressed: %w", err)
	}
	return true, nil
}

// ListByPhone returns all suppressions for a recipient, for the admin
// surface.
func (s *Store) ListByPhone(ctx context.Context, tenantID, phone string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, phone, kind, created_at FROM opt_outs
		WHERE tenant_id = $1 AND phone = $2
		ORDER BY created_at ASC`,
		tenantID, phone,
	)
	if err != nil {
		return nil, fmt.Errorf("optout: list by phone: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var (
			r    Record
			kind string
		)
		if err := rows.Scan(&r.TenantID, &r.Phone, &kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("optout: scan: %w", err)
		}
		r.Kind = Kind(kind)
		result = append(result, r)
	}
	return result, rows.Err()
}
