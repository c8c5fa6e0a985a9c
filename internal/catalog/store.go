// Package catalog stores the per-tenant service catalog used to resolve
// service names mentioned in conversation to calendar service ids.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ruanmelo/zapagenda/internal/optout"
)

// Service is one bookable catalog entry.
type Service struct {
	ID              uuid.UUID
	TenantID        string
	ExternalID      string // calendar-side service id
	Name            string
	NormalizedName  string
	DurationMinutes int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a lookup matches no service.
var ErrNotFound = errors.New("catalog: service not found")

// Store provides access to the service catalog.
type Store struct {
	db DB
}

// NewStore creates a catalog store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// NormalizeName canonicalizes a service name for matching: lowercase,
// accents stripped, whitespace collapsed. "Corte  Feminino" and
// "corte feminino" are the same service.
func NormalizeName(name string) string {
	return optout.Normalize(name)
}

const serviceColumns = `id, tenant_id, external_id, name, normalized_name, duration_minutes, active, created_at, updated_at`

// Upsert creates or updates a service, keyed by normalized name within the
// tenant.
func (s *Store) Upsert(ctx context.Context, svc *Service) error {
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	svc.NormalizedName = NormalizeName(svc.Name)
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO service_catalog (id, tenant_id, external_id, name, normalized_name, duration_minutes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tenant_id, normalized_name) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		svc.ID, svc.TenantID, svc.ExternalID, svc.Name, svc.NormalizedName,
		svc.DurationMinutes, svc.Active, now,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert: %w", err)
	}
	return nil
}

// FindByName resolves a (possibly sloppy) service name to a catalog entry.
func (s *Store) FindByName(ctx context.Context, tenantID, name string) (*Service, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+serviceColumns+`
		FROM service_catalog
		WHERE tenant_id = $1 AND normalized_name = $2 AND active`,
		tenantID, NormalizeName(name),
	)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: find by name: %w", err)
	}
	return svc, nil
}

// FindByExternalID resolves a calendar-side service id.
func (s *Store) FindByExternalID(ctx context.Context, tenantID, externalID string) (*Service, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+serviceColumns+`
		FROM service_catalog
		WHERE tenant_id = $1 AND external_id = $2`,
		tenantID, externalID,
	)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: find by external id: %w", err)
	}
	return svc, nil
}

// ListActive returns every active service for a tenant, ordered by name.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]Service, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM service_catalog
		WHERE tenant_id = $1 AND active
		ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var result []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		result = append(result, *svc)
	}
	return result, rows.Err()
}

// Deactivate soft-deletes a service by normalized name.
func (s *Store) Deactivate(ctx context.Context, tenantID, name string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE service_catalog SET active = FALSE, updated_at = $3
		WHERE tenant_id = $1 AND normalized_name = $2`,
		tenantID, NormalizeName(name), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("catalog: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	err := row.Scan(
		&svc.ID, &svc.TenantID, &svc.ExternalID, &svc.Name, &svc.NormalizedName,
		&svc.DurationMinutes, &svc.Active, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}
