package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Settings holds the per-tenant knobs read on every cron tick and claim
// cycle, so changes take effect without a restart.
type Settings struct {
	TenantID        string
	Name            string
	Timezone        string
	Instance        string
	PreVisitHour    int
	NoShowHour      int
	AuditHour       int
	AuditDays       int
	PreVisitEnabled bool
	NoShowEnabled   bool
	AuditEnabled    bool
	MaxAttempts     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Location resolves the tenant timezone, falling back to UTC when the zone
// name is unknown.
func (s Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a tenant id has no settings row.
var ErrNotFound = errors.New("tenancy: tenant not found")

// Store provides access to tenant settings.
type Store struct {
	db DB
}

// NewStore creates a tenant settings store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const settingsColumns = `tenant_id, name, timezone, instance, previsit_hour, noshow_hour, audit_hour, audit_days,
		previsit_enabled, noshow_enabled, audit_enabled, max_attempts, created_at, updated_at`

// Get returns the settings for one tenant.
func (s *Store) Get(ctx context.Context, tenantID string) (*Settings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+settingsColumns+`
		FROM tenants WHERE tenant_id = $1`, tenantID)
	set, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenancy: get: %w", err)
	}
	return set, nil
}

// GetByInstance resolves the tenant bound to a gateway instance. Webhooks
// arrive keyed by instance, not tenant id.
func (s *Store) GetByInstance(ctx context.Context, instance string) (*Settings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+settingsColumns+`
		FROM tenants WHERE instance = $1`, instance)
	set, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenancy: get by instance: %w", err)
	}
	return set, nil
}

// ListActive returns every tenant, ordered by id, for the cron schedulers.
func (s *Store) ListActive(ctx context.Context) ([]Settings, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+settingsColumns+`
		FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list: %w", err)
	}
	defer rows.Close()

	var result []Settings
	for rows.Next() {
		set, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("tenancy: scan: %w", err)
		}
		result = append(result, *set)
	}
	return result, rows.Err()
}

// Upsert creates or updates a tenant settings row.
func (s *Store) Upsert(ctx context.Context, set *Settings) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (tenant_id, name, timezone, instance, previsit_hour, noshow_hour, audit_hour, audit_days,
			previsit_enabled, noshow_enabled, audit_enabled, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			timezone = EXCLUDED.timezone,
			instance = EXCLUDED.instance,
			previsit_hour = EXCLUDED.previsit_hour,
			noshow_hour = EXCLUDED.noshow_hour,
			audit_hour = EXCLUDED.audit_hour,
			audit_days = EXCLUDED.audit_days,
			previsit_enabled = EXCLUDED.previsit_enabled,
			noshow_enabled = EXCLUDED.noshow_enabled,
			audit_enabled = EXCLUDED.audit_enabled,
			max_attempts = EXCLUDED.max_attempts,
			updated_at = EXCLUDED.updated_at`,
		set.TenantID, set.Name, set.Timezone, set.Instance,
		set.PreVisitHour, set.NoShowHour, set.AuditHour, set.AuditDays,
		set.PreVisitEnabled, set.NoShowEnabled, set.AuditEnabled,
		set.MaxAttempts, now,
	)
	if err != nil {
		return fmt.Errorf("tenancy: upsert: %w", err)
	}
	return nil
}

func scanSettings(row pgx.Row) (*Settings, error) {
	var set Settings
	err := row.Scan(
		&set.TenantID, &set.Name, &set.Timezone, &set.Instance,
		&set.PreVisitHour, &set.NoShowHour, &set.AuditHour, &set.AuditDays,
		&set.PreVisitEnabled, &set.NoShowEnabled, &set.AuditEnabled,
		&set.MaxAttempts, &set.CreatedAt, &set.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &set, nil
}
