package jobs

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

// ErrDuplicate is returned by Enqueue when a pending job already exists for
// the same (tenant, booking_id, kind). The existing job id accompanies it.
var ErrDuplicate = errors.New("jobs: duplicate pending job")

// ErrNotPending is returned by commit operations when the job has already
// left the pending state.
var ErrNotPending = errors.New("jobs: job is not pending")

// DB abstracts the pgx interface so the store can run against a pool, a
// transaction, or a mock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the durable table of scheduled message jobs. It is the single
// source of truth for pending outbound work.
type Store struct {
	db         DB
	visibility time.Duration
}

// NewStore creates a job store. visibility is how long a claimed row stays
// invisible to other consumers before it becomes reclaimable.
func NewStore(db DB, visibility time.Duration) *Store {
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &Store{db: db, visibility: visibility}
}

const jobColumns = `id, tenant_id, phone, kind, run_at, payload, state, attempts, max_attempts, last_error, booking_id, claimed_until, created_at, updated_at`

// Enqueue inserts a new pending job. It is idempotent on the natural key
// (tenant, booking_id, kind): a collision returns the existing id together
// with ErrDuplicate and creates no new row.
func (s *Store) Enqueue(ctx context.Context, spec Spec) (uuid.UUID, error) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	id := uuid.New()
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
		INSERT INTO message_jobs (id, tenant_id, phone, kind, run_at, payload, state, attempts, max_attempts, booking_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, booking_id, kind) WHERE state = 'pending' DO NOTHING
		RETURNING id`,
		id, spec.TenantID, spec.Phone, string(spec.Kind), spec.RunAt.UTC(), payload,
		spec.MaxAttempts, spec.BookingID, now,
	)
	var inserted uuid.UUID
	if err := row.Scan(&inserted); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("jobs: enqueue: %w", err)
		}
		existing, lookupErr := s.findPending(ctx, spec.TenantID, spec.BookingID, spec.Kind)
		if lookupErr != nil {
			return uuid.Nil, lookupErr
		}
		return existing, ErrDuplicate
	}
	return inserted, nil
}

func (s *Store) findPending(ctx context.Context, tenantID, bookingID string, kind Kind) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT id FROM message_jobs
		WHERE tenant_id = $1 AND booking_id = $2 AND kind = $3 AND state = 'pending'`,
		tenantID, bookingID, string(kind),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobs: find pending: %w", err)
	}
	return id, nil
}

// ClaimBatch atomically claims up to max due jobs and returns them ordered
// by run_at. Rows stay invisible to other consumers until the visibility
// timeout elapses or the claim is committed. At most one job per
// (tenant, phone) is returned so per-recipient ordering holds within a
// cycle.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time, max int) ([]Job, error) {
	if max <= 0 {
		max = 25
	}
	now = now.UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Over-fetch so the per-recipient filter can still fill the batch.
	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+`
		FROM message_jobs
		WHERE state = 'pending' AND run_at <= $1 AND attempts < max_attempts
			AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, max*4,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim select: %w", err)
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(candidates))
	claimed := make([]Job, 0, max)
	ids := make([]uuid.UUID, 0, max)
	for _, job := range candidates {
		key := job.TenantID + "|" + job.Phone
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		claimed = append(claimed, job)
		ids = append(ids, job.ID)
		if len(claimed) == max {
			break
		}
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	until := now.Add(s.visibility)
	if _, err := tx.Exec(ctx, `
		UPDATE message_jobs SET claimed_until = $1, updated_at = $2 WHERE id = ANY($3)`,
		until, now, ids,
	); err != nil {
		return nil, fmt.Errorf("jobs: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("jobs: claim commit: %w", err)
	}
	for i := range claimed {
		u := until
		claimed[i].ClaimedUntil = &u
	}
	return claimed, nil
}

// MarkSent transitions a pending job to sent and releases the claim.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, `
		UPDATE message_jobs SET state = 'sent', claimed_until = NULL, updated_at = $1
		WHERE id = $2 AND state = 'pending'`)
}

// ScheduleRetry increments the attempt counter, records the error and
// pushes run_at forward by the supplied delay. run_at is only ever extended,
// never moved earlier.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, lastError string, delay time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE message_jobs
		SET attempts = attempts + 1,
			last_error = $1,
			run_at = GREATEST(run_at, $2),
			claimed_until = NULL,
			updated_at = $3
		WHERE id = $4 AND state = 'pending' AND attempts < max_attempts`,
		lastError, now.Add(delay), now, id,
	)
	if err != nil {
		return fmt.Errorf("jobs: schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkPermanentlyFailed transitions a pending job to permanently_failed.
func (s *Store) MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE message_jobs
		SET state = 'permanently_failed', attempts = attempts + 1, last_error = $1, claimed_until = NULL, updated_at = $2
		WHERE id = $3 AND state = 'pending'`,
		lastError, now, id,
	)
	if err != nil {
		return fmt.Errorf("jobs: mark permanently failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// Skip transitions a pending job to skipped with a reason, e.g. "opted out".
func (s *Store) Skip(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE message_jobs SET state = 'skipped', last_error = $1, claimed_until = NULL, updated_at = $2
		WHERE id = $3 AND state = 'pending'`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("jobs: skip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// Cancel transitions a pending job to canceled with a reason.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE message_jobs SET state = 'canceled', last_error = $1, claimed_until = NULL, updated_at = $2
		WHERE id = $3 AND state = 'pending'`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("jobs: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// Release returns a claimed job to the pending pool with run_at pushed
// forward by grace. Used when a handoff pauses the recipient.
func (s *Store) Release(ctx context.Context, id uuid.UUID, grace time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE message_jobs SET run_at = GREATEST(run_at, $1), claimed_until = NULL, updated_at = $2
		WHERE id = $3 AND state = 'pending'`,
		now.Add(grace), now, id,
	)
	if err != nil {
		return fmt.Errorf("jobs: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// CancelPendingForPhone skips every pending job for a recipient, optionally
// narrowed by kind. Used by the opt-out sweep.
func (s *Store) CancelPendingForPhone(ctx context.Context, tenantID, phone, reason string, kind *Kind) (int64, error) {
	now := time.Now().UTC()
	var (
		tag pgconn.CommandTag
		err error
	)
	if kind != nil {
		tag, err = s.db.Exec(ctx, `
			UPDATE message_jobs SET state = 'skipped', last_error = $1, claimed_until = NULL, updated_at = $2
			WHERE tenant_id = $3 AND phone = $4 AND kind = $5 AND state = 'pending'`,
			reason, now, tenantID, phone, string(*kind),
		)
	} else {
		tag, err = s.db.Exec(ctx, `
			UPDATE message_jobs SET state = 'skipped', last_error = $1, claimed_until = NULL, updated_at = $2
			WHERE tenant_id = $3 AND phone = $4 AND state = 'pending'`,
			reason, now, tenantID, phone,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("jobs: cancel pending for phone: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTerminal deletes jobs that have been in a terminal state longer than
// the retention window. Returns the number of rows removed.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM message_jobs
		WHERE state IN ('sent', 'failed', 'canceled', 'skipped', 'permanently_failed') AND updated_at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobs: purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, query string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("jobs: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var result []Job
	for rows.Next() {
		var (
			j       Job
			kind    string
			state   string
			payload []byte
		)
		err := rows.Scan(
			&j.ID, &j.TenantID, &j.Phone, &kind, &j.RunAt, &payload,
			&state, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.BookingID,
			&j.ClaimedUntil, &j.CreatedAt, &j.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &j.Payload); err != nil {
				return nil, fmt.Errorf("jobs: unmarshal payload: %w", err)
			}
		}
		j.Kind = Kind(kind)
		j.State = State(state)
		result = append(result, j)
	}
	return result, rows.Err()
}
