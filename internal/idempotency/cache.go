// Package idempotency implements the key-value half of the dedup index: a
// TTL-scoped three-state machine that keeps two concurrent booking attempts
// with the same logical key from both reaching the calendar API.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status of an idempotency entry.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is the stored value for one idempotency key.
type Entry struct {
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrInProgress is returned by Begin when a non-expired in_progress entry
// exists: the caller must refuse to start a duplicate attempt.
var ErrInProgress = errors.New("idempotency: attempt already in progress")

// Cache stores idempotency entries in redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates an idempotency cache with a 30 minute default TTL.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: 30 * time.Minute}
}

// WithTTL overrides the entry TTL.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// BookingKey derives the idempotency key for a booking attempt:
// idem:{tenant}:{sha256(phone|serviceID|date|time)}.
func BookingKey(tenantID, phone, serviceID, date, timeOfDay string) string {
	sum := sha256.Sum256([]byte(phone + "|" + serviceID + "|" + date + "|" + timeOfDay))
	return fmt.Sprintf("idem:%s:%s", tenantID, hex.EncodeToString(sum[:]))
}

// Begin atomically claims the key. When an entry already exists it returns
// the entry: in_progress entries come back with ErrInProgress, completed or
// failed entries with a nil error so the caller can reuse the outcome.
func (c *Cache) Begin(ctx context.Context, key string) (*Entry, error) {
	now := time.Now().UTC()
	entry := Entry{Status: StatusInProgress, StartedAt: now, UpdatedAt: now}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("idempotency: marshal: %w", err)
	}

	ok, err := c.client.SetNX(ctx, key, data, c.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: setnx: %w", err)
	}
	if ok {
		return nil, nil
	}

	existing, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Entry expired between SetNX and Get; treat as claimed by retrying once.
		ok, err := c.client.SetNX(ctx, key, data, c.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("idempotency: setnx: %w", err)
		}
		if ok {
			return nil, nil
		}
		existing, err = c.Lookup(ctx, key)
		if err != nil || existing == nil {
			return nil, fmt.Errorf("idempotency: racing claim on %s", key)
		}
	}
	if existing.Status == StatusInProgress {
		return existing, ErrInProgress
	}
	return existing, nil
}

// Complete records a successful result. Only the holder that observed a
// clean Begin should call this.
func (c *Cache) Complete(ctx context.Context, key, result string) error {
	return c.write(ctx, key, Entry{Status: StatusCompleted, Result: result})
}

// Fail records a failed attempt so followers surface the same outcome.
func (c *Cache) Fail(ctx context.Context, key, reason string) error {
	return c.write(ctx, key, Entry{Status: StatusFailed, Error: reason})
}

// Lookup returns the entry for a key, or nil when absent or expired.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("idempotency: unmarshal: %w", err)
	}
	return &entry, nil
}

func (c *Cache) write(ctx context.Context, key string, entry Entry) error {
	now := time.Now().UTC()
	entry.UpdatedAt = now
	if entry.StartedAt.IsZero() {
		entry.StartedAt = now
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("idempotency: marshal: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}
