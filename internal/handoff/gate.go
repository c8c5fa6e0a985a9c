package handoff

import (
	"context"
	"sync"
	"time"
)

type reader interface {
	Get(ctx context.Context, tenantID, phone string) (*Record, error)
}

// Gate answers "is outbound traffic to this recipient paused" with a short
// in-process memo so the delivery worker does not hit the store for every
// job in a batch. Memo entries live for at most 30 seconds.
type Gate struct {
	store reader
	ttl   time.Duration
	clock func() time.Time

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	active  bool
	expires time.Time
}

// NewGate creates a gate over the handoff store.
func NewGate(store reader) *Gate {
	return &Gate{
		store: store,
		ttl:   30 * time.Second,
		clock: func() time.Time { return time.Now().UTC() },
		memo:  make(map[string]memoEntry),
	}
}

// WithTTL overrides the memo lifetime (capped at 30 s).
func (g *Gate) WithTTL(ttl time.Duration) *Gate {
	if ttl > 0 && ttl <= 30*time.Second {
		g.ttl = ttl
	}
	return g
}

func (g *Gate) withClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Active reports whether a handoff pauses sends to (tenant, phone): either
// a recipient-specific record or the tenant-wide one.
func (g *Gate) Active(ctx context.Context, tenantID, phone string) (bool, error) {
	global, err := g.lookup(ctx, tenantID, GlobalPhone)
	if err != nil {
		return false, err
	}
	if global {
		return true, nil
	}
	return g.lookup(ctx, tenantID, phone)
}

// Invalidate drops the memo for a recipient, used after admin mutations so
// changes take effect immediately on the next send.
func (g *Gate) Invalidate(tenantID, phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.memo, tenantID+"|"+phone)
	delete(g.memo, tenantID+"|"+GlobalPhone)
}

func (g *Gate) lookup(ctx context.Context, tenantID, phone string) (bool, error) {
	key := tenantID + "|" + phone
	now := g.clock()

	g.mu.Lock()
	if entry, ok := g.memo[key]; ok && now.Before(entry.expires) {
		g.mu.Unlock()
		return entry.active, nil
	}
	g.mu.Unlock()

	record, err := g.store.Get(ctx, tenantID, phone)
	if err != nil {
		return false, err
	}
	active := record != nil && record.Active(now)

	g.mu.Lock()
	g.memo[key] = memoEntry{active: active, expires: now.Add(g.ttl)}
	g.mu.Unlock()
	return active, nil
}
