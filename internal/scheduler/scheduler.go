// Package scheduler fires the daily per-tenant producers at each tenant's
// configured local hour.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

type tenantLister interface {
	ListActive(ctx context.Context) ([]tenancy.Settings, error)
}

// Job is one daily producer: Hour picks the tenant-local hour to fire at,
// Run does the work. Run errors are logged, not propagated; the next day's
// tick tries again.
type Job struct {
	Name string
	Hour func(set tenancy.Settings) int
	Run  func(ctx context.Context, set tenancy.Settings) error
}

// Scheduler ticks every interval and fires each registered job once per
// tenant-local day. Tenant settings and timezones are re-read on every
// tick, so changes apply without a restart and DST shifts just work.
type Scheduler struct {
	tenants  tenantLister
	jobs     []Job
	logger   *logging.Logger
	clock    func() time.Time
	interval time.Duration

	mu      sync.Mutex
	lastRun map[string]string // "tenant|job" -> local date already fired
}

// New creates a scheduler polling tenant settings once a minute.
func New(tenants tenantLister, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		tenants:  tenants,
		logger:   logger.Component("scheduler"),
		clock:    func() time.Time { return time.Now().UTC() },
		interval: time.Minute,
		lastRun:  make(map[string]string),
	}
}

// Register adds a daily job.
func (s *Scheduler) Register(job Job) *Scheduler {
	s.jobs = append(s.jobs, job)
	return s
}

// WithInterval overrides the tick interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Scheduler) withClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every job whose tenant-local hour has arrived and that has not
// run yet today. Exported for tests and the on-demand path.
func (s *Scheduler) Tick(ctx context.Context) {
	sets, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.logger.Error("tenant list failed", "error", err)
		return
	}
	now := s.clock()
	for _, set := range sets {
		local := now.In(set.Location())
		date := local.Format(time.DateOnly)
		for _, job := range s.jobs {
			if local.Hour() < job.Hour(set) {
				continue
			}
			if !s.claim(set.TenantID, job.Name, date) {
				continue
			}
			if err := job.Run(ctx, set); err != nil {
				s.logger.Error("daily job failed", "job", job.Name,
					"tenant_id", set.TenantID, "error", err)
				// Give the job another chance on the next tick.
				s.unclaim(set.TenantID, job.Name)
				continue
			}
			s.logger.Info("daily job finished", "job", job.Name,
				"tenant_id", set.TenantID, "date", date)
		}
	}
}

func (s *Scheduler) claim(tenantID, job, date string) bool {
	key := tenantID + "|" + job
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun[key] == date {
		return false
	}
	s.lastRun[key] = date
	return true
}

func (s *Scheduler) unclaim(tenantID, job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastRun, tenantID+"|"+job)
}
