// Package previsit enqueues the reminder sent roughly a day before each
// appointment.
package previsit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/observability/metrics"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
	"github.com/ruanmelo/zapagenda/pkg/phone"
)

// Lead is how far before the appointment the reminder goes out.
const Lead = 32 * time.Hour

// The producer scans the window [now+24h, now+40h) so that one daily run
// centered on Lead tolerates up to 8h of scheduler drift either way.
const (
	windowMin = 24 * time.Hour
	windowMax = 40 * time.Hour
)

type calendarClient interface {
	ListAppointments(ctx context.Context, dateFrom, dateTo time.Time, page int) (*trinks.AppointmentPage, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, spec jobs.Spec) (uuid.UUID, error)
}

type dedupIndex interface {
	HasSent(ctx context.Context, tenantID, dedupeKey string) (bool, error)
}

type suppressionList interface {
	IsSuppressed(ctx context.Context, tenantID, phone string, kind optout.Kind) (bool, error)
}

// Producer enqueues pre-visit reminder jobs for upcoming appointments.
type Producer struct {
	calendar calendarClient
	store    enqueuer
	log      dedupIndex
	optouts  suppressionList
	logger   *logging.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

// New creates a pre-visit producer.
func New(calendar calendarClient, store enqueuer, log dedupIndex, optouts suppressionList, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Producer{
		calendar: calendar,
		store:    store,
		log:      log,
		optouts:  optouts,
		logger:   logger.Component("previsit"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches prometheus metrics.
func (p *Producer) WithMetrics(m *metrics.Metrics) *Producer {
	p.metrics = m
	return p
}

func (p *Producer) withClock(clock func() time.Time) *Producer {
	p.clock = clock
	return p
}

// RunForTenant scans the calendar window for one tenant and enqueues one
// reminder job per eligible appointment. A page fetch failure aborts the
// run; jobs already enqueued stay, and the next run converges because the
// dedup index and the pending-unique constraint make enqueueing idempotent.
func (p *Producer) RunForTenant(ctx context.Context, set tenancy.Settings) error {
	if !set.PreVisitEnabled {
		return nil
	}
	now := p.clock()
	loc := set.Location()
	from := now.Add(windowMin)
	to := now.Add(windowMax)

	enqueued, skipped := 0, 0
	for page := 1; ; page++ {
		res, err := p.calendar.ListAppointments(ctx, from, to, page)
		if err != nil {
			p.metrics.ObserveProducerRun("previsit", "error")
			return fmt.Errorf("previsit: list page %d: %w", page, err)
		}
		for _, appt := range res.Items {
			ok, err := p.enqueueOne(ctx, set, loc, now, appt)
			if err != nil {
				p.logger.Error("enqueue failed", "error", err, "tenant_id", set.TenantID, "appointment_id", appt.ID)
				continue
			}
			if ok {
				enqueued++
			} else {
				skipped++
			}
		}
		if page >= res.TotalPages {
			break
		}
	}

	p.metrics.ObserveProducerRun("previsit", "ok")
	p.logger.Info("previsit run finished",
		"tenant_id", set.TenantID, "enqueued", enqueued, "skipped", skipped)
	return nil
}

func (p *Producer) enqueueOne(ctx context.Context, set tenancy.Settings, loc *time.Location, now time.Time, appt trinks.Appointment) (bool, error) {
	if !trinks.IsActive(appt.Status) {
		return false, nil
	}
	recipient := phone.Normalize(appt.Phone)
	if recipient == "" {
		return false, nil
	}
	start := appt.Start
	if start.Sub(now) < windowMin || start.Sub(now) >= windowMax {
		return false, nil
	}

	local := start.In(loc)
	date := local.Format(time.DateOnly)

	key := notifications.PreVisitKey(appt.ID, date)
	sent, err := p.log.HasSent(ctx, set.TenantID, key)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if sent {
		return false, nil
	}

	suppressed, err := p.optouts.IsSuppressed(ctx, set.TenantID, recipient, optout.KindPreVisit)
	if err != nil {
		return false, fmt.Errorf("opt-out check: %w", err)
	}
	if suppressed {
		return false, nil
	}

	runAt := start.Add(-Lead).UTC()
	if runAt.Before(now) {
		runAt = now
	}

	_, err = p.store.Enqueue(ctx, jobs.Spec{
		TenantID:    set.TenantID,
		Phone:       recipient,
		Kind:        jobs.KindPreVisit,
		RunAt:       runAt,
		BookingID:   appt.ID,
		MaxAttempts: set.MaxAttempts,
		Payload: jobs.Payload{
			AppointmentID: appt.ID,
			Service:       appt.Service,
			Professional:  appt.Professional,
			Date:          date,
			Time:          local.Format("15:04"),
			BusinessName:  set.Name,
		},
	})
	if errors.Is(err, jobs.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}
