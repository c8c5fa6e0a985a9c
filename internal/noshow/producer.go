package noshow

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

// Producer enqueues the D-1 confirmation question for tomorrow's
// appointments.
type Producer struct {
	calendar calendarClient
	store    enqueuer
	log      dedupIndex
	optouts  suppressionList
	logger   *logging.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

// NewProducer creates the no-show question producer.
func NewProducer(calendar calendarClient, store enqueuer, log dedupIndex, optouts suppressionList, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Producer{
		calendar: calendar,
		store:    store,
		log:      log,
		optouts:  optouts,
		logger:   logger.Component("noshow"),
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

// RunForTenant enqueues one question job per appointment scheduled for
// tomorrow in the tenant's timezone. Jobs run immediately; the questions
// go out as fast as the delivery worker drains them.
func (p *Producer) RunForTenant(ctx context.Context, set tenancy.Settings) error {
	if !set.NoShowEnabled {
		return nil
	}
	now := p.clock()
	loc := set.Location()
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	dayEnd := dayStart.AddDate(0, 0, 1)
	date := dayStart.Format(time.DateOnly)

	enqueued := 0
	for page := 1; ; page++ {
		res, err := p.calendar.ListAppointments(ctx, dayStart, dayEnd, page)
		if err != nil {
			p.metrics.ObserveProducerRun("noshow", "error")
			return fmt.Errorf("noshow: list page %d: %w", page, err)
		}
		for _, appt := range res.Items {
			ok, err := p.enqueueOne(ctx, set, loc, now, date, appt)
			if err != nil {
				p.logger.Error("enqueue failed", "error", err, "tenant_id", set.TenantID, "appointment_id", appt.ID)
				continue
			}
			if ok {
				enqueued++
			}
		}
		if page >= res.TotalPages {
			break
		}
	}

	p.metrics.ObserveProducerRun("noshow", "ok")
	p.logger.Info("noshow run finished", "tenant_id", set.TenantID, "date", date, "enqueued", enqueued)
	return nil
}

func (p *Producer) enqueueOne(ctx context.Context, set tenancy.Settings, loc *time.Location, now time.Time, date string, appt trinks.Appointment) (bool, error) {
	if !trinks.IsActive(appt.Status) {
		return false, nil
	}
	recipient := phone.Normalize(appt.Phone)
	if recipient == "" {
		return false, nil
	}
	local := appt.Start.In(loc)
	if local.Format(time.DateOnly) != date {
		return false, nil
	}

	key := notifications.NoShowQuestionKey(appt.ID, date)
	sent, err := p.log.HasSent(ctx, set.TenantID, key)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if sent {
		return false, nil
	}

	suppressed, err := p.optouts.IsSuppressed(ctx, set.TenantID, recipient, optout.KindNoShowCheck)
	if err != nil {
		return false, fmt.Errorf("opt-out check: %w", err)
	}
	if suppressed {
		return false, nil
	}

	_, err = p.store.Enqueue(ctx, jobs.Spec{
		TenantID:    set.TenantID,
		Phone:       recipient,
		Kind:        jobs.KindNoShowCheck,
		RunAt:       now,
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
