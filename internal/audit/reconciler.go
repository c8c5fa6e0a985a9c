// Package audit reconciles the calendar against the notification log and
// reports divergences between what should have been sent and what was.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/observability/metrics"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
	"github.com/ruanmelo/zapagenda/pkg/phone"
)

// Divergence kinds.
const (
	MissingNotification = "missing_notification"
	OrphanNotification  = "orphan_notification"
	StatusMismatch      = "status_mismatch"
)

// Severity levels. Divergences on the most recent day are warnings because
// the daily producers may still converge; older ones will never self-heal.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Divergence is one inconsistency between calendar and log.
type Divergence struct {
	Kind          string `json:"kind"`
	Severity      string `json:"severity"`
	AppointmentID string `json:"appointment_id,omitempty"`
	DedupeKey     string `json:"dedupe_key,omitempty"`
	Detail        string `json:"detail"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	TenantID    string       `json:"tenant_id"`
	Day         string       `json:"day"`
	WindowDays  int          `json:"window_days"`
	Checked     int          `json:"checked"`
	Divergences []Divergence `json:"divergences"`
}

type calendarClient interface {
	ListAppointments(ctx context.Context, dateFrom, dateTo time.Time, page int) (*trinks.AppointmentPage, error)
}

type notificationLog interface {
	ListRange(ctx context.Context, tenantID string, from, to time.Time) ([]notifications.Entry, error)
	RecordSent(ctx context.Context, tenantID, dedupeKey string, kind notifications.Kind, phone string, payload map[string]any) (bool, error)
}

// Reconciler runs the daily audit for one tenant at a time.
type Reconciler struct {
	calendar calendarClient
	log      notificationLog
	logger   *logging.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

// New creates an audit reconciler.
func New(calendar calendarClient, log notificationLog, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		calendar: calendar,
		log:      log,
		logger:   logger.Component("audit"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches prometheus metrics.
func (r *Reconciler) WithMetrics(m *metrics.Metrics) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) withClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// RunForTenant reconciles the past AuditDays days and records the report in
// the notification log. The report key includes the day, so rerunning the
// same day is a no-op append and always safe.
func (r *Reconciler) RunForTenant(ctx context.Context, set tenancy.Settings) (*Report, error) {
	if !set.AuditEnabled {
		return nil, nil
	}
	days := set.AuditDays
	if days <= 0 {
		days = 7
	}
	now := r.clock()
	loc := set.Location()
	local := now.In(loc)
	todayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	windowStart := todayStart.AddDate(0, 0, -days)

	byID, err := r.collectAppointments(ctx, windowStart, todayStart)
	if err != nil {
		r.metrics.ObserveProducerRun("audit", "error")
		return nil, err
	}

	// Pre-visit records are written up to Lead before the visit, so read
	// the log from two days before the window.
	entries, err := r.log.ListRange(ctx, set.TenantID, windowStart.UTC().AddDate(0, 0, -2), now)
	if err != nil {
		r.metrics.ObserveProducerRun("audit", "error")
		return nil, fmt.Errorf("audit: list log: %w", err)
	}

	report := &Report{
		TenantID:   set.TenantID,
		Day:        todayStart.Format(time.DateOnly),
		WindowDays: days,
		Checked:    len(byID),
	}

	yesterday := todayStart.AddDate(0, 0, -1).Format(time.DateOnly)
	severity := func(date string) string {
		if date >= yesterday {
			return SeverityWarning
		}
		return SeverityCritical
	}

	recorded := map[string]notifications.Entry{}
	for _, e := range entries {
		recorded[e.DedupeKey] = e
	}

	// Appointments that should have produced a pre-visit record but did not.
	for id, appt := range byID {
		if !trinks.IsActive(appt.Status) || phone.Normalize(appt.Phone) == "" {
			continue
		}
		date := appt.Start.In(loc).Format(time.DateOnly)
		key := notifications.PreVisitKey(id, date)
		if _, ok := recorded[key]; ok {
			continue
		}
		d := Divergence{
			Kind:          MissingNotification,
			Severity:      severity(date),
			AppointmentID: id,
			DedupeKey:     key,
			Detail:        fmt.Sprintf("appointment %s on %s has no pre-visit record", id, date),
		}
		report.Divergences = append(report.Divergences, d)
		r.metrics.ObserveDivergence(MissingNotification)
	}

	// Records whose appointment vanished or went inactive after the send.
	for key := range recorded {
		kind, apptID, date, ok := parseAppointmentKey(key)
		if !ok {
			continue
		}
		appt, found := byID[apptID]
		switch {
		case !found:
			// Outside the listed window; skip dates we did not fetch.
			if date < windowStart.Format(time.DateOnly) || date >= todayStart.Format(time.DateOnly) {
				continue
			}
			report.Divergences = append(report.Divergences, Divergence{
				Kind:          OrphanNotification,
				Severity:      severity(date),
				AppointmentID: apptID,
				DedupeKey:     key,
				Detail:        fmt.Sprintf("record %s has no matching appointment", key),
			})
			r.metrics.ObserveDivergence(OrphanNotification)
		case !trinks.IsActive(appt.Status) && preSendKinds[kind]:
			// Answers and rebook records legitimately outlive the
			// appointment's active status; outbound sends do not.
			report.Divergences = append(report.Divergences, Divergence{
				Kind:          StatusMismatch,
				Severity:      severity(date),
				AppointmentID: apptID,
				DedupeKey:     key,
				Detail:        fmt.Sprintf("%s sent for appointment %s, now %s", kind, apptID, appt.Status),
			})
			r.metrics.ObserveDivergence(StatusMismatch)
		}
	}

	reportKey := notifications.AuditReportKey(report.Day, set.TenantID)
	if _, err := r.log.RecordSent(ctx, set.TenantID, reportKey, notifications.KindAudit, "", map[string]any{
		"day":         report.Day,
		"window_days": report.WindowDays,
		"checked":     report.Checked,
		"divergences": report.Divergences,
	}); err != nil {
		r.logger.Error("audit report record failed", "error", err, "tenant_id", set.TenantID)
	}

	r.metrics.ObserveProducerRun("audit", "ok")
	r.logger.Info("audit finished", "tenant_id", set.TenantID,
		"checked", report.Checked, "divergences", len(report.Divergences))
	return report, nil
}

func (r *Reconciler) collectAppointments(ctx context.Context, from, to time.Time) (map[string]trinks.Appointment, error) {
	byID := map[string]trinks.Appointment{}
	for page := 1; ; page++ {
		res, err := r.calendar.ListAppointments(ctx, from, to, page)
		if err != nil {
			return nil, fmt.Errorf("audit: list page %d: %w", page, err)
		}
		for _, appt := range res.Items {
			byID[appt.ID] = appt
		}
		if page >= res.TotalPages {
			break
		}
	}
	return byID, nil
}

// appointmentKinds are the dedupe-key prefixes scoped to one appointment
// and one date. preSendKinds is the subset written before the visit, where
// a later cancellation makes the record a mismatch.
var (
	appointmentKinds = []string{"previsit", "noshow_question", "noshow_yes", "noshow_no", "rebook"}
	preSendKinds     = map[string]bool{"previsit": true, "noshow_question": true}
)

func parseAppointmentKey(key string) (kind, apptID, date string, ok bool) {
	for _, k := range appointmentKinds {
		rest, found := strings.CutPrefix(key, k+":")
		if !found {
			continue
		}
		idx := strings.LastIndexByte(rest, ':')
		if idx <= 0 {
			return "", "", "", false
		}
		return k, rest[:idx], rest[idx+1:], true
	}
	return "", "", "", false
}
