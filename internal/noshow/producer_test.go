package noshow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
)

type fakeCalendar struct {
	pages [][]trinks.Appointment

	fromSeen time.Time
	toSeen   time.Time
}

func (f *fakeCalendar) ListAppointments(_ context.Context, from, to time.Time, page int) (*trinks.AppointmentPage, error) {
	f.fromSeen, f.toSeen = from, to
	return &trinks.AppointmentPage{Items: f.pages[page-1], TotalPages: len(f.pages)}, nil
}

type fakeEnqueuer struct{ specs []jobs.Spec }

func (f *fakeEnqueuer) Enqueue(_ context.Context, spec jobs.Spec) (uuid.UUID, error) {
	f.specs = append(f.specs, spec)
	return uuid.New(), nil
}

type fakeDedup struct{ seen map[string]bool }

func (f *fakeDedup) HasSent(_ context.Context, _, key string) (bool, error) {
	return f.seen[key], nil
}

type fakeOptOuts struct{ phones map[string]bool }

func (f *fakeOptOuts) IsSuppressed(_ context.Context, _, phone string, _ optout.Kind) (bool, error) {
	return f.phones[phone], nil
}

// 18:00 in São Paulo on 2025-02-09
var producerNow = time.Date(2025, 2, 9, 21, 0, 0, 0, time.UTC)

func producerSettings() tenancy.Settings {
	return tenancy.Settings{
		TenantID:      "t1",
		Name:          "Studio Bella",
		Timezone:      "America/Sao_Paulo",
		NoShowEnabled: true,
		MaxAttempts:   3,
	}
}

func tomorrowAppt(id, hhmm string) trinks.Appointment {
	ts, _ := time.Parse(time.RFC3339, "2025-02-10T"+hhmm+":00-03:00")
	return trinks.Appointment{
		ID:      id,
		Service: "Corte",
		Phone:   "5511999990000",
		Start:   ts,
		Status:  trinks.StatusScheduled,
	}
}

func TestQuestionEnqueuedForTomorrow(t *testing.T) {
	cal := &fakeCalendar{pages: [][]trinks.Appointment{{tomorrowAppt("ap1", "14:00")}}}
	enq := &fakeEnqueuer{}
	p := NewProducer(cal, enq, &fakeDedup{seen: map[string]bool{}}, &fakeOptOuts{phones: map[string]bool{}}, nil).
		withClock(func() time.Time { return producerNow })

	require.NoError(t, p.RunForTenant(context.Background(), producerSettings()))

	require.Len(t, enq.specs, 1)
	spec := enq.specs[0]
	assert.Equal(t, jobs.KindNoShowCheck, spec.Kind)
	assert.Equal(t, producerNow, spec.RunAt, "questions go out immediately")
	assert.Equal(t, "2025-02-10", spec.Payload.Date)
	assert.Equal(t, "14:00", spec.Payload.Time)

	loc := producerSettings().Location()
	assert.Equal(t, "2025-02-10", cal.fromSeen.In(loc).Format(time.DateOnly))
	assert.Equal(t, "2025-02-11", cal.toSeen.In(loc).Format(time.DateOnly))
}

func TestQuestionSkipsDedupedSuppressedAndCanceled(t *testing.T) {
	asked := tomorrowAppt("ap1", "10:00")
	suppressed := tomorrowAppt("ap2", "11:00")
	suppressed.Phone = "5511888880000"
	canceled := tomorrowAppt("ap3", "12:00")
	canceled.Status = trinks.StatusCanceled
	cal := &fakeCalendar{pages: [][]trinks.Appointment{{asked, suppressed, canceled, tomorrowAppt("ap4", "13:00")}}}
	enq := &fakeEnqueuer{}
	dedup := &fakeDedup{seen: map[string]bool{"noshow_question:ap1:2025-02-10": true}}
	opt := &fakeOptOuts{phones: map[string]bool{"5511888880000": true}}
	p := NewProducer(cal, enq, dedup, opt, nil).withClock(func() time.Time { return producerNow })

	require.NoError(t, p.RunForTenant(context.Background(), producerSettings()))

	require.Len(t, enq.specs, 1)
	assert.Equal(t, "ap4", enq.specs[0].BookingID)
}

func TestQuestionSkipsInactiveStatuses(t *testing.T) {
	completed := tomorrowAppt("ap1", "10:00")
	completed.Status = "completed"
	confirmed := tomorrowAppt("ap2", "11:00")
	confirmed.Status = trinks.StatusConfirmed
	cal := &fakeCalendar{pages: [][]trinks.Appointment{{completed, confirmed}}}
	enq := &fakeEnqueuer{}
	p := NewProducer(cal, enq, &fakeDedup{seen: map[string]bool{}}, &fakeOptOuts{phones: map[string]bool{}}, nil).
		withClock(func() time.Time { return producerNow })

	require.NoError(t, p.RunForTenant(context.Background(), producerSettings()))

	require.Len(t, enq.specs, 1)
	assert.Equal(t, "ap2", enq.specs[0].BookingID)
}

func TestQuestionDisabledTenant(t *testing.T) {
	cal := &fakeCalendar{pages: [][]trinks.Appointment{{tomorrowAppt("ap1", "14:00")}}}
	enq := &fakeEnqueuer{}
	set := producerSettings()
	set.NoShowEnabled = false
	p := NewProducer(cal, enq, &fakeDedup{seen: map[string]bool{}}, &fakeOptOuts{phones: map[string]bool{}}, nil)

	require.NoError(t, p.RunForTenant(context.Background(), set))
	assert.Empty(t, enq.specs)
}
