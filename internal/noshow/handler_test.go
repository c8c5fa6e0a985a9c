package noshow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/idempotency"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
)

type fakeCalendarAPI struct {
	appt       *trinks.Appointment
	slots      []trinks.Slot
	rebook     *trinks.Booking
	rebErr     error
	rebooks    int
	lastKey    string
	searchFrom time.Time
}

func (f *fakeCalendarAPI) GetAppointment(_ context.Context, _ string) (*trinks.Appointment, error) {
	return f.appt, nil
}

func (f *fakeCalendarAPI) SearchSlots(_ context.Context, _, _ string, startingAt time.Time, _ int) ([]trinks.Slot, error) {
	f.searchFrom = startingAt
	return f.slots, nil
}

func (f *fakeCalendarAPI) Rebook(_ context.Context, _ string, _ time.Time, _, _, idempotencyKey string) (*trinks.Booking, error) {
	f.rebooks++
	f.lastKey = idempotencyKey
	if f.rebErr != nil {
		return nil, f.rebErr
	}
	return f.rebook, nil
}

type fakeRecorder struct{ keys []string }

func (f *fakeRecorder) RecordSent(_ context.Context, _, dedupeKey string, _ notifications.Kind, _ string, _ map[string]any) (bool, error) {
	f.keys = append(f.keys, dedupeKey)
	return true, nil
}

type handlerFixture struct {
	h   *Handler
	st  *State
	cal *fakeCalendarAPI
	rec *fakeRecorder
	mr  *miniredis.Miniredis
}

func newHandlerFixture(t *testing.T, cal *fakeCalendarAPI) *handlerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := NewState(client)
	rec := &fakeRecorder{}
	h := NewHandler(cal, st, rec, idempotency.NewCache(client), nil)
	return &handlerFixture{h: h, st: st, cal: cal, rec: rec, mr: mr}
}

func testSettings() tenancy.Settings {
	return tenancy.Settings{TenantID: "t1", Timezone: "America/Sao_Paulo"}
}

// slot at 14:00 São Paulo time on 2025-02-11
var offeredSlot = time.Date(2025, 2, 11, 17, 0, 0, 0, time.UTC)

func TestNoPendingIsNotHandled(t *testing.T) {
	fx := newHandlerFixture(t, &fakeCalendarAPI{})

	reply, handled, err := fx.h.Handle(context.Background(), testSettings(), "5511999990000", "oi")
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, reply)
}

func TestYesConfirms(t *testing.T) {
	fx := newHandlerFixture(t, &fakeCalendarAPI{})
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "Sim")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "confirmada")
	assert.Equal(t, []string{"noshow_yes:ap1:2025-02-10"}, fx.rec.keys)

	pending, err := fx.st.Pending(ctx, "t1", "p")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestYesKeywordVariantsConfirm(t *testing.T) {
	for _, text := range []string{"confirmo", "OK", "Presente"} {
		fx := newHandlerFixture(t, &fakeCalendarAPI{})
		ctx := context.Background()
		require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

		reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", text)
		require.NoError(t, err, text)
		assert.True(t, handled, text)
		assert.Contains(t, reply, "confirmada", text)
		assert.Equal(t, []string{"noshow_yes:ap1:2025-02-10"}, fx.rec.keys, text)
	}
}

func TestNoKeywordVariantsDecline(t *testing.T) {
	for _, text := range []string{"cancelar", "Remarcar"} {
		cal := &fakeCalendarAPI{
			appt:  &trinks.Appointment{ID: "ap1", ServiceID: "svc1", Start: offeredSlot.Add(-24 * time.Hour)},
			slots: []trinks.Slot{{Start: offeredSlot, ServiceID: "svc1"}},
		}
		fx := newHandlerFixture(t, cal)
		ctx := context.Background()
		require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

		reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", text)
		require.NoError(t, err, text)
		assert.True(t, handled, text)
		assert.Contains(t, reply, "horários", text)
		assert.Equal(t, []string{"noshow_no:ap1:2025-02-10"}, fx.rec.keys, text)
	}
}

func TestAccentedNoOffersSlots(t *testing.T) {
	cal := &fakeCalendarAPI{
		appt:  &trinks.Appointment{ID: "ap1", ServiceID: "svc1", ProfessionalID: "pr1", Start: offeredSlot.Add(-24 * time.Hour)},
		slots: []trinks.Slot{{Start: offeredSlot, ServiceID: "svc1", ProfessionalID: "pr1"}},
	}
	fx := newHandlerFixture(t, cal)
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "NÃO")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "1) 11/02/2025 às 14:00")
	assert.Equal(t, []string{"noshow_no:ap1:2025-02-10"}, fx.rec.keys)

	offer, err := fx.st.Offer(ctx, "t1", "p")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "svc1", offer.ServiceID)
	assert.Equal(t, "2025-02-10", offer.OriginalDate)

	// Alternatives are searched from midnight after the declined
	// appointment (2025-02-10 14:00 São Paulo), never the same day.
	sp, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 11, 0, 0, 0, 0, sp), cal.searchFrom)
}

func TestNoWithoutSlotsFallsBack(t *testing.T) {
	cal := &fakeCalendarAPI{appt: &trinks.Appointment{ID: "ap1", ServiceID: "svc1"}}
	fx := newHandlerFixture(t, cal)
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "nao")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "equipe")

	pending, err := fx.st.Pending(ctx, "t1", "p")
	require.NoError(t, err)
	assert.Nil(t, pending, "conversation ends on fallback")
}

func TestPickRebooksOnce(t *testing.T) {
	cal := &fakeCalendarAPI{rebook: &trinks.Booking{ID: "bk2", Start: offeredSlot}}
	fx := newHandlerFixture(t, cal)
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))
	require.NoError(t, fx.st.SaveOffer(ctx, "t1", "p", SlotOffer{
		AppointmentID: "ap1", OriginalDate: "2025-02-10", ServiceID: "svc1",
		Slots: []time.Time{offeredSlot},
	}))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "1")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "remarcado")
	assert.Contains(t, reply, "14:00")
	assert.Equal(t, 1, cal.rebooks)
	assert.Equal(t, idempotency.BookingKey("t1", "p", "svc1", "2025-02-11", "14:00"), cal.lastKey)
	assert.Contains(t, fx.rec.keys, "rebook:ap1:2025-02-10")

	pending, err := fx.st.Pending(ctx, "t1", "p")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestRepeatedPickReusesOutcome(t *testing.T) {
	cal := &fakeCalendarAPI{rebook: &trinks.Booking{ID: "bk2", Start: offeredSlot}}
	fx := newHandlerFixture(t, cal)
	ctx := context.Background()
	offer := SlotOffer{AppointmentID: "ap1", OriginalDate: "2025-02-10", ServiceID: "svc1", Slots: []time.Time{offeredSlot}}
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))
	require.NoError(t, fx.st.SaveOffer(ctx, "t1", "p", offer))

	_, _, err := fx.h.Handle(ctx, testSettings(), "p", "1")
	require.NoError(t, err)

	// same pick again while the idempotency entry is still warm
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))
	require.NoError(t, fx.st.SaveOffer(ctx, "t1", "p", offer))
	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "1")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "remarcado")
	assert.Equal(t, 1, cal.rebooks, "calendar sees exactly one rebook")
}

func TestPickConflictFallsBack(t *testing.T) {
	cal := &fakeCalendarAPI{rebErr: trinks.ErrConflict}
	fx := newHandlerFixture(t, cal)
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))
	require.NoError(t, fx.st.SaveOffer(ctx, "t1", "p", SlotOffer{
		AppointmentID: "ap1", OriginalDate: "2025-02-10", ServiceID: "svc1",
		Slots: []time.Time{offeredSlot},
	}))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "1")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "equipe")
}

type downGuard struct{}

func (downGuard) Begin(context.Context, string) (*idempotency.Entry, error) {
	return nil, errors.New("idempotency: dial tcp: connection refused")
}

func (downGuard) Complete(context.Context, string, string) error {
	return errors.New("idempotency: dial tcp: connection refused")
}

func (downGuard) Fail(context.Context, string, string) error {
	return errors.New("idempotency: dial tcp: connection refused")
}

func TestPickRebooksWhenGuardUnavailable(t *testing.T) {
	cal := &fakeCalendarAPI{rebook: &trinks.Booking{ID: "bk2", Start: offeredSlot}}
	fx := newHandlerFixture(t, cal)
	h := NewHandler(cal, fx.st, fx.rec, downGuard{}, nil)
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))
	require.NoError(t, fx.st.SaveOffer(ctx, "t1", "p", SlotOffer{
		AppointmentID: "ap1", OriginalDate: "2025-02-10", ServiceID: "svc1",
		Slots: []time.Time{offeredSlot},
	}))

	reply, handled, err := h.Handle(ctx, testSettings(), "p", "1")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "remarcado")
	assert.Equal(t, 1, cal.rebooks, "booking proceeds without the cache")
	assert.Contains(t, fx.rec.keys, "rebook:ap1:2025-02-10")
}

func TestPickWithoutOfferDisambiguates(t *testing.T) {
	fx := newHandlerFixture(t, &fakeCalendarAPI{})
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "2")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "não entendi")
}

func TestGibberishDisambiguates(t *testing.T) {
	fx := newHandlerFixture(t, &fakeCalendarAPI{})
	ctx := context.Background()
	require.NoError(t, fx.st.Set(ctx, "t1", "p", "ap1", "2025-02-10"))

	reply, handled, err := fx.h.Handle(ctx, testSettings(), "p", "talvez")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, reply, "não entendi")
}
