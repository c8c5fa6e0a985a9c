package noshow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ruanmelo/zapagenda/internal/calendar/trinks"
	"github.com/ruanmelo/zapagenda/internal/idempotency"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/render"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

// slotLimit is how many alternatives a NO answer offers.
const slotLimit = 3

// Answer keyword sets, matched after accent stripping.
var (
	yesAnswers = map[string]struct{}{
		"sim": {}, "s": {}, "confirmo": {}, "ok": {}, "presente": {},
	}
	noAnswers = map[string]struct{}{
		"nao": {}, "n": {}, "cancelar": {}, "remarcar": {},
	}
)

type calendarAPI interface {
	GetAppointment(ctx context.Context, id string) (*trinks.Appointment, error)
	SearchSlots(ctx context.Context, serviceID, professionalID string, startingAt time.Time, limit int) ([]trinks.Slot, error)
	Rebook(ctx context.Context, appointmentID string, newStart time.Time, serviceID, professionalID, idempotencyKey string) (*trinks.Booking, error)
}

type replyState interface {
	Pending(ctx context.Context, tenantID, phone string) (*PendingReply, error)
	ClearPending(ctx context.Context, tenantID, phone string) error
	SaveOffer(ctx context.Context, tenantID, phone string, offer SlotOffer) error
	Offer(ctx context.Context, tenantID, phone string) (*SlotOffer, error)
	ClearOffer(ctx context.Context, tenantID, phone string) error
}

type answerRecorder interface {
	RecordSent(ctx context.Context, tenantID, dedupeKey string, kind notifications.Kind, phone string, payload map[string]any) (bool, error)
}

type bookingGuard interface {
	Begin(ctx context.Context, key string) (*idempotency.Entry, error)
	Complete(ctx context.Context, key, result string) error
	Fail(ctx context.Context, key, reason string) error
}

// Handler resolves inbound replies to an armed no-show question.
type Handler struct {
	calendar calendarAPI
	state    replyState
	log      answerRecorder
	guard    bookingGuard
	logger   *logging.Logger
}

// NewHandler creates the reply handler.
func NewHandler(calendar calendarAPI, state replyState, log answerRecorder, guard bookingGuard, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		calendar: calendar,
		state:    state,
		log:      log,
		guard:    guard,
		logger:   logger.Component("noshow"),
	}
}

// Handle processes one inbound message. It returns handled=false when the
// recipient has no armed question, in which case the caller continues down
// the ingress pipeline.
func (h *Handler) Handle(ctx context.Context, set tenancy.Settings, phone, text string) (string, bool, error) {
	pending, err := h.state.Pending(ctx, set.TenantID, phone)
	if err != nil {
		return "", false, fmt.Errorf("noshow: pending lookup: %w", err)
	}
	if pending == nil {
		return "", false, nil
	}

	norm := optout.Normalize(text)
	if _, yes := yesAnswers[norm]; yes {
		return h.confirm(ctx, set, phone, pending)
	}
	if _, no := noAnswers[norm]; no {
		return h.declineAndOffer(ctx, set, phone, pending)
	}
	if choice, err := strconv.Atoi(norm); err == nil {
		return h.pick(ctx, set, phone, pending, choice)
	}
	return render.Disambiguation(), true, nil
}

func (h *Handler) confirm(ctx context.Context, set tenancy.Settings, phone string, pending *PendingReply) (string, bool, error) {
	key := notifications.NoShowYesKey(pending.AppointmentID, pending.Date)
	if _, err := h.log.RecordSent(ctx, set.TenantID, key, notifications.KindNoShowYes, phone, map[string]any{
		"appointment_id": pending.AppointmentID,
		"date":           pending.Date,
		"answer":         "yes",
	}); err != nil {
		return "", true, fmt.Errorf("noshow: record yes: %w", err)
	}
	if err := h.state.ClearPending(ctx, set.TenantID, phone); err != nil {
		h.logger.Warn("clear pending failed", "error", err, "phone", phone)
	}
	return render.ConfirmAck(), true, nil
}

func (h *Handler) declineAndOffer(ctx context.Context, set tenancy.Settings, phone string, pending *PendingReply) (string, bool, error) {
	key := notifications.NoShowNoKey(pending.AppointmentID, pending.Date)
	if _, err := h.log.RecordSent(ctx, set.TenantID, key, notifications.KindNoShowNo, phone, map[string]any{
		"appointment_id": pending.AppointmentID,
		"date":           pending.Date,
		"answer":         "no",
	}); err != nil {
		return "", true, fmt.Errorf("noshow: record no: %w", err)
	}

	appt, err := h.calendar.GetAppointment(ctx, pending.AppointmentID)
	if err != nil {
		return "", true, fmt.Errorf("noshow: get appointment: %w", err)
	}
	// Alternatives start the day after the declined appointment, not the
	// same afternoon.
	apptLocal := appt.Start.In(set.Location())
	searchFrom := time.Date(apptLocal.Year(), apptLocal.Month(), apptLocal.Day(), 0, 0, 0, 0, set.Location()).AddDate(0, 0, 1)
	slots, err := h.calendar.SearchSlots(ctx, appt.ServiceID, appt.ProfessionalID, searchFrom, slotLimit)
	if err != nil {
		return "", true, fmt.Errorf("noshow: search slots: %w", err)
	}
	if len(slots) == 0 {
		h.clearAll(ctx, set.TenantID, phone)
		return render.RebookFallback(), true, nil
	}

	offer := SlotOffer{
		AppointmentID:  pending.AppointmentID,
		OriginalDate:   pending.Date,
		ServiceID:      appt.ServiceID,
		ProfessionalID: appt.ProfessionalID,
	}
	for _, s := range slots {
		offer.Slots = append(offer.Slots, s.Start)
	}
	if err := h.state.SaveOffer(ctx, set.TenantID, phone, offer); err != nil {
		return "", true, fmt.Errorf("noshow: save offer: %w", err)
	}
	return render.SlotList(offer.Slots, set.Location()), true, nil
}

func (h *Handler) pick(ctx context.Context, set tenancy.Settings, phone string, pending *PendingReply, choice int) (string, bool, error) {
	offer, err := h.state.Offer(ctx, set.TenantID, phone)
	if err != nil {
		return "", true, fmt.Errorf("noshow: offer lookup: %w", err)
	}
	if offer == nil || choice < 1 || choice > len(offer.Slots) {
		return render.Disambiguation(), true, nil
	}

	slot := offer.Slots[choice-1]
	local := slot.In(set.Location())
	date := local.Format(time.DateOnly)
	timeOfDay := local.Format("15:04")

	idemKey := idempotency.BookingKey(set.TenantID, phone, offer.ServiceID, date, timeOfDay)
	entry, err := h.guard.Begin(ctx, idemKey)
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			// A duplicate tap on the same option; the first attempt answers.
			return "", true, nil
		}
		// Cache unavailable: the booking must still happen. The calendar's
		// idempotency key keeps a duplicate attempt from double-booking.
		h.logger.Warn("idempotency begin failed, proceeding", "error", err, "phone", phone)
		entry = nil
	}
	if entry != nil {
		if entry.Status == idempotency.StatusCompleted {
			h.clearAll(ctx, set.TenantID, phone)
			return render.RebookAck(date, timeOfDay), true, nil
		}
		return render.RebookFallback(), true, nil
	}

	booking, err := h.calendar.Rebook(ctx, offer.AppointmentID, slot, offer.ServiceID, offer.ProfessionalID, idemKey)
	if err != nil {
		reason := err.Error()
		if ferr := h.guard.Fail(ctx, idemKey, reason); ferr != nil {
			h.logger.Warn("idempotency fail write failed", "error", ferr)
		}
		if errors.Is(err, trinks.ErrConflict) {
			// Slot got taken between the offer and the pick.
			h.clearAll(ctx, set.TenantID, phone)
			return render.RebookFallback(), true, nil
		}
		return "", true, fmt.Errorf("noshow: rebook: %w", err)
	}

	if err := h.guard.Complete(ctx, idemKey, booking.ID); err != nil {
		h.logger.Warn("idempotency complete write failed", "error", err)
	}
	rebookKey := notifications.RebookKey(offer.AppointmentID, offer.OriginalDate)
	if _, err := h.log.RecordSent(ctx, set.TenantID, rebookKey, notifications.KindRebook, phone, map[string]any{
		"appointment_id": offer.AppointmentID,
		"booking_id":     booking.ID,
		"original_date":  offer.OriginalDate,
		"new_start":      slot.UTC().Format(time.RFC3339),
	}); err != nil {
		h.logger.Error("rebook record failed", "error", err, "dedupe_key", rebookKey)
	}

	h.clearAll(ctx, set.TenantID, phone)
	return render.RebookAck(date, timeOfDay), true, nil
}

func (h *Handler) clearAll(ctx context.Context, tenantID, phone string) {
	if err := h.state.ClearOffer(ctx, tenantID, phone); err != nil {
		h.logger.Warn("clear offer failed", "error", err, "phone", phone)
	}
	if err := h.state.ClearPending(ctx, tenantID, phone); err != nil {
		h.logger.Warn("clear pending failed", "error", err, "phone", phone)
	}
}
