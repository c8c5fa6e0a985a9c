package trinks

import (
	"encoding/json"
	"time"
)

// AppointmentStatus values the core cares about. Unknown statuses pass
// through untouched.
const (
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusCanceled  = "canceled"
)

// IsActive reports whether an appointment still counts for reminders and
// reconciliation. Unknown statuses (completed, blocked, whatever the
// calendar grows next) are inactive.
func IsActive(status string) bool {
	return status == StatusScheduled || status == StatusConfirmed
}

// Appointment is one calendar entry.
type Appointment struct {
	ID             string         `json:"id"`
	ServiceID      string         `json:"service_id"`
	Service        string         `json:"service"`
	ProfessionalID string         `json:"professional_id"`
	Professional   string         `json:"professional"`
	ClientName     string         `json:"client_name"`
	Phone          string         `json:"phone"`
	Start          time.Time      `json:"start"`
	Status         string         `json:"status"`
	Extra          map[string]any `json:"-"`
}

// UnmarshalJSON keeps fields this client does not model in Extra, so they
// survive round trips as the calendar API grows.
func (a *Appointment) UnmarshalJSON(data []byte) error {
	type appointment Appointment
	var known appointment
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*a = Appointment(known)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range []string{
		"id", "service_id", "service", "professional_id", "professional",
		"client_name", "phone", "start", "status",
	} {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil
	}
	a.Extra = make(map[string]any, len(raw))
	for key, val := range raw {
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		a.Extra[key] = v
	}
	return nil
}

// Slot is one bookable opening.
type Slot struct {
	Start          time.Time `json:"start"`
	ServiceID      string    `json:"service_id"`
	ProfessionalID string    `json:"professional_id"`
}

// AppointmentPage is one page of a listing.
type AppointmentPage struct {
	Items      []Appointment `json:"items"`
	TotalPages int           `json:"total_pages"`
}

// BookingRequest creates a new booking.
type BookingRequest struct {
	ClientName     string    `json:"client_name"`
	Phone          string    `json:"phone"`
	ServiceID      string    `json:"service_id"`
	ProfessionalID string    `json:"professional_id,omitempty"`
	Start          time.Time `json:"start"`
}

// Booking is the result of a create or rebook call.
type Booking struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	Status string    `json:"status"`
}
