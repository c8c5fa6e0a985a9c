package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what the scheduled message is for.
type Kind string

const (
	KindPreVisit    Kind = "pre_visit"
	KindNoShowCheck Kind = "no_show_check"
)

// State is the lifecycle state of a message job. The terminal states
// (sent, canceled, skipped, permanently_failed) are absorbing.
type State string

const (
	StatePending           State = "pending"
	StateSent              State = "sent"
	StateFailed            State = "failed"
	StateCanceled          State = "canceled"
	StateSkipped           State = "skipped"
	StatePermanentlyFailed State = "permanently_failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSent, StateFailed, StateCanceled, StateSkipped, StatePermanentlyFailed:
		return true
	}
	return false
}

// Payload carries everything needed to render the outbound message.
type Payload struct {
	AppointmentID   string `json:"appointment_id"`
	Service         string `json:"service"`
	Professional    string `json:"professional,omitempty"`
	Date            string `json:"date"` // yyyy-mm-dd in tenant timezone
	Time            string `json:"time"` // HH:MM in tenant timezone
	BusinessName    string `json:"business_name,omitempty"`
	BusinessAddress string `json:"business_address,omitempty"`
}

// Job is one scheduled outbound message.
type Job struct {
	ID           uuid.UUID
	TenantID     string
	Phone        string // E.164
	Kind         Kind
	RunAt        time.Time
	Payload      Payload
	State        State
	Attempts     int
	MaxAttempts  int
	LastError    *string
	BookingID    string
	ClaimedUntil *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Spec is the input to Enqueue.
type Spec struct {
	TenantID    string
	Phone       string
	Kind        Kind
	RunAt       time.Time
	Payload     Payload
	BookingID   string
	MaxAttempts int
}
