// Package noshow implements the D-1 confirmation flow: a daily producer
// that enqueues the question, and the reply handler that walks the client
// through confirming or rebooking.
package noshow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingReply is the armed question state for one recipient. It exists
// from question delivery until the client answers or the TTL lapses.
type PendingReply struct {
	AppointmentID string    `json:"appointment_id"`
	Date          string    `json:"date"` // yyyy-mm-dd in tenant timezone
	AskedAt       time.Time `json:"asked_at"`
}

// SlotOffer is the numbered list of alternatives sent after a NO answer.
type SlotOffer struct {
	AppointmentID  string      `json:"appointment_id"`
	OriginalDate   string      `json:"original_date"`
	ServiceID      string      `json:"service_id"`
	ProfessionalID string      `json:"professional_id,omitempty"`
	Slots          []time.Time `json:"slots"`
}

// State keeps the conversational no-show state in redis. Pending questions
// live for 24h, slot offers for 1h.
type State struct {
	client     *redis.Client
	pendingTTL time.Duration
	offerTTL   time.Duration
}

// NewState creates the redis-backed conversation state.
func NewState(client *redis.Client) *State {
	return &State{client: client, pendingTTL: 24 * time.Hour, offerTTL: time.Hour}
}

// WithTTLs overrides the pending and offer TTLs.
func (s *State) WithTTLs(pending, offer time.Duration) *State {
	if pending > 0 {
		s.pendingTTL = pending
	}
	if offer > 0 {
		s.offerTTL = offer
	}
	return s
}

func pendingKey(tenantID, phone string) string {
	return fmt.Sprintf("noshow:pending:%s:%s", tenantID, phone)
}

func offerKey(tenantID, phone string) string {
	return fmt.Sprintf("noshow:offer:%s:%s", tenantID, phone)
}

// Set arms the reply window after the question was delivered.
func (s *State) Set(ctx context.Context, tenantID, phone, appointmentID, date string) error {
	data, err := json.Marshal(PendingReply{AppointmentID: appointmentID, Date: date, AskedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("noshow: marshal pending: %w", err)
	}
	if err := s.client.Set(ctx, pendingKey(tenantID, phone), data, s.pendingTTL).Err(); err != nil {
		return fmt.Errorf("noshow: set pending: %w", err)
	}
	return nil
}

// Pending returns the armed question for a recipient, or nil.
func (s *State) Pending(ctx context.Context, tenantID, phone string) (*PendingReply, error) {
	data, err := s.client.Get(ctx, pendingKey(tenantID, phone)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("noshow: get pending: %w", err)
	}
	var p PendingReply
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("noshow: unmarshal pending: %w", err)
	}
	return &p, nil
}

// ClearPending disarms the reply window.
func (s *State) ClearPending(ctx context.Context, tenantID, phone string) error {
	if err := s.client.Del(ctx, pendingKey(tenantID, phone)).Err(); err != nil {
		return fmt.Errorf("noshow: clear pending: %w", err)
	}
	return nil
}

// SaveOffer stores the numbered slot list sent after a NO answer.
func (s *State) SaveOffer(ctx context.Context, tenantID, phone string, offer SlotOffer) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("noshow: marshal offer: %w", err)
	}
	if err := s.client.Set(ctx, offerKey(tenantID, phone), data, s.offerTTL).Err(); err != nil {
		return fmt.Errorf("noshow: set offer: %w", err)
	}
	return nil
}

// Offer returns the stored slot list, or nil when none or expired.
func (s *State) Offer(ctx context.Context, tenantID, phone string) (*SlotOffer, error) {
	data, err := s.client.Get(ctx, offerKey(tenantID, phone)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("noshow: get offer: %w", err)
	}
	var o SlotOffer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("noshow: unmarshal offer: %w", err)
	}
	return &o, nil
}

// ClearOffer drops the stored slot list.
func (s *State) ClearOffer(ctx context.Context, tenantID, phone string) error {
	if err := s.client.Del(ctx, offerKey(tenantID, phone)).Err(); err != nil {
		return fmt.Errorf("noshow: clear offer: %w", err)
	}
	return nil
}
