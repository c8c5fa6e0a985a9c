// Package trinks wraps the scheduling API that owns the appointment
// calendar. The core only reads appointments and slots and performs
// idempotent rebook/create calls; the calendar remains authoritative.
package trinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrConflict is returned when the calendar rejects a rebook/create because
// the slot is no longer available.
var ErrConflict = errors.New("trinks: slot conflict")

// Config controls how the client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client wraps the Trinks REST endpoints consumed by the core.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a configured Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("trinks: API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("trinks: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{apiKey: cfg.APIKey, baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// ListAppointments returns one page of appointments in [dateFrom, dateTo].
func (c *Client) ListAppointments(ctx context.Context, dateFrom, dateTo time.Time, page int) (*AppointmentPage, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("date_from", dateFrom.Format(time.DateOnly))
	q.Set("date_to", dateTo.Format(time.DateOnly))
	q.Set("page", strconv.Itoa(page))

	var out AppointmentPage
	if err := c.do(ctx, http.MethodGet, "/appointments?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	if out.TotalPages < 1 {
		out.TotalPages = 1
	}
	return &out, nil
}

// GetAppointment fetches one appointment by id.
func (c *Client) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	var out Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchSlots returns up to limit openings for (service, professional)
// starting at startingAt.
func (c *Client) SearchSlots(ctx context.Context, serviceID, professionalID string, startingAt time.Time, limit int) ([]Slot, error) {
	if limit <= 0 {
		limit = 3
	}
	q := url.Values{}
	q.Set("service_id", serviceID)
	if professionalID != "" {
		q.Set("professional_id", professionalID)
	}
	q.Set("starting_at", startingAt.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.do(ctx, http.MethodGet, "/slots?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

// Rebook moves an appointment to a new start. The idempotency key makes a
// repeated call with the same key a no-op on the server. A 409 maps to
// ErrConflict.
func (c *Client) Rebook(ctx context.Context, appointmentID string, newStart time.Time, serviceID, professionalID, idempotencyKey string) (*Booking, error) {
	body := map[string]any{
		"new_start":  newStart.Format(time.RFC3339),
		"service_id": serviceID,
	}
	if professionalID != "" {
		body["professional_id"] = professionalID
	}

	var out Booking
	err := c.do(ctx, http.MethodPost, "/appointments/"+url.PathEscape(appointmentID)+"/rebook", body, idempotencyKey, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &out, nil
}

// CreateBooking creates a new booking. The idempotency key is mandatory.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest, idempotencyKey string) (*Booking, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("trinks: idempotency key is required")
	}
	var out Booking
	err := c.do(ctx, http.MethodPost, "/bookings", req, idempotencyKey, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("trinks: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("trinks: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trinks: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("trinks: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
				apiErr.Message = strings.TrimSpace(string(data))
			}
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("trinks: decode response: %w", err)
		}
	}
	return nil
}

// APIError is a non-2xx calendar response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("trinks: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("trinks: http status %d", e.StatusCode)
}

// HTTPStatus implements the retry classifier's StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
