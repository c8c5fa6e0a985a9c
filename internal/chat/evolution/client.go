// Package evolution wraps the Evolution API endpoints used to send WhatsApp
// text messages through a tenant's instance.
package evolution

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

const defaultUserAgent = "zapagenda-messaging/0.1"

// Config controls how the Evolution client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the Evolution REST endpoints relevant to outbound dispatch.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("evolution: API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("evolution: base URL is required")
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
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// SendTextRequest is the body of a sendText call.
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"` // milliseconds of typing simulation
}

// SendTextResponse is the subset of the gateway response the core needs.
type SendTextResponse struct {
	MessageID string `json:"id"`
	Status    string `json:"status"`
}

// SendText posts a text message through the given instance. Any non-2xx
// status is returned as an *APIError.
func (c *Client) SendText(ctx context.Context, instance string, req SendTextRequest) (*SendTextResponse, error) {
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("evolution: instance is required")
	}
	if strings.TrimSpace(req.Number) == "" || strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("evolution: number and text are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("evolution: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, url.PathEscape(instance))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("evolution: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("evolution: send text: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("evolution: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp, data)
	}

	var parsed SendTextResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			c.logger.Warn("evolution: unparseable success body", "error", err)
		}
	}
	if parsed.Status == "" {
		parsed.Status = "sent"
	}
	return &parsed, nil
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	After      time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("evolution: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("evolution: http status %d", e.StatusCode)
}

// HTTPStatus implements the retry classifier's StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfter reports the server-requested delay, zero when absent.
func (e *APIError) RetryAfter() time.Duration { return e.After }

func decodeAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if len(body) > 0 {
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
			apiErr.After = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
