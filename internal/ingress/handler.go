package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

// maxBodySize caps webhook bodies; Evolution events are small JSON.
const maxBodySize = 1 << 20

type tenantDirectory interface {
	GetByInstance(ctx context.Context, instance string) (*tenancy.Settings, error)
}

type eventClaimer interface {
	Claim(ctx context.Context, tenantID, eventID string) (bool, error)
}

// Handler is the webhook endpoint receiving gateway events.
type Handler struct {
	tenants  tenantDirectory
	events   eventClaimer
	pipeline *Pipeline
	token    string
	logger   *logging.Logger
}

// NewHandler creates the webhook handler. token, when non-empty, must match
// the apikey header on every request.
func NewHandler(tenants tenantDirectory, events eventClaimer, pipeline *Pipeline, token string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		tenants:  tenants,
		events:   events,
		pipeline: pipeline,
		token:    token,
		logger:   logger.Component("ingress"),
	}
}

// Routes mounts the webhook endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/evolution/{instance}", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.Header.Get("apikey")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid apikey"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		h.logger.Warn("webhook rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
		return
	}

	// Always ack our own messages and non-text events; the gateway retries
	// anything that is not a 2xx.
	if env.FromMe || env.Phone == "" || env.Text == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	instance := chi.URLParam(r, "instance")
	if instance == "" {
		instance = env.Instance
	}
	set, err := h.tenants.GetByInstance(r.Context(), instance)
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instance"})
			return
		}
		h.logger.Error("tenant lookup failed", "error", err, "instance", instance)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	if env.EventID != "" {
		first, err := h.events.Claim(r.Context(), set.TenantID, env.EventID)
		if err != nil {
			h.logger.Error("event claim failed", "error", err, "event_id", env.EventID)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			return
		}
		if !first {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	reply, err := h.pipeline.Process(r.Context(), *set, env)
	if err != nil {
		h.logger.Error("pipeline failed", "error", err,
			"tenant_id", set.TenantID, "event_id", env.EventID)
		// The event is claimed; retrying the webhook would be a no-op, so
		// ack it and rely on logs/metrics.
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}

	status := "handled"
	if reply == "" {
		status = "unhandled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
