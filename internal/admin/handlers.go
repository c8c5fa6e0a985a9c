package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruanmelo/zapagenda/internal/audit"
	"github.com/ruanmelo/zapagenda/internal/catalog"
	"github.com/ruanmelo/zapagenda/internal/handoff"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
	"github.com/ruanmelo/zapagenda/pkg/phone"
)

type handoffStore interface {
	Enable(ctx context.Context, tenantID, phone, reason, openedBy string, expiresAt *time.Time) error
	Disable(ctx context.Context, tenantID, phone string) error
	ListActive(ctx context.Context, tenantID string) ([]handoff.Record, error)
}

type gateInvalidator interface {
	Invalidate(tenantID, phone string)
}

type optOutStore interface {
	ListByPhone(ctx context.Context, tenantID, phone string) ([]optout.Record, error)
	Release(ctx context.Context, tenantID, phone string, kind optout.Kind) error
}

type tenantStore interface {
	Get(ctx context.Context, tenantID string) (*tenancy.Settings, error)
	ListActive(ctx context.Context) ([]tenancy.Settings, error)
	Upsert(ctx context.Context, set *tenancy.Settings) error
}

type auditRunner interface {
	RunForTenant(ctx context.Context, set tenancy.Settings) (*audit.Report, error)
}

type serviceCatalog interface {
	Upsert(ctx context.Context, svc *catalog.Service) error
	ListActive(ctx context.Context, tenantID string) ([]catalog.Service, error)
	Deactivate(ctx context.Context, tenantID, name string) error
}

// Handlers is the operator API.
type Handlers struct {
	tenants  tenantStore
	handoffs handoffStore
	gate     gateInvalidator
	optouts  optOutStore
	auditor  auditRunner
	services serviceCatalog
	logger   *logging.Logger
}

// NewHandlers creates the operator API handlers.
func NewHandlers(tenants tenantStore, handoffs handoffStore, gate gateInvalidator, optouts optOutStore, auditor auditRunner, services serviceCatalog, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{
		tenants:  tenants,
		handoffs: handoffs,
		gate:     gate,
		optouts:  optouts,
		auditor:  auditor,
		services: services,
		logger:   logger.Component("admin"),
	}
}

// Routes mounts the operator API under the given router. Callers wrap it
// with Auth.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/tenants", h.listTenants)
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Put("/", h.upsertTenant)
		r.Get("/handoffs", h.listHandoffs)
		r.Post("/handoffs", h.enableHandoff)
		r.Delete("/handoffs/{phone}", h.disableHandoff)
		r.Get("/optouts/{phone}", h.listOptOuts)
		r.Delete("/optouts/{phone}", h.releaseOptOut)
		r.Post("/audit/run", h.runAudit)
		r.Get("/services", h.listServices)
		r.Post("/services", h.upsertService)
		r.Delete("/services/{name}", h.deactivateService)
	})
}

func (h *Handlers) listTenants(w http.ResponseWriter, r *http.Request) {
	sets, err := h.tenants.ListActive(r.Context())
	if err != nil {
		h.logger.Error("list tenants failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": sets})
}

func (h *Handlers) upsertTenant(w http.ResponseWriter, r *http.Request) {
	var set tenancy.Settings
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	set.TenantID = chi.URLParam(r, "tenantID")
	if set.Timezone != "" {
		if _, err := time.LoadLocation(set.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
	}
	if err := h.tenants.Upsert(r.Context(), &set); err != nil {
		h.logger.Error("tenant upsert failed", "error", err, "tenant_id", set.TenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	h.logger.Info("tenant upserted", "tenant_id", set.TenantID, "by", Subject(r.Context()))
	writeJSON(w, http.StatusOK, set)
}

type enableHandoffRequest struct {
	Phone      string `json:"phone"` // "*" pauses the whole tenant
	Reason     string `json:"reason"`
	TTLMinutes int    `json:"ttl_minutes"` // 0 = no expiry
}

func (h *Handlers) enableHandoff(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req enableHandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	recipient := req.Phone
	if recipient != handoff.GlobalPhone {
		recipient = phone.Normalize(recipient)
		if recipient == "" {
			writeError(w, http.StatusBadRequest, "invalid phone")
			return
		}
	}
	var expiresAt *time.Time
	if req.TTLMinutes > 0 {
		t := time.Now().UTC().Add(time.Duration(req.TTLMinutes) * time.Minute)
		expiresAt = &t
	}
	if err := h.handoffs.Enable(r.Context(), tenantID, recipient, req.Reason, Subject(r.Context()), expiresAt); err != nil {
		h.logger.Error("handoff enable failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	h.gate.Invalidate(tenantID, recipient)
	h.logger.Info("handoff enabled", "tenant_id", tenantID, "phone", recipient, "by", Subject(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled", "phone": recipient})
}

func (h *Handlers) disableHandoff(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	recipient := chi.URLParam(r, "phone")
	if recipient != handoff.GlobalPhone {
		recipient = phone.Normalize(recipient)
	}
	if err := h.handoffs.Disable(r.Context(), tenantID, recipient); err != nil {
		h.logger.Error("handoff disable failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	h.gate.Invalidate(tenantID, recipient)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "phone": recipient})
}

func (h *Handlers) listHandoffs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	records, err := h.handoffs.ListActive(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("handoff list failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handoffs": records})
}

func (h *Handlers) listOptOuts(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	recipient := phone.Normalize(chi.URLParam(r, "phone"))
	records, err := h.optouts.ListByPhone(r.Context(), tenantID, recipient)
	if err != nil {
		h.logger.Error("optout list failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"opt_outs": records})
}

func (h *Handlers) releaseOptOut(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	recipient := phone.Normalize(chi.URLParam(r, "phone"))
	if err := h.optouts.Release(r.Context(), tenantID, recipient, optout.KindAll); err != nil {
		h.logger.Error("optout release failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	h.logger.Info("opt-out released", "tenant_id", tenantID, "phone", recipient, "by", Subject(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *Handlers) runAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	set, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tenant")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	report, err := h.auditor.RunForTenant(r.Context(), *set)
	if err != nil {
		h.logger.Error("audit run failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if report == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "audit disabled"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) listServices(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	services, err := h.services.ListActive(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("service list failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

type upsertServiceRequest struct {
	ExternalID      string `json:"external_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handlers) upsertService(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req upsertServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "name and external_id are required")
		return
	}
	svc := &catalog.Service{
		TenantID:        tenantID,
		ExternalID:      req.ExternalID,
		Name:            req.Name,
		DurationMinutes: req.DurationMinutes,
		Active:          true,
	}
	if err := h.services.Upsert(r.Context(), svc); err != nil {
		h.logger.Error("service upsert failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	h.logger.Info("service upserted", "tenant_id", tenantID, "service", svc.NormalizedName, "by", Subject(r.Context()))
	writeJSON(w, http.StatusOK, svc)
}

func (h *Handlers) deactivateService(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	name := chi.URLParam(r, "name")
	if err := h.services.Deactivate(r.Context(), tenantID, name); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown service")
			return
		}
		h.logger.Error("service deactivate failed", "error", err, "tenant_id", tenantID)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
