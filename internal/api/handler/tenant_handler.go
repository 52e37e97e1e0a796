package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/send-throttle/internal/api/middleware"
	"github.com/notifyhub/send-throttle/internal/service"
)

// TenantHandler serves tier introspection and operator actions.
type TenantHandler struct {
	engine *service.Engine
	logger *zap.Logger
}

func NewTenantHandler(engine *service.Engine, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{engine: engine, logger: logger}
}

// GetTier handles GET /api/v1/tenants/{tenantID}/tier
//
// @Summary  Resolved rate-limit tier for a tenant
// @Tags     tenants
// @Produce  json
// @Param    tenantID  path      string  true  "Tenant ID"
// @Success  200       {object}  domain.Tier
// @Router   /api/v1/tenants/{tenantID}/tier [get]
func (h *TenantHandler) GetTier(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.GetTierForTenant(r.Context(), chi.URLParam(r, "tenantID")))
}

// InvalidateTier handles POST /api/v1/tenants/{tenantID}/tier/invalidate
//
// Called by the billing service after a plan change.
//
// @Summary  Drop the cached tier for a tenant
// @Tags     tenants
// @Param    tenantID  path  string  true  "Tenant ID"
// @Success  204
// @Router   /api/v1/tenants/{tenantID}/tier/invalidate [post]
func (h *TenantHandler) InvalidateTier(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.InvalidateTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /api/v1/tenants/{tenantID}/stats
//
// @Summary  Tier, bucket, sender and throttle-event snapshot
// @Tags     tenants
// @Produce  json
// @Param    tenantID  path      string  true  "Tenant ID"
// @Success  200       {object}  service.Stats
// @Router   /api/v1/tenants/{tenantID}/stats [get]
func (h *TenantHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetStats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.logger.Error("get stats failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ResumeSender handles POST /api/v1/tenants/{tenantID}/senders/{phone}/resume
//
// @Summary  Lift a sender pause immediately
// @Tags     senders
// @Produce  json
// @Success  200  {object}  domain.SenderStatus
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/tenants/{tenantID}/senders/{phone}/resume [post]
func (h *TenantHandler) ResumeSender(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.ResumeSender(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "phone"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type suspendRequest struct {
	Reason string `json:"reason"`
	// Until takes precedence over Duration.
	Until    *time.Time `json:"until,omitempty"`
	Duration string     `json:"duration,omitempty"`
}

// SuspendSender handles POST /api/v1/tenants/{tenantID}/senders/{phone}/suspend
//
// @Summary  Suspend a sender until a given time
// @Tags     senders
// @Accept   json
// @Produce  json
// @Param    body  body      suspendRequest  true  "Reason and end of suspension"
// @Success  200   {object}  domain.SenderStatus
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/tenants/{tenantID}/senders/{phone}/suspend [post]
func (h *TenantHandler) SuspendSender(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var until time.Time
	switch {
	case req.Until != nil:
		until = *req.Until
	case req.Duration != "":
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		until = time.Now().UTC().Add(d)
	default:
		respondError(w, http.StatusBadRequest, "until or duration is required")
		return
	}

	s, err := h.engine.SuspendSender(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "phone"), req.Reason, until)
	if err != nil {
		mapError(w, err)
		return
	}
	h.logger.Info("sender suspended via api",
		zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
		zap.String("tenant_id", s.TenantID),
		zap.String("phone", s.Phone),
	)
	respondJSON(w, http.StatusOK, s)
}
