package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/send-throttle/internal/api/middleware"
	"github.com/notifyhub/send-throttle/internal/gate"
	"github.com/notifyhub/send-throttle/internal/service"
)

// ThrottleHandler serves the hot-path endpoints called by dispatch workers.
type ThrottleHandler struct {
	engine *service.Engine
	logger *zap.Logger
}

func NewThrottleHandler(engine *service.Engine, logger *zap.Logger) *ThrottleHandler {
	return &ThrottleHandler{engine: engine, logger: logger}
}

type checkRequest struct {
	TenantID    string `json:"tenant_id"`
	SenderPhone string `json:"sender_phone"`
	CampaignID  string `json:"campaign_id,omitempty"`
}

type decisionResponse struct {
	gate.Decision
	DelaySeconds float64 `json:"delay_seconds"`
}

// Check handles POST /api/v1/throttle/check
//
// A denied decision is still a 200: the worker must requeue the message
// after delay_seconds. Retry-After carries the same delay rounded up.
//
// @Summary  Decide whether one message may be sent now
// @Tags     throttle
// @Accept   json
// @Produce  json
// @Param    body  body      checkRequest  true  "Message identity"
// @Success  200   {object}  decisionResponse
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/throttle/check [post]
func (h *ThrottleHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := h.engine.CheckAndConsume(r.Context(), req.TenantID, req.SenderPhone, req.CampaignID)
	if err != nil {
		h.logger.Warn("throttle check failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.DelaySeconds()))))
	}
	respondJSON(w, http.StatusOK, decisionResponse{Decision: d, DelaySeconds: d.DelaySeconds()})
}

// RecordResult handles POST /api/v1/throttle/results
//
// @Summary  Report the outcome of a delivery attempt
// @Tags     throttle
// @Accept   json
// @Param    body  body  service.SendResult  true  "Delivery outcome"
// @Success  204
// @Failure  422  {object}  map[string]string
// @Router   /api/v1/throttle/results [post]
func (h *ThrottleHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	var res service.SendResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.engine.RecordSendResult(r.Context(), res); err != nil {
		h.logger.Warn("record send result failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type admissionRequest struct {
	TenantID    string `json:"tenant_id"`
	TargetCount int    `json:"target_count"`
}

// CampaignAdmission handles POST /api/v1/campaigns/admission
//
// @Summary  Check whether a campaign may start
// @Tags     campaigns
// @Accept   json
// @Produce  json
// @Param    body  body      admissionRequest  true  "Campaign size"
// @Success  200   {object}  campaign.Decision
// @Failure  409   {object}  map[string]string  "Concurrent campaign limit"
// @Failure  422   {object}  map[string]string  "Oversized or invalid target"
// @Router   /api/v1/campaigns/admission [post]
func (h *ThrottleHandler) CampaignAdmission(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := h.engine.CanStartCampaign(r.Context(), req.TenantID, req.TargetCount)
	if err != nil {
		mapError(w, err)
		return
	}
	if !d.CanStart {
		mapError(w, d.Err())
		return
	}
	respondJSON(w, http.StatusOK, d)
}
