package handler

import "net/http"

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	storageState func() string
}

// NewHealthHandler takes the storage breaker's state reporter; nil means
// the store has no breaker.
func NewHealthHandler(storageState func() string) *HealthHandler {
	return &HealthHandler{storageState: storageState}
}

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready
//
// Reports 503 while the storage breaker is open. The gate keeps answering
// under its failure policy, but a load balancer should prefer other nodes.
//
// @Summary  Readiness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := "closed"
	if h.storageState != nil {
		state = h.storageState()
	}
	status := http.StatusOK
	if state == "open" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"status": http.StatusText(status), "storage_breaker": state})
}
