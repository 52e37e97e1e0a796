package handler

import "net/http"

// EventBuffer reports the throttle event write buffer.
type EventBuffer interface {
	Depth() int
	Dropped() int64
}

// MetricsHandler serves a human-readable JSON runtime snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp.Handler and are separate from this endpoint.
type MetricsHandler struct {
	events       EventBuffer
	storageState func() string
}

func NewMetricsHandler(events EventBuffer, storageState func() string) *MetricsHandler {
	return &MetricsHandler{events: events, storageState: storageState}
}

// GetMetrics handles GET /api/v1/metrics
//
// @Summary  Event buffer and storage breaker snapshot
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	state := "closed"
	if h.storageState != nil {
		state = h.storageState()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"event_buffer": map[string]any{
			"depth":   h.events.Depth(),
			"dropped": h.events.Dropped(),
		},
		"storage_breaker": state,
	})
}
