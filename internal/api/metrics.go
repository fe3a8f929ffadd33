package api

import (
	"net/http"

	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/store"
	ws "github.com/mailsink/webhookd/internal/websocket"
)

type MetricsHandler struct {
	store  store.Store
	engine *engine.Engine
	hub    *ws.Hub
}

func NewMetricsHandler(st store.Store, eng *engine.Engine, hub *ws.Hub) *MetricsHandler {
	return &MetricsHandler{store: st, engine: eng, hub: hub}
}

type metricsResponse struct {
	WebhooksTotal    int            `json:"webhooks_total"`
	WebhooksEnabled  int            `json:"webhooks_enabled"`
	QueueDepth       int            `json:"queue_depth"`
	ActiveDeliveries int            `json:"active_deliveries"`
	PendingRetries   map[string]int `json:"pending_retries,omitempty"`
	WebSocketClients int            `json:"websocket_clients"`
}

// Metrics reports webhook counts alongside the engine's live queue and
// concurrency state.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.store.ListWebhooks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	enabled := 0
	for _, wh := range webhooks {
		if wh.Enabled {
			enabled++
		}
	}

	snap := h.engine.Snapshot()
	resp := metricsResponse{
		WebhooksTotal:    len(webhooks),
		WebhooksEnabled:  enabled,
		QueueDepth:       snap.QueueDepth,
		ActiveDeliveries: snap.ActiveDeliveries,
		PendingRetries:   snap.PendingRetries,
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}
