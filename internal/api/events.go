package api

import (
	"encoding/json"
	"net/http"

	"github.com/mailsink/webhookd/internal/dispatch"
	"github.com/mailsink/webhookd/internal/domain"
)

// EventHandler accepts domain events from the mail pipeline and fans them
// out to subscribed webhooks.
type EventHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewEventHandler(d *dispatch.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: d}
}

type ingestEventRequest struct {
	Type    string                 `json:"type"`
	Mailbox string                 `json:"mailbox,omitempty"`
	Message *domain.InboundMessage `json:"message,omitempty"`
}

type ingestEventResponse struct {
	Accepted   bool `json:"accepted"`
	Deliveries int  `json:"deliveries"`
}

// Ingest validates the event and launches deliveries without waiting for
// them; the response reports how many were started.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !domain.KnownEvent(req.Type) {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	scope := req.Mailbox
	if scope == "" && req.Message != nil {
		scope = req.Message.Mailbox
	}

	launched := h.dispatcher.Dispatch(r.Context(), req.Type, req.Message, scope)
	respondJSON(w, http.StatusAccepted, ingestEventResponse{
		Accepted:   true,
		Deliveries: launched,
	})
}
