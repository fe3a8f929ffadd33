package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailsink/webhookd/internal/domain"
	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/filter"
	"github.com/mailsink/webhookd/internal/store"
	"github.com/mailsink/webhookd/internal/template"
)

// rotationGrace is how long the previous secret keeps verifying after a
// rotation.
const rotationGrace = 24 * time.Hour

type WebhookHandler struct {
	store  store.Store
	engine *engine.Engine
}

func NewWebhookHandler(st store.Store, eng *engine.Engine) *WebhookHandler {
	return &WebhookHandler{store: st, engine: eng}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateURL(req.URL); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateEvents(req.Events); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := template.Validate(req.Template); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	warnings, err := filter.Validate(req.Filter)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wh := &domain.Webhook{
		URL:      req.URL,
		Events:   req.Events,
		Enabled:  true,
		Scope:    req.Scope,
		Template: req.Template,
		Filter:   req.Filter,
	}
	if err := h.store.CreateWebhook(r.Context(), wh); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	// The one response that carries the signing secret.
	respondJSON(w, http.StatusCreated, domain.CreateWebhookResponse{
		Webhook:  wh,
		Warnings: warnings,
	})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.store.ListWebhooks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	out := make([]*domain.Webhook, 0, len(webhooks))
	for _, wh := range webhooks {
		out = append(out, wh.Redacted())
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wh, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if wh == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}
	respondJSON(w, http.StatusOK, wh.Redacted())
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch domain.WebhookPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if patch.Events != nil {
		if err := validateEvents(*patch.Events); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := template.Validate(patch.Template); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	warnings, err := filter.Validate(patch.Filter)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wh, err := h.store.UpdateWebhook(r.Context(), id, patch)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if wh == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	if patch.Enabled != nil && !*patch.Enabled {
		h.engine.CancelRetries(id)
	}
	respondJSON(w, http.StatusOK, domain.UpdateWebhookResponse{
		Webhook:  wh.Redacted(),
		Warnings: warnings,
	})
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.store.DeleteWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	h.engine.CancelRetries(id)
	w.WriteHeader(http.StatusNoContent)
}

// Rotate issues a fresh signing secret. The old secret keeps verifying
// deliveries until the grace window closes, so receivers can switch over
// without a gap.
func (h *WebhookHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wh, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if wh == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	secret, err := store.GenerateSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	expiry := time.Now().UTC().Add(rotationGrace)

	updated, err := h.store.UpdateWebhook(r.Context(), id, domain.WebhookPatch{
		Secret:               &secret,
		PreviousSecret:       &wh.Secret,
		PreviousSecretExpiry: &expiry,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	if updated == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wh, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if wh == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	res := h.engine.TestDelivery(r.Context(), wh)
	respondJSON(w, http.StatusOK, res)
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be a valid http or https address")
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range events {
		if !domain.KnownEvent(e) {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}
