package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mailsink/webhookd/internal/dispatch"
	"github.com/mailsink/webhookd/internal/domain"
	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/filter"
	"github.com/mailsink/webhookd/internal/store"
)

func setupTestAPI(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := store.NewMemory()
	eng := engine.NewEngine(st, nil, engine.Config{}, logger)
	eval := filter.NewEvaluator(false, nil, logger)
	disp := dispatch.New(st, eng, eval, true, dispatch.DefaultLimits(), logger)

	server := httptest.NewServer(NewRouter(st, eng, disp, nil, "memory"))
	t.Cleanup(server.Close)
	return server, st
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func createViaAPI(t *testing.T, server *httptest.Server, req domain.CreateWebhookRequest) domain.CreateWebhookResponse {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, server.URL+"/api/v1/webhooks", req)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	var out domain.CreateWebhookResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	return out
}

func TestAPI_CreateWebhook(t *testing.T) {
	server, _ := setupTestAPI(t)

	out := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{domain.EventEmailReceived},
	})

	if !strings.HasPrefix(out.Webhook.ID, "wh_") {
		t.Errorf("expected wh_ id, got %q", out.Webhook.ID)
	}
	if !strings.HasPrefix(out.Webhook.Secret, "whsec_") {
		t.Errorf("create must return the secret, got %q", out.Webhook.Secret)
	}
	if !out.Webhook.Enabled {
		t.Error("new webhooks should start enabled")
	}
	if len(out.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", out.Warnings)
	}
}

func TestAPI_CreateWebhook_BodyFilterWarns(t *testing.T) {
	server, _ := setupTestAPI(t)

	out := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{domain.EventEmailReceived},
		Filter: &domain.FilterConfig{
			Rules: []domain.FilterRule{
				{Field: "body.text", Operator: domain.OpContains, Value: "invoice"},
			},
		},
	})

	if len(out.Warnings) == 0 {
		t.Error("expected a warning for body-field filtering")
	}
}

func TestAPI_CreateWebhook_Validation(t *testing.T) {
	server, _ := setupTestAPI(t)

	tests := []struct {
		name string
		req  domain.CreateWebhookRequest
	}{
		{"missing url", domain.CreateWebhookRequest{
			Events: []string{domain.EventEmailReceived},
		}},
		{"bad scheme", domain.CreateWebhookRequest{
			URL: "ftp://example.com/hook", Events: []string{domain.EventEmailReceived},
		}},
		{"no events", domain.CreateWebhookRequest{
			URL: "https://example.com/hook",
		}},
		{"unknown event", domain.CreateWebhookRequest{
			URL: "https://example.com/hook", Events: []string{"email.vaporized"},
		}},
		{"bad filter operator", domain.CreateWebhookRequest{
			URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
			Filter: &domain.FilterConfig{Rules: []domain.FilterRule{
				{Field: "subject", Operator: "matches", Value: "x"},
			}},
		}},
		{"invalid template", domain.CreateWebhookRequest{
			URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
			Template: &domain.TemplateConfig{Name: "custom", Body: `{"broken": {{type}}`},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodPost, server.URL+"/api/v1/webhooks", tt.req)
			if status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", status, body)
			}
		})
	}
}

func TestAPI_GetWebhook_RedactsSecret(t *testing.T) {
	server, _ := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{domain.EventEmailReceived},
	})

	status, body := doJSON(t, http.MethodGet, server.URL+"/api/v1/webhooks/"+created.Webhook.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if strings.Contains(string(body), created.Webhook.Secret) {
		t.Error("read endpoint must not leak the secret")
	}

	status, _ = doJSON(t, http.MethodGet, server.URL+"/api/v1/webhooks/wh_nope", nil)
	if status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", status)
	}
}

func TestAPI_ListWebhooks(t *testing.T) {
	server, _ := setupTestAPI(t)
	createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/a", Events: []string{domain.EventEmailReceived},
	})
	createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/b", Events: []string{domain.EventEmailDeleted},
	})

	status, body := doJSON(t, http.MethodGet, server.URL+"/api/v1/webhooks", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var list []domain.Webhook
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 webhooks, got %d", len(list))
	}
	for _, wh := range list {
		if wh.Secret != "" {
			t.Errorf("list must redact secrets, got %q for %s", wh.Secret, wh.ID)
		}
	}
}

func TestAPI_PatchWebhook(t *testing.T) {
	server, st := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
	})

	status, body := doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/"+created.Webhook.ID,
		map[string]any{"url": "https://example.com/v2", "enabled": false})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var updated domain.UpdateWebhookResponse
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("failed to decode patch response: %v", err)
	}
	if updated.Webhook.URL != "https://example.com/v2" {
		t.Errorf("expected updated URL, got %q", updated.Webhook.URL)
	}
	if updated.Webhook.Enabled {
		t.Error("expected webhook disabled")
	}

	// Filter warnings surface on update just like on create.
	status, body = doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/"+created.Webhook.ID,
		map[string]any{"filter": map[string]any{"rules": []map[string]any{
			{"field": "body.text", "operator": "contains", "value": "invoice"},
		}}})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var warned domain.UpdateWebhookResponse
	if err := json.Unmarshal(body, &warned); err != nil {
		t.Fatalf("failed to decode patch response: %v", err)
	}
	if len(warned.Warnings) == 0 {
		t.Error("expected a warning for a body-field filter rule")
	}

	// The patch body cannot smuggle a secret change.
	doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/"+created.Webhook.ID,
		map[string]any{"secret": "whsec_attacker"})
	stored, _ := st.GetWebhook(context.Background(), created.Webhook.ID)
	if stored.Secret != created.Webhook.Secret {
		t.Error("secret must not be settable through PATCH")
	}

	status, _ = doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/"+created.Webhook.ID,
		map[string]any{"url": "ftp://bad"})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid patch URL, got %d", status)
	}

	status, _ = doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/wh_nope",
		map[string]any{"enabled": true})
	if status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", status)
	}
}

func TestAPI_DeleteWebhook(t *testing.T) {
	server, _ := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
	})
	url := server.URL + "/api/v1/webhooks/" + created.Webhook.ID

	status, _ := doJSON(t, http.MethodDelete, url, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	status, _ = doJSON(t, http.MethodDelete, url, nil)
	if status != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", status)
	}
	status, _ = doJSON(t, http.MethodGet, url, nil)
	if status != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", status)
	}
}

func TestAPI_RotateSecret(t *testing.T) {
	server, _ := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
	})

	status, body := doJSON(t, http.MethodPost,
		server.URL+"/api/v1/webhooks/"+created.Webhook.ID+"/rotate", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	var rotated domain.Webhook
	if err := json.Unmarshal(body, &rotated); err != nil {
		t.Fatalf("failed to decode rotate response: %v", err)
	}
	if rotated.Secret == "" || rotated.Secret == created.Webhook.Secret {
		t.Errorf("expected a fresh secret, got %q", rotated.Secret)
	}
	if rotated.PreviousSecret != created.Webhook.Secret {
		t.Error("expected old secret preserved as previous")
	}
	if rotated.PreviousSecretExpiry == nil {
		t.Fatal("expected a grace expiry on the previous secret")
	}
	grace := time.Until(*rotated.PreviousSecretExpiry)
	if grace < 23*time.Hour || grace > 25*time.Hour {
		t.Errorf("expected ~24h grace window, got %v", grace)
	}

	// Reads after rotation still redact both secrets.
	_, getBody := doJSON(t, http.MethodGet, server.URL+"/api/v1/webhooks/"+created.Webhook.ID, nil)
	if strings.Contains(string(getBody), rotated.Secret) ||
		strings.Contains(string(getBody), created.Webhook.Secret) {
		t.Error("read endpoint must not leak rotated secrets")
	}
}

func TestAPI_TestDeliveryEndpoint(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer receiver.Close()

	server, st := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: receiver.URL, Events: []string{domain.EventEmailReceived},
	})

	status, body := doJSON(t, http.MethodPost,
		server.URL+"/api/v1/webhooks/"+created.Webhook.ID+"/test", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var res engine.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("failed to decode test result: %v", err)
	}
	if !res.Success {
		t.Errorf("expected test delivery success, got error %q", res.Error)
	}
	if !strings.HasPrefix(res.DeliveryID, "dlv_") {
		t.Errorf("expected dlv_ delivery id, got %q", res.DeliveryID)
	}

	stored, _ := st.GetWebhook(context.Background(), created.Webhook.ID)
	if stored.Stats.Total != 0 {
		t.Errorf("test deliveries must not touch stats, got total=%d", stored.Stats.Total)
	}
}

func TestAPI_Health(t *testing.T) {
	server, _ := setupTestAPI(t)

	status, body := doJSON(t, http.MethodGet, server.URL+"/api/v1/health", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if resp.Status != "healthy" || resp.Backend != "memory" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestAPI_Metrics(t *testing.T) {
	server, _ := setupTestAPI(t)
	created := createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/hook", Events: []string{domain.EventEmailReceived},
	})
	doJSON(t, http.MethodPatch, server.URL+"/api/v1/webhooks/"+created.Webhook.ID,
		map[string]any{"enabled": false})
	createViaAPI(t, server, domain.CreateWebhookRequest{
		URL: "https://example.com/other", Events: []string{domain.EventEmailStored},
	})

	status, body := doJSON(t, http.MethodGet, server.URL+"/api/v1/metrics", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp metricsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if resp.WebhooksTotal != 2 || resp.WebhooksEnabled != 1 {
		t.Errorf("expected total=2 enabled=1, got total=%d enabled=%d",
			resp.WebhooksTotal, resp.WebhooksEnabled)
	}
}
