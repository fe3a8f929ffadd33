package template

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/mailsink/webhookd/internal/domain"
)

func testEnvelope() *domain.Envelope {
	return domain.NewEnvelope(domain.EventEmailReceived, &domain.MessagePayload{
		MessageID: "msg-1",
		Mailbox:   "inbox-7f3a",
		From:      &domain.Address{Name: "Alice", Address: "alice@example.com"},
		To:        []domain.Address{{Address: "inbox-7f3a@sandbox.test"}},
		Subject:   "Hi",
	})
}

func TestTransform_Default(t *testing.T) {
	env := testEnvelope()

	for _, cfg := range []*domain.TemplateConfig{nil, {Name: domain.TemplateDefault}} {
		payload, contentType, err := Transform(env, cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if contentType != "application/json" {
			t.Errorf("content type = %q, want application/json", contentType)
		}

		var got map[string]any
		if err := json.Unmarshal([]byte(payload), &got); err != nil {
			t.Fatalf("payload is not valid JSON: %v", err)
		}
		if got["id"] != env.ID || got["object"] != "event" || got["type"] != domain.EventEmailReceived {
			t.Errorf("envelope fields missing or wrong: %v", got)
		}
		data, ok := got["data"].(map[string]any)
		if !ok || data["subject"] != "Hi" {
			t.Errorf("data not serialized verbatim: %v", got["data"])
		}
	}
}

func TestTransform_CustomBody(t *testing.T) {
	env := testEnvelope()
	cfg := &domain.TemplateConfig{Body: `{"s":"{{data.subject}}"}`}

	payload, _, err := Transform(env, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload != `{"s":"Hi"}` {
		t.Errorf("payload = %s, want {\"s\":\"Hi\"}", payload)
	}
}

func TestTransform_MissingPathIsEmpty(t *testing.T) {
	payload, _, err := Transform(testEnvelope(), &domain.TemplateConfig{Body: `{"s":"{{data.nope.deeper}}"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload != `{"s":""}` {
		t.Errorf("missing path should resolve to empty string, got %s", payload)
	}
}

func TestTransform_ObjectSerializesToJSON(t *testing.T) {
	payload, _, err := Transform(testEnvelope(), &domain.TemplateConfig{Body: `{"f":"{{data.from}}"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		F string `json:"f"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	var from domain.Address
	if err := json.Unmarshal([]byte(out.F), &from); err != nil {
		t.Fatalf("embedded object is not JSON: %v", err)
	}
	if from.Address != "alice@example.com" {
		t.Errorf("embedded object lost data: %+v", from)
	}
}

func TestTransform_EscapesValues(t *testing.T) {
	env := domain.NewEnvelope(domain.EventEmailReceived, &domain.MessagePayload{
		Subject: `He said "hi" and left a	tab`,
	})
	payload, _, err := Transform(env, &domain.TemplateConfig{Body: `{"s":"{{data.subject}}"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		S string `json:"s"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("quotes broke the JSON: %v", err)
	}
	if out.S != `He said "hi" and left a	tab` {
		t.Errorf("round-trip mangled the value: %q", out.S)
	}
}

func TestTransform_NumbersAndTimestamp(t *testing.T) {
	env := testEnvelope()
	payload, _, err := Transform(env, &domain.TemplateConfig{Body: `{"c":"{{created}}","ts":"{{timestamp}}"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		C  string `json:"c"`
		TS string `json:"ts"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if out.C != strconv.FormatInt(env.Created, 10) {
		t.Errorf("created rendered as %q", out.C)
	}
	if !strings.HasSuffix(out.TS, "Z") || !strings.HasPrefix(out.TS, "20") {
		t.Errorf("timestamp not ISO-8601: %q", out.TS)
	}
}

func TestTransform_Builtins(t *testing.T) {
	for name := range builtins {
		payload, contentType, err := Transform(testEnvelope(), &domain.TemplateConfig{Name: name})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if contentType != "application/json" {
			t.Errorf("%s: content type = %q", name, contentType)
		}
		if !json.Valid([]byte(payload)) {
			t.Errorf("%s: built-in produced invalid JSON: %s", name, payload)
		}
		if !strings.Contains(payload, "Hi") {
			t.Errorf("%s: subject missing from payload: %s", name, payload)
		}
	}
}

func TestTransform_ContentTypeOverride(t *testing.T) {
	_, contentType, err := Transform(testEnvelope(), &domain.TemplateConfig{
		Body:        `{"ok":true}`,
		ContentType: "application/vnd.custom+json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contentType != "application/vnd.custom+json" {
		t.Errorf("content type override ignored: %q", contentType)
	}
}

func TestTransform_Errors(t *testing.T) {
	env := testEnvelope()

	if _, _, err := Transform(env, &domain.TemplateConfig{Name: "unknown-format"}); err == nil {
		t.Error("unknown built-in name should error")
	}
	if _, _, err := Transform(env, &domain.TemplateConfig{Body: strings.Repeat("a", domain.MaxTemplateBodyLen+1)}); err == nil {
		t.Error("oversized body should error")
	}
	// Placeholder outside string context renders invalid JSON.
	if _, _, err := Transform(env, &domain.TemplateConfig{Body: `{"n": {{data.subject}}}`}); err == nil {
		t.Error("invalid rendered JSON should error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *domain.TemplateConfig
		wantErr bool
	}{
		{"nil", nil, false},
		{"default", &domain.TemplateConfig{Name: domain.TemplateDefault}, false},
		{"builtin", &domain.TemplateConfig{Name: "slack"}, false},
		{"unknown builtin", &domain.TemplateConfig{Name: "teams"}, true},
		{"valid custom", &domain.TemplateConfig{Body: `{"s":"{{data.subject}}"}`}, false},
		{"broken json", &domain.TemplateConfig{Body: `{"s":"{{data.subject}}"`}, true},
		{"placeholder outside string", &domain.TemplateConfig{Body: `{"n": {{data.size}}}`}, true},
		{"too long", &domain.TemplateConfig{Body: strings.Repeat("x", domain.MaxTemplateBodyLen+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
