package domain

import (
	"time"
)

type Webhook struct {
	ID                   string          `json:"id"`
	URL                  string          `json:"url"`
	Events               []string        `json:"events"`
	Enabled              bool            `json:"enabled"`
	Secret               string          `json:"secret,omitempty"`
	PreviousSecret       string          `json:"previous_secret,omitempty"`
	PreviousSecretExpiry *time.Time      `json:"previous_secret_expiry,omitempty"`
	Scope                string          `json:"scope,omitempty"`
	Template             *TemplateConfig `json:"template,omitempty"`
	Filter               *FilterConfig   `json:"filter,omitempty"`
	Stats                DeliveryStats   `json:"stats"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Redacted returns a copy safe for read endpoints. Secrets are only ever
// returned by create and rotate.
func (w *Webhook) Redacted() *Webhook {
	c := *w
	c.Secret = ""
	c.PreviousSecret = ""
	return &c
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type DeliveryStats struct {
	Total               int64      `json:"total"`
	Successful          int64      `json:"successful"`
	Failed              int64      `json:"failed"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastDeliveryAt      *time.Time `json:"last_delivery_at,omitempty"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
}

type CreateWebhookRequest struct {
	URL      string          `json:"url"`
	Events   []string        `json:"events"`
	Scope    string          `json:"scope,omitempty"`
	Template *TemplateConfig `json:"template,omitempty"`
	Filter   *FilterConfig   `json:"filter,omitempty"`
}

type CreateWebhookResponse struct {
	Webhook  *Webhook `json:"webhook"`
	Warnings []string `json:"warnings,omitempty"`
}

type UpdateWebhookResponse struct {
	Webhook  *Webhook `json:"webhook"`
	Warnings []string `json:"warnings,omitempty"`
}

type WebhookPatch struct {
	URL                  *string         `json:"url,omitempty"`
	Events               *[]string       `json:"events,omitempty"`
	Enabled              *bool           `json:"enabled,omitempty"`
	Scope                *string         `json:"scope,omitempty"`
	Template             *TemplateConfig `json:"template,omitempty"`
	Filter               *FilterConfig   `json:"filter,omitempty"`
	Secret               *string         `json:"-"`
	PreviousSecret       *string         `json:"-"`
	PreviousSecretExpiry *time.Time      `json:"-"`
}
