package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailsink/webhookd/internal/domain"
)

// Store is the subscription store contract shared by every backend.
// Lookups return (nil, nil) for records that do not exist.
type Store interface {
	CreateWebhook(ctx context.Context, wh *domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context) ([]*domain.Webhook, error)

	// GetWebhooksForEvent returns the enabled webhooks subscribed to
	// eventType whose scope is global or equal to scopeKey.
	GetWebhooksForEvent(ctx context.Context, eventType, scopeKey string) ([]*domain.Webhook, error)

	UpdateWebhook(ctx context.Context, id string, patch domain.WebhookPatch) (*domain.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) (bool, error)

	// IncrementStats applies one terminal delivery outcome atomically:
	// total always increments, exactly one of successful/failed
	// increments, and the consecutive-failure streak resets or grows.
	// The updated stats are returned so callers can act on the streak.
	IncrementStats(ctx context.Context, id string, success bool) (*domain.DeliveryStats, error)

	Close() error
}

func GenerateSecret() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}

// prepareNew fills the server-assigned fields of a webhook being created.
func prepareNew(wh *domain.Webhook) error {
	if wh.ID == "" {
		wh.ID = "wh_" + uuid.NewString()
	}
	if wh.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		wh.Secret = secret
	}
	now := time.Now().UTC()
	wh.CreatedAt = now
	wh.UpdatedAt = now
	return nil
}

func subscribed(wh *domain.Webhook, eventType string) bool {
	for _, e := range wh.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

func applyPatch(wh *domain.Webhook, patch domain.WebhookPatch) {
	if patch.URL != nil {
		wh.URL = *patch.URL
	}
	if patch.Events != nil {
		wh.Events = append([]string(nil), (*patch.Events)...)
	}
	if patch.Enabled != nil {
		wh.Enabled = *patch.Enabled
	}
	if patch.Scope != nil {
		wh.Scope = *patch.Scope
	}
	if patch.Template != nil {
		wh.Template = patch.Template
	}
	if patch.Filter != nil {
		wh.Filter = patch.Filter
	}
	if patch.Secret != nil {
		wh.Secret = *patch.Secret
	}
	if patch.PreviousSecret != nil {
		wh.PreviousSecret = *patch.PreviousSecret
	}
	if patch.PreviousSecretExpiry != nil {
		wh.PreviousSecretExpiry = patch.PreviousSecretExpiry
	}
}

// cloneWebhook deep-copies a record so callers can never alias store
// internals.
func cloneWebhook(wh *domain.Webhook) *domain.Webhook {
	c := *wh
	c.Events = append([]string(nil), wh.Events...)
	if wh.Template != nil {
		t := *wh.Template
		c.Template = &t
	}
	if wh.Filter != nil {
		f := *wh.Filter
		f.Rules = append([]domain.FilterRule(nil), wh.Filter.Rules...)
		if wh.Filter.RequireAuth != nil {
			b := *wh.Filter.RequireAuth
			f.RequireAuth = &b
		}
		c.Filter = &f
	}
	if wh.PreviousSecretExpiry != nil {
		t := *wh.PreviousSecretExpiry
		c.PreviousSecretExpiry = &t
	}
	if wh.Stats.LastDeliveryAt != nil {
		t := *wh.Stats.LastDeliveryAt
		c.Stats.LastDeliveryAt = &t
	}
	return &c
}
