package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailsink/webhookd/internal/domain"
	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/filter"
	"github.com/mailsink/webhookd/internal/store"
)

// Dispatcher turns domain events into webhook deliveries: it normalizes
// the payload, asks the store for subscribed webhooks, prunes them through
// the filter evaluator, and hands survivors to the delivery engine without
// waiting for the outcome.
type Dispatcher struct {
	store   store.Store
	engine  *engine.Engine
	filters *filter.Evaluator
	logger  *slog.Logger
	enabled bool
	limits  Limits
}

func New(st store.Store, eng *engine.Engine, filters *filter.Evaluator, enabled bool, lim Limits, logger *slog.Logger) *Dispatcher {
	def := DefaultLimits()
	if lim.MaxHeaders <= 0 {
		lim.MaxHeaders = def.MaxHeaders
	}
	if lim.MaxHeaderValueLen <= 0 {
		lim.MaxHeaderValueLen = def.MaxHeaderValueLen
	}
	return &Dispatcher{
		store:   st,
		engine:  eng,
		filters: filters,
		logger:  logger,
		enabled: enabled,
		limits:  lim,
	}
}

// Dispatch fans one event out to every matching webhook and returns how
// many deliveries were launched. Deliveries run in their own goroutines;
// their failures are logged by the engine and never reach the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, msg *domain.InboundMessage, scopeKey string) int {
	if !d.enabled {
		return 0
	}
	if !domain.KnownEvent(eventType) {
		d.logger.Warn("dropping event of unknown type", "event_type", eventType)
		return 0
	}

	candidates, err := d.store.GetWebhooksForEvent(ctx, eventType, scopeKey)
	if err != nil {
		d.logger.Error("failed to look up webhooks for event",
			"event_type", eventType, "scope", scopeKey, "error", err)
		return 0
	}
	if len(candidates) == 0 {
		return 0
	}

	env := domain.NewEnvelope(eventType, d.payloadFor(eventType, msg, scopeKey))

	launched := 0
	for _, wh := range candidates {
		if !d.filters.Matches(env, wh.Filter) {
			d.logger.Debug("event filtered out",
				"webhook_id", wh.ID, "event_id", env.ID)
			continue
		}
		launched++
		// Deliveries outlive the ingest request that triggered them.
		go d.deliver(context.WithoutCancel(ctx), wh, env)
	}

	if launched > 0 {
		d.logger.Info("event dispatched",
			"event_id", env.ID,
			"event_type", eventType,
			"deliveries", launched,
		)
	}
	return launched
}

func (d *Dispatcher) deliver(ctx context.Context, wh *domain.Webhook, env *domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in delivery goroutine",
				"webhook_id", wh.ID,
				"event_id", env.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	d.engine.Deliver(ctx, wh, env)
}

// payloadFor reduces the inbound message to the payload shape for the
// event type. Stored and deleted events carry slim summaries; received
// events get the full normalized message.
func (d *Dispatcher) payloadFor(eventType string, msg *domain.InboundMessage, scopeKey string) any {
	mailbox := scopeKey
	if msg != nil && msg.Mailbox != "" {
		mailbox = msg.Mailbox
	}

	switch eventType {
	case domain.EventEmailStored:
		p := &domain.StoredPayload{Mailbox: mailbox}
		if msg != nil {
			p.MessageID = msg.MessageID
			p.From = normalizeAddress(msg.From)
			p.Subject = msg.Subject
			p.Size = msg.Size
		}
		return p
	case domain.EventEmailDeleted:
		p := &domain.DeletedPayload{Mailbox: mailbox}
		if msg != nil {
			p.MessageID = msg.MessageID
		}
		return p
	default:
		return NormalizeMessage(msg, mailbox, d.limits)
	}
}
