package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailsink/webhookd/internal/domain"
)

// retryEntry is one queued redelivery. attempt is the attempt about to be
// made. Entries live in process memory only: a restart loses them.
type retryEntry struct {
	webhook    *domain.Webhook
	envelope   *domain.Envelope
	attempt    int
	eligibleAt time.Time
}

var retryDelays = []time.Duration{
	0,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	4 * time.Hour,
}

// retryDelay returns the wait before the given attempt number, clamped to
// the last rung for attempts beyond the table.
func retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}

// enqueueRetry queues a redelivery. A webhook over its pending cap drops
// the entry; a full queue evicts the oldest entry to stay bounded.
func (e *Engine) enqueueRetry(wh *domain.Webhook, env *domain.Envelope, attempt int, eligibleAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingBySub[wh.ID] >= e.cfg.MaxPendingPerWebhook {
		e.logger.Warn("retry dropped: webhook pending limit reached",
			"webhook_id", wh.ID,
			"event_id", env.ID,
			"pending", e.pendingBySub[wh.ID],
		)
		return
	}

	if len(e.queue) >= e.cfg.QueueCapacity {
		oldest := e.queue[0]
		e.queue = e.queue[1:]
		e.decPending(oldest.webhook.ID)
		e.logger.Warn("retry queue full: evicted oldest entry",
			"webhook_id", oldest.webhook.ID,
			"event_id", oldest.envelope.ID,
		)
	}

	e.queue = append(e.queue, &retryEntry{
		webhook:    wh,
		envelope:   env,
		attempt:    attempt,
		eligibleAt: eligibleAt,
	})
	e.pendingBySub[wh.ID]++
}

// CancelRetries drops every queued retry for a webhook and returns how
// many were removed. Called when a webhook is deleted, disabled, or
// auto-disabled.
func (e *Engine) CancelRetries(webhookID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.queue[:0]
	removed := 0
	for _, entry := range e.queue {
		if entry.webhook.ID == webhookID {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = kept
	if removed > 0 {
		delete(e.pendingBySub, webhookID)
	}
	return removed
}

// ProcessRetryQueue runs one sweep: pull out the entries that are due and
// redeliver them concurrently. Each redelivery re-fetches the current
// webhook record so deletes, disables, and secret rotations between
// attempts take effect.
func (e *Engine) ProcessRetryQueue(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	var due []*retryEntry
	kept := e.queue[:0]
	for _, entry := range e.queue {
		if entry.eligibleAt.After(now) {
			kept = append(kept, entry)
			continue
		}
		due = append(due, entry)
		e.decPending(entry.webhook.ID)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = kept
	e.mu.Unlock()

	if len(due) == 0 {
		return
	}
	e.logger.Debug("processing retry queue", "due", len(due))

	var wg sync.WaitGroup
	for _, entry := range due {
		wg.Add(1)
		go func(entry *retryEntry) {
			defer wg.Done()
			e.redeliver(ctx, entry)
		}(entry)
	}
	wg.Wait()
}

func (e *Engine) redeliver(ctx context.Context, entry *retryEntry) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during retry",
				"webhook_id", entry.webhook.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	wh, err := e.store.GetWebhook(ctx, entry.webhook.ID)
	if err != nil {
		// Transient store trouble: keep the entry for the next sweep.
		e.logger.Error("failed to refresh webhook for retry",
			"webhook_id", entry.webhook.ID, "error", err)
		e.enqueueRetry(entry.webhook, entry.envelope, entry.attempt, e.now())
		return
	}
	if wh == nil || !wh.Enabled {
		e.logger.Debug("dropping retry: webhook missing or disabled",
			"webhook_id", entry.webhook.ID)
		return
	}

	if !e.acquire(wh.ID) {
		// Slots are still busy: spill into the next sweep, same attempt.
		e.enqueueRetry(wh, entry.envelope, entry.attempt, e.now())
		return
	}
	e.run(ctx, wh, entry.envelope, entry.attempt)
}

// Run drives the retry sweeps until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("delivery engine started", "sweep_interval", e.cfg.SweepInterval.String())

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("delivery engine stopping")
			return
		case <-ticker.C:
			e.ProcessRetryQueue(ctx)
		}
	}
}
