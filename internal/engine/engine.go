package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailsink/webhookd/internal/domain"
	"github.com/mailsink/webhookd/internal/store"
	"github.com/mailsink/webhookd/internal/template"
	ws "github.com/mailsink/webhookd/internal/websocket"
)

const (
	userAgent        = "mailsink-webhookd/1.0"
	maxResponseBytes = 1024
)

type Config struct {
	MaxAttempts          int
	Timeout              time.Duration
	MaxPendingPerWebhook int
	GlobalConcurrency    int
	WebhookConcurrency   int
	QueueCapacity        int
	DisableThreshold     int
	SweepInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          5,
		Timeout:              10 * time.Second,
		MaxPendingPerWebhook: 100,
		GlobalConcurrency:    50,
		WebhookConcurrency:   5,
		QueueCapacity:        1000,
		DisableThreshold:     5,
		SweepInterval:        30 * time.Second,
	}
}

// Engine delivers event envelopes to webhook endpoints. One mutex guards
// the retry queue, the per-webhook pending counts, and the admission
// counters; HTTP calls always happen outside it.
type Engine struct {
	store      store.Store
	hub        *ws.Hub
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	mu           sync.Mutex
	queue        []*retryEntry
	pendingBySub map[string]int
	activeGlobal int
	activeBySub  map[string]int
}

// Result is the outcome of a single delivery attempt.
type Result struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	WebhookID  string `json:"webhook_id"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
	Deferred   bool   `json:"deferred,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func NewEngine(st store.Store, hub *ws.Hub, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxPendingPerWebhook <= 0 {
		cfg.MaxPendingPerWebhook = def.MaxPendingPerWebhook
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = def.GlobalConcurrency
	}
	if cfg.WebhookConcurrency <= 0 {
		cfg.WebhookConcurrency = def.WebhookConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = def.DisableThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	return &Engine{
		store:        st,
		hub:          hub,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		pendingBySub: make(map[string]int),
		activeBySub:  make(map[string]int),
	}
}

// Deliver runs the first attempt for one webhook. When admission is denied
// the delivery is queued for near-immediate retry instead of blocking the
// caller.
func (e *Engine) Deliver(ctx context.Context, wh *domain.Webhook, env *domain.Envelope) Result {
	if !e.acquire(wh.ID) {
		e.enqueueRetry(wh, env, 1, e.now())
		e.logger.Debug("delivery deferred by admission control",
			"webhook_id", wh.ID, "event_id", env.ID)
		res := Result{WebhookID: wh.ID, EventID: env.ID, EventType: env.Type, Attempt: 1, Deferred: true}
		e.publish(&res)
		return res
	}
	return e.run(ctx, wh, env, 1)
}

// TestDelivery sends a synthetic sample event through the normal templating
// and signing path. It bypasses admission control and leaves no trace in
// the stats or the retry queue.
func (e *Engine) TestDelivery(ctx context.Context, wh *domain.Webhook) Result {
	env := SampleEnvelope(wh.Scope)
	res := Result{
		DeliveryID: "dlv_" + uuid.NewString(),
		WebhookID:  wh.ID,
		EventID:    env.ID,
		EventType:  env.Type,
		Attempt:    1,
	}
	e.send(ctx, wh, env, &res)
	return res
}

// run executes one admitted attempt. The deferred block settles accounting
// on every exit path, panics included: record the outcome exactly once,
// release the admission slot, then disable or schedule the next attempt.
func (e *Engine) run(ctx context.Context, wh *domain.Webhook, env *domain.Envelope, attempt int) (res Result) {
	res = Result{
		DeliveryID: "dlv_" + uuid.NewString(),
		WebhookID:  wh.ID,
		EventID:    env.ID,
		EventType:  env.Type,
		Attempt:    attempt,
	}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic during delivery: %v", r)
		}
		stats := e.recordOutcome(ctx, wh.ID, res.Success)
		e.release(wh.ID)
		e.finish(ctx, wh, env, attempt, &res, stats)
	}()

	e.send(ctx, wh, env, &res)
	return res
}

func (e *Engine) send(ctx context.Context, wh *domain.Webhook, env *domain.Envelope, res *Result) {
	start := time.Now()
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	payload, contentType, err := template.Transform(env, wh.Template)
	if err != nil {
		res.Error = fmt.Sprintf("building payload: %v", err)
		return
	}

	req, err := e.buildRequest(ctx, wh, env, res.DeliveryID, payload, contentType)
	if err != nil {
		res.Error = fmt.Sprintf("building request: %v", err)
		return
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		res.Error = fmt.Sprintf("request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Response = readCapped(resp.Body)
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Success {
		res.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
}

func (e *Engine) buildRequest(ctx context.Context, wh *domain.Webhook, env *domain.Envelope, deliveryID, payload, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(e.now().Unix(), 10)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Signature", "sha256="+computeHMAC(ts+"."+payload, wh.Secret))
	req.Header.Set("X-Event", env.Type)
	req.Header.Set("X-Delivery", deliveryID)
	req.Header.Set("X-Timestamp", ts)
	return req, nil
}

// computeHMAC signs "<unix timestamp>.<payload>" with the webhook secret.
func computeHMAC(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// readCapped drains at most 1 KiB of a response body and marks truncation.
func readCapped(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return ""
	}
	if len(body) > maxResponseBytes {
		return string(body[:maxResponseBytes]) + "... (truncated)"
	}
	return string(body)
}

// recordOutcome applies the attempt to the stats counters, exactly one call
// per terminal attempt. A nil return means the webhook vanished mid-flight
// or the store failed; both are logged and delivery flow continues.
func (e *Engine) recordOutcome(ctx context.Context, webhookID string, success bool) *domain.DeliveryStats {
	stats, err := e.store.IncrementStats(ctx, webhookID, success)
	if err != nil {
		e.logger.Error("failed to record delivery outcome",
			"webhook_id", webhookID, "error", err)
		return nil
	}
	return stats
}

func (e *Engine) finish(ctx context.Context, wh *domain.Webhook, env *domain.Envelope, attempt int, res *Result, stats *domain.DeliveryStats) {
	if res.Success {
		e.logger.Info("delivery succeeded",
			"webhook_id", wh.ID,
			"event_id", env.ID,
			"attempt", attempt,
			"status_code", res.StatusCode,
			"duration_ms", res.DurationMs,
		)
		e.publish(res)
		return
	}

	e.logger.Warn("delivery failed",
		"webhook_id", wh.ID,
		"event_id", env.ID,
		"attempt", attempt,
		"status_code", res.StatusCode,
		"error", res.Error,
		"duration_ms", res.DurationMs,
	)

	if stats != nil && stats.ConsecutiveFailures >= e.cfg.DisableThreshold {
		e.autoDisable(ctx, wh.ID, stats.ConsecutiveFailures)
		e.publish(res)
		return
	}

	if attempt < e.cfg.MaxAttempts {
		next := attempt + 1
		e.enqueueRetry(wh, env, next, e.now().Add(retryDelay(next)))
	} else {
		e.logger.Error("delivery exhausted all attempts",
			"webhook_id", wh.ID,
			"event_id", env.ID,
			"attempts", attempt,
		)
	}
	e.publish(res)
}

// autoDisable turns a webhook off after too many consecutive failures and
// drops its queued retries. In-flight attempts still settle their stats.
func (e *Engine) autoDisable(ctx context.Context, webhookID string, streak int) {
	enabled := false
	if _, err := e.store.UpdateWebhook(ctx, webhookID, domain.WebhookPatch{Enabled: &enabled}); err != nil {
		e.logger.Error("failed to auto-disable webhook",
			"webhook_id", webhookID, "error", err)
		return
	}
	dropped := e.CancelRetries(webhookID)
	e.logger.Warn("webhook auto-disabled",
		"webhook_id", webhookID,
		"consecutive_failures", streak,
		"cancelled_retries", dropped,
	)
}

func (e *Engine) acquire(webhookID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeGlobal >= e.cfg.GlobalConcurrency || e.activeBySub[webhookID] >= e.cfg.WebhookConcurrency {
		return false
	}
	e.activeGlobal++
	e.activeBySub[webhookID]++
	return true
}

func (e *Engine) release(webhookID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeGlobal--
	if e.activeBySub[webhookID] <= 1 {
		delete(e.activeBySub, webhookID)
	} else {
		e.activeBySub[webhookID]--
	}
}

func (e *Engine) decPending(webhookID string) {
	if n := e.pendingBySub[webhookID]; n <= 1 {
		delete(e.pendingBySub, webhookID)
	} else {
		e.pendingBySub[webhookID] = n - 1
	}
}

func (e *Engine) publish(res *Result) {
	if e.hub == nil {
		return
	}
	kind := "delivery_failed"
	switch {
	case res.Success:
		kind = "delivery_succeeded"
	case res.Deferred:
		kind = "delivery_deferred"
	}
	e.hub.Broadcast(ws.DeliveryEvent{
		Kind:       kind,
		WebhookID:  res.WebhookID,
		DeliveryID: res.DeliveryID,
		EventID:    res.EventID,
		EventType:  res.EventType,
		Attempt:    res.Attempt,
		StatusCode: res.StatusCode,
		DurationMs: res.DurationMs,
		Error:      res.Error,
		Timestamp:  time.Now().UTC(),
	})
}

// Snapshot reports queue depth and in-flight counts for the metrics
// endpoint.
type Snapshot struct {
	QueueDepth       int            `json:"queue_depth"`
	ActiveDeliveries int            `json:"active_deliveries"`
	PendingRetries   map[string]int `json:"pending_retries,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make(map[string]int, len(e.pendingBySub))
	for id, n := range e.pendingBySub {
		pending[id] = n
	}
	return Snapshot{
		QueueDepth:       len(e.queue),
		ActiveDeliveries: e.activeGlobal,
		PendingRetries:   pending,
	}
}

// SampleEnvelope builds the synthetic event used for test deliveries.
func SampleEnvelope(scope string) *domain.Envelope {
	mailbox := scope
	if mailbox == "" {
		mailbox = "sample-mailbox"
	}
	return domain.NewEnvelope(domain.EventEmailReceived, &domain.MessagePayload{
		MessageID: "sample-message-id",
		Mailbox:   mailbox,
		From:      &domain.Address{Name: "Webhook Tester", Address: "tester@example.com"},
		To:        []domain.Address{{Address: mailbox + "@sandbox.local"}},
		Subject:   "Test delivery",
		Snippet:   "This is a test delivery confirming your webhook configuration.",
		Body:      &domain.BodyContent{Text: "This is a test delivery confirming your webhook configuration."},
		Headers:   map[string]string{"x-sample": "true"},
		Auth:      &domain.AuthResults{SPF: "pass", DKIM: "pass", DMARC: "pass"},
	})
}
