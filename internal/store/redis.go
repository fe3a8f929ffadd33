package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailsink/webhookd/internal/domain"
)

// RedisStore keeps webhook configuration as JSON values and delivery
// statistics as hashes, with set indexes for listing and scope matching.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisWithClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

const allWebhooksKey = "webhooks"

func webhookKey(id string) string  { return "webhook:" + id }
func statsKey(id string) string    { return "webhook:" + id + ":stats" }
func scopeSetKey(sc string) string { return "webhooks:scope:" + sc }

// Applies one delivery outcome atomically so concurrent deliveries can
// never split a total/successful/failed update. Returns the updated
// counters, or false when the webhook no longer exists.
var incrementStatsScript = redis.NewScript(`
local cfg = KEYS[1]
local stats = KEYS[2]

if redis.call('EXISTS', cfg) == 0 then
    return false
end

local total = redis.call('HINCRBY', stats, 'total', 1)
local successful
local failed
local consecutive

if ARGV[1] == '1' then
    successful = redis.call('HINCRBY', stats, 'successful', 1)
    failed = tonumber(redis.call('HGET', stats, 'failed') or '0')
    redis.call('HSET', stats, 'consecutive_failures', 0)
    consecutive = 0
    redis.call('HSET', stats, 'last_outcome', 'success')
else
    failed = redis.call('HINCRBY', stats, 'failed', 1)
    successful = tonumber(redis.call('HGET', stats, 'successful') or '0')
    consecutive = redis.call('HINCRBY', stats, 'consecutive_failures', 1)
    redis.call('HSET', stats, 'last_outcome', 'failure')
end
redis.call('HSET', stats, 'last_delivery_at', ARGV[2])

return {total, successful, failed, consecutive}
`)

func (s *RedisStore) CreateWebhook(ctx context.Context, wh *domain.Webhook) error {
	if err := prepareNew(wh); err != nil {
		return err
	}
	raw, err := json.Marshal(stripStats(wh))
	if err != nil {
		return fmt.Errorf("marshaling webhook: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, webhookKey(wh.ID), raw, 0)
	pipe.SAdd(ctx, allWebhooksKey, wh.ID)
	pipe.SAdd(ctx, scopeSetKey(wh.Scope), wh.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing webhook: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	wh, err := s.getConfig(ctx, id)
	if wh == nil || err != nil {
		return nil, err
	}
	if err := s.loadStats(ctx, wh); err != nil {
		return nil, err
	}
	return wh, nil
}

func (s *RedisStore) ListWebhooks(ctx context.Context) ([]*domain.Webhook, error) {
	ids, err := s.client.SMembers(ctx, allWebhooksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	out := make([]*domain.Webhook, 0, len(ids))
	for _, id := range ids {
		wh, err := s.GetWebhook(ctx, id)
		if err != nil {
			return nil, err
		}
		if wh != nil {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RedisStore) GetWebhooksForEvent(ctx context.Context, eventType, scopeKey string) ([]*domain.Webhook, error) {
	ids, err := s.client.SMembers(ctx, scopeSetKey("")).Result()
	if err != nil {
		return nil, fmt.Errorf("listing global webhooks: %w", err)
	}
	if scopeKey != "" {
		scoped, err := s.client.SMembers(ctx, scopeSetKey(scopeKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("listing scoped webhooks: %w", err)
		}
		ids = append(ids, scoped...)
	}
	sort.Strings(ids)

	var out []*domain.Webhook
	for _, id := range ids {
		wh, err := s.GetWebhook(ctx, id)
		if err != nil {
			return nil, err
		}
		if wh == nil || !wh.Enabled || !subscribed(wh, eventType) {
			continue
		}
		out = append(out, wh)
	}
	return out, nil
}

func (s *RedisStore) UpdateWebhook(ctx context.Context, id string, patch domain.WebhookPatch) (*domain.Webhook, error) {
	wh, err := s.getConfig(ctx, id)
	if wh == nil || err != nil {
		return nil, err
	}

	oldScope := wh.Scope
	applyPatch(wh, patch)
	wh.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(stripStats(wh))
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, webhookKey(id), raw, 0)
	if oldScope != wh.Scope {
		pipe.SRem(ctx, scopeSetKey(oldScope), id)
		pipe.SAdd(ctx, scopeSetKey(wh.Scope), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("updating webhook: %w", err)
	}

	if err := s.loadStats(ctx, wh); err != nil {
		return nil, err
	}
	return wh, nil
}

func (s *RedisStore) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	wh, err := s.getConfig(ctx, id)
	if err != nil {
		return false, err
	}
	if wh == nil {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, webhookKey(id), statsKey(id))
	pipe.SRem(ctx, allWebhooksKey, id)
	pipe.SRem(ctx, scopeSetKey(wh.Scope), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("deleting webhook: %w", err)
	}
	return true, nil
}

func (s *RedisStore) IncrementStats(ctx context.Context, id string, success bool) (*domain.DeliveryStats, error) {
	flag := "0"
	if success {
		flag = "1"
	}
	now := time.Now().UTC()

	res, err := incrementStatsScript.Run(ctx, s.client,
		[]string{webhookKey(id), statsKey(id)},
		flag, now.Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("incrementing stats: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected stats reply: %v", res)
	}

	stats := &domain.DeliveryStats{
		Total:               toInt64(res[0]),
		Successful:          toInt64(res[1]),
		Failed:              toInt64(res[2]),
		ConsecutiveFailures: int(toInt64(res[3])),
		LastDeliveryAt:      &now,
		LastOutcome:         domain.OutcomeFailure,
	}
	if success {
		stats.LastOutcome = domain.OutcomeSuccess
	}
	return stats, nil
}

func (s *RedisStore) getConfig(ctx context.Context, id string) (*domain.Webhook, error) {
	raw, err := s.client.Get(ctx, webhookKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	var wh domain.Webhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("unmarshaling webhook: %w", err)
	}
	return &wh, nil
}

func (s *RedisStore) loadStats(ctx context.Context, wh *domain.Webhook) error {
	data, err := s.client.HGetAll(ctx, statsKey(wh.ID)).Result()
	if err != nil {
		return fmt.Errorf("loading stats: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	st := &wh.Stats
	st.Total, _ = strconv.ParseInt(data["total"], 10, 64)
	st.Successful, _ = strconv.ParseInt(data["successful"], 10, 64)
	st.Failed, _ = strconv.ParseInt(data["failed"], 10, 64)
	st.ConsecutiveFailures, _ = strconv.Atoi(data["consecutive_failures"])
	st.LastOutcome = data["last_outcome"]
	if ts := data["last_delivery_at"]; ts != "" {
		if at, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			st.LastDeliveryAt = &at
		}
	}
	return nil
}

func stripStats(wh *domain.Webhook) *domain.Webhook {
	c := cloneWebhook(wh)
	c.Stats = domain.DeliveryStats{}
	return c
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}
