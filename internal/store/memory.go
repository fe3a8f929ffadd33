package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailsink/webhookd/internal/domain"
)

// MemoryStore keeps every webhook record in process memory: an arena map
// plus a scope index and its reverse lookup. It is the default backend for
// the sandbox deployment and the one unit tests run against.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.Webhook
	byScope map[string]map[string]struct{}
	scopeOf map[string]string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*domain.Webhook),
		byScope: make(map[string]map[string]struct{}),
		scopeOf: make(map[string]string),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateWebhook(ctx context.Context, wh *domain.Webhook) error {
	if err := prepareNew(wh); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[wh.ID] = cloneWebhook(wh)
	s.index(wh.ID, wh.Scope)
	return nil
}

func (s *MemoryStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wh, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return cloneWebhook(wh), nil
}

func (s *MemoryStore) ListWebhooks(ctx context.Context) ([]*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Webhook, 0, len(s.records))
	for _, wh := range s.records {
		out = append(out, cloneWebhook(wh))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetWebhooksForEvent(ctx context.Context, eventType, scopeKey string) ([]*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id := range s.byScope[""] {
		ids = append(ids, id)
	}
	if scopeKey != "" {
		for id := range s.byScope[scopeKey] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []*domain.Webhook
	for _, id := range ids {
		wh := s.records[id]
		if wh == nil || !wh.Enabled || !subscribed(wh, eventType) {
			continue
		}
		out = append(out, cloneWebhook(wh))
	}
	return out, nil
}

func (s *MemoryStore) UpdateWebhook(ctx context.Context, id string, patch domain.WebhookPatch) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	applyPatch(wh, patch)
	wh.UpdatedAt = time.Now().UTC()
	if s.scopeOf[id] != wh.Scope {
		s.unindex(id)
		s.index(id, wh.Scope)
	}
	return cloneWebhook(wh), nil
}

func (s *MemoryStore) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	s.unindex(id)
	return true, nil
}

func (s *MemoryStore) IncrementStats(ctx context.Context, id string, success bool) (*domain.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.records[id]
	if !ok {
		return nil, nil
	}

	now := time.Now().UTC()
	st := &wh.Stats
	st.Total++
	if success {
		st.Successful++
		st.ConsecutiveFailures = 0
		st.LastOutcome = domain.OutcomeSuccess
	} else {
		st.Failed++
		st.ConsecutiveFailures++
		st.LastOutcome = domain.OutcomeFailure
	}
	st.LastDeliveryAt = &now

	out := *st
	out.LastDeliveryAt = &now
	return &out, nil
}

func (s *MemoryStore) index(id, scope string) {
	if s.byScope[scope] == nil {
		s.byScope[scope] = make(map[string]struct{})
	}
	s.byScope[scope][id] = struct{}{}
	s.scopeOf[id] = scope
}

func (s *MemoryStore) unindex(id string) {
	scope, ok := s.scopeOf[id]
	if !ok {
		return
	}
	delete(s.scopeOf, id)
	if ids := s.byScope[scope]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byScope, scope)
		}
	}
}
