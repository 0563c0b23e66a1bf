package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/matchledger/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for notification
// subscriptions. Primary index: webhook id. Secondary index: user → event.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook
	byUser   map[string]map[string]*domain.Webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byUser:   make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert registers w for its (user, event) pair. An existing subscription
// keeps its id and only has its URL replaced when it differs. The stored
// subscription is returned along with whether it was newly created.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byUser[w.UserID][w.Event]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		c := *existing
		return &c, false
	}

	stored := *w
	s.webhooks[stored.WebhookID] = &stored
	if s.byUser[w.UserID] == nil {
		s.byUser[w.UserID] = make(map[string]*domain.Webhook)
	}
	s.byUser[w.UserID][w.Event] = &stored

	c := stored
	return &c, true
}

// Get retrieves a webhook by ID. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	c := *w
	return &c, nil
}

// ListByUser returns a user's subscriptions ordered by event name.
func (s *WebhookStore) ListByUser(userID string) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byUser[userID]
	result := make([]*domain.Webhook, 0, len(events))
	for _, w := range events {
		c := *w
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result
}

// Delete removes a webhook by ID from both indexes. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)

	if events, ok := s.byUser[w.UserID]; ok {
		delete(events, w.Event)
		if len(events) == 0 {
			delete(s.byUser, w.UserID)
		}
	}
	return nil
}

// Lookup returns the subscription for a user+event pair, or nil.
func (s *WebhookStore) Lookup(userID, event string) *domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.byUser[userID][event]
	if !ok {
		return nil
	}
	c := *w
	return &c
}
