package store

import (
	"context"
	"sort"
	"sync"

	"github.com/efreitasn/matchledger/internal/domain"
)

// OrderStore is a thread-safe in-memory store for orders,
// with a primary index by order id and a secondary index by portfolio.
type OrderStore struct {
	mu              sync.RWMutex
	orders          map[string]*domain.Order
	portfolioOrders map[domain.PortfolioKey][]string // key → order ids (append-only)
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:          make(map[string]*domain.Order),
		portfolioOrders: make(map[domain.PortfolioKey][]string),
	}
}

// put inserts or replaces an order. Callers hand over ownership of o.
func (s *OrderStore) put(o *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; !exists {
		s.portfolioOrders[o.Key()] = append(s.portfolioOrders[o.Key()], o.ID)
	}
	s.orders[o.ID] = o
}

// Get retrieves an order by ID. It returns
// domain.ErrOrderNotFound if the order does not exist.
func (s *OrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// ListOpen returns every pending or partially filled order ordered by
// creation time, then id.
func (s *OrderStore) ListOpen(_ context.Context) ([]*domain.Order, error) {
	return s.collect(func(o *domain.Order) bool { return o.IsOpen() }), nil
}

// ListByStatus returns the orders in the given status, oldest first.
func (s *OrderStore) ListByStatus(_ context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	return s.collect(func(o *domain.Order) bool { return o.Status == status }), nil
}

func (s *OrderStore) collect(match func(*domain.Order) bool) []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if match(o) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ListByPortfolio returns orders for a portfolio in reverse insertion order
// (newest first). If status is non-nil, only orders matching that status
// are included. Pagination is 1-based. Returns the matching orders for the
// requested page and the total count of matching orders (before pagination).
func (s *OrderStore) ListByPortfolio(_ context.Context, key domain.PortfolioKey, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.portfolioOrders[key]

	filtered := make([]*domain.Order, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		o := s.orders[ids[i]]
		if status != nil && o.Status != *status {
			continue
		}
		filtered = append(filtered, o)
	}

	total := len(filtered)

	start := (page - 1) * limit
	if start >= total {
		return []*domain.Order{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}

	result := make([]*domain.Order, 0, end-start)
	for _, o := range filtered[start:end] {
		result = append(result, o.Clone())
	}
	return result, total, nil
}
