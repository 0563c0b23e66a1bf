package store

import (
	"context"
	"sync"

	"github.com/efreitasn/matchledger/internal/domain"
)

// TradeStore is a thread-safe in-memory store for trades,
// keyed by order id. Trades are append-only and chronological.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string][]*domain.Trade // order id → trades (chronological)
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[string][]*domain.Trade),
	}
}

func (s *TradeStore) append(t *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[t.OrderID] = append(s.trades[t.OrderID], t)
}

// ByOrder returns all trades executed against an order in chronological
// order. Returns an empty slice if the order has no trades.
func (s *TradeStore) ByOrder(_ context.Context, orderID string) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[orderID]
	result := make([]*domain.Trade, len(trades))
	for i, t := range trades {
		c := *t
		result[i] = &c
	}
	return result, nil
}
