// Package pricefeed provides the current-price sources the matching engine
// reads from.
package pricefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Static is an in-memory price table. Prices are set explicitly, through
// the price endpoint or by tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty price table.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// SetPrice records the current price of an asset.
func (s *Static) SetPrice(_ context.Context, assetID string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price for %s must be greater than 0, got %s", assetID, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[assetID] = price
	return nil
}

// Delete forgets an asset's price.
func (s *Static) Delete(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.prices, assetID)
}

// CurrentPrice returns the asset's price; ok is false when none is set.
func (s *Static) CurrentPrice(_ context.Context, assetID string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[assetID]
	return p, ok, nil
}
