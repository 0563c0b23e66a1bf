package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
)

var keyA = domain.PortfolioKey{UserID: "user-1", PortfolioID: "main"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStores() (*OrderStore, *TradeStore, *LedgerStore) {
	orders := NewOrderStore()
	trades := NewTradeStore()
	return orders, trades, NewLedgerStore(orders, trades)
}

func newTestOrder(id string, key domain.PortfolioKey, createdAt time.Time) *domain.Order {
	limit := dec("150")
	return &domain.Order{
		ID:          id,
		UserID:      key.UserID,
		PortfolioID: key.PortfolioID,
		AssetID:     "SPIDEY",
		Side:        domain.SideBuy,
		Kind:        domain.OrderKindLimit,
		Quantity:    dec("10"),
		LimitPrice:  &limit,
		Status:      domain.OrderStatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// insertOrders commits orders through the ledger, one transaction each.
func insertOrders(t *testing.T, l *LedgerStore, orders ...*domain.Order) {
	t.Helper()
	for _, o := range orders {
		err := l.Atomically(context.Background(), []domain.PortfolioKey{o.Key()}, func(tx Tx) error {
			return tx.InsertOrder(context.Background(), o)
		})
		if err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}
}
