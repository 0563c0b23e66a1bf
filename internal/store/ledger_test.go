package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
)

var keyB = domain.PortfolioKey{UserID: "user-2", PortfolioID: "main"}

func TestLedgerStore_CreateBalance(t *testing.T) {
	_, _, ledger := newTestStores()
	ctx := context.Background()

	if err := ledger.CreateBalance(ctx, domain.NewBalance(keyA, dec("1000"), time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ledger.CreateBalance(ctx, domain.NewBalance(keyA, dec("5"), time.Now()))
	if !errors.Is(err, domain.ErrBalanceExists) {
		t.Fatalf("expected ErrBalanceExists, got %v", err)
	}

	b, err := ledger.Balance(ctx, keyA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Cash.Equal(dec("1000")) {
		t.Fatalf("expected cash 1000, got %s", b.Cash)
	}

	if _, err := ledger.Balance(ctx, keyB); !errors.Is(err, domain.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestLedgerStore_Atomically_CommitsAllWrites(t *testing.T) {
	orders, _, ledger := newTestStores()
	ctx := context.Background()
	now := time.Now()
	_ = ledger.CreateBalance(ctx, domain.NewBalance(keyA, dec("1000"), now))
	insertOrders(t, ledger, newTestOrder("order-1", keyA, now))

	err := ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(tx Tx) error {
		o, err := tx.Order(ctx, "order-1")
		if err != nil {
			return err
		}
		o.Status = domain.OrderStatusFilled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &domain.Trade{ID: "trade-1", UserID: keyA.UserID, PortfolioID: keyA.PortfolioID, OrderID: "order-1"}); err != nil {
			return err
		}
		b, err := tx.Balance(ctx, keyA)
		if err != nil {
			return err
		}
		b.Cash = dec("400")
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}

		// The transaction sees its own writes.
		again, _ := tx.Balance(ctx, keyA)
		if !again.Cash.Equal(dec("400")) {
			t.Errorf("tx should read its staged balance, got %s", again.Cash)
		}
		return tx.PutPosition(ctx, domain.NewPosition(keyA, "SPIDEY", dec("4"), dec("150"), now))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(ctx, "order-1")
	if o.Status != domain.OrderStatusFilled {
		t.Errorf("order status = %s, want filled", o.Status)
	}
	trades, _ := ledger.Trades(ctx, "order-1")
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
	b, _ := ledger.Balance(ctx, keyA)
	if !b.Cash.Equal(dec("400")) {
		t.Errorf("cash = %s, want 400", b.Cash)
	}
	positions, _ := ledger.Positions(ctx, keyA)
	if len(positions) != 1 || positions[0].AssetID != "SPIDEY" {
		t.Errorf("expected one SPIDEY position, got %v", positions)
	}
}

func TestLedgerStore_Atomically_RollsBackOnError(t *testing.T) {
	orders, _, ledger := newTestStores()
	ctx := context.Background()
	now := time.Now()
	_ = ledger.CreateBalance(ctx, domain.NewBalance(keyA, dec("1000"), now))
	insertOrders(t, ledger, newTestOrder("order-1", keyA, now))

	boom := errors.New("boom")
	err := ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(tx Tx) error {
		o, _ := tx.Order(ctx, "order-1")
		o.Status = domain.OrderStatusCancelled
		_ = tx.UpdateOrder(ctx, o)
		_ = tx.InsertTrade(ctx, &domain.Trade{ID: "trade-1", UserID: keyA.UserID, PortfolioID: keyA.PortfolioID, OrderID: "order-1"})
		b, _ := tx.Balance(ctx, keyA)
		b.Cash = decimal.Zero
		_ = tx.PutBalance(ctx, b)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	o, _ := orders.Get(ctx, "order-1")
	if o.Status != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending", o.Status)
	}
	trades, _ := ledger.Trades(ctx, "order-1")
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}
	b, _ := ledger.Balance(ctx, keyA)
	if !b.Cash.Equal(dec("1000")) {
		t.Errorf("cash = %s, want 1000", b.Cash)
	}
}

func TestLedgerStore_DeletePosition(t *testing.T) {
	_, _, ledger := newTestStores()
	ctx := context.Background()
	now := time.Now()

	_ = ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(tx Tx) error {
		return tx.PutPosition(ctx, domain.NewPosition(keyA, "SPIDEY", dec("4"), dec("150"), now))
	})
	err := ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(tx Tx) error {
		if err := tx.DeletePosition(ctx, keyA, "SPIDEY"); err != nil {
			return err
		}
		p, err := tx.Position(ctx, keyA, "SPIDEY")
		if err != nil {
			return err
		}
		if p != nil {
			t.Error("deleted position should not be visible inside the tx")
		}
		all, _ := tx.Positions(ctx, keyA)
		if len(all) != 0 {
			t.Errorf("expected no positions inside tx, got %d", len(all))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	positions, _ := ledger.Positions(ctx, keyA)
	if len(positions) != 0 {
		t.Fatalf("expected no positions, got %d", len(positions))
	}
}

func TestLedgerStore_TxRejectsUnlockedPortfolio(t *testing.T) {
	_, _, ledger := newTestStores()
	ctx := context.Background()
	_ = ledger.CreateBalance(ctx, domain.NewBalance(keyB, dec("1000"), time.Now()))

	err := ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(tx Tx) error {
		_, err := tx.Balance(ctx, keyB)
		return err
	})
	if !errors.Is(err, ErrKeyNotLocked) {
		t.Fatalf("expected ErrKeyNotLocked, got %v", err)
	}
}

func TestLedgerStore_Atomically_CancelledContext(t *testing.T) {
	_, _, ledger := newTestStores()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := ledger.Atomically(ctx, []domain.PortfolioKey{keyA}, func(Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn must not run on a cancelled context")
	}
}

func TestLedgerStore_Atomically_SerializesPerPortfolio(t *testing.T) {
	_, _, ledger := newTestStores()
	ctx := context.Background()
	_ = ledger.CreateBalance(ctx, domain.NewBalance(keyA, dec("0"), time.Now()))
	_ = ledger.CreateBalance(ctx, domain.NewBalance(keyB, dec("0"), time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate key order so unsorted locking would deadlock.
			keys := []domain.PortfolioKey{keyA, keyB}
			if i%2 == 1 {
				keys = []domain.PortfolioKey{keyB, keyA}
			}
			_ = ledger.Atomically(ctx, keys, func(tx Tx) error {
				for _, k := range keys {
					b, err := tx.Balance(ctx, k)
					if err != nil {
						return err
					}
					b.Cash = b.Cash.Add(decimal.NewFromInt(1))
					if err := tx.PutBalance(ctx, b); err != nil {
						return err
					}
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for _, k := range []domain.PortfolioKey{keyA, keyB} {
		b, _ := ledger.Balance(ctx, k)
		if !b.Cash.Equal(decimal.NewFromInt(200)) {
			t.Errorf("%s cash = %s, want 200 (lost update)", k, b.Cash)
		}
	}
}
