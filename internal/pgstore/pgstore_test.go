package pgstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

// freshKey isolates each test from rows left behind by earlier runs.
func freshKey() domain.PortfolioKey {
	return domain.PortfolioKey{UserID: "user-" + uuid.NewString(), PortfolioID: "main"}
}

func TestLockIDs_SortedAndDeduplicated(t *testing.T) {
	a := domain.PortfolioKey{UserID: "a", PortfolioID: "main"}
	b := domain.PortfolioKey{UserID: "b", PortfolioID: "main"}

	ids := lockIDs([]domain.PortfolioKey{b, a, b})
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])
	assert.Equal(t, ids, lockIDs([]domain.PortfolioKey{a, b}))
}

func TestStore_BalanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := freshKey()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateBalance(ctx, domain.NewBalance(key, decimal.RequireFromString("100000.123456"), now)))
	assert.ErrorIs(t, s.CreateBalance(ctx, domain.NewBalance(key, decimal.Zero, now)), domain.ErrBalanceExists)

	b, err := s.Balance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Cash.Equal(decimal.RequireFromString("100000.123456")), "cash %s", b.Cash)
	assert.True(t, b.BuyingPower.Equal(b.Cash))
	assert.Nil(t, b.LastTradeAt)

	_, err = s.Balance(ctx, freshKey())
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
}

func TestStore_AtomicallyCommitsOrderTradeAndLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := freshKey()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateBalance(ctx, domain.NewBalance(key, decimal.NewFromInt(10000), now)))

	limit := decimal.NewFromInt(100)
	order := &domain.Order{
		ID: uuid.NewString(), UserID: key.UserID, PortfolioID: key.PortfolioID,
		AssetID: "SPIDEY", Side: domain.SideBuy, Kind: domain.OrderKindLimit,
		Quantity: decimal.NewFromInt(10), LimitPrice: &limit,
		Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}

	err := s.Atomically(ctx, []domain.PortfolioKey{key}, func(tx store.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		o, err := tx.Order(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := o.ApplyFill(decimal.NewFromInt(10), limit, decimal.NewFromInt(1), decimal.Zero, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &domain.Trade{
			ID: uuid.NewString(), UserID: key.UserID, PortfolioID: key.PortfolioID,
			AssetID: "SPIDEY", OrderID: o.ID, Side: domain.SideBuy,
			Quantity: decimal.NewFromInt(10), Price: limit, TotalValue: decimal.NewFromInt(1000),
			Fees: decimal.NewFromInt(1), ExecutedAt: now,
		}); err != nil {
			return err
		}
		return tx.PutPosition(ctx, domain.NewPosition(key, "SPIDEY", decimal.NewFromInt(10), limit, now))
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.AverageFillPrice.Equal(limit))
	require.NotNil(t, got.LimitPrice)
	assert.True(t, got.LimitPrice.Equal(limit))

	trades, err := s.Trades(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Nil(t, trades[0].PnL)

	positions, err := s.Positions(ctx, key)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].TotalCostBasis.Equal(decimal.NewFromInt(1000)))

	filled := domain.OrderStatusFilled
	orders, total, err := s.ListByPortfolio(ctx, key, &filled, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, orders, 1)
}

func TestStore_AtomicallyRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := freshKey()
	now := time.Now().UTC()
	require.NoError(t, s.CreateBalance(ctx, domain.NewBalance(key, decimal.NewFromInt(500), now)))

	boom := errors.New("boom")
	err := s.Atomically(ctx, []domain.PortfolioKey{key}, func(tx store.Tx) error {
		b, err := tx.Balance(ctx, key)
		if err != nil {
			return err
		}
		b.Cash = decimal.Zero
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.Balance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Cash.Equal(decimal.NewFromInt(500)))
}

func TestStore_AtomicallyRejectsUnlockedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomically(ctx, []domain.PortfolioKey{freshKey()}, func(tx store.Tx) error {
		_, err := tx.Balance(ctx, freshKey())
		return err
	})
	assert.ErrorIs(t, err, store.ErrKeyNotLocked)
}

func TestStore_AtomicallySerializesPortfolio(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := freshKey()
	require.NoError(t, s.CreateBalance(ctx, domain.NewBalance(key, decimal.Zero, time.Now().UTC())))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, []domain.PortfolioKey{key}, func(tx store.Tx) error {
				b, err := tx.Balance(ctx, key)
				if err != nil {
					return err
				}
				b.Cash = b.Cash.Add(decimal.NewFromInt(1))
				return tx.PutBalance(ctx, b)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := s.Balance(ctx, key)
	require.NoError(t, err)
	assert.True(t, b.Cash.Equal(decimal.NewFromInt(20)), "cash %s", b.Cash)
}
