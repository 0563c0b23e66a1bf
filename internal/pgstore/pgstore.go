// Package pgstore implements the order store and the ledger on PostgreSQL.
// Portfolios are serialized with transaction-scoped advisory locks taken in
// a fixed order, so every ledger transaction sees a stable balance and
// position set for the portfolios it locked.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

//go:embed schema.sql
var schema string

const maxAttempts = 3

// Store is a PostgreSQL-backed store.Ledger and store.OrderReader.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ store.Ledger      = (*Store)(nil)
	_ store.OrderReader = (*Store)(nil)
)

// New connects to databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// lockIDs maps keys to advisory lock ids, deduplicated and sorted so
// concurrent transactions always acquire them in the same order.
func lockIDs(keys []domain.PortfolioKey) []int64 {
	seen := make(map[int64]bool, len(keys))
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		h := fnv.New64a()
		h.Write([]byte(k.String()))
		id := int64(h.Sum64())
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// retryable reports deadlocks and serialization failures, which are safe to
// retry from the start of the transaction.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40P01" || pgErr.Code == "40001"
}

// Atomically runs fn inside one database transaction holding the advisory
// locks of keys. Deadlocks and serialization failures are retried.
func (s *Store) Atomically(ctx context.Context, keys []domain.PortfolioKey, fn func(store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.atomically(ctx, keys, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.logger.Warn("retrying ledger transaction", "attempt", attempt, "error", err)
	}
	return err
}

func (s *Store) atomically(ctx context.Context, keys []domain.PortfolioKey, fn func(store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range lockIDs(keys) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
			return fmt.Errorf("lock portfolio: %w", err)
		}
	}

	locked := make(map[domain.PortfolioKey]bool, len(keys))
	for _, k := range keys {
		locked[k] = true
	}
	if err := fn(&pgTx{tx: tx, locked: locked}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateBalance opens the ledger of a portfolio. It returns
// domain.ErrBalanceExists if the portfolio already has one.
func (s *Store) CreateBalance(ctx context.Context, b *domain.Balance) error {
	tag, err := s.pool.Exec(ctx, insertBalanceSQL+` ON CONFLICT (user_id, portfolio_id) DO NOTHING`, balanceArgs(b)...)
	if err != nil {
		return fmt.Errorf("create balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBalanceExists
	}
	return nil
}

// Balance returns the committed balance of a portfolio.
func (s *Store) Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error) {
	return getBalance(ctx, s.pool, key, false)
}

// Positions returns the open positions of a portfolio sorted by asset.
func (s *Store) Positions(ctx context.Context, key domain.PortfolioKey) ([]*domain.Position, error) {
	return listPositions(ctx, s.pool, key)
}

// Trades returns the trades executed against an order, oldest first.
func (s *Store) Trades(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE order_id = $1 ORDER BY executed_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return collect(rows, scanTrade)
}

// Get retrieves an order by ID. It returns
// domain.ErrOrderNotFound if the order does not exist.
func (s *Store) Get(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

// ListOpen returns pending and partially filled orders, oldest first.
func (s *Store) ListOpen(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN ('pending', 'partially_filled') ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListByStatus returns orders in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListByPortfolio returns a page of the portfolio's orders, newest first,
// and the total number of matching orders.
func (s *Store) ListByPortfolio(ctx context.Context, key domain.PortfolioKey, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error) {
	var statusArg *string
	if status != nil {
		st := string(*status)
		statusArg = &st
	}

	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders
		WHERE user_id = $1 AND portfolio_id = $2 AND ($3::text IS NULL OR status = $3)`,
		key.UserID, key.PortfolioID, statusArg).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND portfolio_id = $2 AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`,
		key.UserID, key.PortfolioID, statusArg, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	orders, err := collect(rows, scanOrder)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
