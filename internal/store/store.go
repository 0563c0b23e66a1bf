// Package store defines the persistence contracts of the matching core and
// provides thread-safe in-memory implementations of them.
package store

import (
	"context"
	"errors"

	"github.com/efreitasn/matchledger/internal/domain"
)

// ErrKeyNotLocked is returned when a transaction touches a portfolio it did
// not lock when it was opened.
var ErrKeyNotLocked = errors.New("portfolio not locked by transaction")

// Tx is a ledger transaction over a fixed set of exclusively locked
// portfolios. Every read returns a private copy; writes become visible to
// other readers only when the enclosing Atomically call commits.
type Tx interface {
	Order(ctx context.Context, id string) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error
	InsertTrade(ctx context.Context, t *domain.Trade) error

	Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error)
	PutBalance(ctx context.Context, b *domain.Balance) error

	// Position returns nil, nil when the portfolio holds none of the asset.
	Position(ctx context.Context, key domain.PortfolioKey, assetID string) (*domain.Position, error)
	Positions(ctx context.Context, key domain.PortfolioKey) ([]*domain.Position, error)
	PutPosition(ctx context.Context, p *domain.Position) error
	DeletePosition(ctx context.Context, key domain.PortfolioKey, assetID string) error
}

// Ledger owns balances, positions and trades, and runs transactions.
type Ledger interface {
	// Atomically locks keys in sorted order and runs fn. If fn returns an
	// error nothing it wrote is kept.
	Atomically(ctx context.Context, keys []domain.PortfolioKey, fn func(Tx) error) error

	CreateBalance(ctx context.Context, b *domain.Balance) error
	Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error)
	Positions(ctx context.Context, key domain.PortfolioKey) ([]*domain.Position, error)
	Trades(ctx context.Context, orderID string) ([]*domain.Trade, error)
}

// OrderReader is the read side of the order store. Orders are created and
// mutated only through a Tx.
type OrderReader interface {
	Get(ctx context.Context, id string) (*domain.Order, error)
	// ListOpen returns pending and partially filled orders, oldest first.
	ListOpen(ctx context.Context) ([]*domain.Order, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error)
	// ListByPortfolio returns the portfolio's orders newest first, paginated
	// from page 1, along with the total number of matches.
	ListByPortfolio(ctx context.Context, key domain.PortfolioKey, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error)
}
