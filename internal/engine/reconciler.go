package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

// Reconciler applies executed trades to the holder's position and balance
// and re-marks the portfolio at current prices.
type Reconciler struct {
	feed   PriceFeed
	logger *slog.Logger
}

// NewReconciler creates a Reconciler that revalues positions with feed.
func NewReconciler(feed PriceFeed, logger *slog.Logger) *Reconciler {
	return &Reconciler{feed: feed, logger: logger}
}

// Apply books trade into the ledger inside tx. release is the part of the
// order's reservation the fill consumes. The returned position is nil when
// the trade closed it.
//
// Any broken ledger identity is returned as *domain.InvariantError and the
// caller must abandon the transaction.
func (r *Reconciler) Apply(ctx context.Context, tx store.Tx, trade *domain.Trade, release decimal.Decimal) (*domain.Position, *domain.Balance, error) {
	key := trade.Key()

	pos, err := tx.Position(ctx, key, trade.AssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load position: %w", err)
	}

	switch trade.Side {
	case domain.SideBuy:
		if pos == nil {
			pos = domain.NewPosition(key, trade.AssetID, trade.Quantity, trade.Price, trade.ExecutedAt)
		} else {
			pos.ApplyBuy(trade.Quantity, trade.Price, trade.ExecutedAt)
		}
	case domain.SideSell:
		if pos == nil {
			return nil, nil, &domain.InvariantError{Key: key, Detail: fmt.Sprintf("sell of %s %s without a position", trade.Quantity, trade.AssetID)}
		}
		closed, err := pos.ApplySell(trade.Quantity, trade.ExecutedAt)
		if err != nil {
			return nil, nil, err
		}
		if closed {
			if err := tx.DeletePosition(ctx, key, trade.AssetID); err != nil {
				return nil, nil, fmt.Errorf("delete position: %w", err)
			}
			pos = nil
		}
	}

	if pos != nil {
		if err := pos.Check(); err != nil {
			return nil, nil, err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return nil, nil, fmt.Errorf("save position: %w", err)
		}
	}

	bal, err := tx.Balance(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("load balance: %w", err)
	}
	if err := bal.ApplyTrade(trade, release); err != nil {
		return nil, nil, err
	}

	positions, err := tx.Positions(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("load positions: %w", err)
	}
	bal.Revalue(r.Valuations(ctx, positions), trade.ExecutedAt)
	if err := bal.Check(); err != nil {
		return nil, nil, err
	}
	if err := tx.PutBalance(ctx, bal); err != nil {
		return nil, nil, fmt.Errorf("save balance: %w", err)
	}
	return pos, bal, nil
}

// Valuations prices every position at the feed's current price. A position
// whose price is unavailable is carried at its average cost.
func (r *Reconciler) Valuations(ctx context.Context, positions []*domain.Position) []domain.Valuation {
	vals := make([]domain.Valuation, 0, len(positions))
	for _, p := range positions {
		price, ok, err := r.feed.CurrentPrice(ctx, p.AssetID)
		if err != nil {
			r.logger.Warn("price lookup failed during revaluation",
				"asset_id", p.AssetID,
				"error", err,
			)
		}
		if err != nil || !ok {
			price = p.AverageCost
		}
		vals = append(vals, domain.Valuation{
			Quantity:  p.Quantity,
			Price:     price,
			CostBasis: p.TotalCostBasis,
		})
	}
	return vals
}
