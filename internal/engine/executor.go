package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Executor turns one fill of one order into a Trade. All checks and writes
// happen inside the caller's ledger transaction.
type Executor struct {
	feeRate    decimal.Decimal
	reconciler *Reconciler
	now        func() time.Time
}

// NewExecutor creates an Executor charging feeRate on the notional of
// every fill.
func NewExecutor(feeRate decimal.Decimal, reconciler *Reconciler) *Executor {
	return &Executor{
		feeRate:    feeRate,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// FeeRate returns the fee rate charged per fill.
func (x *Executor) FeeRate() decimal.Decimal {
	return x.feeRate
}

// Execute fills qty of order at price. order must have been read through
// tx and is advanced in place. counterOrderID links the two legs of a
// limit-limit cross and is empty otherwise.
//
// Sufficiency is checked here, inside the transaction: a buy needs buying
// power plus the reservation this fill frees to cover price×qty plus fees;
// a sell needs at least qty held. Failing either returns a
// *domain.Rejection and writes nothing.
func (x *Executor) Execute(ctx context.Context, tx store.Tx, order *domain.Order, price, qty decimal.Decimal, counterOrderID string) (*domain.Trade, error) {
	if !order.IsOpen() || !qty.IsPositive() || qty.GreaterThan(order.Remaining()) {
		return nil, fmt.Errorf("%w: %s is %s with %s remaining, fill of %s",
			ErrStaleOrder, order.ID, order.Status, order.Remaining(), qty)
	}
	if !price.IsPositive() {
		return nil, domain.Reject(domain.ReasonPriceUnavailable, "non-positive price %s for %s", price, order.AssetID)
	}

	key := order.Key()
	total := price.Mul(qty)
	fees := total.Mul(x.feeRate)
	release := order.ReservationRelease(qty)

	trade := &domain.Trade{
		ID:             uuid.New().String(),
		UserID:         order.UserID,
		PortfolioID:    order.PortfolioID,
		AssetID:        order.AssetID,
		OrderID:        order.ID,
		CounterOrderID: counterOrderID,
		Side:           order.Side,
		Quantity:       qty,
		Price:          price,
		TotalValue:     total,
		Fees:           fees,
		ExecutedAt:     x.now(),
	}

	switch order.Side {
	case domain.SideBuy:
		bal, err := tx.Balance(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load balance: %w", err)
		}
		required := total.Add(fees)
		if bal.BuyingPower.Add(release).LessThan(required) {
			return nil, domain.Reject(domain.ReasonInsufficientFunds,
				"required %s, available %s", required.StringFixed(2), bal.BuyingPower.Add(release).StringFixed(2))
		}
	case domain.SideSell:
		pos, err := tx.Position(ctx, key, order.AssetID)
		if err != nil {
			return nil, fmt.Errorf("load position: %w", err)
		}
		held := decimal.Zero
		if pos != nil {
			held = pos.Quantity
		}
		if held.LessThan(qty) {
			return nil, domain.Reject(domain.ReasonInsufficientPosition,
				"required %s %s, held %s", qty, order.AssetID, held)
		}
		costBasis := pos.AverageCost.Mul(qty)
		pnl := price.Sub(pos.AverageCost).Mul(qty).Sub(fees)
		pnlPct := decimal.Zero
		if pos.AverageCost.IsPositive() {
			pnlPct = price.Sub(pos.AverageCost).Div(pos.AverageCost).Mul(hundred)
		}
		trade.CostBasis = &costBasis
		trade.PnL = &pnl
		trade.PnLPercent = &pnlPct
	}

	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}
	if _, _, err := x.reconciler.Apply(ctx, tx, trade, release); err != nil {
		return nil, err
	}
	if err := order.ApplyFill(qty, price, fees, release, trade.ExecutedAt); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	return trade, nil
}
