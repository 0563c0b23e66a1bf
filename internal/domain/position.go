package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the holder's stake in one asset within one portfolio.
// A position whose quantity reaches zero is deleted, never stored as a zero row.
type Position struct {
	UserID         string
	PortfolioID    string
	AssetID        string
	Quantity       decimal.Decimal
	AverageCost    decimal.Decimal
	TotalCostBasis decimal.Decimal
	FirstBuyAt     time.Time
	LastTradeAt    time.Time
	TotalBuys      int
	TotalSells     int
}

// NewPosition opens a position from a first buy.
func NewPosition(key PortfolioKey, assetID string, qty, price decimal.Decimal, at time.Time) *Position {
	return &Position{
		UserID:         key.UserID,
		PortfolioID:    key.PortfolioID,
		AssetID:        assetID,
		Quantity:       qty,
		AverageCost:    price,
		TotalCostBasis: qty.Mul(price),
		FirstBuyAt:     at,
		LastTradeAt:    at,
		TotalBuys:      1,
	}
}

// Key returns the portfolio scope the position belongs to.
func (p *Position) Key() PortfolioKey {
	return PortfolioKey{UserID: p.UserID, PortfolioID: p.PortfolioID}
}

// ApplyBuy adds qty at price and recomputes the weighted average cost:
// (oldQty×oldAvg + qty×price) / (oldQty + qty).
func (p *Position) ApplyBuy(qty, price decimal.Decimal, at time.Time) {
	newQty := p.Quantity.Add(qty)
	p.AverageCost = p.Quantity.Mul(p.AverageCost).Add(qty.Mul(price)).Div(newQty)
	p.Quantity = newQty
	p.TotalCostBasis = newQty.Mul(p.AverageCost)
	p.LastTradeAt = at
	p.TotalBuys++
}

// ApplySell removes qty keeping the average cost unchanged. It reports
// closed=true when the position is fully liquidated and must be deleted.
// Selling more than held is an invariant breach.
func (p *Position) ApplySell(qty decimal.Decimal, at time.Time) (closed bool, err error) {
	if qty.GreaterThan(p.Quantity) {
		return false, invariant(p.Key(), "sell of %s %s exceeds held quantity %s", qty, p.AssetID, p.Quantity)
	}
	p.Quantity = p.Quantity.Sub(qty)
	p.TotalCostBasis = p.Quantity.Mul(p.AverageCost)
	p.LastTradeAt = at
	p.TotalSells++
	return p.Quantity.IsZero(), nil
}

// MarketValue returns quantity × price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// Unrealized returns the mark-to-market PnL and its percentage of average cost.
func (p *Position) Unrealized(price decimal.Decimal) (pnl, percent decimal.Decimal) {
	pnl = p.MarketValue(price).Sub(p.TotalCostBasis)
	if p.AverageCost.IsZero() {
		return pnl, decimal.Zero
	}
	percent = price.Sub(p.AverageCost).Div(p.AverageCost).Mul(hundred)
	return pnl, percent
}

// Check verifies quantity ≥ 0 and TotalCostBasis == Quantity × AverageCost.
func (p *Position) Check() error {
	if p.Quantity.IsNegative() {
		return invariant(p.Key(), "negative quantity %s for %s", p.Quantity, p.AssetID)
	}
	if !ApproxEqual(p.TotalCostBasis, p.Quantity.Mul(p.AverageCost)) {
		return invariant(p.Key(), "cost basis %s != %s × %s for %s",
			p.TotalCostBasis, p.Quantity, p.AverageCost, p.AssetID)
	}
	return nil
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}
