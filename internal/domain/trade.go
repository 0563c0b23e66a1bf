package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the immutable record of one execution against one order.
// PnL, PnLPercent and CostBasis are set on sells only.
type Trade struct {
	ID             string
	UserID         string
	PortfolioID    string
	AssetID        string
	OrderID        string
	CounterOrderID string // the opposing order of a limit-limit cross, empty otherwise
	Side           Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	TotalValue     decimal.Decimal
	Fees           decimal.Decimal
	PnL            *decimal.Decimal
	PnLPercent     *decimal.Decimal
	CostBasis      *decimal.Decimal
	ExecutedAt     time.Time
}

// Key returns the portfolio scope the trade belongs to.
func (t *Trade) Key() PortfolioKey {
	return PortfolioKey{UserID: t.UserID, PortfolioID: t.PortfolioID}
}

// RealizedPnL returns the sell PnL, or zero for buys.
func (t *Trade) RealizedPnL() decimal.Decimal {
	if t.PnL == nil {
		return decimal.Zero
	}
	return *t.PnL
}
