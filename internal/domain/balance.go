package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the portfolio-level ledger.
//
// TotalValue == Cash + PositionsValue and BuyingPower == Cash - ReservedCash
// hold after every mutation. There is no margin: MarginUsed stays zero and
// MarginAvailable mirrors BuyingPower.
type Balance struct {
	UserID          string
	PortfolioID     string
	Cash            decimal.Decimal
	ReservedCash    decimal.Decimal
	BuyingPower     decimal.Decimal
	PositionsValue  decimal.Decimal
	RealizedPnL     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	TotalPnL        decimal.Decimal
	TotalValue      decimal.Decimal
	DayStartValue   decimal.Decimal
	DayPnL          decimal.Decimal
	MarginUsed      decimal.Decimal
	MarginAvailable decimal.Decimal
	LastTradeAt     *time.Time
	UpdatedAt       time.Time
}

// Valuation is one open position priced for revaluation.
type Valuation struct {
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	CostBasis decimal.Decimal
}

// NewBalance opens a ledger with the given starting cash.
func NewBalance(key PortfolioKey, cash decimal.Decimal, at time.Time) *Balance {
	return &Balance{
		UserID:          key.UserID,
		PortfolioID:     key.PortfolioID,
		Cash:            cash,
		BuyingPower:     cash,
		TotalValue:      cash,
		DayStartValue:   cash,
		MarginAvailable: cash,
		UpdatedAt:       at,
	}
}

// Key returns the portfolio scope of the balance.
func (b *Balance) Key() PortfolioKey {
	return PortfolioKey{UserID: b.UserID, PortfolioID: b.PortfolioID}
}

func (b *Balance) syncBuyingPower() {
	b.BuyingPower = b.Cash.Sub(b.ReservedCash)
	b.MarginAvailable = b.BuyingPower
}

// Reserve sets aside amount of buying power for a pending buy order.
func (b *Balance) Reserve(amount decimal.Decimal, at time.Time) error {
	if b.BuyingPower.LessThan(amount) {
		return Reject(ReasonInsufficientFunds, "required %s, available %s", amount.StringFixed(2), b.BuyingPower.StringFixed(2))
	}
	b.ReservedCash = b.ReservedCash.Add(amount)
	b.syncBuyingPower()
	b.UpdatedAt = at
	return nil
}

// Release returns a reservation to buying power.
func (b *Balance) Release(amount decimal.Decimal, at time.Time) error {
	if amount.IsZero() {
		return nil
	}
	if amount.GreaterThan(b.ReservedCash.Add(Tolerance)) {
		return invariant(b.Key(), "release of %s exceeds reserved cash %s", amount, b.ReservedCash)
	}
	b.ReservedCash = b.ReservedCash.Sub(amount)
	if b.ReservedCash.IsNegative() {
		b.ReservedCash = decimal.Zero
	}
	b.syncBuyingPower()
	b.UpdatedAt = at
	return nil
}

// ApplyTrade moves cash for a trade, books realized PnL on sells and
// consumes release of the order's reservation.
func (b *Balance) ApplyTrade(t *Trade, release decimal.Decimal) error {
	switch t.Side {
	case SideBuy:
		b.Cash = b.Cash.Sub(t.TotalValue).Sub(t.Fees)
	case SideSell:
		b.Cash = b.Cash.Add(t.TotalValue).Sub(t.Fees)
		b.RealizedPnL = b.RealizedPnL.Add(t.RealizedPnL())
	}
	at := t.ExecutedAt
	b.LastTradeAt = &at
	return b.Release(release, at)
}

// Revalue recomputes the mark-to-market fields from the priced positions.
func (b *Balance) Revalue(vals []Valuation, at time.Time) {
	positionsValue := decimal.Zero
	unrealized := decimal.Zero
	for _, v := range vals {
		value := v.Quantity.Mul(v.Price)
		positionsValue = positionsValue.Add(value)
		unrealized = unrealized.Add(value.Sub(v.CostBasis))
	}
	b.PositionsValue = positionsValue
	b.UnrealizedPnL = unrealized
	b.TotalValue = b.Cash.Add(positionsValue)
	b.TotalPnL = b.RealizedPnL.Add(unrealized)
	b.DayPnL = b.TotalValue.Sub(b.DayStartValue)
	b.MarginUsed = decimal.Zero
	b.syncBuyingPower()
	b.UpdatedAt = at
}

// Check verifies the balance identities.
func (b *Balance) Check() error {
	if b.Cash.IsNegative() {
		return invariant(b.Key(), "negative cash %s", b.Cash)
	}
	if b.ReservedCash.IsNegative() {
		return invariant(b.Key(), "negative reserved cash %s", b.ReservedCash)
	}
	if b.BuyingPower.GreaterThan(b.Cash.Add(Tolerance)) {
		return invariant(b.Key(), "buying power %s exceeds cash %s", b.BuyingPower, b.Cash)
	}
	if !ApproxEqual(b.TotalValue, b.Cash.Add(b.PositionsValue)) {
		return invariant(b.Key(), "total value %s != cash %s + positions %s", b.TotalValue, b.Cash, b.PositionsValue)
	}
	return nil
}

// Clone returns a copy of the balance.
func (b *Balance) Clone() *Balance {
	c := *b
	if b.LastTradeAt != nil {
		t := *b.LastTradeAt
		c.LastTradeAt = &t
	}
	return &c
}
