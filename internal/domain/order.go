package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind distinguishes limit orders from market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// Side indicates whether an order buys or sells the asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// ValidOrderStatuses lists all order status values.
var ValidOrderStatuses = map[OrderStatus]bool{
	OrderStatusPending:         true,
	OrderStatusPartiallyFilled: true,
	OrderStatusFilled:          true,
	OrderStatusCancelled:       true,
	OrderStatusRejected:        true,
}

// Terminal reports whether no further fills or cancels are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a request to trade a quantity of one asset on one side.
type Order struct {
	ID               string
	UserID           string
	PortfolioID      string
	AssetID          string
	Side             Side
	Kind             OrderKind
	Quantity         decimal.Decimal
	LimitPrice       *decimal.Decimal // nil for market orders
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Fees             decimal.Decimal
	ReservedAmount   decimal.Decimal // buying power still held by a buy limit order
	Status           OrderStatus
	RejectionReason  RejectionReason
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FilledAt         *time.Time
	CancelledAt      *time.Time
}

// Key returns the portfolio scope the order belongs to.
func (o *Order) Key() PortfolioKey {
	return PortfolioKey{UserID: o.UserID, PortfolioID: o.PortfolioID}
}

// Remaining returns the quantity still to be filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsOpen reports whether the order can still be matched.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartiallyFilled
}

// Limit returns the limit price, or zero for market orders.
func (o *Order) Limit() decimal.Decimal {
	if o.LimitPrice == nil {
		return decimal.Zero
	}
	return *o.LimitPrice
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		c.LimitPrice = &p
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// ReservationFor returns the buying power a buy limit order reserves at
// submission: limit × quantity × (1 + feeRate). Zero for everything else.
func ReservationFor(kind OrderKind, side Side, limit, quantity, feeRate decimal.Decimal) decimal.Decimal {
	if kind != OrderKindLimit || side != SideBuy {
		return decimal.Zero
	}
	return limit.Mul(quantity).Mul(decimal.NewFromInt(1).Add(feeRate))
}

// ReservationRelease returns the share of ReservedAmount freed by filling qty.
// The fill that completes the order releases whatever is left, so no dust
// survives rounding.
func (o *Order) ReservationRelease(qty decimal.Decimal) decimal.Decimal {
	if !o.ReservedAmount.IsPositive() {
		return decimal.Zero
	}
	remaining := o.Remaining()
	if qty.GreaterThanOrEqual(remaining) {
		return o.ReservedAmount
	}
	return o.ReservedAmount.Mul(qty).Div(remaining)
}

// ApplyFill records an execution of qty at price. The average fill price is
// quantity-weighted across all fills of the order.
func (o *Order) ApplyFill(qty, price, fees, release decimal.Decimal, at time.Time) error {
	if !o.IsOpen() {
		return invariant(o.Key(), "fill on %s order %s", o.Status, o.ID)
	}
	if !qty.IsPositive() || qty.GreaterThan(o.Remaining()) {
		return invariant(o.Key(), "fill of %s exceeds remaining %s on order %s", qty, o.Remaining(), o.ID)
	}
	newFilled := o.FilledQuantity.Add(qty)
	o.AverageFillPrice = o.AverageFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty)).Div(newFilled)
	o.FilledQuantity = newFilled
	o.Fees = o.Fees.Add(fees)
	o.ReservedAmount = o.ReservedAmount.Sub(release)
	o.UpdatedAt = at
	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = OrderStatusFilled
		o.FilledAt = &at
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel moves an open order to cancelled and returns the reservation it
// still held, which the caller must release in the same transaction.
func (o *Order) Cancel(reason RejectionReason, at time.Time) (decimal.Decimal, error) {
	if !o.IsOpen() {
		return decimal.Zero, Reject(ReasonInvalidCancelTarget, "order %s is %s", o.ID, o.Status)
	}
	released := o.ReservedAmount
	o.ReservedAmount = decimal.Zero
	o.Status = OrderStatusCancelled
	o.RejectionReason = reason
	o.CancelledAt = &at
	o.UpdatedAt = at
	return released, nil
}
