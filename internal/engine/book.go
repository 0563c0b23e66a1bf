package engine

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
)

// OrderBookEntry represents a single limit order resting on the book.
type OrderBookEntry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	OrderID   string
	Order     *domain.Order
}

// bidLess defines ordering for the bid side: price descending, then
// created_at ascending, then order_id ascending. This means Min()
// returns the best bid (highest price, earliest time).
func bidLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess defines ordering for the ask side: price ascending, then
// created_at ascending, then order_id ascending. Min() returns the
// best ask (lowest price, earliest time).
func askLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// OrderBook holds the open limit orders of one asset for the duration of a
// matching cycle. It is rebuilt from the order store every cycle and is
// only touched by the goroutine running that cycle.
type OrderBook struct {
	asset string
	bids  *btree.BTreeG[OrderBookEntry]
	asks  *btree.BTreeG[OrderBookEntry]
	index map[string]OrderBookEntry // order_id → entry
}

// NewOrderBook creates an empty order book for the given asset.
func NewOrderBook(asset string) *OrderBook {
	const degree = 32
	return &OrderBook{
		asset: asset,
		bids:  btree.NewG[OrderBookEntry](degree, bidLess),
		asks:  btree.NewG[OrderBookEntry](degree, askLess),
		index: make(map[string]OrderBookEntry),
	}
}

// Insert places an open limit order on the side it belongs to. Market
// orders and orders without a limit price are ignored.
func (ob *OrderBook) Insert(o *domain.Order) {
	if o.Kind != domain.OrderKindLimit || o.LimitPrice == nil {
		return
	}
	entry := OrderBookEntry{
		Price:     *o.LimitPrice,
		CreatedAt: o.CreatedAt,
		OrderID:   o.ID,
		Order:     o,
	}
	if o.Side == domain.SideBuy {
		ob.bids.ReplaceOrInsert(entry)
	} else {
		ob.asks.ReplaceOrInsert(entry)
	}
	ob.index[o.ID] = entry
}

// Remove deletes an order from the book by order ID using the
// secondary index.
func (ob *OrderBook) Remove(orderID string) {
	entry, ok := ob.index[orderID]
	if !ok {
		return
	}
	delete(ob.index, orderID)
	if entry.Order.Side == domain.SideBuy {
		ob.bids.Delete(entry)
	} else {
		ob.asks.Delete(entry)
	}
}

// BestBid returns the highest-priority bid (highest price, earliest time).
func (ob *OrderBook) BestBid() (OrderBookEntry, bool) {
	return ob.bids.Min()
}

// BestAsk returns the highest-priority ask (lowest price, earliest time).
func (ob *OrderBook) BestAsk() (OrderBookEntry, bool) {
	return ob.asks.Min()
}

// Crossed reports whether the best bid is at or above the best ask.
func (ob *OrderBook) Crossed() (bid, ask OrderBookEntry, ok bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return bid, ask, false
	}
	return bid, ask, bid.Price.GreaterThanOrEqual(ask.Price)
}

// WalkBids iterates bids in order (highest price first). The callback
// returns true to continue, false to stop.
func (ob *OrderBook) WalkBids(fn func(OrderBookEntry) bool) {
	ob.bids.Ascend(fn)
}

// WalkAsks iterates asks in order (lowest price first). The callback
// returns true to continue, false to stop.
func (ob *OrderBook) WalkAsks(fn func(OrderBookEntry) bool) {
	ob.asks.Ascend(fn)
}

// BidCount returns the number of bid orders on the book.
func (ob *OrderBook) BidCount() int {
	return ob.bids.Len()
}

// AskCount returns the number of ask orders on the book.
func (ob *OrderBook) AskCount() int {
	return ob.asks.Len()
}
