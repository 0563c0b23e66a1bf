// Package engine matches open orders against each other and against the
// current market price, and books every fill into the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/metrics"
	"github.com/efreitasn/matchledger/internal/store"
)

var (
	// ErrCycleInProgress is returned by ProcessCycle when another cycle is
	// still running.
	ErrCycleInProgress = errors.New("matching cycle already in progress")

	// ErrStaleOrder means the order changed between being listed and being
	// locked, so the attempt was dropped.
	ErrStaleOrder = errors.New("order changed since it was read")

	// ErrPortfolioHalted is returned for work on a portfolio that was
	// halted after an invariant breach.
	ErrPortfolioHalted = errors.New("portfolio halted")
)

var two = decimal.NewFromInt(2)

// PriceFeed supplies the current tradable price of an asset. ok is false
// when the feed has no price for it.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, assetID string) (price decimal.Decimal, ok bool, err error)
}

// Notifier is told about fills and cancellations after they commit. It
// must not block; delivery failures are its own concern.
type Notifier interface {
	OrderFilled(userID string, order *domain.Order, trade *domain.Trade)
	OrderCancelled(order *domain.Order)
}

// CycleResult summarizes one matching cycle.
type CycleResult struct {
	Assets          int
	SkippedAssets   int
	Trades          int
	Rejections      int
	TransientErrors int
	Halted          int
}

// Engine runs matching cycles. At most one cycle runs at a time; fills are
// serialized against submissions and cancels by the ledger's per-portfolio
// locks.
type Engine struct {
	orders   store.OrderReader
	ledger   store.Ledger
	feed     PriceFeed
	executor *Executor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	cycleMu sync.Mutex

	haltMu sync.RWMutex
	halted map[domain.PortfolioKey]string
}

// New creates an Engine. notifier may be nil.
func New(
	orders store.OrderReader,
	ledger store.Ledger,
	feed PriceFeed,
	executor *Executor,
	notifier Notifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		orders:   orders,
		ledger:   ledger,
		feed:     feed,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		halted:   make(map[domain.PortfolioKey]string),
	}
}

// Start launches a background goroutine that runs a matching cycle every
// interval. It stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

func (e *Engine) tick(ctx context.Context) {
	res, err := e.ProcessCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		e.logger.Debug("matching cycle skipped, previous still running")
	case err != nil:
		e.logger.Warn("matching cycle failed", "error", err)
	case res.Trades > 0 || res.Rejections > 0 || res.Halted > 0:
		e.logger.Info("matching cycle completed",
			"assets", res.Assets,
			"skipped_assets", res.SkippedAssets,
			"trades", res.Trades,
			"rejections", res.Rejections,
			"transient_errors", res.TransientErrors,
			"halted", res.Halted,
		)
	}
}

// ProcessCycle runs one matching pass over every open order. Per asset, in
// order: market orders fill completely at the market price, crossing limit
// orders fill against each other at the midpoint of their limits, and the
// limits left marketable fill at the market price.
//
// A failure confined to one asset or one order never aborts the cycle.
func (e *Engine) ProcessCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if !e.cycleMu.TryLock() {
		metrics.RecordCycleSkipped()
		return res, ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	start := time.Now()

	open, err := e.orders.ListOpen(ctx)
	if err != nil {
		metrics.RecordTransientError("list")
		return res, fmt.Errorf("list open orders: %w", err)
	}

	byAsset := make(map[string][]*domain.Order)
	for _, o := range open {
		if e.IsHalted(o.Key()) {
			continue
		}
		byAsset[o.AssetID] = append(byAsset[o.AssetID], o)
	}
	assets := make([]string, 0, len(byAsset))
	for a := range byAsset {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Assets++

		price, ok, err := e.feed.CurrentPrice(ctx, asset)
		if err != nil {
			res.SkippedAssets++
			metrics.RecordAssetSkipped(asset, "price_error")
			e.logger.Warn("price lookup failed, skipping asset", "asset_id", asset, "error", err)
			continue
		}
		if !ok {
			res.SkippedAssets++
			metrics.RecordAssetSkipped(asset, "price_unavailable")
			e.logger.Debug("no price, skipping asset", "asset_id", asset)
			continue
		}

		e.processAsset(ctx, asset, price, byAsset[asset], &res)
	}

	metrics.RecordCycle(time.Since(start))
	return res, nil
}

func (e *Engine) processAsset(ctx context.Context, asset string, price decimal.Decimal, orders []*domain.Order, res *CycleResult) {
	book := NewOrderBook(asset)

	// Step 1: market orders, oldest first.
	for _, o := range orders {
		if o.Kind == domain.OrderKindMarket {
			e.executeMarket(ctx, o, price, res)
			continue
		}
		book.Insert(o)
	}

	// Step 2: limit-limit crossing at the midpoint.
	for {
		bid, ask, crossed := book.Crossed()
		if !crossed {
			break
		}
		qty := domain.MinDecimal(bid.Order.Remaining(), ask.Order.Remaining())
		mid := bid.Price.Add(ask.Price).Div(two)

		updated, err := e.fill(ctx, mid,
			leg{order: bid.Order, qty: qty, counter: ask.OrderID},
			leg{order: ask.Order, qty: qty, counter: bid.OrderID},
		)
		if err != nil {
			e.handleFillError(ctx, "cross", err, res)
			var le *legError
			if errors.As(err, &le) && isRejection(le.err) {
				// Only the rejected side sits out; the other may still cross.
				book.Remove(le.order.ID)
			} else {
				book.Remove(bid.OrderID)
				book.Remove(ask.OrderID)
			}
			e.dropHalted(book)
			continue
		}
		res.Trades += len(updated)

		for i, entry := range []OrderBookEntry{bid, ask} {
			*entry.Order = *updated[i]
			if !entry.Order.IsOpen() {
				book.Remove(entry.OrderID)
			}
		}
	}

	// Step 3: sweep limits that are marketable at the current price.
	var sweep []*domain.Order
	book.WalkBids(func(entry OrderBookEntry) bool {
		if entry.Price.LessThan(price) {
			return false
		}
		sweep = append(sweep, entry.Order)
		return true
	})
	book.WalkAsks(func(entry OrderBookEntry) bool {
		if entry.Price.GreaterThan(price) {
			return false
		}
		sweep = append(sweep, entry.Order)
		return true
	})
	for _, o := range sweep {
		if e.IsHalted(o.Key()) {
			continue
		}
		if _, err := e.fill(ctx, price, leg{order: o, qty: o.Remaining()}); err != nil {
			e.handleFillError(ctx, "sweep", err, res)
			continue
		}
		res.Trades++
	}
}

// executeMarket fills a market order completely at price. A rejection
// cancels the order with the rejection reason.
func (e *Engine) executeMarket(ctx context.Context, o *domain.Order, price decimal.Decimal, res *CycleResult) (*domain.Trade, *domain.Order, error) {
	if e.IsHalted(o.Key()) {
		return nil, o, fmt.Errorf("%w: %s", ErrPortfolioHalted, o.Key())
	}

	updated, trades, err := e.fillWithTrades(ctx, price, leg{order: o, qty: o.Remaining()})
	if err == nil {
		res.Trades++
		return trades[0], updated[0], nil
	}

	e.handleFillError(ctx, "market", err, res)
	if r, ok := domain.AsRejection(err); ok {
		cancelled, cerr := e.cancel(ctx, o.ID, r.Reason)
		if cerr != nil {
			e.logger.Warn("cancel of rejected market order failed", "order_id", o.ID, "error", cerr)
			return nil, o, err
		}
		return nil, cancelled, err
	}
	return nil, o, err
}

// ExecuteMarketNow executes a freshly submitted market order outside the
// periodic cycle. Without a price the order is left pending for the next
// cycle and no trade is returned.
func (e *Engine) ExecuteMarketNow(ctx context.Context, orderID string) (*domain.Trade, *domain.Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Kind != domain.OrderKindMarket || !o.IsOpen() {
		return nil, o, nil
	}

	price, ok, err := e.feed.CurrentPrice(ctx, o.AssetID)
	if err != nil {
		metrics.RecordTransientError("market")
		e.logger.Warn("price lookup failed, market order left for next cycle",
			"order_id", o.ID, "asset_id", o.AssetID, "error", err)
		return nil, o, nil
	}
	if !ok {
		return nil, o, nil
	}

	var res CycleResult
	trade, updated, err := e.executeMarket(ctx, o, price, &res)
	if errors.Is(err, ErrStaleOrder) {
		// A cycle got there first; report the order as it is now.
		current, gerr := e.orders.Get(ctx, orderID)
		if gerr != nil {
			return nil, nil, gerr
		}
		return nil, current, nil
	}
	return trade, updated, err
}

// Cancel cancels an open order on behalf of its owner, releasing any
// reservation it still holds in the same transaction.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.cancel(ctx, orderID, domain.ReasonUserCancelled)
	if err != nil {
		if r, ok := domain.AsRejection(err); ok {
			metrics.RecordRejection(string(r.Reason))
		} else {
			var inv *domain.InvariantError
			if errors.As(err, &inv) {
				e.recordInvariant(inv)
			} else if !errors.Is(err, domain.ErrOrderNotFound) {
				metrics.RecordTransientError("cancel")
			}
		}
		return nil, err
	}
	return o, nil
}

func (e *Engine) cancel(ctx context.Context, orderID string, reason domain.RejectionReason) (*domain.Order, error) {
	snapshot, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var cancelled *domain.Order
	err = e.ledger.Atomically(ctx, []domain.PortfolioKey{snapshot.Key()}, func(tx store.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		released, err := o.Cancel(reason, e.now())
		if err != nil {
			return err
		}
		if released.IsPositive() {
			bal, err := tx.Balance(ctx, o.Key())
			if err != nil {
				return fmt.Errorf("load balance: %w", err)
			}
			if err := bal.Release(released, e.now()); err != nil {
				return err
			}
			if err := tx.PutBalance(ctx, bal); err != nil {
				return fmt.Errorf("save balance: %w", err)
			}
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled", "order_id", cancelled.ID, "reason", reason)
	if e.notifier != nil {
		e.notifier.OrderCancelled(cancelled.Clone())
	}
	return cancelled, nil
}

// leg is one order's side of a fill.
type leg struct {
	order   *domain.Order // snapshot the fill was planned against
	qty     decimal.Decimal
	counter string
}

// legError attributes a failed fill to the leg that caused it.
type legError struct {
	order *domain.Order
	err   error
}

func (e *legError) Error() string {
	return fmt.Sprintf("order %s: %v", e.order.ID, e.err)
}

func (e *legError) Unwrap() error {
	return e.err
}

// fill executes every leg at price in one ledger transaction over all the
// legs' portfolios, and returns the updated orders in leg order. Each order
// is re-read under lock and must still match its snapshot.
func (e *Engine) fill(ctx context.Context, price decimal.Decimal, legs ...leg) ([]*domain.Order, error) {
	updated, _, err := e.fillWithTrades(ctx, price, legs...)
	return updated, err
}

func (e *Engine) fillWithTrades(ctx context.Context, price decimal.Decimal, legs ...leg) ([]*domain.Order, []*domain.Trade, error) {
	keys := make([]domain.PortfolioKey, 0, len(legs))
	for _, l := range legs {
		keys = append(keys, l.order.Key())
	}

	var (
		updated []*domain.Order
		trades  []*domain.Trade
	)
	err := e.ledger.Atomically(ctx, keys, func(tx store.Tx) error {
		updated = updated[:0]
		trades = trades[:0]
		for _, l := range legs {
			o, err := tx.Order(ctx, l.order.ID)
			if err != nil {
				return &legError{order: l.order, err: err}
			}
			if !o.IsOpen() || !o.FilledQuantity.Equal(l.order.FilledQuantity) {
				return &legError{order: l.order, err: ErrStaleOrder}
			}
			t, err := e.executor.Execute(ctx, tx, o, price, l.qty, l.counter)
			if err != nil {
				return &legError{order: l.order, err: err}
			}
			updated = append(updated, o)
			trades = append(trades, t)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for i, t := range trades {
		o := updated[i]
		metrics.RecordTrade(t.AssetID, string(t.Side), t.Quantity.InexactFloat64())
		e.logger.Info("trade executed",
			"trade_id", t.ID,
			"order_id", o.ID,
			"asset_id", t.AssetID,
			"side", t.Side,
			"quantity", t.Quantity.String(),
			"price", t.Price.String(),
			"status", o.Status,
		)
		if e.notifier != nil {
			e.notifier.OrderFilled(o.UserID, o.Clone(), t)
		}
	}
	return updated, trades, nil
}

func isRejection(err error) bool {
	_, ok := domain.AsRejection(err)
	return ok
}

// handleFillError classifies a failed fill: rejections are recorded on the
// order, invariant breaches halt the portfolio, stale orders are dropped
// silently and anything else is transient.
func (e *Engine) handleFillError(ctx context.Context, stage string, err error, res *CycleResult) {
	var (
		le  *legError
		inv *domain.InvariantError
	)
	errors.As(err, &le)

	switch {
	case errors.As(err, &inv):
		res.Halted++
		e.recordInvariant(inv)
	case isRejection(err):
		r, _ := domain.AsRejection(err)
		res.Rejections++
		metrics.RecordRejection(string(r.Reason))
		e.logger.Info("execution rejected", "stage", stage, "reason", r.Reason, "error", err)
		if le != nil && le.order.Kind == domain.OrderKindLimit {
			e.noteRejection(ctx, le.order, r.Reason)
		}
	case errors.Is(err, ErrStaleOrder):
		e.logger.Debug("stale order skipped", "stage", stage, "error", err)
	default:
		res.TransientErrors++
		metrics.RecordTransientError(stage)
		e.logger.Warn("execution failed, will retry next cycle", "stage", stage, "error", err)
	}
}

// noteRejection records why an open limit order could not fill. The order
// stays open. Nothing is written when the reason is unchanged, so repeated
// cycles over unchanged state leave the store untouched.
func (e *Engine) noteRejection(ctx context.Context, snapshot *domain.Order, reason domain.RejectionReason) {
	if snapshot.RejectionReason == reason {
		return
	}
	err := e.ledger.Atomically(ctx, []domain.PortfolioKey{snapshot.Key()}, func(tx store.Tx) error {
		o, err := tx.Order(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if !o.IsOpen() || o.RejectionReason == reason {
			return nil
		}
		o.RejectionReason = reason
		o.UpdatedAt = e.now()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		e.logger.Warn("recording rejection reason failed", "order_id", snapshot.ID, "error", err)
		return
	}
	snapshot.RejectionReason = reason
}

func (e *Engine) recordInvariant(inv *domain.InvariantError) {
	metrics.RecordInvariantBreach()
	e.logger.Error("ledger invariant violated, halting portfolio",
		"user_id", inv.Key.UserID,
		"portfolio_id", inv.Key.PortfolioID,
		"detail", inv.Detail,
	)
	e.haltMu.Lock()
	defer e.haltMu.Unlock()

	e.halted[inv.Key] = inv.Detail
	metrics.SetHaltedPortfolios(len(e.halted))
}

// dropHalted removes orders of halted portfolios from the book.
func (e *Engine) dropHalted(book *OrderBook) {
	var ids []string
	collect := func(entry OrderBookEntry) bool {
		if e.IsHalted(entry.Order.Key()) {
			ids = append(ids, entry.OrderID)
		}
		return true
	}
	book.WalkBids(collect)
	book.WalkAsks(collect)
	for _, id := range ids {
		book.Remove(id)
	}
}

// IsHalted reports whether matching is suspended for the portfolio.
func (e *Engine) IsHalted(key domain.PortfolioKey) bool {
	e.haltMu.RLock()
	defer e.haltMu.RUnlock()

	_, ok := e.halted[key]
	return ok
}

// Halted returns the halted portfolios with the breach that halted each.
func (e *Engine) Halted() map[domain.PortfolioKey]string {
	e.haltMu.RLock()
	defer e.haltMu.RUnlock()

	out := make(map[domain.PortfolioKey]string, len(e.halted))
	for k, v := range e.halted {
		out[k] = v
	}
	return out
}

// Resume lifts a halt after an operator has repaired the portfolio. It
// reports whether the portfolio was halted.
func (e *Engine) Resume(key domain.PortfolioKey) bool {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()

	_, ok := e.halted[key]
	delete(e.halted, key)
	metrics.SetHaltedPortfolios(len(e.halted))
	if ok {
		e.logger.Info("portfolio resumed", "user_id", key.UserID, "portfolio_id", key.PortfolioID)
	}
	return ok
}
