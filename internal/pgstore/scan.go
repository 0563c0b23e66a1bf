package pgstore

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
)

// Numeric columns are selected as ::text and written as $n::numeric so no
// precision is lost between PostgreSQL NUMERIC and decimal.Decimal.

const orderColumns = `id, user_id, portfolio_id, asset_id, side, kind,
	quantity::text, limit_price::text, filled_quantity::text,
	average_fill_price::text, fees::text, reserved_amount::text,
	status, rejection_reason, created_at, updated_at, filled_at, cancelled_at`

const balanceColumns = `user_id, portfolio_id, cash::text, reserved_cash::text,
	buying_power::text, positions_value::text, realized_pnl::text,
	unrealized_pnl::text, total_pnl::text, total_value::text,
	day_start_value::text, day_pnl::text, margin_used::text,
	margin_available::text, last_trade_at, updated_at`

const positionColumns = `user_id, portfolio_id, asset_id, quantity::text,
	average_cost::text, total_cost_basis::text, first_buy_at, last_trade_at,
	total_buys, total_sells`

const tradeColumns = `id, user_id, portfolio_id, asset_id, order_id,
	counter_order_id, side, quantity::text, price::text, total_value::text,
	fees::text, pnl::text, pnl_percent::text, cost_basis::text, executed_at`

// numParser collects the first parse failure so a row can be decoded
// without an error check per column.
type numParser struct {
	err error
}

func (p *numParser) dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d
}

func (p *numParser) opt(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := p.dec(*s)
	return &d
}

func optString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                                           domain.Order
		qty, filled, avg, fees, reserved, side, kind string
		status, reason                              string
		limit                                       *string
		filledAt, cancelledAt                       *time.Time
	)
	err := row.Scan(&o.ID, &o.UserID, &o.PortfolioID, &o.AssetID, &side, &kind,
		&qty, &limit, &filled, &avg, &fees, &reserved,
		&status, &reason, &o.CreatedAt, &o.UpdatedAt, &filledAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	var p numParser
	o.Side = domain.Side(side)
	o.Kind = domain.OrderKind(kind)
	o.Quantity = p.dec(qty)
	o.LimitPrice = p.opt(limit)
	o.FilledQuantity = p.dec(filled)
	o.AverageFillPrice = p.dec(avg)
	o.Fees = p.dec(fees)
	o.ReservedAmount = p.dec(reserved)
	o.Status = domain.OrderStatus(status)
	o.RejectionReason = domain.RejectionReason(reason)
	o.FilledAt = filledAt
	o.CancelledAt = cancelledAt
	if p.err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, p.err)
	}
	return &o, nil
}

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var (
		b                                                            domain.Balance
		cash, reserved, bp, posValue, realized, unrealized, totalPnL string
		total, dayStart, dayPnL, marginUsed, marginAvail             string
	)
	err := row.Scan(&b.UserID, &b.PortfolioID, &cash, &reserved, &bp, &posValue,
		&realized, &unrealized, &totalPnL, &total, &dayStart, &dayPnL,
		&marginUsed, &marginAvail, &b.LastTradeAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	var p numParser
	b.Cash = p.dec(cash)
	b.ReservedCash = p.dec(reserved)
	b.BuyingPower = p.dec(bp)
	b.PositionsValue = p.dec(posValue)
	b.RealizedPnL = p.dec(realized)
	b.UnrealizedPnL = p.dec(unrealized)
	b.TotalPnL = p.dec(totalPnL)
	b.TotalValue = p.dec(total)
	b.DayStartValue = p.dec(dayStart)
	b.DayPnL = p.dec(dayPnL)
	b.MarginUsed = p.dec(marginUsed)
	b.MarginAvailable = p.dec(marginAvail)
	if p.err != nil {
		return nil, fmt.Errorf("balance %s/%s: %w", b.UserID, b.PortfolioID, p.err)
	}
	return &b, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		pos             domain.Position
		qty, avg, basis string
	)
	err := row.Scan(&pos.UserID, &pos.PortfolioID, &pos.AssetID, &qty, &avg, &basis,
		&pos.FirstBuyAt, &pos.LastTradeAt, &pos.TotalBuys, &pos.TotalSells)
	if err != nil {
		return nil, err
	}

	var p numParser
	pos.Quantity = p.dec(qty)
	pos.AverageCost = p.dec(avg)
	pos.TotalCostBasis = p.dec(basis)
	if p.err != nil {
		return nil, fmt.Errorf("position %s/%s/%s: %w", pos.UserID, pos.PortfolioID, pos.AssetID, p.err)
	}
	return &pos, nil
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var (
		t                             domain.Trade
		side, qty, price, total, fees string
		pnl, pnlPct, costBasis        *string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.PortfolioID, &t.AssetID, &t.OrderID,
		&t.CounterOrderID, &side, &qty, &price, &total, &fees,
		&pnl, &pnlPct, &costBasis, &t.ExecutedAt)
	if err != nil {
		return nil, err
	}

	var p numParser
	t.Side = domain.Side(side)
	t.Quantity = p.dec(qty)
	t.Price = p.dec(price)
	t.TotalValue = p.dec(total)
	t.Fees = p.dec(fees)
	t.PnL = p.opt(pnl)
	t.PnLPercent = p.opt(pnlPct)
	t.CostBasis = p.opt(costBasis)
	if p.err != nil {
		return nil, fmt.Errorf("trade %s: %w", t.ID, p.err)
	}
	return &t, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
