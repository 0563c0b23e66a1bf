package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertBalanceSQL = `INSERT INTO balances (
		user_id, portfolio_id, cash, reserved_cash, buying_power, positions_value,
		realized_pnl, unrealized_pnl, total_pnl, total_value, day_start_value,
		day_pnl, margin_used, margin_available, last_trade_at, updated_at
	) VALUES (
		$1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric,
		$7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric,
		$12::numeric, $13::numeric, $14::numeric, $15, $16
	)`

func balanceArgs(b *domain.Balance) []any {
	return []any{
		b.UserID, b.PortfolioID, b.Cash.String(), b.ReservedCash.String(),
		b.BuyingPower.String(), b.PositionsValue.String(), b.RealizedPnL.String(),
		b.UnrealizedPnL.String(), b.TotalPnL.String(), b.TotalValue.String(),
		b.DayStartValue.String(), b.DayPnL.String(), b.MarginUsed.String(),
		b.MarginAvailable.String(), b.LastTradeAt, b.UpdatedAt,
	}
}

func getBalance(ctx context.Context, q querier, key domain.PortfolioKey, forUpdate bool) (*domain.Balance, error) {
	sql := `SELECT ` + balanceColumns + ` FROM balances WHERE user_id = $1 AND portfolio_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	b, err := scanBalance(q.QueryRow(ctx, sql, key.UserID, key.PortfolioID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func listPositions(ctx context.Context, q querier, key domain.PortfolioKey) ([]*domain.Position, error) {
	rows, err := q.Query(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND portfolio_id = $2 ORDER BY asset_id`, key.UserID, key.PortfolioID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return collect(rows, scanPosition)
}

// pgTx adapts a pgx.Tx to store.Tx.
type pgTx struct {
	tx     pgx.Tx
	locked map[domain.PortfolioKey]bool
}

func (t *pgTx) check(key domain.PortfolioKey) error {
	if !t.locked[key] {
		return fmt.Errorf("%w: %s", store.ErrKeyNotLocked, key)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id string) (*domain.Order, error) {
	o, err := getOrder(ctx, t.tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := t.check(o.Key()); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if err := t.check(o.Key()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (
			id, user_id, portfolio_id, asset_id, side, kind, quantity, limit_price,
			filled_quantity, average_fill_price, fees, reserved_amount, status,
			rejection_reason, created_at, updated_at, filled_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13,
			$14, $15, $16, $17, $18
		)`,
		o.ID, o.UserID, o.PortfolioID, o.AssetID, string(o.Side), string(o.Kind),
		o.Quantity.String(), optString(o.LimitPrice), o.FilledQuantity.String(),
		o.AverageFillPrice.String(), o.Fees.String(), o.ReservedAmount.String(),
		string(o.Status), string(o.RejectionReason), o.CreatedAt, o.UpdatedAt,
		o.FilledAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if err := t.check(o.Key()); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET
			filled_quantity = $2::numeric, average_fill_price = $3::numeric,
			fees = $4::numeric, reserved_amount = $5::numeric, status = $6,
			rejection_reason = $7, updated_at = $8, filled_at = $9, cancelled_at = $10
		WHERE id = $1`,
		o.ID, o.FilledQuantity.String(), o.AverageFillPrice.String(), o.Fees.String(),
		o.ReservedAmount.String(), string(o.Status), string(o.RejectionReason),
		o.UpdatedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	if err := t.check(tr.Key()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO trades (
			id, user_id, portfolio_id, asset_id, order_id, counter_order_id, side,
			quantity, price, total_value, fees, pnl, pnl_percent, cost_basis, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric, $14::numeric, $15
		)`,
		tr.ID, tr.UserID, tr.PortfolioID, tr.AssetID, tr.OrderID, tr.CounterOrderID,
		string(tr.Side), tr.Quantity.String(), tr.Price.String(), tr.TotalValue.String(),
		tr.Fees.String(), optString(tr.PnL), optString(tr.PnLPercent), optString(tr.CostBasis),
		tr.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	return getBalance(ctx, t.tx, key, true)
}

func (t *pgTx) PutBalance(ctx context.Context, b *domain.Balance) error {
	if err := t.check(b.Key()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, insertBalanceSQL+` ON CONFLICT (user_id, portfolio_id) DO UPDATE SET
			cash = EXCLUDED.cash,
			reserved_cash = EXCLUDED.reserved_cash,
			buying_power = EXCLUDED.buying_power,
			positions_value = EXCLUDED.positions_value,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			total_pnl = EXCLUDED.total_pnl,
			total_value = EXCLUDED.total_value,
			day_start_value = EXCLUDED.day_start_value,
			day_pnl = EXCLUDED.day_pnl,
			margin_used = EXCLUDED.margin_used,
			margin_available = EXCLUDED.margin_available,
			last_trade_at = EXCLUDED.last_trade_at,
			updated_at = EXCLUDED.updated_at`,
		balanceArgs(b)...)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

func (t *pgTx) Position(ctx context.Context, key domain.PortfolioKey, assetID string) (*domain.Position, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	p, err := scanPosition(t.tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND portfolio_id = $2 AND asset_id = $3 FOR UPDATE`,
		key.UserID, key.PortfolioID, assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (t *pgTx) Positions(ctx context.Context, key domain.PortfolioKey) ([]*domain.Position, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	return listPositions(ctx, t.tx, key)
}

func (t *pgTx) PutPosition(ctx context.Context, p *domain.Position) error {
	if err := t.check(p.Key()); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO positions (
			user_id, portfolio_id, asset_id, quantity, average_cost, total_cost_basis,
			first_buy_at, last_trade_at, total_buys, total_sells
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10)
		ON CONFLICT (user_id, portfolio_id, asset_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			average_cost = EXCLUDED.average_cost,
			total_cost_basis = EXCLUDED.total_cost_basis,
			last_trade_at = EXCLUDED.last_trade_at,
			total_buys = EXCLUDED.total_buys,
			total_sells = EXCLUDED.total_sells`,
		p.UserID, p.PortfolioID, p.AssetID, p.Quantity.String(), p.AverageCost.String(),
		p.TotalCostBasis.String(), p.FirstBuyAt, p.LastTradeAt, p.TotalBuys, p.TotalSells)
	if err != nil {
		return fmt.Errorf("put position: %w", err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, key domain.PortfolioKey, assetID string) error {
	if err := t.check(key); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM positions
		WHERE user_id = $1 AND portfolio_id = $2 AND asset_id = $3`,
		key.UserID, key.PortfolioID, assetID)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}
