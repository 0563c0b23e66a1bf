package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
	"github.com/efreitasn/matchledger/internal/metrics"
	"github.com/efreitasn/matchledger/internal/store"
)

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	UserID      string
	PortfolioID string
	AssetID     string
	Side        domain.Side
	Kind        domain.OrderKind
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal // required for limit, must be nil for market
}

// SubmitResult is the stored order after submission, and the trade when a
// market order executed immediately.
type SubmitResult struct {
	Order *domain.Order
	Trade *domain.Trade
}

// OrderService handles order submission, retrieval, cancellation, and listing.
type OrderService struct {
	engine  *engine.Engine
	orders  store.OrderReader
	ledger  store.Ledger
	feeRate decimal.Decimal
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	eng *engine.Engine,
	orders store.OrderReader,
	ledger store.Ledger,
	feeRate decimal.Decimal,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		engine:  eng,
		orders:  orders,
		ledger:  ledger,
		feeRate: feeRate,
		logger:  logger,
		now:     time.Now,
	}
}

func validateSubmit(req SubmitOrderRequest) error {
	if err := validateKey(domain.PortfolioKey{UserID: req.UserID, PortfolioID: req.PortfolioID}); err != nil {
		return err
	}
	if !assetRegex.MatchString(req.AssetID) {
		return &domain.ValidationError{Message: "asset_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	if !req.Quantity.IsPositive() {
		return &domain.ValidationError{Message: "quantity must be greater than 0"}
	}

	switch req.Kind {
	case domain.OrderKindLimit:
		if req.LimitPrice == nil {
			return &domain.ValidationError{Message: "limit_price is required for limit orders"}
		}
		if !req.LimitPrice.IsPositive() {
			return &domain.ValidationError{Message: "limit_price must be greater than 0"}
		}
	case domain.OrderKindMarket:
		if req.LimitPrice != nil {
			return &domain.ValidationError{Message: "market orders must not include limit_price"}
		}
	default:
		return &domain.ValidationError{
			Message: fmt.Sprintf("Unknown order type: %s. Must be one of: limit, market", req.Kind),
		}
	}
	return nil
}

// Submit validates and stores a new order.
//
// A buy limit reserves limit×quantity×(1+fee) of buying power. A sell is
// checked against the position held. Failing either stores the order as
// rejected and returns it together with the *domain.Rejection. Market
// orders are then executed at the current price; without one they stay
// pending for the matching cycle.
func (s *OrderService) Submit(ctx context.Context, req SubmitOrderRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	key := domain.PortfolioKey{UserID: req.UserID, PortfolioID: req.PortfolioID}
	if s.engine.IsHalted(key) {
		return nil, fmt.Errorf("%w: %s", engine.ErrPortfolioHalted, key)
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		PortfolioID: req.PortfolioID,
		AssetID:     req.AssetID,
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.LimitPrice != nil {
		p := *req.LimitPrice
		order.LimitPrice = &p
	}

	var rejection *domain.Rejection
	err := s.ledger.Atomically(ctx, []domain.PortfolioKey{key}, func(tx store.Tx) error {
		rejection = nil
		order.Status = domain.OrderStatusPending
		order.RejectionReason = ""
		order.ReservedAmount = domain.ReservationFor(order.Kind, order.Side, order.Limit(), order.Quantity, s.feeRate)

		bal, err := tx.Balance(ctx, key)
		if err != nil {
			return err
		}

		switch {
		case order.ReservedAmount.IsPositive():
			if err := bal.Reserve(order.ReservedAmount, now); err != nil {
				r, ok := domain.AsRejection(err)
				if !ok {
					return err
				}
				rejection = r
				break
			}
			if err := tx.PutBalance(ctx, bal); err != nil {
				return fmt.Errorf("save balance: %w", err)
			}
		case order.Side == domain.SideSell:
			pos, err := tx.Position(ctx, key, order.AssetID)
			if err != nil {
				return fmt.Errorf("load position: %w", err)
			}
			held := decimal.Zero
			if pos != nil {
				held = pos.Quantity
			}
			if held.LessThan(order.Quantity) {
				rejection = domain.Reject(domain.ReasonInsufficientPosition,
					"required %s %s, held %s", order.Quantity, order.AssetID, held)
			}
		}

		if rejection != nil {
			order.Status = domain.OrderStatusRejected
			order.RejectionReason = rejection.Reason
			order.ReservedAmount = decimal.Zero
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordOrderSubmitted(string(order.Side), string(order.Kind), string(order.Status))
	s.logger.Info("order submitted",
		"order_id", order.ID,
		"user_id", order.UserID,
		"portfolio_id", order.PortfolioID,
		"asset_id", order.AssetID,
		"side", order.Side,
		"kind", order.Kind,
		"quantity", order.Quantity.String(),
		"status", order.Status,
	)

	if rejection != nil {
		metrics.RecordRejection(string(rejection.Reason))
		return &SubmitResult{Order: order}, rejection
	}
	if order.Kind != domain.OrderKindMarket {
		return &SubmitResult{Order: order}, nil
	}

	trade, updated, err := s.engine.ExecuteMarketNow(ctx, order.ID)
	if err != nil {
		if _, ok := domain.AsRejection(err); ok && updated != nil {
			return &SubmitResult{Order: updated}, err
		}
		s.logger.Warn("immediate market execution failed, left for matching cycle",
			"order_id", order.ID, "error", err)
		return &SubmitResult{Order: order}, nil
	}
	return &SubmitResult{Order: updated, Trade: trade}, nil
}

// Get retrieves an order by ID with all its trades.
func (s *OrderService) Get(ctx context.Context, orderID string) (*domain.Order, []*domain.Trade, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	trades, err := s.ledger.Trades(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, trades, nil
}

// Cancel cancels a pending or partially filled order and releases its
// remaining reservation.
func (s *OrderService) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.engine.Cancel(ctx, orderID)
}

// List returns a paginated list of a portfolio's orders, newest first, with
// optional status filtering.
func (s *OrderService) List(ctx context.Context, key domain.PortfolioKey, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}
	if _, err := s.ledger.Balance(ctx, key); err != nil {
		return nil, 0, err
	}

	if status != nil && !domain.ValidOrderStatuses[*status] {
		return nil, 0, &domain.ValidationError{
			Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: pending, partially_filled, filled, cancelled, rejected", *status),
		}
	}
	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}

	return s.orders.ListByPortfolio(ctx, key, status, page, limit)
}
