package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /orders.
// Decimals are accepted as JSON strings or numbers.
type submitOrderRequest struct {
	UserID      string           `json:"user_id"`
	PortfolioID string           `json:"portfolio_id"`
	AssetID     string           `json:"asset_id"`
	Side        string           `json:"side"`
	Kind        string           `json:"kind"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price"`
}

// orderSummaryResponse is an order without its trades, as listed per portfolio.
// All fields are always present; nullable fields use pointers.
type orderSummaryResponse struct {
	OrderID           string  `json:"order_id"`
	UserID            string  `json:"user_id"`
	PortfolioID       string  `json:"portfolio_id"`
	AssetID           string  `json:"asset_id"`
	Side              string  `json:"side"`
	Kind              string  `json:"kind"`
	Quantity          string  `json:"quantity"`
	LimitPrice        *string `json:"limit_price"`
	FilledQuantity    string  `json:"filled_quantity"`
	RemainingQuantity string  `json:"remaining_quantity"`
	AverageFillPrice  *string `json:"average_fill_price"`
	Fees              string  `json:"fees"`
	ReservedAmount    string  `json:"reserved_amount"`
	Status            string  `json:"status"`
	RejectionReason   *string `json:"rejection_reason"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	FilledAt          *string `json:"filled_at"`
	CancelledAt       *string `json:"cancelled_at"`
}

// orderResponse is a single order with the trades executed against it.
type orderResponse struct {
	orderSummaryResponse
	Trades []tradeResponse `json:"trades"`
}

// tradeResponse is a single trade in the order response.
// pnl, pnl_percent and cost_basis are null on buys.
type tradeResponse struct {
	TradeID        string  `json:"trade_id"`
	CounterOrderID *string `json:"counter_order_id"`
	Side           string  `json:"side"`
	Price          string  `json:"price"`
	Quantity       string  `json:"quantity"`
	TotalValue     string  `json:"total_value"`
	Fees           string  `json:"fees"`
	PnL            *string `json:"pnl"`
	PnLPercent     *string `json:"pnl_percent"`
	CostBasis      *string `json:"cost_basis"`
	ExecutedAt     string  `json:"executed_at"`
}

// submitRejectedResponse is the 422 body when a submission is refused.
// The rejected order is still stored and returned.
type submitRejectedResponse struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Order   orderResponse `json:"order"`
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.orderSvc.Submit(r.Context(), service.SubmitOrderRequest{
		UserID:      req.UserID,
		PortfolioID: req.PortfolioID,
		AssetID:     req.AssetID,
		Side:        domain.Side(req.Side),
		Kind:        domain.OrderKind(req.Kind),
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
	})
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok && res != nil && res.Order != nil {
			WriteJSON(w, http.StatusUnprocessableEntity, submitRejectedResponse{
				Error:   string(rej.Reason),
				Message: rej.Error(),
				Order:   buildOrderResponse(res.Order, nil),
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	var trades []*domain.Trade
	if res.Trade != nil {
		trades = []*domain.Trade{res.Trade}
	}
	WriteJSON(w, http.StatusCreated, buildOrderResponse(res.Order, trades))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	order, trades, err := h.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order, trades))
}

// CancelOrder handles DELETE /orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	order, err := h.orderSvc.Cancel(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderSummary(order))
}

func buildOrderSummary(o *domain.Order) orderSummaryResponse {
	resp := orderSummaryResponse{
		OrderID:           o.ID,
		UserID:            o.UserID,
		PortfolioID:       o.PortfolioID,
		AssetID:           o.AssetID,
		Side:              string(o.Side),
		Kind:              string(o.Kind),
		Quantity:          o.Quantity.String(),
		LimitPrice:        decimalPtr(o.LimitPrice),
		FilledQuantity:    o.FilledQuantity.String(),
		RemainingQuantity: o.Remaining().String(),
		Fees:              o.Fees.String(),
		ReservedAmount:    o.ReservedAmount.String(),
		Status:            string(o.Status),
		CreatedAt:         formatTime(o.CreatedAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
		FilledAt:          formatTimePtr(o.FilledAt),
		CancelledAt:       formatTimePtr(o.CancelledAt),
	}

	// average_fill_price: null until the first fill.
	if o.FilledQuantity.IsPositive() {
		avg := o.AverageFillPrice.String()
		resp.AverageFillPrice = &avg
	}
	if o.RejectionReason != "" {
		reason := string(o.RejectionReason)
		resp.RejectionReason = &reason
	}
	return resp
}

func buildOrderResponse(o *domain.Order, trades []*domain.Trade) orderResponse {
	resp := orderResponse{
		orderSummaryResponse: buildOrderSummary(o),
		Trades:               make([]tradeResponse, len(trades)),
	}
	for i, t := range trades {
		resp.Trades[i] = buildTradeResponse(t)
	}
	return resp
}

func buildTradeResponse(t *domain.Trade) tradeResponse {
	resp := tradeResponse{
		TradeID:    t.ID,
		Side:       string(t.Side),
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
		TotalValue: t.TotalValue.String(),
		Fees:       t.Fees.String(),
		PnL:        decimalPtr(t.PnL),
		PnLPercent: decimalPtr(t.PnLPercent),
		CostBasis:  decimalPtr(t.CostBasis),
		ExecutedAt: formatTime(t.ExecutedAt),
	}
	if t.CounterOrderID != "" {
		id := t.CounterOrderID
		resp.CounterOrderID = &id
	}
	return resp
}
