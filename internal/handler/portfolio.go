package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/service"
)

// PortfolioHandler handles HTTP requests for portfolio endpoints.
type PortfolioHandler struct {
	accountSvc *service.AccountService
	orderSvc   *service.OrderService
}

// NewPortfolioHandler creates a new PortfolioHandler.
func NewPortfolioHandler(accountSvc *service.AccountService, orderSvc *service.OrderService) *PortfolioHandler {
	return &PortfolioHandler{accountSvc: accountSvc, orderSvc: orderSvc}
}

// openPortfolioRequest is the JSON request body for POST /portfolios.
type openPortfolioRequest struct {
	UserID      string           `json:"user_id"`
	PortfolioID string           `json:"portfolio_id"`
	InitialCash *decimal.Decimal `json:"initial_cash"`
}

// balanceResponse is the JSON response for a portfolio ledger.
type balanceResponse struct {
	UserID          string  `json:"user_id"`
	PortfolioID     string  `json:"portfolio_id"`
	Cash            string  `json:"cash"`
	ReservedCash    string  `json:"reserved_cash"`
	BuyingPower     string  `json:"buying_power"`
	PositionsValue  string  `json:"positions_value"`
	TotalValue      string  `json:"total_value"`
	RealizedPnL     string  `json:"realized_pnl"`
	UnrealizedPnL   string  `json:"unrealized_pnl"`
	TotalPnL        string  `json:"total_pnl"`
	DayStartValue   string  `json:"day_start_value"`
	DayPnL          string  `json:"day_pnl"`
	MarginUsed      string  `json:"margin_used"`
	MarginAvailable string  `json:"margin_available"`
	LastTradeAt     *string `json:"last_trade_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// positionResponse is a single position marked at the current price.
// priced is false when no price was available and average cost was used.
type positionResponse struct {
	AssetID              string `json:"asset_id"`
	Quantity             string `json:"quantity"`
	AverageCost          string `json:"average_cost"`
	TotalCostBasis       string `json:"total_cost_basis"`
	CurrentPrice         string `json:"current_price"`
	Priced               bool   `json:"priced"`
	MarketValue          string `json:"market_value"`
	UnrealizedPnL        string `json:"unrealized_pnl"`
	UnrealizedPnLPercent string `json:"unrealized_pnl_percent"`
	TotalBuys            int    `json:"total_buys"`
	TotalSells           int    `json:"total_sells"`
	FirstBuyAt           string `json:"first_buy_at"`
	LastTradeAt          string `json:"last_trade_at"`
}

// positionListResponse is the JSON response for GET .../positions.
type positionListResponse struct {
	UserID      string             `json:"user_id"`
	PortfolioID string             `json:"portfolio_id"`
	Positions   []positionResponse `json:"positions"`
}

// orderListResponse is the paginated JSON response for GET .../orders.
type orderListResponse struct {
	Orders []orderSummaryResponse `json:"orders"`
	Page   int                    `json:"page"`
	Limit  int                    `json:"limit"`
	Total  int                    `json:"total"`
}

// Open handles POST /portfolios.
func (h *PortfolioHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openPortfolioRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	balance, err := h.accountSvc.Open(r.Context(), service.OpenPortfolioRequest{
		UserID:      req.UserID,
		PortfolioID: req.PortfolioID,
		InitialCash: req.InitialCash,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildBalanceResponse(balance))
}

// GetBalance handles GET /portfolios/{user_id}/{portfolio_id}/balance.
func (h *PortfolioHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.accountSvc.Balance(r.Context(), portfolioKey(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildBalanceResponse(balance))
}

// GetPositions handles GET /portfolios/{user_id}/{portfolio_id}/positions.
func (h *PortfolioHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	key := portfolioKey(r)

	views, err := h.accountSvc.Positions(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	positions := make([]positionResponse, len(views))
	for i, v := range views {
		positions[i] = positionResponse{
			AssetID:              v.AssetID,
			Quantity:             v.Quantity.String(),
			AverageCost:          v.AverageCost.String(),
			TotalCostBasis:       v.TotalCostBasis.String(),
			CurrentPrice:         v.Price.String(),
			Priced:               v.Priced,
			MarketValue:          v.MarketValue.String(),
			UnrealizedPnL:        v.UnrealizedPnL.String(),
			UnrealizedPnLPercent: v.UnrealizedPnLPercent.String(),
			TotalBuys:            v.TotalBuys,
			TotalSells:           v.TotalSells,
			FirstBuyAt:           formatTime(v.FirstBuyAt),
			LastTradeAt:          formatTime(v.LastTradeAt),
		}
	}

	WriteJSON(w, http.StatusOK, positionListResponse{
		UserID:      key.UserID,
		PortfolioID: key.PortfolioID,
		Positions:   positions,
	})
}

// ListOrders handles GET /portfolios/{user_id}/{portfolio_id}/orders.
func (h *PortfolioHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	// Parse query params.
	var statusFilter *domain.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.OrderStatus(s)
		statusFilter = &status
	}

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		var err error
		page, err = strconv.Atoi(p)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "page must be a valid integer")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}

	orders, total, err := h.orderSvc.List(r.Context(), portfolioKey(r), statusFilter, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	summaries := make([]orderSummaryResponse, len(orders))
	for i, o := range orders {
		summaries[i] = buildOrderSummary(o)
	}

	WriteJSON(w, http.StatusOK, orderListResponse{
		Orders: summaries,
		Page:   page,
		Limit:  limit,
		Total:  total,
	})
}

func portfolioKey(r *http.Request) domain.PortfolioKey {
	return domain.PortfolioKey{
		UserID:      chi.URLParam(r, "user_id"),
		PortfolioID: chi.URLParam(r, "portfolio_id"),
	}
}

func buildBalanceResponse(b *domain.Balance) balanceResponse {
	return balanceResponse{
		UserID:          b.UserID,
		PortfolioID:     b.PortfolioID,
		Cash:            b.Cash.String(),
		ReservedCash:    b.ReservedCash.String(),
		BuyingPower:     b.BuyingPower.String(),
		PositionsValue:  b.PositionsValue.String(),
		TotalValue:      b.TotalValue.String(),
		RealizedPnL:     b.RealizedPnL.String(),
		UnrealizedPnL:   b.UnrealizedPnL.String(),
		TotalPnL:        b.TotalPnL.String(),
		DayStartValue:   b.DayStartValue.String(),
		DayPnL:          b.DayPnL.String(),
		MarginUsed:      b.MarginUsed.String(),
		MarginAvailable: b.MarginAvailable.String(),
		LastTradeAt:     formatTimePtr(b.LastTradeAt),
		UpdatedAt:       formatTime(b.UpdatedAt),
	}
}
