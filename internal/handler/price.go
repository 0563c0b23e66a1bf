package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/service"
)

// PriceHandler handles HTTP requests for price endpoints.
type PriceHandler struct {
	priceSvc *service.PriceService
}

// NewPriceHandler creates a new PriceHandler.
func NewPriceHandler(priceSvc *service.PriceService) *PriceHandler {
	return &PriceHandler{priceSvc: priceSvc}
}

// setPriceRequest is the JSON request body for PUT /prices/{asset_id}.
type setPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// priceResponse is the JSON response for price endpoints.
type priceResponse struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	AsOf    string `json:"as_of"`
}

// GetPrice handles GET /prices/{asset_id}.
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := h.priceSvc.Get(r.Context(), chi.URLParam(r, "asset_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildPriceResponse(quote))
}

// SetPrice handles PUT /prices/{asset_id}.
func (h *PriceHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	quote, err := h.priceSvc.Set(r.Context(), chi.URLParam(r, "asset_id"), req.Price)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildPriceResponse(quote))
}

func buildPriceResponse(q *service.PriceQuote) priceResponse {
	return priceResponse{
		AssetID: q.AssetID,
		Price:   q.Price.String(),
		AsOf:    formatTime(q.AsOf),
	}
}
