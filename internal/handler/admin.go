package handler

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
)

// AdminHandler exposes the portfolios halted by a ledger invariant breach
// and lets an operator resume them.
type AdminHandler struct {
	engine *engine.Engine
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(eng *engine.Engine) *AdminHandler {
	return &AdminHandler{engine: eng}
}

type haltedResponse struct {
	UserID      string `json:"user_id"`
	PortfolioID string `json:"portfolio_id"`
	Detail      string `json:"detail"`
}

type haltedListResponse struct {
	Halted []haltedResponse `json:"halted"`
}

// ListHalted handles GET /admin/halted.
func (h *AdminHandler) ListHalted(w http.ResponseWriter, r *http.Request) {
	halted := h.engine.Halted()

	keys := make([]domain.PortfolioKey, 0, len(halted))
	for k := range halted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	resp := haltedListResponse{Halted: make([]haltedResponse, len(keys))}
	for i, k := range keys {
		resp.Halted[i] = haltedResponse{
			UserID:      k.UserID,
			PortfolioID: k.PortfolioID,
			Detail:      halted[k],
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Resume handles POST /admin/halted/{user_id}/{portfolio_id}/resume.
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	key := portfolioKey(r)
	if !h.engine.Resume(key) {
		writeServiceError(w, fmt.Errorf("%w: %s", domain.ErrNotHalted, key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
