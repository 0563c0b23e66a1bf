package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
)

const timeFormat = "2006-01-02T15:04:05Z"

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v. Unknown fields and
// malformed bodies are rejected.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

// writeServiceError maps service and domain errors to HTTP responses.
// Rejections are 422 with the reason as the error code.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}
	if r, ok := domain.AsRejection(err); ok {
		WriteError(w, http.StatusUnprocessableEntity, string(r.Reason), r.Error())
		return
	}
	var invariantErr *domain.InvariantError
	if errors.As(err, &invariantErr) {
		WriteError(w, http.StatusInternalServerError, "invariant_violation", invariantErr.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, domain.ErrBalanceNotFound):
		WriteError(w, http.StatusNotFound, "portfolio_not_found", err.Error())
	case errors.Is(err, domain.ErrWebhookNotFound):
		WriteError(w, http.StatusNotFound, "webhook_not_found", err.Error())
	case errors.Is(err, domain.ErrPriceNotFound):
		WriteError(w, http.StatusNotFound, "price_not_found", err.Error())
	case errors.Is(err, domain.ErrNotHalted):
		WriteError(w, http.StatusNotFound, "portfolio_not_halted", err.Error())
	case errors.Is(err, domain.ErrBalanceExists):
		WriteError(w, http.StatusConflict, "portfolio_exists", err.Error())
	case errors.Is(err, engine.ErrPortfolioHalted):
		WriteError(w, http.StatusConflict, "portfolio_halted", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
