package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if w.Code != http.StatusCreated {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusCreated)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("body status = %q, want %q", result["status"], "ok")
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "invalid_request", "missing required field")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Error != "invalid_request" || resp.Message != "missing required field" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWriteServiceError(t *testing.T) {
	key := domain.PortfolioKey{UserID: "u", PortfolioID: "p"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &domain.ValidationError{Message: "bad"}, http.StatusBadRequest, "validation_error"},
		{"insufficient funds", domain.Reject(domain.ReasonInsufficientFunds, "need 10"), http.StatusUnprocessableEntity, "insufficient_funds"},
		{"wrapped rejection", fmt.Errorf("fill: %w", domain.ErrInsufficientPosition), http.StatusUnprocessableEntity, "insufficient_position"},
		{"invalid cancel", domain.ErrInvalidCancelTarget, http.StatusUnprocessableEntity, "invalid_cancel_target"},
		{"order not found", domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"portfolio not found", fmt.Errorf("%w: u/p", domain.ErrBalanceNotFound), http.StatusNotFound, "portfolio_not_found"},
		{"webhook not found", domain.ErrWebhookNotFound, http.StatusNotFound, "webhook_not_found"},
		{"price not found", domain.ErrPriceNotFound, http.StatusNotFound, "price_not_found"},
		{"not halted", domain.ErrNotHalted, http.StatusNotFound, "portfolio_not_halted"},
		{"portfolio exists", domain.ErrBalanceExists, http.StatusConflict, "portfolio_exists"},
		{"halted", fmt.Errorf("%w: u/p", engine.ErrPortfolioHalted), http.StatusConflict, "portfolio_halted"},
		{"invariant", &domain.InvariantError{Key: key, Detail: "cash < 0"}, http.StatusInternalServerError, "invariant_violation"},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}

	t.Run("internal errors are not leaked", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeServiceError(w, errors.New("dial tcp 10.0.0.1:5432"))
		if strings.Contains(w.Body.String(), "10.0.0.1") {
			t.Errorf("body leaks cause: %s", w.Body.String())
		}
	})
}

func TestParseJSON(t *testing.T) {
	type body struct {
		Quantity   decimal.Decimal  `json:"quantity"`
		LimitPrice *decimal.Decimal `json:"limit_price"`
	}

	tests := []struct {
		name        string
		contentType string
		raw         string
		wantErr     bool
	}{
		{"decimal strings", "application/json", `{"quantity":"1.5","limit_price":"10.25"}`, false},
		{"decimal numbers", "application/json", `{"quantity":1.5,"limit_price":10.25}`, false},
		{"content type with charset", "application/json; charset=utf-8", `{"quantity":"1.5"}`, false},
		{"missing content type", "", `{"quantity":"1.5"}`, true},
		{"wrong content type", "text/plain", `{"quantity":"1.5"}`, true},
		{"malformed", "application/json", `{invalid json}`, true},
		{"unknown field", "application/json", `{"quantity":"1","leverage":"2"}`, true},
		{"bad decimal", "application/json", `{"quantity":"one"}`, true},
		{"empty body", "application/json", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.raw))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}

			var got body
			err := ParseJSON(r, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), "Content-Type") {
					t.Errorf("error = %q, should mention Content-Type", err.Error())
				}
				return
			}
			if !got.Quantity.Equal(decimal.RequireFromString("1.5")) {
				t.Errorf("quantity = %s, want 1.5", got.Quantity)
			}
		})
	}

	t.Run("omitted limit price stays nil", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":"2"}`))
		r.Header.Set("Content-Type", "application/json")

		var got body
		if err := ParseJSON(r, &got); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.LimitPrice != nil {
			t.Errorf("limit_price = %s, want nil", got.LimitPrice)
		}
	})
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	ts := time.Date(2026, 3, 1, 9, 30, 15, 999, loc)

	if got := formatTime(ts); got != "2026-03-01T12:30:15Z" {
		t.Errorf("formatTime = %q", got)
	}
	if formatTimePtr(nil) != nil {
		t.Error("formatTimePtr(nil) should be nil")
	}
	if decimalPtr(nil) != nil {
		t.Error("decimalPtr(nil) should be nil")
	}
}
