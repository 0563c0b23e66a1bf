package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/matchledger/internal/engine"
	"github.com/efreitasn/matchledger/internal/metrics"
	"github.com/efreitasn/matchledger/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	accountSvc *service.AccountService,
	orderSvc *service.OrderService,
	priceSvc *service.PriceService,
	webhookSvc *service.WebhookService,
	eng *engine.Engine,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))

	portfolioH := NewPortfolioHandler(accountSvc, orderSvc)
	orderH := NewOrderHandler(orderSvc)
	priceH := NewPriceHandler(priceSvc)
	webhookH := NewWebhookHandler(webhookSvc)
	adminH := NewAdminHandler(eng)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Operator routes take no body.
	r.Get("/admin/halted", adminH.ListHalted)
	r.Post("/admin/halted/{user_id}/{portfolio_id}/resume", adminH.Resume)

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)

		// Portfolio routes.
		r.Post("/portfolios", portfolioH.Open)
		r.Get("/portfolios/{user_id}/{portfolio_id}/balance", portfolioH.GetBalance)
		r.Get("/portfolios/{user_id}/{portfolio_id}/positions", portfolioH.GetPositions)
		r.Get("/portfolios/{user_id}/{portfolio_id}/orders", portfolioH.ListOrders)

		// Order routes.
		r.Post("/orders", orderH.SubmitOrder)
		r.Get("/orders/{order_id}", orderH.GetOrder)
		r.Delete("/orders/{order_id}", orderH.CancelOrder)

		// Price routes.
		r.Get("/prices/{asset_id}", priceH.GetPrice)
		r.Put("/prices/{asset_id}", priceH.SetPrice)

		// Webhook routes.
		r.Post("/webhooks", webhookH.Upsert)
		r.Get("/webhooks", webhookH.List)
		r.Delete("/webhooks/{webhook_id}", webhookH.Delete)
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog, and records it in the HTTP metrics
// under the matched route pattern.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.RecordHTTPRequest(r.Method, route, ww.status, elapsed)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
