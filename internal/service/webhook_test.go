package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

func newTestWebhookService() *WebhookService {
	return NewWebhookService(store.NewWebhookStore(), 5*time.Second, discardLogger())
}

// captureServer records every request body and header set it receives.
type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []map[string]any
	headers  []http.Header
}

func newCaptureServer(status int) *captureServer {
	c := &captureServer{}
	c.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		c.mu.Lock()
		c.payloads = append(c.payloads, payload)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	return c
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

// --- Upsert tests ---

func TestUpsert_Success_NewSubscriptions(t *testing.T) {
	svc := newTestWebhookService()

	webhooks, created, err := svc.Upsert(UpsertWebhookRequest{
		UserID: "user-1",
		URL:    "https://example.com/hooks",
		Events: []string{"trade.executed", "order.cancelled"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected created=true for new subscriptions")
	}
	if len(webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(webhooks))
	}
	if webhooks[0].Event != "trade.executed" || webhooks[1].Event != "order.cancelled" {
		t.Errorf("got events %q, %q", webhooks[0].Event, webhooks[1].Event)
	}
	if webhooks[0].WebhookID == "" || webhooks[0].WebhookID == webhooks[1].WebhookID {
		t.Error("expected distinct webhook ids")
	}
}

func TestUpsert_UpdateKeepsID(t *testing.T) {
	svc := newTestWebhookService()

	first, _, err := svc.Upsert(UpsertWebhookRequest{UserID: "user-1", URL: "https://example.com/old", Events: []string{"trade.executed"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, created, err := svc.Upsert(UpsertWebhookRequest{UserID: "user-1", URL: "https://example.com/new", Events: []string{"trade.executed"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected created=false for URL update")
	}
	if second[0].WebhookID != first[0].WebhookID {
		t.Errorf("webhook id changed: %s -> %s", first[0].WebhookID, second[0].WebhookID)
	}
	if second[0].URL != "https://example.com/new" {
		t.Errorf("got URL %q", second[0].URL)
	}
}

func TestUpsert_DeduplicatesEvents(t *testing.T) {
	svc := newTestWebhookService()
	webhooks, _, err := svc.Upsert(UpsertWebhookRequest{
		UserID: "user-1",
		URL:    "https://example.com/hooks",
		Events: []string{"trade.executed", "trade.executed"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(webhooks) != 1 {
		t.Errorf("got %d webhooks, want 1", len(webhooks))
	}
}

func TestUpsert_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  UpsertWebhookRequest
	}{
		{"bad user", UpsertWebhookRequest{UserID: "", URL: "https://example.com", Events: []string{"trade.executed"}}},
		{"empty url", UpsertWebhookRequest{UserID: "user-1", URL: "", Events: []string{"trade.executed"}}},
		{"http scheme", UpsertWebhookRequest{UserID: "user-1", URL: "http://example.com", Events: []string{"trade.executed"}}},
		{"relative url", UpsertWebhookRequest{UserID: "user-1", URL: "/hooks", Events: []string{"trade.executed"}}},
		{"url too long", UpsertWebhookRequest{UserID: "user-1", URL: "https://example.com/" + strings.Repeat("a", 2048), Events: []string{"trade.executed"}}},
		{"no events", UpsertWebhookRequest{UserID: "user-1", URL: "https://example.com", Events: nil}},
		{"unknown event", UpsertWebhookRequest{UserID: "user-1", URL: "https://example.com", Events: []string{"order.expired"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := newTestWebhookService().Upsert(tt.req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestListAndDelete(t *testing.T) {
	svc := newTestWebhookService()
	webhooks, _, _ := svc.Upsert(UpsertWebhookRequest{
		UserID: "user-1",
		URL:    "https://example.com/hooks",
		Events: []string{"trade.executed", "order.cancelled"},
	})

	list, err := svc.List("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(list))
	}

	if err := svc.Delete(webhooks[0].WebhookID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = svc.List("user-1")
	if len(list) != 1 {
		t.Errorf("got %d webhooks after delete, want 1", len(list))
	}
	if err := svc.Delete(webhooks[0].WebhookID); !errors.Is(err, domain.ErrWebhookNotFound) {
		t.Errorf("expected ErrWebhookNotFound, got %v", err)
	}
}

// --- Dispatch tests ---

func TestOrderFilled_SendsPayload(t *testing.T) {
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	ws := store.NewWebhookStore()
	svc := &WebhookService{store: ws, client: server.Client(), logger: discardLogger()}
	ws.Upsert(&domain.Webhook{
		WebhookID: "wh-1",
		UserID:    "user-1",
		Event:     EventTradeExecuted,
		URL:       server.URL + "/hooks",
	})

	pnl := d("12.5")
	trade := &domain.Trade{
		ID: "trd-1", UserID: "user-1", PortfolioID: "main", AssetID: "SPIDEY",
		OrderID: "ord-1", CounterOrderID: "ord-2", Side: domain.SideSell,
		Quantity: d("5"), Price: d("102.5"), Fees: d("0.5125"), PnL: &pnl,
		ExecutedAt: time.Date(2026, 2, 16, 16, 29, 0, 0, time.UTC),
	}
	order := &domain.Order{
		ID: "ord-1", UserID: "user-1", PortfolioID: "main", AssetID: "SPIDEY",
		Side: domain.SideSell, Quantity: d("10"), FilledQuantity: d("5"),
		Status: domain.OrderStatusPartiallyFilled,
	}

	svc.OrderFilled("user-1", order, trade)
	svc.Wait()

	if server.count() != 1 {
		t.Fatalf("got %d requests, want 1", server.count())
	}
	payload := server.payloads[0]
	if payload["event"] != "trade.executed" {
		t.Errorf("got event %v", payload["event"])
	}
	if payload["timestamp"] != "2026-02-16T16:29:00Z" {
		t.Errorf("got timestamp %v", payload["timestamp"])
	}
	data := payload["data"].(map[string]any)
	want := map[string]string{
		"trade_id":                 "trd-1",
		"order_id":                 "ord-1",
		"counter_order_id":         "ord-2",
		"trade_price":              "102.5",
		"trade_quantity":           "5",
		"pnl":                      "12.5",
		"order_status":             "partially_filled",
		"order_remaining_quantity": "5",
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("data[%s] = %v, want %s", k, data[k], v)
		}
	}

	h := server.headers[0]
	if h.Get("X-Webhook-Id") != "wh-1" || h.Get("X-Event-Type") != "trade.executed" {
		t.Errorf("unexpected headers %v", h)
	}
	if h.Get("X-Delivery-Id") == "" {
		t.Error("expected X-Delivery-Id header to be set")
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("got Content-Type %q", h.Get("Content-Type"))
	}
}

func TestOrderCancelled_SendsPayload(t *testing.T) {
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	ws := store.NewWebhookStore()
	svc := &WebhookService{store: ws, client: server.Client(), logger: discardLogger()}
	ws.Upsert(&domain.Webhook{WebhookID: "wh-2", UserID: "user-1", Event: EventOrderCancelled, URL: server.URL})

	limit := d("100")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.OrderCancelled(&domain.Order{
		ID: "ord-1", UserID: "user-1", PortfolioID: "main", AssetID: "SPIDEY",
		Side: domain.SideBuy, Kind: domain.OrderKindLimit, LimitPrice: &limit,
		Quantity: d("10"), FilledQuantity: d("4"), Status: domain.OrderStatusCancelled,
		RejectionReason: domain.ReasonUserCancelled, CancelledAt: &at,
	})
	svc.Wait()

	if server.count() != 1 {
		t.Fatalf("got %d requests, want 1", server.count())
	}
	data := server.payloads[0]["data"].(map[string]any)
	if data["cancelled_quantity"] != "6" || data["limit_price"] != "100" || data["reason"] != "user_cancelled" {
		t.Errorf("unexpected data %v", data)
	}
}

func TestDispatch_NoSubscription_NoRequest(t *testing.T) {
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	svc := &WebhookService{store: store.NewWebhookStore(), client: server.Client(), logger: discardLogger()}
	order := &domain.Order{ID: "ord-1", UserID: "user-1", Status: domain.OrderStatusCancelled}
	svc.OrderFilled("user-1", order, &domain.Trade{ID: "trd-1", ExecutedAt: time.Now()})
	svc.OrderCancelled(order)
	svc.Wait()

	if server.count() != 0 {
		t.Errorf("got %d requests, want 0 (no subscriptions)", server.count())
	}
}

func TestDispatch_ServerError_Ignored(t *testing.T) {
	server := newCaptureServer(http.StatusInternalServerError)
	defer server.Close()

	ws := store.NewWebhookStore()
	svc := &WebhookService{store: ws, client: server.Client(), logger: discardLogger()}
	ws.Upsert(&domain.Webhook{WebhookID: "wh-err", UserID: "user-1", Event: EventOrderCancelled, URL: server.URL})

	svc.OrderCancelled(&domain.Order{ID: "ord-1", UserID: "user-1", Status: domain.OrderStatusCancelled})
	svc.Wait()

	if server.count() != 1 {
		t.Errorf("got %d requests, want 1", server.count())
	}
}
