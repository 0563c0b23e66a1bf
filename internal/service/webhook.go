package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/store"
)

// Webhook event types.
const (
	EventTradeExecuted  = "trade.executed"
	EventOrderCancelled = "order.cancelled"
)

var validWebhookEvents = map[string]bool{
	EventTradeExecuted:  true,
	EventOrderCancelled: true,
}

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	UserID string
	URL    string
	Events []string
}

// WebhookService handles webhook CRUD and delivers fill and cancel
// notifications. It implements engine.Notifier.
type WebhookService struct {
	store  *store.WebhookStore
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(webhookStore *store.WebhookStore, webhookTimeout time.Duration, logger *slog.Logger) *WebhookService {
	return &WebhookService{
		store: webhookStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		logger: logger,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if !idRegex.MatchString(req.UserID) {
		return nil, false, &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}

	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	events := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + event + ". Must be one of: trade.executed, order.cancelled",
			}
		}
		if !seen[event] {
			seen[event] = true
			events = append(events, event)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(events))

	for _, event := range events {
		w, created := s.store.Upsert(&domain.Webhook{
			WebhookID: uuid.New().String(),
			UserID:    req.UserID,
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, w)
	}

	return webhooks, anyCreated, nil
}

// List returns all of a user's webhook subscriptions.
func (s *WebhookService) List(userID string) ([]*domain.Webhook, error) {
	if !idRegex.MatchString(userID) {
		return nil, &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	return s.store.ListByUser(userID), nil
}

// Delete removes a webhook subscription by ID.
func (s *WebhookService) Delete(webhookID string) error {
	return s.store.Delete(webhookID)
}

// tradeExecutedPayload is the JSON payload for trade.executed webhooks.
type tradeExecutedPayload struct {
	Event     string            `json:"event"`
	Timestamp string            `json:"timestamp"`
	Data      tradeExecutedData `json:"data"`
}

type tradeExecutedData struct {
	TradeID                string  `json:"trade_id"`
	UserID                 string  `json:"user_id"`
	PortfolioID            string  `json:"portfolio_id"`
	OrderID                string  `json:"order_id"`
	CounterOrderID         string  `json:"counter_order_id,omitempty"`
	AssetID                string  `json:"asset_id"`
	Side                   string  `json:"side"`
	TradePrice             string  `json:"trade_price"`
	TradeQuantity          string  `json:"trade_quantity"`
	Fees                   string  `json:"fees"`
	PnL                    *string `json:"pnl,omitempty"`
	OrderStatus            string  `json:"order_status"`
	OrderFilledQuantity    string  `json:"order_filled_quantity"`
	OrderRemainingQuantity string  `json:"order_remaining_quantity"`
}

// orderEventPayload is the JSON payload for order.cancelled webhooks.
type orderEventPayload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      orderEventData `json:"data"`
}

type orderEventData struct {
	UserID            string  `json:"user_id"`
	PortfolioID       string  `json:"portfolio_id"`
	OrderID           string  `json:"order_id"`
	AssetID           string  `json:"asset_id"`
	Side              string  `json:"side"`
	Kind              string  `json:"kind"`
	LimitPrice        *string `json:"limit_price"`
	Quantity          string  `json:"quantity"`
	FilledQuantity    string  `json:"filled_quantity"`
	CancelledQuantity string  `json:"cancelled_quantity"`
	Status            string  `json:"status"`
	Reason            string  `json:"reason"`
}

// OrderFilled dispatches a trade.executed notification to the order's
// owner. Fire-and-forget.
func (s *WebhookService) OrderFilled(userID string, order *domain.Order, trade *domain.Trade) {
	wh := s.store.Lookup(userID, EventTradeExecuted)
	if wh == nil {
		return
	}

	data := tradeExecutedData{
		TradeID:                trade.ID,
		UserID:                 userID,
		PortfolioID:            trade.PortfolioID,
		OrderID:                order.ID,
		CounterOrderID:         trade.CounterOrderID,
		AssetID:                trade.AssetID,
		Side:                   string(trade.Side),
		TradePrice:             trade.Price.String(),
		TradeQuantity:          trade.Quantity.String(),
		Fees:                   trade.Fees.String(),
		OrderStatus:            string(order.Status),
		OrderFilledQuantity:    order.FilledQuantity.String(),
		OrderRemainingQuantity: order.Remaining().String(),
	}
	if trade.PnL != nil {
		pnl := trade.PnL.String()
		data.PnL = &pnl
	}

	s.dispatch(wh, tradeExecutedPayload{
		Event:     EventTradeExecuted,
		Timestamp: trade.ExecutedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      data,
	})
}

// OrderCancelled dispatches an order.cancelled notification to the order's
// owner. Fire-and-forget.
func (s *WebhookService) OrderCancelled(order *domain.Order) {
	wh := s.store.Lookup(order.UserID, EventOrderCancelled)
	if wh == nil {
		return
	}

	at := time.Now()
	if order.CancelledAt != nil {
		at = *order.CancelledAt
	}
	data := orderEventData{
		UserID:            order.UserID,
		PortfolioID:       order.PortfolioID,
		OrderID:           order.ID,
		AssetID:           order.AssetID,
		Side:              string(order.Side),
		Kind:              string(order.Kind),
		Quantity:          order.Quantity.String(),
		FilledQuantity:    order.FilledQuantity.String(),
		CancelledQuantity: order.Remaining().String(),
		Status:            string(order.Status),
		Reason:            string(order.RejectionReason),
	}
	if order.LimitPrice != nil {
		p := order.LimitPrice.String()
		data.LimitPrice = &p
	}

	s.dispatch(wh, orderEventPayload{
		Event:     EventOrderCancelled,
		Timestamp: at.UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      data,
	})
}

func (s *WebhookService) dispatch(wh *domain.Webhook, payload any) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(wh, payload)
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (s *WebhookService) Wait() {
	s.wg.Wait()
}

// deliver sends the webhook payload via HTTP POST with the required headers.
// Failures are logged and dropped.
func (s *WebhookService) deliver(wh *domain.Webhook, payload any) {
	deliveryID := uuid.New().String()
	logger := s.logger.With("webhook_id", wh.WebhookID, "event", wh.Event, "delivery_id", deliveryID)

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("webhook payload encoding failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		logger.Warn("webhook request build failed", "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", wh.Event)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("webhook delivery failed", "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("webhook delivery rejected", "status", resp.StatusCode)
		return
	}
	logger.Debug("webhook delivered", "status", resp.StatusCode)
}
