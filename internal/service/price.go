package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
)

// PriceWriter is a price feed that accepts updates.
type PriceWriter interface {
	engine.PriceFeed
	SetPrice(ctx context.Context, assetID string, price decimal.Decimal) error
}

// PriceQuote is the current price of an asset as seen by the engine.
type PriceQuote struct {
	AssetID string
	Price   decimal.Decimal
	AsOf    time.Time
}

// PriceService reads and sets the prices the matching engine trades at.
type PriceService struct {
	feed   PriceWriter
	logger *slog.Logger
}

// NewPriceService creates a new PriceService.
func NewPriceService(feed PriceWriter, logger *slog.Logger) *PriceService {
	return &PriceService{feed: feed, logger: logger}
}

// Get returns the asset's current price, or domain.ErrPriceNotFound.
func (s *PriceService) Get(ctx context.Context, assetID string) (*PriceQuote, error) {
	if !assetRegex.MatchString(assetID) {
		return nil, &domain.ValidationError{Message: "asset_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	price, ok, err := s.feed.CurrentPrice(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPriceNotFound
	}
	return &PriceQuote{AssetID: assetID, Price: price, AsOf: time.Now().UTC()}, nil
}

// Set records a new price for the asset.
func (s *PriceService) Set(ctx context.Context, assetID string, price decimal.Decimal) (*PriceQuote, error) {
	if !assetRegex.MatchString(assetID) {
		return nil, &domain.ValidationError{Message: "asset_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}
	if !price.IsPositive() {
		return nil, &domain.ValidationError{Message: "price must be greater than 0"}
	}
	if err := s.feed.SetPrice(ctx, assetID, price); err != nil {
		return nil, err
	}
	s.logger.Info("price set", "asset_id", assetID, "price", price.String())
	return &PriceQuote{AssetID: assetID, Price: price, AsOf: time.Now().UTC()}, nil
}
