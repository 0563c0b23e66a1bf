package service

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchledger/internal/domain"
	"github.com/efreitasn/matchledger/internal/engine"
	"github.com/efreitasn/matchledger/internal/store"
)

var (
	idRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	assetRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)
)

// DefaultStartingCash is the cash a portfolio opens with when none is given.
var DefaultStartingCash = decimal.NewFromInt(100000)

// OpenPortfolioRequest represents the input for opening a portfolio ledger.
type OpenPortfolioRequest struct {
	UserID      string
	PortfolioID string
	InitialCash *decimal.Decimal // nil means DefaultStartingCash
}

// PositionView is a position marked at the current price.
type PositionView struct {
	*domain.Position
	Price                decimal.Decimal
	Priced               bool // false when Price fell back to average cost
	MarketValue          decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	UnrealizedPnLPercent decimal.Decimal
}

// AccountService opens portfolio ledgers and reports balances and
// positions at current prices.
type AccountService struct {
	ledger     store.Ledger
	reconciler *engine.Reconciler
	feed       engine.PriceFeed
	logger     *slog.Logger
	now        func() time.Time
}

// NewAccountService creates a new AccountService.
func NewAccountService(ledger store.Ledger, reconciler *engine.Reconciler, feed engine.PriceFeed, logger *slog.Logger) *AccountService {
	return &AccountService{
		ledger:     ledger,
		reconciler: reconciler,
		feed:       feed,
		logger:     logger,
		now:        time.Now,
	}
}

func validateKey(key domain.PortfolioKey) error {
	if !idRegex.MatchString(key.UserID) {
		return &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	if !idRegex.MatchString(key.PortfolioID) {
		return &domain.ValidationError{Message: "portfolio_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	return nil
}

// Open validates the request and creates the portfolio's balance. It
// returns domain.ErrBalanceExists if the portfolio is already open.
func (s *AccountService) Open(ctx context.Context, req OpenPortfolioRequest) (*domain.Balance, error) {
	key := domain.PortfolioKey{UserID: req.UserID, PortfolioID: req.PortfolioID}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	cash := DefaultStartingCash
	if req.InitialCash != nil {
		if req.InitialCash.IsNegative() {
			return nil, &domain.ValidationError{Message: "initial_cash must be >= 0"}
		}
		cash = *req.InitialCash
	}

	b := domain.NewBalance(key, cash, s.now().UTC())
	if err := s.ledger.CreateBalance(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("portfolio opened",
		"user_id", key.UserID,
		"portfolio_id", key.PortfolioID,
		"cash", cash.String(),
	)
	return b, nil
}

// Balance returns the portfolio's balance revalued at current prices. The
// stored balance is not modified.
func (s *AccountService) Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b, err := s.ledger.Balance(ctx, key)
	if err != nil {
		return nil, err
	}
	positions, err := s.ledger.Positions(ctx, key)
	if err != nil {
		return nil, err
	}
	b.Revalue(s.reconciler.Valuations(ctx, positions), b.UpdatedAt)
	return b, nil
}

// Positions returns the portfolio's open positions marked at current
// prices, ordered by asset.
func (s *AccountService) Positions(ctx context.Context, key domain.PortfolioKey) ([]PositionView, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Balance(ctx, key); err != nil {
		return nil, err
	}
	positions, err := s.ledger.Positions(ctx, key)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		price, ok, err := s.feed.CurrentPrice(ctx, p.AssetID)
		if err != nil {
			s.logger.Warn("price lookup failed", "asset_id", p.AssetID, "error", err)
		}
		priced := err == nil && ok
		if !priced {
			price = p.AverageCost
		}
		pnl, pct := p.Unrealized(price)
		views = append(views, PositionView{
			Position:             p,
			Price:                price,
			Priced:               priced,
			MarketValue:          p.MarketValue(price),
			UnrealizedPnL:        pnl,
			UnrealizedPnLPercent: pct,
		})
	}
	return views, nil
}
