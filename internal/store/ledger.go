package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/efreitasn/matchledger/internal/domain"
)

// LedgerStore is the in-memory Ledger. Each portfolio has its own mutex;
// a transaction holds the mutexes of every portfolio it touches for its
// whole duration and stages its writes until fn returns successfully.
type LedgerStore struct {
	orders *OrderStore
	trades *TradeStore

	locksMu sync.RWMutex
	locks   map[domain.PortfolioKey]*sync.Mutex

	mu        sync.RWMutex
	balances  map[domain.PortfolioKey]*domain.Balance
	positions map[domain.PortfolioKey]map[string]*domain.Position // key → asset → position
}

// NewLedgerStore creates an empty ledger committing orders and trades into
// the given stores.
func NewLedgerStore(orders *OrderStore, trades *TradeStore) *LedgerStore {
	return &LedgerStore{
		orders:    orders,
		trades:    trades,
		locks:     make(map[domain.PortfolioKey]*sync.Mutex),
		balances:  make(map[domain.PortfolioKey]*domain.Balance),
		positions: make(map[domain.PortfolioKey]map[string]*domain.Position),
	}
}

// lockFor returns the mutex for key, creating it on first use. Uses a
// read-lock fast path and a write-lock slow path with double-check.
func (s *LedgerStore) lockFor(key domain.PortfolioKey) *sync.Mutex {
	s.locksMu.RLock()
	l, ok := s.locks[key]
	s.locksMu.RUnlock()
	if ok {
		return l
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[key]; ok {
		return l
	}
	l = &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Atomically locks keys in sorted order, runs fn against a staged
// transaction and commits the staged writes if fn returns nil.
func (s *LedgerStore) Atomically(ctx context.Context, keys []domain.PortfolioKey, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sorted := domain.SortedKeys(keys)
	for _, k := range sorted {
		l := s.lockFor(k)
		l.Lock()
		defer l.Unlock()
	}

	tx := newMemTx(s, sorted)
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *LedgerStore) commit(tx *memTx) {
	for _, id := range tx.orderIDs {
		s.orders.put(tx.orders[id])
	}
	for _, t := range tx.trades {
		s.trades.append(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, b := range tx.balances {
		s.balances[k] = b
	}
	for k, assets := range tx.positions {
		held := s.positions[k]
		if held == nil {
			held = make(map[string]*domain.Position)
			s.positions[k] = held
		}
		for asset, p := range assets {
			if p == nil {
				delete(held, asset)
				continue
			}
			held[asset] = p
		}
		if len(held) == 0 {
			delete(s.positions, k)
		}
	}
}

// CreateBalance opens the ledger of a portfolio. It returns
// domain.ErrBalanceExists if the portfolio already has one.
func (s *LedgerStore) CreateBalance(ctx context.Context, b *domain.Balance) error {
	return s.Atomically(ctx, []domain.PortfolioKey{b.Key()}, func(tx Tx) error {
		_, err := tx.Balance(ctx, b.Key())
		switch {
		case err == nil:
			return domain.ErrBalanceExists
		case !errors.Is(err, domain.ErrBalanceNotFound):
			return err
		}
		return tx.PutBalance(ctx, b)
	})
}

// Balance returns a copy of the portfolio's committed balance.
func (s *LedgerStore) Balance(_ context.Context, key domain.PortfolioKey) (*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[key]
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	return b.Clone(), nil
}

// Positions returns copies of the portfolio's open positions sorted by asset.
func (s *LedgerStore) Positions(_ context.Context, key domain.PortfolioKey) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedPositions(s.positions[key]), nil
}

// Trades returns the trades executed against an order.
func (s *LedgerStore) Trades(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	return s.trades.ByOrder(ctx, orderID)
}

func sortedPositions(held map[string]*domain.Position) []*domain.Position {
	result := make([]*domain.Position, 0, len(held))
	for _, p := range held {
		if p != nil {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssetID < result[j].AssetID })
	return result
}

// memTx stages writes in private maps; reads fall through to the committed
// state when a value was not written by the transaction.
type memTx struct {
	store  *LedgerStore
	locked map[domain.PortfolioKey]bool

	orders    map[string]*domain.Order
	orderIDs  []string // write order, for deterministic commit
	trades    []*domain.Trade
	balances  map[domain.PortfolioKey]*domain.Balance
	positions map[domain.PortfolioKey]map[string]*domain.Position // nil value = deleted
}

func newMemTx(s *LedgerStore, keys []domain.PortfolioKey) *memTx {
	locked := make(map[domain.PortfolioKey]bool, len(keys))
	for _, k := range keys {
		locked[k] = true
	}
	return &memTx{
		store:     s,
		locked:    locked,
		orders:    make(map[string]*domain.Order),
		balances:  make(map[domain.PortfolioKey]*domain.Balance),
		positions: make(map[domain.PortfolioKey]map[string]*domain.Position),
	}
}

func (tx *memTx) check(key domain.PortfolioKey) error {
	if !tx.locked[key] {
		return fmt.Errorf("%w: %s", ErrKeyNotLocked, key)
	}
	return nil
}

func (tx *memTx) Order(ctx context.Context, id string) (*domain.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return o.Clone(), nil
	}
	o, err := tx.store.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.check(o.Key()); err != nil {
		return nil, err
	}
	return o, nil
}

func (tx *memTx) stageOrder(o *domain.Order) {
	if _, ok := tx.orders[o.ID]; !ok {
		tx.orderIDs = append(tx.orderIDs, o.ID)
	}
	tx.orders[o.ID] = o.Clone()
}

func (tx *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if err := tx.check(o.Key()); err != nil {
		return err
	}
	if _, ok := tx.orders[o.ID]; ok {
		return fmt.Errorf("insert order %s: duplicate id", o.ID)
	}
	if _, err := tx.store.orders.Get(ctx, o.ID); err == nil {
		return fmt.Errorf("insert order %s: duplicate id", o.ID)
	}
	tx.stageOrder(o)
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if err := tx.check(o.Key()); err != nil {
		return err
	}
	if _, err := tx.Order(ctx, o.ID); err != nil {
		return err
	}
	tx.stageOrder(o)
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *domain.Trade) error {
	if err := tx.check(t.Key()); err != nil {
		return err
	}
	c := *t
	tx.trades = append(tx.trades, &c)
	return nil
}

func (tx *memTx) Balance(ctx context.Context, key domain.PortfolioKey) (*domain.Balance, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	if b, ok := tx.balances[key]; ok {
		return b.Clone(), nil
	}
	return tx.store.Balance(ctx, key)
}

func (tx *memTx) PutBalance(_ context.Context, b *domain.Balance) error {
	if err := tx.check(b.Key()); err != nil {
		return err
	}
	tx.balances[b.Key()] = b.Clone()
	return nil
}

func (tx *memTx) Position(_ context.Context, key domain.PortfolioKey, assetID string) (*domain.Position, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	if staged, ok := tx.positions[key]; ok {
		if p, ok := staged[assetID]; ok {
			if p == nil {
				return nil, nil
			}
			return p.Clone(), nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	p, ok := tx.store.positions[key][assetID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (tx *memTx) Positions(_ context.Context, key domain.PortfolioKey) ([]*domain.Position, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}

	merged := make(map[string]*domain.Position)
	tx.store.mu.RLock()
	for asset, p := range tx.store.positions[key] {
		merged[asset] = p
	}
	tx.store.mu.RUnlock()

	for asset, p := range tx.positions[key] {
		merged[asset] = p
	}
	return sortedPositions(merged), nil
}

func (tx *memTx) stagePosition(key domain.PortfolioKey, assetID string, p *domain.Position) {
	staged := tx.positions[key]
	if staged == nil {
		staged = make(map[string]*domain.Position)
		tx.positions[key] = staged
	}
	staged[assetID] = p
}

func (tx *memTx) PutPosition(_ context.Context, p *domain.Position) error {
	if err := tx.check(p.Key()); err != nil {
		return err
	}
	tx.stagePosition(p.Key(), p.AssetID, p.Clone())
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, key domain.PortfolioKey, assetID string) error {
	if err := tx.check(key); err != nil {
		return err
	}
	tx.stagePosition(key, assetID, nil)
	return nil
}
