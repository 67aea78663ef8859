package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/model"
)

type priceKey struct {
	symbol string
	ts     int64 // unix nanoseconds, location independent
}

type orderKey struct {
	user   string
	symbol string
	ts     int64
}

type portfolioKey struct {
	user   string
	symbol string
}

func keyOf(k model.OrderKey) orderKey {
	return orderKey{user: k.User, symbol: k.Symbol, ts: k.Timestamp.UnixNano()}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	prices     map[priceKey]model.PricePoint
	watermarks map[string]time.Time
	orders     map[orderKey]model.PendingOrder
	portfolios map[portfolioKey]model.Portfolio

	// settleMu serializes settlement boundaries; mu guards the data.
	settleMu sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:     make(map[priceKey]model.PricePoint),
		watermarks: make(map[string]time.Time),
		orders:     make(map[orderKey]model.PendingOrder),
		portfolios: make(map[portfolioKey]model.Portfolio),
	}
}

func (s *MemoryStore) LatestPriceTimestamp(_ context.Context, symbol string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.watermarks[symbol]
	return ts, ok, nil
}

func (s *MemoryStore) AppendPrices(_ context.Context, points []model.PricePoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range points {
		k := priceKey{symbol: p.Symbol, ts: p.Timestamp.UnixNano()}
		if _, exists := s.prices[k]; exists {
			continue
		}
		p.Timestamp = p.Timestamp.UTC()
		s.prices[k] = p
		if wm, ok := s.watermarks[p.Symbol]; !ok || p.Timestamp.After(wm) {
			s.watermarks[p.Symbol] = p.Timestamp
		}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) PriceAt(_ context.Context, symbol string, ts time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceAtLocked(symbol, ts)
}

func (s *MemoryStore) priceAtLocked(symbol string, ts time.Time) (decimal.Decimal, error) {
	p, ok := s.prices[priceKey{symbol: symbol, ts: ts.UnixNano()}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: price %s at %s", model.ErrNotFound, symbol, ts.UTC().Format(time.RFC3339))
	}
	return p.Value, nil
}

func (s *MemoryStore) PricesBetween(_ context.Context, symbol string, from, to time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for k, p := range s.prices {
		if k.symbol != symbol || p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) UpsertPendingOrder(_ context.Context, order model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(order.Key())
	if existing, ok := s.orders[k]; ok && existing.Settled {
		return fmt.Errorf("%w: %s", model.ErrOrderSettled, order.Key())
	}
	order.Timestamp = order.Timestamp.UTC()
	order.Settled = false
	s.orders[k] = order
	return nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, userID, symbol string) ([]model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingOrder
	for _, o := range s.orders {
		if o.User == userID && o.Symbol == symbol && !o.Settled {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) NetOrderQuantity(_ context.Context, userID, symbol string, filter OrderFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var net int64
	for _, o := range s.orders {
		if o.User != userID || o.Symbol != symbol {
			continue
		}
		if filter.UnsettledOnly && o.Settled {
			continue
		}
		if !filter.ExcludeTimestamp.IsZero() && o.Timestamp.Equal(filter.ExcludeTimestamp) {
			continue
		}
		net += o.Action.Sign() * o.Quantity
	}
	return net, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID, symbol string) (model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioKey{user: userID, symbol: symbol}]
	if !ok {
		return model.Portfolio{}, fmt.Errorf("%w: portfolio %s/%s", model.ErrNotFound, userID, symbol)
	}
	return p, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, symbol string) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	portfolios := make([]model.Portfolio, 0)
	for k, p := range s.portfolios {
		if k.symbol == symbol {
			portfolios = append(portfolios, p)
		}
	}
	return portfolios, nil
}

// WithSettlementTx holds the store-wide settlement lock for the duration of
// fn. Writes are staged and applied under the data lock only when fn
// succeeds; every staged order is re-checked against the row fn read.
func (s *MemoryStore) WithSettlementTx(ctx context.Context, symbol string, fn func(tx SettlementTx) error) error {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	tx := &memoryTx{store: s, read: make(map[orderKey]model.PendingOrder)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx stages settlement writes until commit.
type memoryTx struct {
	store      *MemoryStore
	read       map[orderKey]model.PendingOrder
	settled    []orderKey
	portfolios []model.Portfolio
}

func (tx *memoryTx) DueOrders(_ context.Context, symbol string, end time.Time, limit int) ([]model.PendingOrder, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.PendingOrder
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.Settled && !o.Timestamp.After(end) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].Timestamp.Equal(due[j].Timestamp) {
			return due[i].Timestamp.Before(due[j].Timestamp)
		}
		return due[i].User < due[j].User
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, o := range due {
		tx.read[keyOf(o.Key())] = o
	}
	return due, nil
}

func (tx *memoryTx) Portfolios(_ context.Context, symbol string) (map[string]model.Portfolio, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]model.Portfolio)
	for k, p := range s.portfolios {
		if k.symbol == symbol {
			result[k.user] = p
		}
	}
	return result, nil
}

func (tx *memoryTx) PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error) {
	return tx.store.PriceAt(ctx, symbol, ts)
}

func (tx *memoryTx) MarkSettled(_ context.Context, keys []model.OrderKey) (int, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	flipped := 0
	for _, key := range keys {
		k := keyOf(key)
		if o, ok := s.orders[k]; ok && !o.Settled {
			tx.settled = append(tx.settled, k)
			flipped++
		}
	}
	return flipped, nil
}

func (tx *memoryTx) UpsertPortfolios(_ context.Context, portfolios []model.Portfolio) error {
	tx.portfolios = append(tx.portfolios, portfolios...)
	return nil
}

func (tx *memoryTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Compare-and-swap: every order must still be the unsettled row that
	// was read, otherwise a submission or another writer raced us.
	for _, k := range tx.settled {
		cur, ok := s.orders[k]
		read, wasRead := tx.read[k]
		if !ok || cur.Settled || (wasRead && (cur.Action != read.Action || cur.Quantity != read.Quantity)) {
			return fmt.Errorf("%w: order %s/%s changed during settlement", model.ErrConcurrentSettlement, k.user, k.symbol)
		}
	}
	for _, k := range tx.settled {
		o := s.orders[k]
		o.Settled = true
		s.orders[k] = o
	}
	for _, p := range tx.portfolios {
		s.portfolios[portfolioKey{user: p.User, symbol: p.Symbol}] = p
	}
	return nil
}
