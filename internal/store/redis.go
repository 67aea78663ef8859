package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/model"
)

// noWatermark is cached for symbols without any price data.
const noWatermark = "none"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only read-model queries are cached. Settlement always reads the primary
// inside its own transaction.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendPrices(ctx context.Context, points []model.PricePoint) (int, error) {
	n, err := s.primary.AppendPrices(ctx, points)
	if err != nil {
		return n, err
	}
	symbols := make(map[string]bool)
	for _, p := range points {
		symbols[p.Symbol] = true
	}
	for sym := range symbols {
		s.rdb.Del(ctx, watermarkCacheKey(sym))
	}
	return n, nil
}

// WithSettlementTx invalidates the portfolio caches of every user the
// settlement wrote, after the primary committed.
func (s *CachedStore) WithSettlementTx(ctx context.Context, symbol string, fn func(tx SettlementTx) error) error {
	var touched []string
	err := s.primary.WithSettlementTx(ctx, symbol, func(tx SettlementTx) error {
		return fn(&recordingTx{SettlementTx: tx, touched: &touched})
	})
	if err != nil || len(touched) == 0 {
		return err
	}

	keys := []string{portfoliosCacheKey(symbol)}
	for _, user := range touched {
		keys = append(keys, portfolioCacheKey(user, symbol))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// recordingTx notes which users a settlement wrote back.
type recordingTx struct {
	SettlementTx
	touched *[]string
}

func (t *recordingTx) UpsertPortfolios(ctx context.Context, portfolios []model.Portfolio) error {
	if err := t.SettlementTx.UpsertPortfolios(ctx, portfolios); err != nil {
		return err
	}
	for _, p := range portfolios {
		*t.touched = append(*t.touched, p.User)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestPriceTimestamp(ctx context.Context, symbol string) (time.Time, bool, error) {
	// Try cache.
	if cached, err := s.rdb.Get(ctx, watermarkCacheKey(symbol)).Result(); err == nil {
		if cached == noWatermark {
			return time.Time{}, false, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, cached); err == nil {
			return ts.UTC(), true, nil
		}
	}

	// Cache miss: read from primary.
	ts, ok, err := s.primary.LatestPriceTimestamp(ctx, symbol)
	if err != nil {
		return time.Time{}, false, err
	}

	value := noWatermark
	if ok {
		value = ts.UTC().Format(time.RFC3339Nano)
	}
	s.rdb.Set(ctx, watermarkCacheKey(symbol), value, s.ttl)
	return ts, ok, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID, symbol string) (model.Portfolio, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, portfolioCacheKey(userID, symbol)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return p, nil
		}
	}

	// Cache miss. Not-found results are not cached.
	p, err := s.primary.GetPortfolio(ctx, userID, symbol)
	if err != nil {
		return model.Portfolio{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioCacheKey(userID, symbol), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPortfolios(ctx context.Context, symbol string) ([]model.Portfolio, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, portfoliosCacheKey(symbol)).Bytes()
	if err == nil {
		var portfolios []model.Portfolio
		if json.Unmarshal(data, &portfolios) == nil {
			return portfolios, nil
		}
	}

	// Cache miss.
	portfolios, err := s.primary.ListPortfolios(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(portfolios); err == nil {
		s.rdb.Set(ctx, portfoliosCacheKey(symbol), data, s.ttl)
	}
	return portfolios, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error) {
	return s.primary.PriceAt(ctx, symbol, ts)
}

func (s *CachedStore) PricesBetween(ctx context.Context, symbol string, from, to time.Time) ([]model.PricePoint, error) {
	return s.primary.PricesBetween(ctx, symbol, from, to)
}

func (s *CachedStore) UpsertPendingOrder(ctx context.Context, order model.PendingOrder) error {
	return s.primary.UpsertPendingOrder(ctx, order)
}

func (s *CachedStore) OpenOrders(ctx context.Context, userID, symbol string) ([]model.PendingOrder, error) {
	return s.primary.OpenOrders(ctx, userID, symbol)
}

func (s *CachedStore) NetOrderQuantity(ctx context.Context, userID, symbol string, filter OrderFilter) (int64, error) {
	return s.primary.NetOrderQuantity(ctx, userID, symbol, filter)
}

// --- Cache helpers ---

func watermarkCacheKey(symbol string) string { return fmt.Sprintf("watermark:%s", symbol) }
func portfoliosCacheKey(symbol string) string { return fmt.Sprintf("portfolios:%s", symbol) }
func portfolioCacheKey(user, symbol string) string { return fmt.Sprintf("portfolio:%s:%s", symbol, user) }
