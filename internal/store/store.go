// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/model"
)

// OrderFilter narrows NetOrderQuantity.
type OrderFilter struct {
	// UnsettledOnly drops orders that settlement already consumed.
	UnsettledOnly bool
	// ExcludeTimestamp drops the order in this bucket, typically the one a
	// submission is about to replace. Zero excludes nothing.
	ExcludeTimestamp time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Price series (append-only) ---

	// LatestPriceTimestamp returns the watermark for symbol. ok is false
	// when no price has been ingested yet.
	LatestPriceTimestamp(ctx context.Context, symbol string) (ts time.Time, ok bool, err error)

	// AppendPrices inserts points in one batch, skipping any (symbol,
	// timestamp) that already exists. Returns the number inserted.
	AppendPrices(ctx context.Context, points []model.PricePoint) (int, error)

	// PriceAt returns the exact-match price. Wraps model.ErrNotFound.
	PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error)

	// PricesBetween returns points with from <= ts <= to, ascending.
	PricesBetween(ctx context.Context, symbol string, from, to time.Time) ([]model.PricePoint, error)

	// --- Pending orders ---

	// UpsertPendingOrder creates the order or replaces action/quantity of the
	// unsettled order with the same key. Wraps model.ErrOrderSettled when the
	// existing row is already settled.
	UpsertPendingOrder(ctx context.Context, order model.PendingOrder) error

	// OpenOrders returns a user's unsettled orders, ascending by timestamp.
	OpenOrders(ctx context.Context, userID, symbol string) ([]model.PendingOrder, error)

	// NetOrderQuantity sums buys minus sells over a user's stored orders.
	NetOrderQuantity(ctx context.Context, userID, symbol string, filter OrderFilter) (int64, error)

	// --- Portfolios ---

	// GetPortfolio returns one portfolio row. Wraps model.ErrNotFound.
	GetPortfolio(ctx context.Context, userID, symbol string) (model.Portfolio, error)

	// ListPortfolios returns every portfolio for symbol.
	ListPortfolios(ctx context.Context, symbol string) ([]model.Portfolio, error)

	// --- Settlement ---

	// WithSettlementTx runs fn inside the settlement boundary for symbol.
	// At most one settlement boundary per symbol is active at a time and
	// every write made through tx commits together, or not at all when fn
	// returns an error.
	WithSettlementTx(ctx context.Context, symbol string, fn func(tx SettlementTx) error) error
}

// SettlementTx is the view of the store available inside a settlement
// boundary.
type SettlementTx interface {
	// DueOrders returns at most limit unsettled orders with ts <= end,
	// ascending by timestamp.
	DueOrders(ctx context.Context, symbol string, end time.Time, limit int) ([]model.PendingOrder, error)

	// Portfolios loads every existing portfolio for symbol keyed by user.
	Portfolios(ctx context.Context, symbol string) (map[string]model.Portfolio, error)

	// PriceAt behaves like Store.PriceAt.
	PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error)

	// MarkSettled flips settled on the given orders, only where it is still
	// false. Returns how many rows flipped.
	MarkSettled(ctx context.Context, keys []model.OrderKey) (int, error)

	// UpsertPortfolios writes back mutated portfolios.
	UpsertPortfolios(ctx context.Context, portfolios []model.Portfolio) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
