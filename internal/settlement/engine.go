// Package settlement resolves pending orders against price points that
// arrived after the orders were placed, and folds the fills into portfolios.
//
// A run settles due orders in bounded chunks. Each chunk is one settlement
// transaction: due orders are read, priced, applied to a working snapshot of
// the symbol's portfolios, marked settled and the touched portfolios written
// back, all committed together. A missing price aborts the chunk (nothing of
// it is committed) and the rest of the run; the orders stay pending and a
// later run retries them once the gap is filled.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/metrics"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/store"
)

// DefaultChunkSize bounds the orders settled per transaction.
const DefaultChunkSize = 500

// PriceGapError reports the order whose bucket has no price point.
type PriceGapError struct {
	Symbol    string
	User      string
	Timestamp time.Time
	Err       error
}

func (e *PriceGapError) Error() string {
	return fmt.Sprintf("settlement: no price for %s at %s (order of %s): %v",
		e.Symbol, e.Timestamp.UTC().Format(time.RFC3339), e.User, e.Err)
}

func (e *PriceGapError) Unwrap() error { return e.Err }

// Observer is notified after a run that settled at least one order,
// including a run that failed after earlier chunks committed.
type Observer interface {
	OrdersSettled(summary *Summary)
}

// Engine settles pending orders. It keeps no state between runs; mutual
// exclusion comes from the store's settlement transaction.
type Engine struct {
	store     store.Store
	chunkSize int
	observer  Observer // optional
}

// NewEngine creates a settlement engine.
// Pass nil for observer if no notification is needed.
func NewEngine(st store.Store, chunkSize int, observer Observer) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{store: st, chunkSize: chunkSize, observer: observer}
}

// SettleToWatermark settles every due order up to the latest ingested
// bucket of symbol. Without price data there is nothing to settle.
func (e *Engine) SettleToWatermark(ctx context.Context, symbol string) (*Summary, error) {
	watermark, ok, err := e.store.LatestPriceTimestamp(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("read watermark %s: %w", symbol, err)
	}
	if !ok {
		return newSummary(symbol, time.Time{}), nil
	}
	return e.Settle(ctx, symbol, watermark)
}

// Settle resolves every unsettled order of symbol with timestamp <= end.
//
// On error the returned summary still lists the chunks that committed
// before the failure, and the observer is told about them.
func (e *Engine) Settle(ctx context.Context, symbol string, end time.Time) (*Summary, error) {
	start := time.Now()
	summary := newSummary(symbol, end)

	for {
		fills, n, err := e.settleChunk(ctx, symbol, end)
		if err != nil {
			e.reportFailure(summary, err)
			e.notify(summary)
			return summary, err
		}
		summary.add(fills)
		if n < e.chunkSize {
			break
		}
	}

	metrics.SettlementLatency.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
	if summary.Nothing() {
		metrics.SettlementRuns.WithLabelValues(symbol, "noop").Inc()
		slog.Info("nothing to settle", "run_id", summary.RunID, "symbol", symbol, "end", end)
		return summary, nil
	}

	metrics.SettlementRuns.WithLabelValues(symbol, "settled").Inc()
	slog.Info("orders settled",
		"run_id", summary.RunID,
		"symbol", symbol,
		"end", end,
		"orders", summary.Settled,
		"users", len(summary.Users),
	)
	e.notify(summary)
	return summary, nil
}

func (e *Engine) notify(summary *Summary) {
	if e.observer != nil && !summary.Nothing() {
		e.observer.OrdersSettled(summary)
	}
}

// settleChunk runs one settlement transaction and returns its fills and
// the number of due orders it consumed.
func (e *Engine) settleChunk(ctx context.Context, symbol string, end time.Time) ([]model.Fill, int, error) {
	var fills []model.Fill
	var consumed int

	err := e.store.WithSettlementTx(ctx, symbol, func(tx store.SettlementTx) error {
		due, err := tx.DueOrders(ctx, symbol, end, e.chunkSize)
		if err != nil {
			return fmt.Errorf("load due orders: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		snapshot, err := tx.Portfolios(ctx, symbol)
		if err != nil {
			return fmt.Errorf("load portfolios: %w", err)
		}

		chunkFills, touched, err := apply(ctx, tx, symbol, due, snapshot)
		if err != nil {
			return err
		}

		keys := make([]model.OrderKey, len(due))
		for i, o := range due {
			keys[i] = o.Key()
		}
		flipped, err := tx.MarkSettled(ctx, keys)
		if err != nil {
			return err
		}
		if flipped != len(due) {
			return fmt.Errorf("%w: marked %d of %d due orders", model.ErrConcurrentSettlement, flipped, len(due))
		}

		if err := tx.UpsertPortfolios(ctx, touched); err != nil {
			return err
		}

		fills, consumed = chunkFills, len(due)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return fills, consumed, nil
}

// apply folds due orders, in order, into the working snapshot. It returns
// the fills and the portfolios touched, in first-touch order.
func apply(ctx context.Context, tx store.SettlementTx, symbol string, due []model.PendingOrder, snapshot map[string]model.Portfolio) ([]model.Fill, []model.Portfolio, error) {
	fills := make([]model.Fill, 0, len(due))
	var order []string
	seen := make(map[string]bool)

	for _, o := range due {
		price, err := tx.PriceAt(ctx, symbol, o.Timestamp)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, nil, &PriceGapError{Symbol: symbol, User: o.User, Timestamp: o.Timestamp, Err: err}
			}
			return nil, nil, err
		}

		p, ok := snapshot[o.User]
		if !ok {
			p = model.Portfolio{User: o.User, Symbol: symbol, Balance: decimal.Zero}
		}
		p, filled := o.Action.Apply(p, o.Quantity, price)
		snapshot[o.User] = p

		if !seen[o.User] {
			seen[o.User] = true
			order = append(order, o.User)
		}
		fills = append(fills, model.Fill{
			User:      o.User,
			Timestamp: o.Timestamp,
			Action:    o.Action,
			Requested: o.Quantity,
			Quantity:  filled,
			Price:     price,
		})
		metrics.Fills.WithLabelValues(string(o.Action)).Inc()
	}

	touched := make([]model.Portfolio, len(order))
	for i, user := range order {
		touched[i] = snapshot[user]
	}
	return fills, touched, nil
}

func (e *Engine) reportFailure(summary *Summary, err error) {
	var gap *PriceGapError
	if errors.As(err, &gap) {
		metrics.PriceGaps.WithLabelValues(summary.Symbol).Inc()
		metrics.SettlementRuns.WithLabelValues(summary.Symbol, "price_gap").Inc()
		slog.Error("settlement aborted on price gap",
			"run_id", summary.RunID,
			"symbol", gap.Symbol,
			"user", gap.User,
			"timestamp", gap.Timestamp,
			"settled_before_gap", summary.Settled,
		)
		return
	}
	metrics.SettlementRuns.WithLabelValues(summary.Symbol, "error").Inc()
	slog.Error("settlement failed", "run_id", summary.RunID, "symbol", summary.Symbol, "err", err)
}

func newSummary(symbol string, end time.Time) *Summary {
	return &Summary{RunID: uuid.NewString(), Symbol: symbol, End: end}
}
