// Package ingest appends uploaded price series to the store.
//
// Uploads are at-least-once: the same window may be re-sent, partially
// overlapping earlier uploads. Only buckets strictly newer than the
// symbol's watermark are written, which makes re-sending a no-op for
// buckets already seen.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/metrics"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

var (
	ErrMissingStart = fmt.Errorf("%w: ingest: start time is required", model.ErrValidation)
	ErrNoValues     = fmt.Errorf("%w: ingest: values must not be empty", model.ErrValidation)
)

// Result describes one AppendSeries call.
type Result struct {
	Symbol  string             `json:"symbol"`
	Written []model.PricePoint `json:"written"`
	Skipped int                `json:"skipped"`
}

// Message renders the outcome for the uploader.
func (r *Result) Message(loc *time.Location) string {
	if len(r.Written) == 0 {
		return fmt.Sprintf("no new entries for %s (%d already ingested)", r.Symbol, r.Skipped)
	}
	first, last := r.Written[0], r.Written[len(r.Written)-1]
	return fmt.Sprintf("wrote %d new entries for %s from %s to %s (%d skipped)",
		len(r.Written), r.Symbol,
		first.Timestamp.In(loc).Format(time.RFC3339),
		last.Timestamp.In(loc).Format(time.RFC3339),
		r.Skipped)
}

// Service ingests price series.
type Service struct {
	store    store.Store
	bucketer timebucket.Bucketer
	symbols  *symbol.Registry
}

// NewService creates an ingestion service.
func NewService(st store.Store, bucketer timebucket.Bucketer, symbols *symbol.Registry) *Service {
	return &Service{store: st, bucketer: bucketer, symbols: symbols}
}

// AppendSeries assigns values to consecutive buckets starting at the bucket
// containing start and appends those newer than the watermark in one batch.
// Invalid input fails with a validation error before anything is read or
// written.
func (s *Service) AppendSeries(ctx context.Context, sym string, start time.Time, values []decimal.Decimal) (*Result, error) {
	if start.IsZero() {
		return nil, ErrMissingStart
	}
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	sym, err := s.symbols.Resolve(sym)
	if err != nil {
		return nil, err
	}

	watermark, hasData, err := s.store.LatestPriceTimestamp(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("read watermark %s: %w", sym, err)
	}

	result := &Result{Symbol: sym}
	bucket := s.bucketer.Floor(start)
	for _, v := range values {
		if hasData && !bucket.After(watermark) {
			result.Skipped++
		} else {
			result.Written = append(result.Written, model.PricePoint{Symbol: sym, Timestamp: bucket, Value: v})
		}
		bucket = s.bucketer.Plus(bucket, 1)
	}

	metrics.PricesSkipped.WithLabelValues(sym).Add(float64(result.Skipped))
	if len(result.Written) == 0 {
		slog.Info("no new price entries", "symbol", sym, "skipped", result.Skipped)
		return result, nil
	}

	inserted, err := s.store.AppendPrices(ctx, result.Written)
	if err != nil {
		return nil, fmt.Errorf("append prices %s: %w", sym, err)
	}
	metrics.PricesIngested.WithLabelValues(sym).Add(float64(inserted))

	slog.Info("prices ingested",
		"symbol", sym,
		"written", inserted,
		"skipped", result.Skipped,
		"from", result.Written[0].Timestamp,
		"to", result.Written[len(result.Written)-1].Timestamp,
	)
	return result, nil
}

// AllHistory is the History span covering every ingested point.
const AllHistory time.Duration = 0

// LatestTimestamp returns the watermark of sym; ok is false without data.
func (s *Service) LatestTimestamp(ctx context.Context, sym string) (time.Time, bool, error) {
	return s.store.LatestPriceTimestamp(ctx, sym)
}

// History returns the points ingested in the span ending at the watermark.
// A span of AllHistory returns every point.
func (s *Service) History(ctx context.Context, sym string, span time.Duration) ([]model.PricePoint, error) {
	watermark, ok, err := s.store.LatestPriceTimestamp(ctx, sym)
	if err != nil || !ok {
		return nil, err
	}
	var from time.Time
	if span > 0 {
		from = watermark.Add(-span)
	}
	return s.store.PricesBetween(ctx, sym, from, watermark)
}
