// Package scheduler runs periodic settlement with robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/vitalsmarket/exchange/internal/settlement"
)

// Runner owns a cron instance whose jobs share one base context.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a runner. Specs accept an optional leading seconds field and
// descriptors such as "@every 5m".
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		baseCtx: baseCtx,
	}
}

// Add schedules job on a cron expression.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { job(r.baseCtx) })
}

// Start runs the scheduler in its own goroutine.
func (r *Runner) Start() {
	slog.Info("cron started", "entries", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("cron stopped")
}

// Settler is the part of the settlement engine a scheduled job drives.
type Settler interface {
	SettleToWatermark(ctx context.Context, symbol string) (*settlement.Summary, error)
}

// SettleAll returns a job that settles every symbol up to its watermark.
// A failure on one symbol does not stop the others.
func SettleAll(settler Settler, symbols []string) func(context.Context) {
	return func(ctx context.Context) {
		for _, sym := range symbols {
			if ctx.Err() != nil {
				return
			}
			summary, err := settler.SettleToWatermark(ctx, sym)
			var gap *settlement.PriceGapError
			switch {
			case errors.As(err, &gap):
				// Logged by the engine; retried on the next tick.
			case err != nil:
				slog.Error("scheduled settlement failed", "symbol", sym, "err", err)
			case !summary.Nothing():
				slog.Info("scheduled settlement", "symbol", sym, "run_id", summary.RunID, "orders", summary.Settled)
			}
		}
	}
}
