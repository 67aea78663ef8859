// Package order accepts buy and sell submissions against the current bucket.
//
// A submission is checked against the trading window and the exposure cap,
// then upserted as the user's single pending order for the bucket that
// contains "now". The price is unknown until that bucket is ingested; the
// order is resolved later by settlement.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitalsmarket/exchange/internal/metrics"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/quota"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

// ErrInvalidQuantity is returned for quantities outside [0, MaxQuantity].
var ErrInvalidQuantity = fmt.Errorf("%w: order: quantity out of range", model.ErrValidation)

// Config wires a Service. Now defaults to time.Now.
type Config struct {
	Symbols     *symbol.Registry
	Bucketer    timebucket.Bucketer
	Window      timebucket.Window
	Limiter     *quota.Limiter
	Policy      quota.Policy
	MaxQuantity int64
	Now         func() time.Time
}

// Service handles order submission.
type Service struct {
	store       store.Store
	symbols     *symbol.Registry
	bucketer    timebucket.Bucketer
	window      timebucket.Window
	limiter     *quota.Limiter
	policy      quota.Policy
	maxQuantity int64
	now         func() time.Time
}

// NewService creates an order service.
func NewService(st store.Store, cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	policy := cfg.Policy
	if policy == nil {
		policy = quota.OrderHistory
	}
	return &Service{
		store:       st,
		symbols:     cfg.Symbols,
		bucketer:    cfg.Bucketer,
		window:      cfg.Window,
		limiter:     cfg.Limiter,
		policy:      policy,
		maxQuantity: cfg.MaxQuantity,
		now:         now,
	}
}

// Confirmation is returned for an accepted order.
type Confirmation struct {
	Order    model.PendingOrder `json:"order"`
	Exposure int64              `json:"exposure"` // after the order
}

// Message names the bucket the order will execute at.
func (c *Confirmation) Message(loc *time.Location) string {
	return fmt.Sprintf("%s order for %d %s placed, executing at the %s price",
		c.Order.Action, c.Order.Quantity, c.Order.Symbol,
		c.Order.Timestamp.In(loc).Format("Jan 2 15:04 MST"))
}

// Submit validates and records an order. Rejections leave the store
// untouched and wrap one of model.ErrValidation, model.ErrWindowClosed,
// model.ErrQuotaExceeded or model.ErrOrderSettled.
func (s *Service) Submit(ctx context.Context, action model.Action, sym, userID string, quantity int64) (*Confirmation, error) {
	conf, err := s.submit(ctx, action, sym, userID, quantity)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}
	metrics.OrdersSubmitted.WithLabelValues(string(action)).Inc()
	return conf, nil
}

func (s *Service) submit(ctx context.Context, action model.Action, sym, userID string, quantity int64) (*Confirmation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: order: user is required", model.ErrValidation)
	}
	if action != model.ActionBuy && action != model.ActionSell {
		return nil, fmt.Errorf("%w: order: unknown action %q", model.ErrValidation, action)
	}
	if quantity < 0 || quantity > s.maxQuantity {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidQuantity, quantity, s.maxQuantity)
	}
	sym, err := s.symbols.Resolve(sym)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !s.window.IsOpen(now) {
		return nil, fmt.Errorf("%w: %s", model.ErrWindowClosed, s.window.OffHoursDescription(now))
	}

	bucket := s.bucketer.Floor(now)
	current, err := s.policy(ctx, s.store, userID, sym, bucket)
	if err != nil {
		return nil, fmt.Errorf("compute exposure: %w", err)
	}
	if err := s.limiter.CheckLimit(current, action, quantity); err != nil {
		return nil, err
	}

	o := model.PendingOrder{
		User:      userID,
		Symbol:    sym,
		Timestamp: bucket,
		Action:    action,
		Quantity:  quantity,
	}
	if err := s.store.UpsertPendingOrder(ctx, o); err != nil {
		return nil, err
	}

	slog.Info("order submitted",
		"user", userID,
		"symbol", sym,
		"action", action,
		"qty", quantity,
		"bucket", bucket,
	)
	return &Confirmation{Order: o, Exposure: current + action.Sign()*quantity}, nil
}

// OpenOrders lists the user's unsettled orders in sym, oldest first.
func (s *Service) OpenOrders(ctx context.Context, userID, sym string) ([]model.PendingOrder, error) {
	sym, err := s.symbols.Resolve(sym)
	if err != nil {
		return nil, err
	}
	return s.store.OpenOrders(ctx, userID, sym)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, model.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, model.ErrOrderSettled):
		return "settled"
	}
	return "error"
}
