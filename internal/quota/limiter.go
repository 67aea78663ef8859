// Package quota implements the per-user exposure cap checked before an
// order is accepted.
//
// Exposure is a user's net signed share count for one symbol. How it is
// computed is a swappable Policy, because whether settled orders count
// twice (once as order history, once as held shares) is a policy decision.
package quota

import (
	"fmt"

	"github.com/vitalsmarket/exchange/internal/model"
)

var (
	// ErrExposureCapExceeded is returned when a buy would push exposure
	// beyond the per-user maximum.
	ErrExposureCapExceeded = fmt.Errorf("%w: quota: exposure cap exceeded", model.ErrQuotaExceeded)

	// ErrNegativeExposure is returned when a sell would drive exposure
	// below zero.
	ErrNegativeExposure = fmt.Errorf("%w: quota: exposure would go negative", model.ErrQuotaExceeded)
)

// Limiter enforces the exposure cap.
type Limiter struct {
	// MaxExposure is the maximum net exposure any user may hold in a symbol.
	MaxExposure int64
}

// NewLimiter creates a limiter with the given cap.
func NewLimiter(maxExposure int64) *Limiter {
	if maxExposure < 0 {
		maxExposure = 0
	}
	return &Limiter{MaxExposure: maxExposure}
}

// CheckLimit validates whether an order respects the cap.
//
// Parameters:
//   - current: exposure before the order, as computed by a Policy
//   - action: side of the order
//   - quantity: requested share count
//
// Returns nil if the order is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(current int64, action model.Action, quantity int64) error {
	next := current + action.Sign()*quantity

	if action == model.ActionBuy && next > l.MaxExposure {
		return fmt.Errorf("%w: %d + %d > %d", ErrExposureCapExceeded, current, quantity, l.MaxExposure)
	}
	if action == model.ActionSell && next < 0 {
		return fmt.Errorf("%w: %d - %d < 0", ErrNegativeExposure, current, quantity)
	}
	return nil
}
