package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/store"
)

// Source is the subset of the store a Policy reads.
type Source interface {
	NetOrderQuantity(ctx context.Context, userID, symbol string, filter store.OrderFilter) (int64, error)
	GetPortfolio(ctx context.Context, userID, symbol string) (model.Portfolio, error)
}

// Policy computes a user's current exposure in symbol. bucket is the
// timestamp the new order will occupy.
type Policy func(ctx context.Context, src Source, userID, symbol string, bucket time.Time) (int64, error)

const (
	PolicyOrderHistory          = "order-history"
	PolicyOrderHistoryReplacing = "order-history-replacing"
	PolicyHoldings              = "holdings"
)

// ErrUnknownPolicy is returned by PolicyByName.
var ErrUnknownPolicy = errors.New("quota: unknown exposure policy")

// OrderHistory nets every stored order, settled or not. Settled orders are
// not reconciled against held shares, so sold-out positions and clamped
// oversells still count. The order in bucket, if any, counts too even
// though the new submission replaces it.
func OrderHistory(ctx context.Context, src Source, userID, symbol string, _ time.Time) (int64, error) {
	return src.NetOrderQuantity(ctx, userID, symbol, store.OrderFilter{})
}

// OrderHistoryReplacing is OrderHistory without the order in bucket, so the
// cap applies to the state after the upsert.
func OrderHistoryReplacing(ctx context.Context, src Source, userID, symbol string, bucket time.Time) (int64, error) {
	return src.NetOrderQuantity(ctx, userID, symbol, store.OrderFilter{ExcludeTimestamp: bucket})
}

// Holdings uses the settled portfolio's shares plus the net of orders not
// yet settled, leaving out the order in bucket.
func Holdings(ctx context.Context, src Source, userID, symbol string, bucket time.Time) (int64, error) {
	var shares int64
	p, err := src.GetPortfolio(ctx, userID, symbol)
	switch {
	case err == nil:
		shares = p.Shares
	case errors.Is(err, model.ErrNotFound):
	default:
		return 0, err
	}

	pending, err := src.NetOrderQuantity(ctx, userID, symbol, store.OrderFilter{
		UnsettledOnly:    true,
		ExcludeTimestamp: bucket,
	})
	if err != nil {
		return 0, err
	}
	return shares + pending, nil
}

// PolicyByName maps a configuration value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case PolicyOrderHistory, "":
		return OrderHistory, nil
	case PolicyOrderHistoryReplacing:
		return OrderHistoryReplacing, nil
	case PolicyHoldings:
		return Holdings, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}
