// Package model defines the core domain types shared across the exchange.
// Prices and balances use shopspring/decimal; share counts are whole numbers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one bucket of the uploaded price series.
// Once written it is never modified or deleted.
// Schema: {symbol, timestamp, value}, unique per (symbol, timestamp).
type PricePoint struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Value     decimal.Decimal `json:"value" db:"value"`
}

// OrderKey is the natural key of a pending order. A later submission with
// the same key replaces the earlier one.
type OrderKey struct {
	User      string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.User, k.Symbol, k.Timestamp.UTC().Format(time.RFC3339))
}

// PendingOrder is a buy/sell intent against a bucket whose price is not yet
// known. Settled flips false→true exactly once, during settlement.
type PendingOrder struct {
	User      string    `json:"user_id" db:"user_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Action    Action    `json:"action" db:"action"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	Settled   bool      `json:"settled" db:"settled"`
}

// Key returns the order's natural key.
func (o PendingOrder) Key() OrderKey {
	return OrderKey{User: o.User, Symbol: o.Symbol, Timestamp: o.Timestamp}
}

// Portfolio is a user's holdings in one symbol. Balance is a cumulative
// profit/loss ledger and may go negative; Shares never does.
type Portfolio struct {
	User    string          `json:"user_id" db:"user_id"`
	Symbol  string          `json:"symbol" db:"symbol"`
	Shares  int64           `json:"shares" db:"shares"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Fill records how one order resolved during a settlement run.
type Fill struct {
	User      string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    Action          `json:"action"`
	Requested int64           `json:"requested"`
	Quantity  int64           `json:"quantity"` // actually applied
	Price     decimal.Decimal `json:"price"`
}

// Action is the side of an order. Only ActionBuy and ActionSell exist; each
// carries its own settlement rule in Apply.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ParseAction accepts "buy"/"sell" in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrValidation, s)
}

// Sign is +1 for buys and -1 for sells.
func (a Action) Sign() int64 {
	if a == ActionSell {
		return -1
	}
	return 1
}

// Apply settles quantity shares at price against p and returns the new
// portfolio with the quantity actually filled.
//
// Buys are unconditional: balance may go negative. Sells are clamped to the
// shares currently held, so an oversell fills partially (possibly zero).
func (a Action) Apply(p Portfolio, quantity int64, price decimal.Decimal) (Portfolio, int64) {
	switch a {
	case ActionBuy:
		p.Shares += quantity
		p.Balance = p.Balance.Sub(price.Mul(decimal.NewFromInt(quantity)))
		return p, quantity
	case ActionSell:
		filled := min(quantity, p.Shares)
		p.Shares -= filled
		p.Balance = p.Balance.Add(price.Mul(decimal.NewFromInt(filled)))
		return p, filled
	}
	return p, 0
}
