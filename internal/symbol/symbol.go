// Package symbol handles ticker symbol parsing, validation and the registry
// of symbols the exchange trades.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vitalsmarket/exchange/internal/model"
)

// symbolRegex matches dash-separated upper-case alphanumeric groups.
// Example: WFC-BG
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*$`)

var (
	ErrInvalidSymbol = fmt.Errorf("%w: symbol: invalid format", model.ErrValidation)
	ErrUnknownSymbol = fmt.Errorf("%w: symbol: not traded", model.ErrValidation)
	ErrNoSymbols     = errors.New("symbol: registry needs at least one symbol")
)

// Parse normalizes and validates a symbol. Lower case input is accepted.
func Parse(s string) (string, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(norm) {
		return "", fmt.Errorf("%w: %q (expected e.g. WFC-BG)", ErrInvalidSymbol, s)
	}
	return norm, nil
}

// Registry is the fixed set of traded symbols. The first one is the default
// for commands that do not name a symbol.
type Registry struct {
	symbols []string
	known   map[string]bool
}

// NewRegistry parses every symbol and rejects duplicates.
func NewRegistry(symbols []string) (*Registry, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	r := &Registry{known: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		sym, err := Parse(s)
		if err != nil {
			return nil, err
		}
		if r.known[sym] {
			return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidSymbol, sym)
		}
		r.known[sym] = true
		r.symbols = append(r.symbols, sym)
	}
	return r, nil
}

// Resolve returns the canonical form of name, or the default symbol when
// name is empty.
func (r *Registry) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return r.Default(), nil
	}
	sym, err := Parse(name)
	if err != nil {
		return "", err
	}
	if !r.known[sym] {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	return sym, nil
}

// Default returns the first configured symbol.
func (r *Registry) Default() string { return r.symbols[0] }

// All returns the configured symbols in configuration order.
func (r *Registry) All() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}
