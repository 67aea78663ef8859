// Package leaderboard ranks portfolios by balance.
package leaderboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/model"
)

// Entry is one ranked row.
type Entry struct {
	Rank    int             `json:"rank"`
	User    string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Shares  int64           `json:"shares"`
}

// Top returns the n highest balances, ties ordered by user ID.
// n <= 0 returns every portfolio. The input slice is not modified.
func Top(portfolios []model.Portfolio, n int) []Entry {
	sorted := make([]model.Portfolio, len(portfolios))
	copy(sorted, portfolios)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Balance.Cmp(sorted[j].Balance); c != 0 {
			return c > 0
		}
		return sorted[i].User < sorted[j].User
	})

	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	entries := make([]Entry, len(sorted))
	for i, p := range sorted {
		entries[i] = Entry{Rank: i + 1, User: p.User, Balance: p.Balance, Shares: p.Shares}
	}
	return entries
}

// Render formats entries as one "<rank>. <@user>: <balance> (<shares> shares)"
// line each.
func Render(symbol string, entries []Entry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No portfolios for %s yet", symbol)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Leaderboard for %s", symbol)
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%d. <@%s>: %s (%d shares)", e.Rank, e.User, e.Balance.StringFixed(2), e.Shares)
	}
	return b.String()
}
