// Package command turns chat-layer commands into replies.
//
// The chat collaborator authenticates users and parses its own protocol; it
// hands over a Command with an opaque user ID and an already-typed
// quantity. Rejections a user can act on (bad input, closed window, quota)
// come back as a Reply. Only infrastructure failures are returned as errors.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/leaderboard"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/order"
	"github.com/vitalsmarket/exchange/internal/symbol"
)

// Command names.
const (
	Buy           = "buy"
	Sell          = "sell"
	Leaderboard   = "leaderboard"
	GetPrice      = "get-price"
	GetOpenOrders = "get-open-orders"
	HelloWorld    = "hello-world"
)

var (
	// ErrUnknownCommand is returned for names outside the command set.
	ErrUnknownCommand = fmt.Errorf("%w: command: unknown command", model.ErrValidation)

	// ErrMissingUser is returned when a per-user command carries no user.
	ErrMissingUser = fmt.Errorf("%w: command: user is required", model.ErrValidation)
)

// perUser lists the commands that act on the invoking user.
var perUser = map[string]bool{Buy: true, Sell: true, GetOpenOrders: true, HelloWorld: true}

// Command is one invocation from the chat layer.
type Command struct {
	Name     string `json:"name"`
	User     string `json:"user_id"`
	Symbol   string `json:"symbol,omitempty"` // empty trades the default symbol
	Quantity int64  `json:"quantity,omitempty"`
	All      bool   `json:"all,omitempty"` // get-price: every point instead of the recent span
}

// Reply is the text sent back. Ephemeral replies are shown only to the
// invoking user.
type Reply struct {
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral"`
}

// PortfolioLister is the store subset the leaderboard reads.
type PortfolioLister interface {
	ListPortfolios(ctx context.Context, symbol string) ([]model.Portfolio, error)
}

// Config wires a Dispatcher.
type Config struct {
	Orders          *order.Service
	Prices          *ingest.Service
	Portfolios      PortfolioLister
	Symbols         *symbol.Registry
	Location        *time.Location
	LeaderboardSize int
	PriceHistory    time.Duration
	BucketWidth     time.Duration
}

// Dispatcher routes commands to the services.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Dispatcher{cfg: cfg}
}

// Handle executes cmd.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) (Reply, error) {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	slog.Info("command received", "command", name, "user", cmd.User, "symbol", cmd.Symbol)
	if perUser[name] && cmd.User == "" {
		return Reply{}, fmt.Errorf("%w: %s", ErrMissingUser, name)
	}

	var (
		reply Reply
		err   error
	)
	switch name {
	case HelloWorld:
		reply = d.hello(cmd)
	case Buy:
		reply, err = d.submit(ctx, model.ActionBuy, cmd)
	case Sell:
		reply, err = d.submit(ctx, model.ActionSell, cmd)
	case Leaderboard:
		reply, err = d.leaderboard(ctx, cmd)
	case GetPrice:
		reply, err = d.price(ctx, cmd)
	case GetOpenOrders:
		reply, err = d.openOrders(ctx, cmd)
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}

	if err != nil && model.IsUserFacing(err) {
		slog.Info("command rejected", "command", name, "user", cmd.User, "reason", err)
		return Reply{Content: rejection(err), Ephemeral: true}, nil
	}
	return reply, err
}

func (d *Dispatcher) hello(cmd Command) Reply {
	return Reply{Content: fmt.Sprintf(
		"hello, <@%s>! Orders execute at the price of the %s bucket you placed them in, "+
			"once that price is uploaded. Traded symbols: %s.",
		cmd.User, d.cfg.BucketWidth, strings.Join(d.cfg.Symbols.All(), ", "))}
}

func (d *Dispatcher) submit(ctx context.Context, action model.Action, cmd Command) (Reply, error) {
	conf, err := d.cfg.Orders.Submit(ctx, action, cmd.Symbol, cmd.User, cmd.Quantity)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: conf.Message(d.cfg.Location)}, nil
}

func (d *Dispatcher) leaderboard(ctx context.Context, cmd Command) (Reply, error) {
	sym, err := d.cfg.Symbols.Resolve(cmd.Symbol)
	if err != nil {
		return Reply{}, err
	}
	portfolios, err := d.cfg.Portfolios.ListPortfolios(ctx, sym)
	if err != nil {
		return Reply{}, fmt.Errorf("list portfolios: %w", err)
	}
	entries := leaderboard.Top(portfolios, d.cfg.LeaderboardSize)
	return Reply{Content: leaderboard.Render(sym, entries), Ephemeral: true}, nil
}

func (d *Dispatcher) price(ctx context.Context, cmd Command) (Reply, error) {
	sym, err := d.cfg.Symbols.Resolve(cmd.Symbol)
	if err != nil {
		return Reply{}, err
	}
	span, label := d.cfg.PriceHistory, "last "+d.cfg.PriceHistory.String()
	if cmd.All {
		span, label = ingest.AllHistory, "all history"
	}
	points, err := d.cfg.Prices.History(ctx, sym, span)
	if err != nil {
		return Reply{}, fmt.Errorf("price history: %w", err)
	}
	if len(points) == 0 {
		return Reply{Content: fmt.Sprintf("no price data yet for %s", sym), Ephemeral: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s prices, %s", sym, label)
	for _, p := range points {
		fmt.Fprintf(&b, "\n%s: %s", p.Timestamp.In(d.cfg.Location).Format("Jan 2 15:04"), p.Value.String())
	}
	return Reply{Content: b.String(), Ephemeral: true}, nil
}

func (d *Dispatcher) openOrders(ctx context.Context, cmd Command) (Reply, error) {
	orders, err := d.cfg.Orders.OpenOrders(ctx, cmd.User, cmd.Symbol)
	if err != nil {
		return Reply{}, err
	}
	if len(orders) == 0 {
		return Reply{Content: "you have no open orders", Ephemeral: true}, nil
	}

	var b strings.Builder
	b.WriteString("your open orders:")
	for _, o := range orders {
		fmt.Fprintf(&b, "\n%s: %s %d %s", o.Timestamp.In(d.cfg.Location).Format("Jan 2 15:04"), o.Action, o.Quantity, o.Symbol)
	}
	return Reply{Content: b.String(), Ephemeral: true}, nil
}

func rejection(err error) string {
	switch {
	case errors.Is(err, model.ErrWindowClosed):
		return "order rejected: " + strings.TrimPrefix(err.Error(), model.ErrWindowClosed.Error()+": ")
	case errors.Is(err, model.ErrQuotaExceeded):
		return "order rejected: " + err.Error()
	case errors.Is(err, model.ErrOrderSettled):
		return "order rejected: this bucket has already been settled"
	}
	return err.Error()
}
