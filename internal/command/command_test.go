package command_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/command"
	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/order"
	"github.com/vitalsmarket/exchange/internal/quota"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

var pdt = timebucket.FixedOffset(-7)

type testEnv struct {
	dispatcher *command.Dispatcher
	store      *store.MemoryStore
	prices     *ingest.Service
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bucketer, _ := timebucket.NewBucketer(5*time.Minute, pdt)
	window, _ := timebucket.NewWindow(18*time.Hour, 14*time.Hour, pdt)
	symbols, err := symbol.NewRegistry([]string{"WFC-BG"})
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store.NewMemoryStore(), now: time.Date(2025, 10, 15, 20, 2, 0, 0, pdt)}
	orders := order.NewService(env.store, order.Config{
		Symbols:     symbols,
		Bucketer:    bucketer,
		Window:      window,
		Limiter:     quota.NewLimiter(100),
		MaxQuantity: 20,
		Now:         func() time.Time { return env.now },
	})
	env.prices = ingest.NewService(env.store, bucketer, symbols)
	env.dispatcher = command.NewDispatcher(command.Config{
		Orders:          orders,
		Prices:          env.prices,
		Portfolios:      env.store,
		Symbols:         symbols,
		Location:        pdt,
		LeaderboardSize: 25,
		PriceHistory:    24 * time.Hour,
		BucketWidth:     5 * time.Minute,
	})
	return env
}

func (e *testEnv) handle(t *testing.T, cmd command.Command) command.Reply {
	t.Helper()
	reply, err := e.dispatcher.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", cmd.Name, err)
	}
	return reply
}

func TestHandle_Buy(t *testing.T) {
	env := newTestEnv(t)

	reply := env.handle(t, command.Command{Name: "buy", User: "alice", Quantity: 10})
	if !strings.Contains(reply.Content, "BUY order for 10 WFC-BG") || !strings.Contains(reply.Content, "Oct 15 20:00") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if reply.Ephemeral {
		t.Error("order confirmations are public")
	}
}

func TestHandle_RejectionsBecomeReplies(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		setup   func()
		cmd     command.Command
		contain string
	}{
		{
			name:    "quantity above max",
			cmd:     command.Command{Name: "buy", User: "alice", Quantity: 21},
			contain: "quantity out of range",
		},
		{
			name:    "sell without exposure",
			cmd:     command.Command{Name: "sell", User: "alice", Quantity: 1},
			contain: "order rejected",
		},
		{
			name:    "window closed",
			setup:   func() { env.now = time.Date(2025, 10, 15, 12, 0, 0, 0, pdt) },
			cmd:     command.Command{Name: "buy", User: "alice", Quantity: 1},
			contain: "trading is closed from Wed 08:00 to Wed 18:00",
		},
		{
			name:    "unknown symbol",
			cmd:     command.Command{Name: "leaderboard", Symbol: "XYZ"},
			contain: "not traded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			reply := env.handle(t, tt.cmd)
			if !strings.Contains(reply.Content, tt.contain) {
				t.Errorf("expected reply containing %q, got %q", tt.contain, reply.Content)
			}
			if !reply.Ephemeral {
				t.Error("rejections are shown only to the user")
			}
		})
	}
}

func TestHandle_UnknownCommand(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Handle(context.Background(), command.Command{Name: "short", User: "alice"})
	if !errors.Is(err, command.ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestHandle_GetPrice(t *testing.T) {
	env := newTestEnv(t)

	reply := env.handle(t, command.Command{Name: "get-price"})
	if reply.Content != "no price data yet for WFC-BG" {
		t.Errorf("unexpected reply %q", reply.Content)
	}

	start := time.Date(2025, 10, 15, 17, 0, 0, 0, pdt)
	values := []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(110)}
	if _, err := env.prices.AppendSeries(context.Background(), "WFC-BG", start, values); err != nil {
		t.Fatal(err)
	}

	reply = env.handle(t, command.Command{Name: "GET-PRICE"})
	want := "WFC-BG prices, last 24h0m0s\nOct 15 17:00: 100\nOct 15 17:05: 110"
	if reply.Content != want {
		t.Errorf("got %q, want %q", reply.Content, want)
	}
	if !reply.Ephemeral {
		t.Error("price replies are ephemeral")
	}
}

func TestHandle_GetPriceAllHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := time.Date(2025, 10, 13, 17, 0, 0, 0, pdt)
	if _, err := env.prices.AppendSeries(ctx, "WFC-BG", old, []decimal.Decimal{decimal.NewFromInt(90)}); err != nil {
		t.Fatal(err)
	}
	recent := time.Date(2025, 10, 15, 17, 0, 0, 0, pdt)
	if _, err := env.prices.AppendSeries(ctx, "WFC-BG", recent, []decimal.Decimal{decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}

	reply := env.handle(t, command.Command{Name: "get-price"})
	if reply.Content != "WFC-BG prices, last 24h0m0s\nOct 15 17:00: 100" {
		t.Errorf("default span should drop the old point, got %q", reply.Content)
	}

	reply = env.handle(t, command.Command{Name: "get-price", All: true})
	want := "WFC-BG prices, all history\nOct 13 17:00: 90\nOct 15 17:00: 100"
	if reply.Content != want {
		t.Errorf("got %q, want %q", reply.Content, want)
	}
}

func TestHandle_GetOpenOrders(t *testing.T) {
	env := newTestEnv(t)

	reply := env.handle(t, command.Command{Name: "get-open-orders", User: "alice"})
	if reply.Content != "you have no open orders" {
		t.Errorf("unexpected reply %q", reply.Content)
	}

	env.handle(t, command.Command{Name: "buy", User: "alice", Quantity: 4})
	reply = env.handle(t, command.Command{Name: "get-open-orders", User: "alice"})
	if reply.Content != "your open orders:\nOct 15 20:00: BUY 4 WFC-BG" {
		t.Errorf("unexpected reply %q", reply.Content)
	}
}

func TestHandle_Leaderboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.store.WithSettlementTx(ctx, "WFC-BG", func(tx store.SettlementTx) error {
		return tx.UpsertPortfolios(ctx, []model.Portfolio{
			{User: "alice", Symbol: "WFC-BG", Shares: 0, Balance: decimal.NewFromInt(80)},
			{User: "bob", Symbol: "WFC-BG", Shares: 10, Balance: decimal.NewFromInt(-1000)},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	reply := env.handle(t, command.Command{Name: "leaderboard"})
	if !strings.HasPrefix(reply.Content, "Leaderboard for WFC-BG\n1. <@alice>") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
}

func TestHandle_HelloWorld(t *testing.T) {
	env := newTestEnv(t)

	reply := env.handle(t, command.Command{Name: "hello-world", User: "alice"})
	if !strings.HasPrefix(reply.Content, "hello, <@alice>!") || !strings.Contains(reply.Content, "WFC-BG") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
}

func TestHandle_MissingUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Handle(context.Background(), command.Command{Name: "buy", Quantity: 1})
	if !errors.Is(err, command.ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}
