package order_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/order"
	"github.com/vitalsmarket/exchange/internal/quota"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

var pdt = timebucket.FixedOffset(-7)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// newTestEnv wires a service with an 18:00 + 14h window, 5-minute buckets
// and a cap of 100, clock set to Oct 15 20:03 local.
func newTestEnv(t *testing.T, policy quota.Policy) (*order.Service, *store.MemoryStore, *clock) {
	t.Helper()
	bucketer, err := timebucket.NewBucketer(5*time.Minute, pdt)
	if err != nil {
		t.Fatal(err)
	}
	window, err := timebucket.NewWindow(18*time.Hour, 14*time.Hour, pdt)
	if err != nil {
		t.Fatal(err)
	}
	symbols, err := symbol.NewRegistry([]string{"WFC-BG", "ABC"})
	if err != nil {
		t.Fatal(err)
	}

	ms := store.NewMemoryStore()
	c := &clock{t: time.Date(2025, 10, 15, 20, 3, 41, 0, pdt)}
	svc := order.NewService(ms, order.Config{
		Symbols:     symbols,
		Bucketer:    bucketer,
		Window:      window,
		Limiter:     quota.NewLimiter(100),
		Policy:      policy,
		MaxQuantity: 20,
		Now:         c.now,
	})
	return svc, ms, c
}

func TestSubmit_RoundsToBucket(t *testing.T) {
	svc, ms, _ := newTestEnv(t, nil)

	conf, err := svc.Submit(context.Background(), model.ActionBuy, "", "alice", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2025, 10, 15, 20, 0, 0, 0, pdt)
	if !conf.Order.Timestamp.Equal(want) {
		t.Errorf("expected bucket %s, got %s", want, conf.Order.Timestamp)
	}
	if conf.Order.Symbol != "WFC-BG" {
		t.Errorf("empty symbol should trade the default, got %q", conf.Order.Symbol)
	}
	if conf.Exposure != 10 {
		t.Errorf("expected exposure 10, got %d", conf.Exposure)
	}
	if msg := conf.Message(pdt); !strings.Contains(msg, "Oct 15 20:00") {
		t.Errorf("confirmation should name the bucket: %q", msg)
	}

	open, _ := ms.OpenOrders(context.Background(), "alice", "WFC-BG")
	if len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}
}

func TestSubmit_LastSubmissionInBucketWins(t *testing.T) {
	svc, ms, c := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Minute) // same bucket
	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5); err != nil {
		t.Fatal(err)
	}

	// Earlier buckets hold 5 shares so the sell stays within the cap.
	c.t = c.t.Add(5 * time.Minute)
	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, model.ActionSell, "WFC-BG", "alice", 3); err != nil {
		t.Fatalf("replacing sell rejected: %v", err)
	}

	open, _ := ms.OpenOrders(ctx, "alice", "WFC-BG")
	if len(open) != 2 {
		t.Fatalf("expected one order per bucket, got %d", len(open))
	}
	last := open[1]
	if last.Action != model.ActionSell || last.Quantity != 3 {
		t.Errorf("expected SELL 3 to replace BUY 5, got %s %d", last.Action, last.Quantity)
	}
}

func TestSubmit_BuyThenSellSameBucket(t *testing.T) {
	svc, ms, _ := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5); err != nil {
		t.Fatal(err)
	}
	conf, err := svc.Submit(ctx, model.ActionSell, "WFC-BG", "alice", 3)
	if err != nil {
		t.Fatalf("sell in the same bucket rejected: %v", err)
	}
	if conf.Exposure != 2 {
		t.Errorf("expected exposure 2, got %d", conf.Exposure)
	}

	open, _ := ms.OpenOrders(ctx, "alice", "WFC-BG")
	if len(open) != 1 || open[0].Action != model.ActionSell || open[0].Quantity != 3 {
		t.Errorf("expected a single SELL 3, got %+v", open)
	}
}

func TestSubmit_BuyThenSellSameBucketReplacingPolicy(t *testing.T) {
	svc, ms, _ := newTestEnv(t, quota.OrderHistoryReplacing)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5); err != nil {
		t.Fatal(err)
	}
	// The buy being replaced does not count, so there is nothing to sell.
	_, err := svc.Submit(ctx, model.ActionSell, "WFC-BG", "alice", 3)
	if !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	open, _ := ms.OpenOrders(ctx, "alice", "WFC-BG")
	if len(open) != 1 || open[0].Action != model.ActionBuy || open[0].Quantity != 5 {
		t.Errorf("rejected sell must not change state: %+v", open)
	}
}

func TestSubmit_WindowClosed(t *testing.T) {
	svc, ms, c := newTestEnv(t, nil)
	c.t = time.Date(2025, 10, 15, 8, 0, 0, 0, pdt)

	_, err := svc.Submit(context.Background(), model.ActionBuy, "WFC-BG", "alice", 1)
	if !errors.Is(err, model.ErrWindowClosed) {
		t.Fatalf("expected window closed, got %v", err)
	}
	if !strings.Contains(err.Error(), "18:00") {
		t.Errorf("message should name the reopening time: %v", err)
	}
	open, _ := ms.OpenOrders(context.Background(), "alice", "WFC-BG")
	if len(open) != 0 {
		t.Error("no order should be stored")
	}
}

func TestSubmit_WindowOpenAcrossMidnight(t *testing.T) {
	svc, _, c := newTestEnv(t, nil)
	c.t = time.Date(2025, 10, 16, 7, 59, 0, 0, pdt)

	if _, err := svc.Submit(context.Background(), model.ActionBuy, "WFC-BG", "alice", 1); err != nil {
		t.Fatalf("07:59 should be open: %v", err)
	}
}

func TestSubmit_QuotaCap(t *testing.T) {
	svc, _, c := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 20); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
		c.t = c.t.Add(5 * time.Minute)
	}

	_, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 1)
	if !errors.Is(err, quota.ErrExposureCapExceeded) {
		t.Fatalf("expected cap exceeded, got %v", err)
	}
	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "bob", 1); err != nil {
		t.Errorf("caps are per user: %v", err)
	}
	if _, err := svc.Submit(ctx, model.ActionBuy, "ABC", "alice", 1); err != nil {
		t.Errorf("caps are per symbol: %v", err)
	}
}

func TestSubmit_SellWithoutExposure(t *testing.T) {
	svc, _, _ := newTestEnv(t, nil)

	_, err := svc.Submit(context.Background(), model.ActionSell, "WFC-BG", "alice", 1)
	if !errors.Is(err, quota.ErrNegativeExposure) {
		t.Fatalf("expected negative exposure, got %v", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _ := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		action model.Action
		symbol string
		user   string
		qty    int64
	}{
		{"negative quantity", model.ActionBuy, "WFC-BG", "alice", -1},
		{"quantity above max", model.ActionBuy, "WFC-BG", "alice", 21},
		{"unknown symbol", model.ActionBuy, "XYZ", "alice", 1},
		{"missing user", model.ActionBuy, "WFC-BG", "", 1},
		{"unknown action", model.Action("HOLD"), "WFC-BG", "alice", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.action, tt.symbol, tt.user, tt.qty)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmit_ZeroQuantityAccepted(t *testing.T) {
	svc, _, _ := newTestEnv(t, nil)

	conf, err := svc.Submit(context.Background(), model.ActionBuy, "WFC-BG", "alice", 0)
	if err != nil {
		t.Fatalf("zero is a valid quantity: %v", err)
	}
	if conf.Order.Quantity != 0 {
		t.Errorf("expected 0, got %d", conf.Order.Quantity)
	}
}

func TestSubmit_SettledBucketRejected(t *testing.T) {
	svc, ms, _ := newTestEnv(t, nil)
	ctx := context.Background()

	conf, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 5)
	if err != nil {
		t.Fatal(err)
	}
	err = ms.WithSettlementTx(ctx, "WFC-BG", func(tx store.SettlementTx) error {
		due, err := tx.DueOrders(ctx, "WFC-BG", conf.Order.Timestamp, 10)
		if err != nil {
			return err
		}
		_, err = tx.MarkSettled(ctx, []model.OrderKey{due[0].Key()})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 1)
	if !errors.Is(err, model.ErrOrderSettled) {
		t.Fatalf("expected settled rejection, got %v", err)
	}
}

func TestSubmit_HoldingsPolicy(t *testing.T) {
	svc, ms, c := newTestEnv(t, quota.Holdings)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 20); err != nil {
		t.Fatal(err)
	}
	bucket := c.t
	// Settle the buy with no shares applied, as if it had been sold off.
	err := ms.WithSettlementTx(ctx, "WFC-BG", func(tx store.SettlementTx) error {
		due, _ := tx.DueOrders(ctx, "WFC-BG", bucket, 10)
		if _, err := tx.MarkSettled(ctx, []model.OrderKey{due[0].Key()}); err != nil {
			return err
		}
		return tx.UpsertPortfolios(ctx, []model.Portfolio{{User: "alice", Symbol: "WFC-BG"}})
	})
	if err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(5 * time.Minute)
	_, err = svc.Submit(ctx, model.ActionSell, "WFC-BG", "alice", 1)
	if !errors.Is(err, quota.ErrNegativeExposure) {
		t.Errorf("holdings policy should see zero shares, got %v", err)
	}
}

func TestOpenOrders(t *testing.T) {
	svc, _, c := newTestEnv(t, nil)
	ctx := context.Background()

	svc.Submit(ctx, model.ActionBuy, "WFC-BG", "alice", 2)
	c.t = c.t.Add(10 * time.Minute)
	svc.Submit(ctx, model.ActionSell, "WFC-BG", "alice", 1)

	open, err := svc.OpenOrders(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 || !open[0].Timestamp.Before(open[1].Timestamp) {
		t.Errorf("expected 2 orders oldest first, got %+v", open)
	}

	if _, err := svc.OpenOrders(ctx, "alice", "nope!"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
