package ingest_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/model"
	"github.com/vitalsmarket/exchange/internal/store"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

var pdt = timebucket.FixedOffset(-7)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatal(args ...any)
}

func values(fs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = d(f)
	}
	return out
}

func newTestEnv(t fataler) (*ingest.Service, *store.MemoryStore) {
	t.Helper()
	b, err := timebucket.NewBucketer(5*time.Minute, pdt)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := symbol.NewRegistry([]string{"WFC-BG"})
	if err != nil {
		t.Fatal(err)
	}
	ms := store.NewMemoryStore()
	return ingest.NewService(ms, b, reg), ms
}

func allPoints(t fataler, ms *store.MemoryStore) []model.PricePoint {
	t.Helper()
	points, err := ms.PricesBetween(context.Background(), "WFC-BG", time.Time{}, time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return points
}

func TestAppendSeries_AssignsConsecutiveBuckets(t *testing.T) {
	svc, ms := newTestEnv(t)
	start := time.Date(2025, 10, 15, 15, 2, 22, 0, pdt) // floors to 15:00

	res, err := svc.AppendSeries(context.Background(), "WFC-BG", start, values(100, 110, 120))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Written) != 3 || res.Skipped != 0 {
		t.Fatalf("written=%d skipped=%d", len(res.Written), res.Skipped)
	}

	points := allPoints(t, ms)
	want := time.Date(2025, 10, 15, 15, 0, 0, 0, pdt)
	for i, p := range points {
		if !p.Timestamp.Equal(want.Add(time.Duration(i) * 5 * time.Minute)) {
			t.Errorf("point %d at %s", i, p.Timestamp)
		}
	}
	if !points[2].Value.Equal(d(120)) {
		t.Errorf("values out of order: %+v", points)
	}
}

func TestAppendSeries_SkipsAtOrBelowWatermark(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2025, 10, 15, 15, 0, 0, 0, pdt)

	svc.AppendSeries(ctx, "WFC-BG", start, values(100, 110, 120))
	res, err := svc.AppendSeries(ctx, "WFC-BG", start.Add(5*time.Minute), values(999, 999, 130, 140))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || len(res.Written) != 2 {
		t.Errorf("written=%d skipped=%d, want 2/2", len(res.Written), res.Skipped)
	}

	points := allPoints(t, ms)
	if len(points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(points))
	}
	if !points[1].Value.Equal(d(110)) {
		t.Errorf("existing point overwritten: %s", points[1].Value)
	}
}

func TestAppendSeries_NoNewEntries(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2025, 10, 15, 15, 0, 0, 0, pdt)

	svc.AppendSeries(ctx, "WFC-BG", start, values(100, 110))
	res, err := svc.AppendSeries(ctx, "WFC-BG", start, values(100, 110))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Written) != 0 {
		t.Errorf("expected nothing written, got %d", len(res.Written))
	}
	if msg := res.Message(pdt); !strings.HasPrefix(msg, "no new entries") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestAppendSeries_ValidationErrors(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2025, 10, 15, 15, 0, 0, 0, pdt)

	tests := []struct {
		name   string
		sym    string
		start  time.Time
		values []decimal.Decimal
		want   error
	}{
		{"missing start", "WFC-BG", time.Time{}, values(1), ingest.ErrMissingStart},
		{"no values", "WFC-BG", start, nil, ingest.ErrNoValues},
		{"unknown symbol", "BTC", start, values(1), symbol.ErrUnknownSymbol},
	}
	for _, tt := range tests {
		_, err := svc.AppendSeries(ctx, tt.sym, tt.start, tt.values)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
		if !errors.Is(err, model.ErrValidation) {
			t.Errorf("%s: should be a validation error", tt.name)
		}
	}
	if n := len(allPoints(t, ms)); n != 0 {
		t.Errorf("validation failures must not write, got %d points", n)
	}
}

func TestHistory(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2025, 10, 15, 15, 0, 0, 0, pdt)

	if points, err := svc.History(ctx, "WFC-BG", time.Hour); err != nil || len(points) != 0 {
		t.Errorf("empty history: %v %v", points, err)
	}

	svc.AppendSeries(ctx, "WFC-BG", start, values(1, 2, 3, 4, 5))
	points, err := svc.History(ctx, "WFC-BG", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 || !points[0].Value.Equal(d(3)) {
		t.Errorf("unexpected history %+v", points)
	}

	all, err := svc.History(ctx, "WFC-BG", ingest.AllHistory)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || !all[0].Timestamp.Equal(start) {
		t.Errorf("expected every point, got %+v", all)
	}
}

// Re-sending any overlapping prefix of a series yields exactly the set of
// points a single upload of the whole series would.
func TestProperty_IdempotentIngestion(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		series := make([]decimal.Decimal, n)
		for i := range series {
			series[i] = decimal.NewFromInt(int64(rapid.IntRange(0, 400).Draw(rt, "v")))
		}
		cut := rapid.IntRange(0, n-1).Draw(rt, "cut")
		overlap := rapid.IntRange(0, cut).Draw(rt, "overlap")
		start := time.Date(2025, 10, 15, 0, 0, 0, 0, pdt)
		ctx := context.Background()

		once, onceStore := newTestEnv(rt)
		if _, err := once.AppendSeries(ctx, "WFC-BG", start, series); err != nil {
			rt.Fatal(err)
		}

		twice, twiceStore := newTestEnv(rt)
		if cut > 0 {
			if _, err := twice.AppendSeries(ctx, "WFC-BG", start, series[:cut]); err != nil {
				rt.Fatal(err)
			}
		}
		resend := cut - overlap
		if _, err := twice.AppendSeries(ctx, "WFC-BG", start.Add(time.Duration(resend)*5*time.Minute), series[resend:]); err != nil {
			rt.Fatal(err)
		}
		// A full duplicate upload changes nothing.
		if _, err := twice.AppendSeries(ctx, "WFC-BG", start, series); err != nil {
			rt.Fatal(err)
		}

		a, b := allPoints(rt, onceStore), allPoints(rt, twiceStore)
		if len(a) != len(b) {
			rt.Fatalf("point counts differ: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if !a[i].Timestamp.Equal(b[i].Timestamp) || !a[i].Value.Equal(b[i].Value) {
				rt.Fatalf("point %d differs: %+v vs %+v", i, a[i], b[i])
			}
		}
	})
}
