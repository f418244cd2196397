package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"polybot/internal/store"
	"polybot/pkg/types"
)

type fakeWallet struct {
	balance float64
	err     error
}

func (w *fakeWallet) QuoteBalance(ctx context.Context) (decimal.Decimal, error) {
	if w.err != nil {
		return decimal.Zero, w.err
	}
	return decimal.NewFromFloat(w.balance), nil
}

func newTestTracker(t *testing.T, balance float64) (*Tracker, *store.Store, *fakeWallet) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pnl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	w := &fakeWallet{balance: balance}
	return NewTracker(st, w, slog.Default()), st, w
}

func TestBootstrapSeedsTodayOnce(t *testing.T) {
	tr, st, w := newTestTracker(t, 1000)
	ctx := context.Background()

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	row, err := st.GetDailyPnL(ctx, Today())
	if err != nil || row == nil {
		t.Fatalf("row = %+v, err = %v", row, err)
	}
	if row.StartingBalance != 1000 {
		t.Errorf("starting balance = %v", row.StartingBalance)
	}

	// A restart later the same day keeps the original starting balance.
	w.balance = 900
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetDailyPnL(ctx, Today())
	if row.StartingBalance != 1000 {
		t.Errorf("starting balance overwritten: %v", row.StartingBalance)
	}
}

func TestBootstrapIncludesOpenPositions(t *testing.T) {
	tr, st, _ := newTestTracker(t, 1000)
	ctx := context.Background()

	id, err := st.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdatePositionPrice(ctx, id, 0.50); err != nil {
		t.Fatal(err)
	}

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ := st.GetDailyPnL(ctx, Today())
	// 1000 cash + 100 shares marked at 0.50.
	if row.StartingBalance != 1050 {
		t.Errorf("starting balance = %v, want 1050", row.StartingBalance)
	}
}

func TestSnapshotRollsUpDay(t *testing.T) {
	tr, st, _ := newTestTracker(t, 1000)
	ctx := context.Background()

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	// One win, one loss, one still-open position.
	for _, pnl := range []float64{12.0, -4.0} {
		id, err := st.OpenPosition(ctx, types.Position{
			Strategy: "mirror", MarketID: fmt.Sprintf("m%v", pnl), TokenID: "t1",
			Side: types.BUY, EntryPrice: 0.4, Size: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := st.ClosePosition(ctx, id, pnl, "take_profit"); err != nil {
			t.Fatal(err)
		}
	}
	openID, err := st.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m-open", TokenID: "t2",
		Side: types.BUY, EntryPrice: 0.40, Size: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdatePositionPrice(ctx, openID, 0.45); err != nil {
		t.Fatal(err)
	}

	if err := tr.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	row, _ := st.GetDailyPnL(ctx, Today())
	if row.RealizedPnL != 8 {
		t.Errorf("realized = %v, want 8", row.RealizedPnL)
	}
	if row.UnrealizedPnL != 5 {
		t.Errorf("unrealized = %v, want 5", row.UnrealizedPnL)
	}
	if row.TradeCount != 2 || row.WinCount != 1 || row.LossCount != 1 {
		t.Errorf("counts = %d/%d/%d", row.TradeCount, row.WinCount, row.LossCount)
	}
}

func TestSnapshotSurvivesWalletOutage(t *testing.T) {
	tr, st, w := newTestTracker(t, 1000)
	ctx := context.Background()

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	w.err = fmt.Errorf("rpc down")

	if err := tr.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot should tolerate wallet outage: %v", err)
	}
	row, _ := st.GetDailyPnL(ctx, Today())
	if row == nil {
		t.Fatal("row missing")
	}
}

func TestBreakdownSplitsByStrategy(t *testing.T) {
	tr, st, _ := newTestTracker(t, 1000)
	ctx := context.Background()

	openID, err := st.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdatePositionPrice(ctx, openID, 0.50); err != nil {
		t.Fatal(err)
	}

	closedID, err := st.OpenPosition(ctx, types.Position{
		Strategy: "arb", MarketID: "m2", TokenID: "t2",
		Side: types.BUY, EntryPrice: 0.45, Size: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ClosePosition(ctx, closedID, 3.5, "resolution"); err != nil {
		t.Fatal(err)
	}

	rows, err := tr.Breakdown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}

	// Sorted by name: arb before mirror.
	arb, mirror := rows[0], rows[1]
	if arb.Strategy != "arb" || arb.RealizedDay != 3.5 || arb.ClosedDay != 1 || arb.WinsDay != 1 {
		t.Errorf("arb row = %+v", arb)
	}
	if arb.Exposure != 0 {
		t.Errorf("closed position still counted as exposure: %+v", arb)
	}
	if mirror.Strategy != "mirror" || mirror.Exposure != 50 {
		t.Errorf("mirror row = %+v", mirror)
	}
	if mirror.Unrealized != 10 {
		t.Errorf("mirror unrealized = %v, want 10", mirror.Unrealized)
	}
}

func TestSummaryReturnsFinalizedRow(t *testing.T) {
	tr, _, _ := newTestTracker(t, 1000)
	ctx := context.Background()

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	row, err := tr.Summary(ctx, Today())
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.EndingBalance != 1000 {
		t.Errorf("summary = %+v", row)
	}

	// A date never bootstrapped yields no row and no error.
	missing, err := tr.Summary(ctx, "1999-01-01")
	if err != nil || missing != nil {
		t.Errorf("missing day: %+v, %v", missing, err)
	}
}
