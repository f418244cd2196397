package store

import (
	"context"
	"path/filepath"
	"testing"

	"polybot/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordTradeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := types.Trade{
		OrderID: "ord-1", Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, Price: 0.45, Notional: 50,
		Discipline: types.ImmediateOrKill, Status: types.OrderSubmitted,
	}

	id1, err := s.RecordTrade(ctx, trade)
	if err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	// Same order id again: no new row, same id back.
	trade.Price = 0.99
	id2, err := s.RecordTrade(ctx, trade)
	if err != nil {
		t.Fatalf("RecordTrade duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate insert returned id %d, want %d", id2, id1)
	}

	got, err := s.GetTradeByOrderID(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetTradeByOrderID: %v", err)
	}
	if got == nil || got.Price != 0.45 {
		t.Errorf("original row was overwritten: %+v", got)
	}
}

func TestUpdateTradeStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordTrade(ctx, types.Trade{
		OrderID: "ord-2", Strategy: "arb", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, Price: 0.45, Notional: 50,
		Discipline: types.ImmediateOrKill, Status: types.OrderSubmitted,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateTradeStatus(ctx, "ord-2", types.OrderFilled, 0.46, 108.7, 0.12); err != nil {
		t.Fatalf("UpdateTradeStatus: %v", err)
	}
	got, err := s.GetTradeByOrderID(ctx, "ord-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.OrderFilled || got.FillPrice != 0.46 || got.Fees != 0.12 {
		t.Errorf("after fill: %+v", got)
	}
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 125, StopLossPrice: 0.30,
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	p, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != types.PositionOpen || p.StopLossPrice != 0.30 || p.TakeProfitTier != 0 {
		t.Errorf("opened position: %+v", p)
	}

	// Price update recomputes unrealized P&L.
	if err := s.UpdatePositionPrice(ctx, id, 0.48); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetPosition(ctx, id)
	if p.UnrealizedPnL != 10 { // (0.48-0.40)*125
		t.Errorf("unrealized pnl = %v, want 10", p.UnrealizedPnL)
	}

	// open → closing. A second call is a no-op.
	if err := s.SetPositionClosing(ctx, id, "stop_loss"); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetPosition(ctx, id)
	if p.Status != types.PositionClosing || p.CloseReason != "stop_loss" {
		t.Errorf("closing position: %+v", p)
	}

	// Exit failed definitively: back to open so monitoring retries.
	if err := s.ReopenPosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetPosition(ctx, id)
	if p.Status != types.PositionOpen || p.CloseReason != "" {
		t.Errorf("reopened position: %+v", p)
	}

	// open → closing → closed with realized P&L.
	if err := s.SetPositionClosing(ctx, id, "take_profit"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClosePosition(ctx, id, 9.5, "take_profit"); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetPosition(ctx, id)
	if p.Status != types.PositionClosed || p.RealizedPnL != 9.5 || p.ClosedAt.IsZero() {
		t.Errorf("closed position: %+v", p)
	}

	// Closing a closed position changes nothing.
	if err := s.ClosePosition(ctx, id, -100, "other"); err != nil {
		t.Fatal(err)
	}
	p, _ = s.GetPosition(ctx, id)
	if p.RealizedPnL != 9.5 {
		t.Errorf("closed row was rewritten: %+v", p)
	}
}

func TestPositionScanHandlesNullClosedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An open row has a NULL closed_at; every list path must scan it.
	id, err := s.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	open, err := s.GetOpenPositions(ctx, "")
	if err != nil {
		t.Fatalf("GetOpenPositions with NULL closed_at: %v", err)
	}
	if len(open) != 1 || !open[0].ClosedAt.IsZero() {
		t.Errorf("open row = %+v", open)
	}

	if err := s.ClosePosition(ctx, id, 1.0, "take_profit"); err != nil {
		t.Fatal(err)
	}
	closed, err := s.GetClosedPositions(ctx, 10)
	if err != nil {
		t.Fatalf("GetClosedPositions: %v", err)
	}
	if len(closed) != 1 || closed[0].ClosedAt.IsZero() {
		t.Errorf("closed row = %+v", closed)
	}
}

func TestPartialCloseAndCounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePositionPartialClose(ctx, id, 50, 1); err != nil {
		t.Fatal(err)
	}
	p, _ := s.GetPosition(ctx, id)
	if p.Size != 50 || p.TakeProfitTier != 1 || p.Status != types.PositionOpen {
		t.Errorf("after partial close: %+v", p)
	}

	// A closing position still counts as open exposure.
	id2, _ := s.OpenPosition(ctx, types.Position{
		Strategy: "arb", MarketID: "m2", TokenID: "t2",
		Side: types.BUY, EntryPrice: 0.5, Size: 10,
	})
	s.SetPositionClosing(ctx, id2, "stop_loss")

	n, err := s.CountOpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountOpenPositions = %d, want 2", n)
	}

	mirrorOnly, err := s.GetOpenPositions(ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	if len(mirrorOnly) != 1 || mirrorOnly[0].ID != id {
		t.Errorf("strategy filter returned %+v", mirrorOnly)
	}
}

func TestTodayRealizedPnL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, pnl := range []float64{5.0, -2.0} {
		id, err := s.OpenPosition(ctx, types.Position{
			Strategy: "mirror", MarketID: "m1", TokenID: "t1",
			Side: types.BUY, EntryPrice: 0.4, Size: float64(10 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.ClosePosition(ctx, id, pnl, "take_profit"); err != nil {
			t.Fatal(err)
		}
	}

	// Still-open positions contribute nothing.
	if _, err := s.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m2", TokenID: "t2",
		Side: types.BUY, EntryPrice: 0.4, Size: 10,
	}); err != nil {
		t.Fatal(err)
	}

	total, err := s.TodayRealizedPnL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3.0 {
		t.Errorf("TodayRealizedPnL = %v, want 3.0", total)
	}
}

func TestWithTxAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := types.Trade{
		OrderID: "tx-1", Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, Price: 0.45, Notional: 50,
		Discipline: types.ImmediateOrKill, Status: types.OrderFilled,
	}

	// Error inside the scope rolls everything back.
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.RecordTrade(ctx, trade); err != nil {
			return err
		}
		if _, err := tx.OpenPosition(ctx, types.Position{
			Strategy: "mirror", MarketID: "m1", TokenID: "t1",
			Side: types.BUY, EntryPrice: 0.45, Size: 111,
		}); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected scope error to surface")
	}
	if got, _ := s.GetTradeByOrderID(ctx, "tx-1"); got != nil {
		t.Errorf("trade survived rollback: %+v", got)
	}
	if n, _ := s.CountOpenPositions(ctx); n != 0 {
		t.Errorf("position survived rollback: %d open", n)
	}

	// Success commits both.
	err = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.RecordTrade(ctx, trade); err != nil {
			return err
		}
		_, err := tx.OpenPosition(ctx, types.Position{
			Strategy: "mirror", MarketID: "m1", TokenID: "t1",
			Side: types.BUY, EntryPrice: 0.45, Size: 111,
		})
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if got, _ := s.GetTradeByOrderID(ctx, "tx-1"); got == nil {
		t.Error("trade missing after commit")
	}
	if n, _ := s.CountOpenPositions(ctx); n != 1 {
		t.Errorf("open positions = %d, want 1", n)
	}
}

func TestDailyPnL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDailyPnL(ctx, "2026-08-24", 1000); err != nil {
		t.Fatal(err)
	}
	// Re-recording the same date keeps the original starting balance.
	if err := s.RecordDailyPnL(ctx, "2026-08-24", 2000); err != nil {
		t.Fatal(err)
	}

	d, err := s.GetDailyPnL(ctx, "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.StartingBalance != 1000 {
		t.Fatalf("daily row: %+v", d)
	}

	d.EndingBalance = 1042.5
	d.RealizedPnL = 40
	d.TradeCount = 7
	d.WinCount = 5
	d.LossCount = 2
	if err := s.FinalizeDailyPnL(ctx, *d); err != nil {
		t.Fatal(err)
	}
	d, _ = s.GetDailyPnL(ctx, "2026-08-24")
	if d.EndingBalance != 1042.5 || d.WinCount != 5 {
		t.Errorf("finalized row: %+v", d)
	}

	if missing, _ := s.GetDailyPnL(ctx, "1999-01-01"); missing != nil {
		t.Errorf("absent date returned %+v", missing)
	}
}

func TestStrategyState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got, err := s.LoadStrategyState(ctx, "mirror"); err != nil || got != "" {
		t.Fatalf("fresh state = %q, err %v", got, err)
	}
	if err := s.SaveStrategyState(ctx, "mirror", `{"seen":["a"]}`); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveStrategyState(ctx, "mirror", `{"seen":["a","b"]}`); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadStrategyState(ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"seen":["a","b"]}` {
		t.Errorf("state = %q", got)
	}
}

func TestExternalPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := types.ExternalPosition{MarketID: "m1", TokenID: "t1", Size: 200, AvgCost: 0.35}
	if err := s.UpsertExternalPosition(ctx, "0xabc", p); err != nil {
		t.Fatal(err)
	}
	p.Size = 300
	if err := s.UpsertExternalPosition(ctx, "0xabc", p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExternalPositions(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Size != 300 {
		t.Errorf("external positions = %+v", got)
	}

	if err := s.DeleteExternalPosition(ctx, "0xabc", "m1", "t1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetExternalPositions(ctx, "0xabc")
	if len(got) != 0 {
		t.Errorf("after delete: %+v", got)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetMetadata(ctx, "risk.kill_switch_active"); err != nil || ok {
		t.Fatalf("unset key: ok=%v err=%v", ok, err)
	}
	if err := s.SetMetadata(ctx, "risk.kill_switch_active", "1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetMetadata(ctx, "risk.kill_switch_active")
	if err != nil || !ok || v != "1" {
		t.Fatalf("after set: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.SetMetadata(ctx, "risk.kill_switch_active", "0"); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.GetMetadata(ctx, "risk.kill_switch_active")
	if v != "0" {
		t.Errorf("after overwrite: %q", v)
	}
}
