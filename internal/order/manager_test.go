package order

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

type approveAll struct{}

func (approveAll) Approve(ctx context.Context, intent types.Intent) (bool, string) {
	return true, ""
}

type rejectAll struct{}

func (rejectAll) Approve(ctx context.Context, intent types.Intent) (bool, string) {
	return false, "rejected by test"
}

type countingLimiter struct {
	mu        sync.Mutex
	acquired  int
	throttled int
	succeeded int
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return nil
}

func (l *countingLimiter) RecordThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttled++
}

func (l *countingLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded++
}

type fakeExchange struct {
	mu         sync.Mutex
	submitted  []types.Intent
	results    []types.OrderResult // popped per submission
	openOrders []types.OpenOrder
	cancelled  bool
}

func (e *fakeExchange) SubmitOrder(ctx context.Context, intent types.Intent) (types.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, intent)
	if len(e.results) == 0 {
		return types.OrderResult{OK: true, OrderID: "live-1"}, nil
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r, nil
}

func (e *fakeExchange) ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrders, nil
}

func (e *fakeExchange) CancelAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	return nil
}

func newTestManager(t *testing.T, risk Approver, adapter Exchange, live bool) (*Manager, *store.Store, *countingLimiter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "order.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if live {
		cfg.TradingMode = "live"
	}

	limiter := &countingLimiter{}
	return NewManager(cfg, st, risk, limiter, adapter, slog.Default()), st, limiter
}

func entryIntent() types.Intent {
	stop := 0.30
	return types.Intent{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, Price: 0.40, Notional: 50,
		Discipline: types.ImmediateOrKill,
		Metadata:   types.Metadata{StopLossPrice: &stop},
	}
}

func TestPaperFillOpensPosition(t *testing.T) {
	m, st, limiter := newTestManager(t, approveAll{}, nil, false)
	ctx := context.Background()

	var opened types.Position
	m.OnPositionOpened(func(p types.Position) { opened = p })

	m.process(ctx, entryIntent())

	positions, err := st.GetOpenPositions(ctx, "mirror")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Size != 125 { // 50 / 0.40
		t.Errorf("size = %v, want 125", p.Size)
	}
	if p.StopLossPrice != 0.30 {
		t.Errorf("stop loss = %v", p.StopLossPrice)
	}
	if opened.ID != p.ID {
		t.Errorf("opened callback got %+v", opened)
	}
	if limiter.acquired != 1 || limiter.succeeded != 1 {
		t.Errorf("limiter: acquired=%d succeeded=%d", limiter.acquired, limiter.succeeded)
	}
}

func TestRejectedIntentRecordsNothing(t *testing.T) {
	m, st, limiter := newTestManager(t, rejectAll{}, nil, false)
	m.process(context.Background(), entryIntent())

	if n, _ := st.CountOpenPositions(context.Background()); n != 0 {
		t.Errorf("positions = %d after rejection", n)
	}
	if limiter.acquired != 0 {
		t.Error("limiter consulted for rejected intent")
	}
}

func TestExitFillConfirmsClose(t *testing.T) {
	m, st, _ := newTestManager(t, approveAll{}, nil, false)
	ctx := context.Background()

	posID, err := st.OpenPosition(ctx, types.Position{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.BUY, EntryPrice: 0.40, Size: 125,
	})
	if err != nil {
		t.Fatal(err)
	}

	var gotID int64
	var gotFilled bool
	var gotRealized float64
	m.OnExitResult(func(id int64, filled bool, realized float64, reason string) {
		gotID, gotFilled, gotRealized = id, filled, realized
	})

	realized := 9.5
	exit := types.Intent{
		Strategy: "mirror", MarketID: "m1", TokenID: "t1",
		Side: types.SELL, Price: 0.50, Notional: 62.5,
		Discipline: types.ImmediateOrKill, Urgency: types.UrgencyHigh,
		Reasoning: "take_profit",
		Metadata: types.Metadata{
			IsExit: true, PositionID: posID, RealizedPnLEstimate: &realized,
		},
	}
	m.process(ctx, exit)

	if gotID != posID || !gotFilled || gotRealized != 9.5 {
		t.Errorf("exit callback: id=%d filled=%v realized=%v", gotID, gotFilled, gotRealized)
	}
	// Exits never open a new position.
	if n, _ := st.CountOpenPositions(ctx); n != 1 {
		t.Errorf("open positions = %d, want the original only", n)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{}, nil, false)

	for i := 0; i < queueCap+10; i++ {
		m.Submit(entryIntent())
	}
	if got := m.QueueDepth(); got != queueCap {
		t.Errorf("queue depth = %d, want %d", got, queueCap)
	}
}

func TestDrainAndCancel(t *testing.T) {
	adapter := &fakeExchange{}
	m, _, _ := newTestManager(t, approveAll{}, adapter, true)

	for i := 0; i < 3; i++ {
		m.Submit(entryIntent())
	}
	if err := m.DrainAndCancel(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.QueueDepth() != 0 {
		t.Errorf("queue depth = %d after drain", m.QueueDepth())
	}
	if !adapter.cancelled {
		t.Error("cancel-all not invoked")
	}
}

func TestIOKNotFilledCoercedToFailure(t *testing.T) {
	// The exchange accepts the order but it stays on the book past the
	// confirmation check, so the fill is coerced to a failure.
	adapter := &fakeExchange{
		results:    []types.OrderResult{{OK: true, OrderID: "lingering"}},
		openOrders: []types.OpenOrder{{OrderID: "lingering"}},
	}
	m, st, _ := newTestManager(t, approveAll{}, adapter, true)

	m.process(context.Background(), entryIntent())

	if n, _ := st.CountOpenPositions(context.Background()); n != 0 {
		t.Errorf("unfilled IOK opened a position")
	}
	if trade, _ := st.GetTradeByOrderID(context.Background(), "lingering"); trade != nil {
		t.Error("unfilled IOK recorded a trade")
	}
}

func TestThrottleFeedsLimiter(t *testing.T) {
	adapter := &fakeExchange{
		results: []types.OrderResult{{Error: "too many requests", Kind: types.KindRateLimited}},
	}
	m, _, limiter := newTestManager(t, approveAll{}, adapter, true)

	m.process(context.Background(), entryIntent())

	if limiter.throttled != 1 {
		t.Errorf("throttled = %d, want 1", limiter.throttled)
	}
	if limiter.succeeded != 0 {
		t.Errorf("succeeded = %d, want 0", limiter.succeeded)
	}
}

func TestLegTwoFailureRollsBack(t *testing.T) {
	adapter := &fakeExchange{
		results: []types.OrderResult{
			{Error: "insufficient liquidity", Kind: types.KindRejected}, // leg 2
			{OK: true, OrderID: "rollback-1"},                           // compensation
		},
	}
	m, _, _ := newTestManager(t, approveAll{}, adapter, true)

	leg2 := types.Intent{
		Strategy: "arb", MarketID: "m1", TokenID: "tok-no",
		Side: types.BUY, Price: 0.45, Notional: 45,
		Discipline: types.ImmediateOrKill,
		Metadata: types.Metadata{
			ArbPairID:           "pair-1",
			ArbLeg:              2,
			ArbRollbackTokenID:  "tok-yes",
			ArbRollbackPrice:    0.50,
			ArbRollbackNotional: 50,
		},
	}
	m.process(context.Background(), leg2)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.submitted) != 2 {
		t.Fatalf("submissions = %d, want leg2 + rollback", len(adapter.submitted))
	}
	comp := adapter.submitted[1]
	if comp.Side != types.SELL || comp.TokenID != "tok-yes" || comp.Notional != 50 {
		t.Errorf("compensation = %+v", comp)
	}
	if comp.Urgency != types.UrgencyHigh || comp.Discipline != types.ImmediateOrKill {
		t.Errorf("compensation urgency/discipline = %s/%s", comp.Urgency, comp.Discipline)
	}
}

func TestLegTwoFailureWithoutRollbackMetadataIsLogged(t *testing.T) {
	adapter := &fakeExchange{
		results: []types.OrderResult{{Error: "rejected", Kind: types.KindRejected}},
	}
	m, _, _ := newTestManager(t, approveAll{}, adapter, true)

	leg2 := entryIntent()
	leg2.Strategy = "arb"
	leg2.Metadata = types.Metadata{ArbPairID: "pair-2", ArbLeg: 2}

	// Must not panic and must not submit a compensation.
	m.process(context.Background(), leg2)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.submitted) != 1 {
		t.Errorf("submissions = %d, want 1", len(adapter.submitted))
	}
}

func TestWorkerProcessesQueue(t *testing.T) {
	m, st, _ := newTestManager(t, approveAll{}, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Submit(entryIntent())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := st.CountOpenPositions(context.Background()); n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never processed the intent")
}
