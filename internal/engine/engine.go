// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The exchange client and price feed talk to the venue.
//  2. Strategies (mirror, arb, stink_bid) run on their own tickers and
//     emit intents.
//  3. The order manager is the single execution path: risk gate, rate
//     limiter, submission, persistence.
//  4. The position manager reacts to live prices with the exit ladder and
//     settles resolved markets.
//  5. Telegram and the HTTP status server are the operator surfaces.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polybot/internal/api"
	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/market"
	"polybot/internal/notify"
	"polybot/internal/order"
	"polybot/internal/pnl"
	"polybot/internal/position"
	"polybot/internal/risk"
	"polybot/internal/store"
	"polybot/internal/strategy"
	"polybot/internal/wallet"
	"polybot/pkg/types"
)

const (
	snapshotInterval   = 5 * time.Minute
	resolutionInterval = 5 * time.Minute
	healthInterval     = 60 * time.Second
	marketScanLimit    = 500
)

// paperWallet is the balance source in paper mode: a fixed simulated cash
// balance instead of on-chain reads.
type paperWallet struct{ balance float64 }

func (w paperWallet) QuoteBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromFloat(w.balance), nil
}

// BalanceReader is the wallet surface the engine shares with risk and pnl.
type BalanceReader interface {
	QuoteBalance(ctx context.Context) (decimal.Decimal, error)
}

// Engine owns every component and the goroutines that drive them.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	client    *exchange.Client
	feed      *exchange.Feed
	limiter   *exchange.Limiter
	balances  BalanceReader
	onchain   *wallet.Reader // nil in paper mode
	riskMgr   *risk.Manager
	orders    *order.Manager
	positions *position.Manager
	tracker   *pnl.Tracker
	scanner   *market.Scanner
	runners   []*strategy.Runner
	notifier  *notify.Notifier
	server    *api.Server

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and wires all engine components. In paper mode no signing
// credentials are needed; balances come from the configured paper balance.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var auth *exchange.Auth
	var balances BalanceReader
	var onchain *wallet.Reader
	if cfg.Live() {
		auth, err = exchange.NewAuth(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		onchain, err = wallet.New(cfg, auth.FunderAddress(), auth.Address(), logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		balances = onchain
	} else {
		balances = paperWallet{balance: cfg.PaperBalance}
	}

	client := exchange.NewClient(cfg, auth, logger)
	feed := exchange.NewFeed(cfg.API.WSURL, cfg.API.ApiKey, logger)
	limiter := exchange.NewLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

	riskMgr := risk.NewManager(cfg, st, balances, logger)
	orders := order.NewManager(cfg, st, riskMgr, limiter, client, logger)
	riskMgr.SetDrainer(orders)
	positions := position.NewManager(cfg, st, orders, logger)
	tracker := pnl.NewTracker(st, balances, logger)
	scanner := market.NewScanner(client, cfg.Arb.ScanInterval, marketScanLimit, logger)

	notifier, err := notify.New(cfg.Telegram, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     st,
		client:    client,
		feed:      feed,
		limiter:   limiter,
		balances:  balances,
		onchain:   onchain,
		riskMgr:   riskMgr,
		orders:    orders,
		positions: positions,
		tracker:   tracker,
		scanner:   scanner,
		notifier:  notifier,
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Mirror.Enabled {
		mirror := strategy.NewMirror(cfg, client, feed, st, balances, logger)
		e.runners = append(e.runners, strategy.NewRunner(mirror, st, orders, logger))
	}
	if cfg.Arb.Enabled {
		arb := strategy.NewArb(cfg, scanner, client, logger)
		e.runners = append(e.runners, strategy.NewRunner(arb, st, orders, logger))
	}
	if cfg.StinkBid.Enabled {
		stink := strategy.NewStinkBid(cfg, scanner, client, logger)
		e.runners = append(e.runners, strategy.NewRunner(stink, st, orders, logger))
	}

	if cfg.HealthPort > 0 {
		e.server = api.NewServer(cfg.HealthPort, e, logger)
	}

	e.wireCallbacks()
	return e, nil
}

// wireCallbacks connects the cross-component event paths.
func (e *Engine) wireCallbacks() {
	// Live prices drive the exit ladder.
	e.feed.OnPrice(e.positions.OnPriceUpdate)

	e.orders.OnPositionOpened(func(pos types.Position) {
		e.notifier.PositionOpened(pos)
		e.broadcast(api.NewPositionEvent(pos, 0, "", false))
		if err := e.feed.Subscribe([]string{pos.TokenID}); err != nil {
			e.logger.Warn("subscribe new position token", "error", err)
		}
	})

	// An exit order resolving closes the position or puts it back under
	// monitoring.
	e.orders.OnExitResult(func(positionID int64, filled bool, realized float64, reason string) {
		if filled {
			e.positions.ConfirmClose(e.ctx, positionID, realized, reason)
		} else {
			e.positions.ReleaseCloseGuard(e.ctx, positionID)
			e.notifier.AlertSystem("Exit failed",
				fmt.Sprintf("position %d could not be closed: %s", positionID, reason), "warning")
		}
	})

	e.positions.OnClosed(func(pos types.Position, realized float64, reason string) {
		e.notifier.PositionClosed(pos, realized, reason)
		e.broadcast(api.NewPositionEvent(pos, realized, reason, true))
	})
}

// Start restores durable state and launches all background goroutines.
func (e *Engine) Start() error {
	e.startedAt = time.Now()

	if err := e.riskMgr.Restore(e.ctx); err != nil {
		return err
	}
	if err := e.tracker.Bootstrap(e.ctx); err != nil {
		return err
	}

	// Watch prices for every position that survived the restart.
	open, err := e.store.GetOpenPositions(e.ctx, "")
	if err != nil {
		return err
	}
	tokens := make([]string, 0, len(open))
	for _, p := range open {
		tokens = append(tokens, p.TokenID)
	}
	if len(tokens) > 0 {
		if err := e.feed.Subscribe(tokens); err != nil {
			e.logger.Warn("subscribe restored positions", "error", err)
		}
	}

	e.spawn(func() {
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("price feed stopped", "error", err)
		}
	})
	e.spawn(func() { e.scanner.Run(e.ctx) })
	e.spawn(func() { e.positions.Run(e.ctx) })
	e.spawn(func() { e.orders.Run(e.ctx) })
	e.spawn(func() { e.notifier.Run(e.ctx, e) })
	for _, r := range e.runners {
		runner := r
		e.spawn(func() {
			if err := runner.Run(e.ctx); err != nil {
				e.logger.Error("strategy runner failed", "strategy", runner.Name(), "error", err)
			}
		})
	}
	e.spawn(func() { e.snapshotLoop() })
	e.spawn(func() { e.resolutionLoop() })
	e.spawn(func() { e.rolloverLoop() })
	e.spawn(func() { e.healthLoop() })

	if e.server != nil {
		e.spawn(func() {
			if err := e.server.Start(); err != nil {
				e.logger.Error("status server failed", "error", err)
			}
		})
	}

	mode := "paper"
	if e.cfg.Live() {
		mode = "live"
	}
	e.logger.Info("engine started", "mode", mode, "strategies", len(e.runners))
	e.notifier.AlertSystem("Bot started",
		fmt.Sprintf("mode: %s, strategies: %d", mode, len(e.runners)), "info")
	return nil
}

// Stop shuts down gracefully: stop producing intents, drain the queue,
// persist, close.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	// Cancel resting orders so nothing fills while we are gone.
	if e.cfg.Live() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.client.CancelAll(ctx); err != nil {
			e.logger.Error("cancel-all on shutdown failed", "error", err)
		}
		cancel()
	}

	if e.server != nil {
		if err := e.server.Stop(); err != nil {
			e.logger.Error("status server stop failed", "error", err)
		}
	}

	e.wg.Wait()

	// Freeze the day's ledger before the store goes away.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := e.tracker.Snapshot(ctx); err != nil {
		e.logger.Error("final pnl snapshot failed", "error", err)
	}
	cancel()

	if e.onchain != nil {
		e.onchain.Close()
	}
	e.store.Close()
	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) broadcast(evt api.Event) {
	if e.server != nil {
		e.server.Broadcast(evt)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Background loops
// ————————————————————————————————————————————————————————————————————————

// snapshotLoop refreshes the daily ledger row.
func (e *Engine) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.tracker.Snapshot(e.ctx); err != nil {
				e.logger.Error("pnl snapshot failed", "error", err)
			}
		}
	}
}

// resolutionLoop settles positions whose markets have resolved. Resolved
// markets stop streaming book updates, so the exit ladder never sees the
// terminal price; this poll is how those positions get closed.
func (e *Engine) resolutionLoop() {
	ticker := time.NewTicker(resolutionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.settleResolved()
		}
	}
}

func (e *Engine) settleResolved() {
	open, err := e.store.GetOpenPositions(e.ctx, "")
	if err != nil {
		e.logger.Error("read open positions", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, p := range open {
		if seen[p.MarketID] {
			continue
		}
		seen[p.MarketID] = true

		m, err := e.client.GetMarket(e.ctx, p.MarketID)
		if err != nil {
			e.logger.Warn("resolution check failed", "market", p.MarketID, "error", err)
			continue
		}
		if m == nil || !m.Resolved {
			continue
		}
		e.logger.Info("market resolved, settling", "market", m.ID, "winner", m.WinningTokenID())
		e.positions.ResolveMarket(e.ctx, *m)
	}
}

// rolloverLoop finalizes yesterday's ledger at UTC midnight, reports it,
// and opens today's row.
func (e *Engine) rolloverLoop() {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		row, err := e.tracker.Summary(e.ctx, yesterday)
		if err != nil {
			e.logger.Error("daily rollover failed", "error", err)
		} else if row != nil {
			e.notifier.Sendf("📊 *Daily summary %s*\nRealized: $%.2f\nTrades: %d (%dW/%dL)\nFees: $%.2f",
				row.Date, row.RealizedPnL, row.TradeCount, row.WinCount, row.LossCount, row.FeesPaid)
		}
		if err := e.tracker.Bootstrap(e.ctx); err != nil {
			e.logger.Error("open new ledger day", "error", err)
		}
	}
}

// healthLoop watches the price feed and alerts on transitions.
func (e *Engine) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := e.feed.Healthy()
			if now != healthy {
				if now {
					e.notifier.AlertSystem("Price feed recovered", "stream is flowing again", "info")
				} else {
					e.notifier.AlertSystem("Price feed unhealthy", "no messages within the staleness window", "warning")
				}
				healthy = now
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Operator surfaces: Telegram commands and the HTTP status endpoint
// ————————————————————————————————————————————————————————————————————————

// StatusText renders the /status command reply.
func (e *Engine) StatusText(ctx context.Context) string {
	var b strings.Builder
	mode := "paper"
	if e.cfg.Live() {
		mode = "live"
	}
	fmt.Fprintf(&b, "*Status* (%s)\nUptime: %s\n", mode, time.Since(e.startedAt).Round(time.Second))
	if e.riskMgr.KillSwitchActive() {
		b.WriteString("🚨 Kill switch ACTIVE\n")
	}
	if e.riskMgr.Paused() {
		b.WriteString("⏸ Trading paused\n")
	}
	fmt.Fprintf(&b, "Feed: healthy=%v\n", e.feed.Healthy())

	for _, r := range e.runners {
		state := "running"
		if r.Paused() {
			state = "paused"
		}
		fmt.Fprintf(&b, "• %s: %s\n", r.Name(), state)
	}

	open, err := e.store.GetOpenPositions(ctx, "")
	if err != nil {
		fmt.Fprintf(&b, "positions unavailable: %v\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "Open positions: %d\n", len(open))
	for _, p := range open {
		fmt.Fprintf(&b, "  #%d %s %s %.0f @ %.3f (%+.2f)\n",
			p.ID, p.Strategy, p.Side, p.Size, p.EntryPrice, p.UnrealizedPnL)
	}
	return b.String()
}

// PnLText renders the /pnl command reply.
func (e *Engine) PnLText(ctx context.Context) string {
	row, err := e.tracker.Summary(ctx, pnl.Today())
	if err != nil {
		return fmt.Sprintf("pnl unavailable: %v", err)
	}
	if row == nil {
		return "no ledger for today yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*P&L %s*\nRealized: $%.2f\nUnrealized: $%.2f\nTrades: %d (%dW/%dL)\nFees: $%.2f\nStart: $%.2f → Now: $%.2f\n",
		row.Date, row.RealizedPnL, row.UnrealizedPnL,
		row.TradeCount, row.WinCount, row.LossCount,
		row.FeesPaid, row.StartingBalance, row.EndingBalance)
	if breakdown, err := e.tracker.Breakdown(ctx); err == nil {
		for _, s := range breakdown {
			fmt.Fprintf(&b, "• %s: exposure $%.2f, unrealized $%+.2f, realized $%+.2f (%d closed, %dW)\n",
				s.Strategy, s.Exposure, s.Unrealized, s.RealizedDay, s.ClosedDay, s.WinsDay)
		}
	}
	return b.String()
}

// PauseStrategy pauses one strategy by name, or all trading when name is
// empty.
func (e *Engine) PauseStrategy(name string) error {
	if name == "" {
		e.riskMgr.Pause()
		for _, r := range e.runners {
			r.Pause()
		}
		return nil
	}
	for _, r := range e.runners {
		if r.Name() == name {
			r.Pause()
			return nil
		}
	}
	return fmt.Errorf("unknown strategy %q", name)
}

// ResumeStrategy resumes one strategy, or all trading when name is empty.
// A global resume also lifts the kill switch and the daily-loss halt.
func (e *Engine) ResumeStrategy(name string) error {
	if name == "" {
		if e.riskMgr.KillSwitchActive() {
			if err := e.riskMgr.DeactivateKillSwitch(e.ctx); err != nil {
				return err
			}
			e.notifier.KillSwitch(false, "operator resume")
			e.broadcast(api.NewKillEvent(false, "operator resume"))
		}
		e.riskMgr.Resume()
		for _, r := range e.runners {
			r.Resume()
		}
		return nil
	}
	for _, r := range e.runners {
		if r.Name() == name {
			r.Resume()
			return nil
		}
	}
	return fmt.Errorf("unknown strategy %q", name)
}

// ActivateKillSwitch halts trading: durable flag, queue drained, resting
// orders cancelled, everyone notified.
func (e *Engine) ActivateKillSwitch(ctx context.Context) error {
	if err := e.riskMgr.ActivateKillSwitch(ctx); err != nil {
		return err
	}
	e.notifier.KillSwitch(true, "operator command")
	e.broadcast(api.NewKillEvent(true, "operator command"))
	return nil
}

// Status implements the HTTP status surface.
func (e *Engine) Status(ctx context.Context) api.StatusSnapshot {
	mode := "paper"
	if e.cfg.Live() {
		mode = "live"
	}
	snap := api.StatusSnapshot{
		Timestamp:        time.Now(),
		Mode:             mode,
		UptimeSec:        int64(time.Since(e.startedAt).Seconds()),
		KillSwitchActive: e.riskMgr.KillSwitchActive(),
		TradingPaused:    e.riskMgr.Paused(),
		FeedHealthy:      e.feed.Healthy(),
	}
	for _, r := range e.runners {
		snap.Strategies = append(snap.Strategies, api.StrategyStatus{Name: r.Name(), Paused: r.Paused()})
	}
	if open, err := e.store.GetOpenPositions(ctx, ""); err == nil {
		for _, p := range open {
			snap.OpenPositions = append(snap.OpenPositions, api.NewPositionStatus(p))
		}
	}
	if row, err := e.store.GetDailyPnL(ctx, pnl.Today()); err == nil {
		snap.Today = row
	}
	return snap
}

// ————————————————————————————————————————————————————————————————————————
// One-shot CLI paths
// ————————————————————————————————————————————————————————————————————————

// StatusReport answers the --status flag without starting any loops: just
// the store, the durable kill flag, and the ledger.
func StatusReport(ctx context.Context, cfg *config.Config) (api.StatusSnapshot, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return api.StatusSnapshot{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	riskMgr := risk.NewManager(cfg, st, nil, slog.Default())
	if err := riskMgr.Restore(ctx); err != nil {
		return api.StatusSnapshot{}, err
	}

	mode := "paper"
	if cfg.Live() {
		mode = "live"
	}
	snap := api.StatusSnapshot{
		Timestamp:        time.Now(),
		Mode:             mode,
		KillSwitchActive: riskMgr.KillSwitchActive(),
	}
	open, err := st.GetOpenPositions(ctx, "")
	if err != nil {
		return api.StatusSnapshot{}, err
	}
	for _, p := range open {
		snap.OpenPositions = append(snap.OpenPositions, api.NewPositionStatus(p))
	}
	if row, err := st.GetDailyPnL(ctx, pnl.Today()); err == nil {
		snap.Today = row
	}
	return snap, nil
}

// Kill answers the --kill flag: persist the kill-switch flag so any
// running or future instance halts, and cancel resting orders when
// credentials allow it.
func Kill(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	riskMgr := risk.NewManager(cfg, st, nil, slog.Default())
	if err := riskMgr.ActivateKillSwitch(ctx); err != nil {
		return err
	}

	if cfg.Live() {
		auth, err := exchange.NewAuth(cfg)
		if err != nil {
			return fmt.Errorf("kill flag persisted, but cancel-all needs credentials: %w", err)
		}
		client := exchange.NewClient(cfg, auth, slog.Default())
		if err := client.CancelAll(ctx); err != nil {
			return fmt.Errorf("kill flag persisted, cancel-all failed: %w", err)
		}
	}
	return nil
}
