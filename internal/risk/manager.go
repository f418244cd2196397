// Package risk is the single gate between strategy intents and order
// execution. Every intent passes Approve; the first failed check wins.
// The kill switch is durable: activation writes a metadata flag through
// the store, and a restarted process restores the active state before
// accepting any intent.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// killSwitchKey is the durable metadata flag, "1" active, "0" inactive.
const killSwitchKey = "risk.kill_switch_active"

// Drainer empties the order queue and cancels resting exchange orders.
// The order manager is injected behind this at wiring time; the risk
// manager never holds a direct reference to it.
type Drainer interface {
	DrainAndCancel(ctx context.Context) error
}

// BalanceReader reads the quote-currency wallet balance. A read failure
// must surface as an error, not a zero.
type BalanceReader interface {
	QuoteBalance(ctx context.Context) (decimal.Decimal, error)
}

// Manager enforces the pre-trade checks. Safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	wallet BalanceReader
	logger *slog.Logger

	mu         sync.Mutex
	killSwitch bool
	paused     bool
	lossHalt   bool
	drainer    Drainer
}

// NewManager creates a risk manager. Call Restore before serving approvals
// so a persisted kill switch survives the restart.
func NewManager(cfg *config.Config, st *store.Store, wallet BalanceReader, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		wallet: wallet,
		logger: logger.With("component", "risk"),
	}
}

// SetDrainer wires the order manager's drain capability. Must be called
// before ActivateKillSwitch can cancel anything.
func (m *Manager) SetDrainer(d Drainer) {
	m.mu.Lock()
	m.drainer = d
	m.mu.Unlock()
}

// Restore reads the durable kill-switch flag written by a previous run.
func (m *Manager) Restore(ctx context.Context) error {
	value, ok, err := m.store.GetMetadata(ctx, killSwitchKey)
	if err != nil {
		return fmt.Errorf("restore kill switch: %w", err)
	}
	if ok && value == "1" {
		m.mu.Lock()
		m.killSwitch = true
		m.mu.Unlock()
		m.logger.Warn("kill switch restored from previous run")
	}
	return nil
}

// Approve runs the check chain. The returned reason is empty iff approved.
func (m *Manager) Approve(ctx context.Context, intent types.Intent) (bool, string) {
	m.mu.Lock()
	killSwitch, paused, lossHalt := m.killSwitch, m.paused, m.lossHalt
	m.mu.Unlock()

	if killSwitch {
		return false, "kill switch active"
	}
	if paused {
		return false, "trading paused"
	}
	if lossHalt {
		return false, "daily loss limit reached"
	}

	openPositions, err := m.store.GetOpenPositions(ctx, "")
	if err != nil {
		return false, fmt.Sprintf("read open positions: %v", err)
	}

	portfolio, balance, balanceErr := m.portfolioValue(ctx, openPositions)
	if portfolio <= 0 {
		// Unknown portfolio value approves nothing.
		return false, "portfolio value unknown"
	}

	realized, err := m.store.TodayRealizedPnL(ctx)
	if err != nil {
		return false, fmt.Sprintf("read daily pnl: %v", err)
	}
	dailyTotal := realized
	for _, p := range openPositions {
		dailyTotal += p.UnrealizedPnL
	}
	if dailyTotal < 0 && -dailyTotal/portfolio*100 >= m.cfg.Global.DailyLossLimitPct {
		m.mu.Lock()
		m.lossHalt = true
		m.mu.Unlock()
		m.logger.Error("daily loss limit reached, halting",
			"daily_total", dailyTotal,
			"portfolio", portfolio,
		)
		return false, "daily loss limit reached"
	}

	if len(openPositions) >= m.cfg.Global.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions (%d) reached", m.cfg.Global.MaxOpenPositions)
	}

	// One market, one live position, across all strategies. Exits are
	// exempt, they reduce exposure. The second leg of a paired order is
	// exempt too: its first leg already holds the market.
	if !intent.Metadata.IsExit && intent.Metadata.ArbLeg != 2 {
		for _, p := range openPositions {
			if p.MarketID == intent.MarketID {
				return false, fmt.Sprintf("position already open on market %s", intent.MarketID)
			}
		}
	}

	if pct := intent.Notional / portfolio * 100; pct > m.cfg.Global.MaxPositionPct {
		return false, fmt.Sprintf("position size %.1f%% of portfolio exceeds limit %.1f%%",
			pct, m.cfg.Global.MaxPositionPct)
	}

	if intent.Notional < m.cfg.Global.MinPositionSize {
		return false, fmt.Sprintf("notional %.2f below minimum %.2f",
			intent.Notional, m.cfg.Global.MinPositionSize)
	}

	if allocPct := m.cfg.StrategyAllocationPct(intent.Strategy); allocPct > 0 {
		allocCap := portfolio * allocPct / 100
		exposure := 0.0
		for _, p := range openPositions {
			if p.Strategy == intent.Strategy {
				exposure += p.EntryPrice * p.Size
			}
		}
		if exposure+intent.Notional > allocCap {
			return false, fmt.Sprintf("strategy %s exposure %.2f + %.2f exceeds allocation %.2f",
				intent.Strategy, exposure, intent.Notional, allocCap)
		}
	}

	// Cash reserve. A failed balance read already zeroed the portfolio
	// above, but the read can also fail between the two uses.
	if balanceErr != nil {
		return false, fmt.Sprintf("wallet balance unavailable: %v", balanceErr)
	}
	if balance-intent.Notional < portfolio*m.cfg.Global.MinCashReservePct/100 {
		return false, "cash reserve floor would be breached"
	}

	if intent.Metadata.EdgePct != nil && *intent.Metadata.EdgePct < m.cfg.Global.MinEdgePct {
		return false, fmt.Sprintf("edge %.2f%% below minimum %.2f%%",
			*intent.Metadata.EdgePct, m.cfg.Global.MinEdgePct)
	}

	return true, ""
}

// portfolioValue is wallet quote balance plus marked value of open
// positions. A balance read failure yields 0 so rule 4 fails closed.
func (m *Manager) portfolioValue(ctx context.Context, open []types.Position) (portfolio, balance float64, err error) {
	bal, err := m.wallet.QuoteBalance(ctx)
	if err != nil {
		m.logger.Error("wallet balance read failed", "error", err)
		return 0, 0, err
	}
	balance, _ = bal.Float64()

	portfolio = balance
	for _, p := range open {
		price := p.CurrentPrice
		if price == 0 {
			price = p.EntryPrice
		}
		portfolio += price * p.Size
	}
	return portfolio, balance, nil
}

// ActivateKillSwitch halts trading durably: flag persisted, order queue
// drained, resting orders cancelled.
func (m *Manager) ActivateKillSwitch(ctx context.Context) error {
	m.mu.Lock()
	m.killSwitch = true
	drainer := m.drainer
	m.mu.Unlock()

	m.logger.Error("kill switch activated")

	if err := m.store.SetMetadata(ctx, killSwitchKey, "1"); err != nil {
		return fmt.Errorf("persist kill switch: %w", err)
	}
	if drainer != nil {
		if err := drainer.DrainAndCancel(ctx); err != nil {
			m.logger.Error("drain on kill switch failed", "error", err)
		}
	}
	return nil
}

// DeactivateKillSwitch resumes trading and clears the daily-loss halt.
func (m *Manager) DeactivateKillSwitch(ctx context.Context) error {
	m.mu.Lock()
	m.killSwitch = false
	m.lossHalt = false
	m.mu.Unlock()

	m.logger.Warn("kill switch deactivated")
	if err := m.store.SetMetadata(ctx, killSwitchKey, "0"); err != nil {
		return fmt.Errorf("persist kill switch: %w", err)
	}
	return nil
}

// KillSwitchActive reports the in-memory flag.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitch
}

// Pause stops approvals without touching durable state.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Warn("trading paused")
}

// Resume lifts a pause and clears the daily-loss halt.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.lossHalt = false
	m.mu.Unlock()
	m.logger.Info("trading resumed")
}

// Paused reports the in-memory pause flag.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
