// Package position monitors live holdings against every price tick and
// drives the exit ladder: stop-loss, trailing stop, tiered take-profits,
// and settlement on market resolution.
//
// Exits are requested through the order pipeline, never placed directly.
// A per-process in-flight set plus the persisted CLOSING status keep rapid
// price updates from emitting duplicate exits for the same position.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// minPartialExitNotional is the floor under which a tier's partial exit is
// skipped as not worth the fees.
const minPartialExitNotional = 1.0

// tickQueueCap bounds the buffer between the feed's read loop and the
// evaluation worker. A dropped tick is superseded by the token's next one.
const tickQueueCap = 256

type tick struct {
	tokenID string
	price   float64
}

// Submitter enqueues an exit intent. Implemented by the order manager.
type Submitter interface {
	Submit(intent types.Intent)
}

// ClosedFunc fires after a position reaches CLOSED.
type ClosedFunc func(pos types.Position, realized float64, reason string)

// Manager evaluates open positions on every price update.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	orders Submitter
	logger *slog.Logger

	ticks chan tick

	mu       sync.Mutex
	inFlight map[int64]bool // position ids with an exit order outstanding
	onClosed ClosedFunc
}

// NewManager creates a position manager.
func NewManager(cfg *config.Config, st *store.Store, orders Submitter, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		orders:   orders,
		logger:   logger.With("component", "position"),
		ticks:    make(chan tick, tickQueueCap),
		inFlight: make(map[int64]bool),
	}
}

// OnClosed registers the close-notification callback.
func (m *Manager) OnClosed(fn ClosedFunc) {
	m.mu.Lock()
	m.onClosed = fn
	m.mu.Unlock()
}

// OnPriceUpdate enqueues a tick for the evaluation worker. Wired as a
// feed callback, which runs on the stream's read loop and must not block.
func (m *Manager) OnPriceUpdate(tokenID string, price float64, at time.Time) {
	select {
	case m.ticks <- tick{tokenID: tokenID, price: price}:
	default:
		m.logger.Warn("tick queue full, dropping update", "token", tokenID)
	}
}

// Run drains the tick queue. All exit-ladder evaluation and its store
// traffic happen on this one goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-m.ticks:
			m.handleTick(ctx, tk.tokenID, tk.price)
		}
	}
}

// handleTick evaluates every open position holding the token.
func (m *Manager) handleTick(ctx context.Context, tokenID string, price float64) {
	positions, err := m.store.GetOpenPositions(ctx, "")
	if err != nil {
		m.logger.Error("read open positions", "error", err)
		return
	}

	for i := range positions {
		p := positions[i]
		if p.TokenID != tokenID || p.Status != types.PositionOpen {
			continue
		}
		m.mu.Lock()
		busy := m.inFlight[p.ID]
		m.mu.Unlock()
		if busy {
			continue
		}
		m.evaluate(ctx, p, price)
	}
}

// evaluate applies the exit ladder to one open position at the given price.
// At most one action fires per update.
func (m *Manager) evaluate(ctx context.Context, p types.Position, price float64) {
	if err := m.store.UpdatePositionPrice(ctx, p.ID, price); err != nil {
		m.logger.Error("update position price", "position_id", p.ID, "error", err)
	}

	pnlPct := p.PnLPct(price)

	// Stop-loss: explicit price level when set, percent drawdown otherwise.
	stopHit := false
	if p.StopLossPrice > 0 {
		if (p.Side == types.BUY && price <= p.StopLossPrice) ||
			(p.Side == types.SELL && price >= p.StopLossPrice) {
			stopHit = true
		}
	} else if pnlPct <= -m.cfg.Positions.StopLossPct {
		stopHit = true
	}
	if stopHit {
		m.requestFullExit(ctx, p, price, "stop_loss")
		return
	}

	// Trailing stop.
	if p.TrailingStop > 0 {
		if (p.Side == types.BUY && price <= p.TrailingStop) ||
			(p.Side == types.SELL && price >= p.TrailingStop) {
			m.requestFullExit(ctx, p, price, "trailing_stop")
			return
		}
	}

	// Take-profit tiers, at most one per update.
	for i, tier := range m.cfg.Positions.TakeProfit {
		if i < p.TakeProfitTier {
			continue
		}
		if pnlPct < tier.GainPct {
			break
		}
		if tier.SellPct >= 100 {
			m.requestFullExit(ctx, p, price, "take_profit")
			return
		}
		m.partialExit(ctx, p, price, i, tier)
		return
	}

	// Trailing ratchet, profit side only.
	if p.TrailingStop > 0 && pnlPct > 0 {
		m.ratchetTrailing(ctx, p, price)
	}
}

// requestFullExit transitions the position to CLOSING, guards it, and
// submits the exit intent.
func (m *Manager) requestFullExit(ctx context.Context, p types.Position, price float64, reason string) {
	m.mu.Lock()
	if m.inFlight[p.ID] {
		m.mu.Unlock()
		return
	}
	m.inFlight[p.ID] = true
	m.mu.Unlock()

	if err := m.store.SetPositionClosing(ctx, p.ID, reason); err != nil {
		m.logger.Error("set position closing", "position_id", p.ID, "error", err)
		m.mu.Lock()
		delete(m.inFlight, p.ID)
		m.mu.Unlock()
		return
	}

	realized := m.realizedEstimate(p, price, p.Size)
	m.logger.Info("exiting position",
		"position_id", p.ID,
		"reason", reason,
		"price", price,
		"realized_estimate", realized,
	)

	m.orders.Submit(m.exitIntent(p, price, p.Size, reason, p.ID, realized))
}

// partialExit sells a slice of the position at the current price and
// advances the tier counter. The remaining shares stay OPEN. The first
// triggered tier also arms the trailing stop.
func (m *Manager) partialExit(ctx context.Context, p types.Position, price float64, tierIdx int, tier config.TakeProfitTier) {
	exitShares := p.Size * tier.SellPct / 100
	if exitShares*price < minPartialExitNotional {
		return
	}

	remaining := p.Size - exitShares
	if err := m.store.UpdatePositionPartialClose(ctx, p.ID, remaining, tierIdx+1); err != nil {
		m.logger.Error("record partial close", "position_id", p.ID, "error", err)
		return
	}

	if p.TrailingStop == 0 {
		trail := m.initialTrailing(p.Side, price)
		if err := m.store.UpdatePositionTrailingStop(ctx, p.ID, trail); err != nil {
			m.logger.Error("arm trailing stop", "position_id", p.ID, "error", err)
		}
	}

	reason := fmt.Sprintf("take_profit_tier_%d", tierIdx+1)
	realized := m.realizedEstimate(p, price, exitShares)
	m.logger.Info("partial take-profit",
		"position_id", p.ID,
		"tier", tierIdx+1,
		"exit_shares", exitShares,
		"remaining", remaining,
	)

	// Partial exits carry no position id: they must not close the row.
	m.orders.Submit(m.exitIntent(p, price, exitShares, reason, 0, realized))
}

func (m *Manager) ratchetTrailing(ctx context.Context, p types.Position, price float64) {
	var next float64
	if p.Side == types.BUY {
		next = price * (1 - m.cfg.Positions.TrailingStopPct/100)
		if next <= p.TrailingStop {
			return
		}
	} else {
		next = price * (1 + m.cfg.Positions.TrailingStopPct/100)
		if next >= p.TrailingStop {
			return
		}
	}
	if err := m.store.UpdatePositionTrailingStop(ctx, p.ID, next); err != nil {
		m.logger.Error("ratchet trailing stop", "position_id", p.ID, "error", err)
	}
}

func (m *Manager) initialTrailing(side types.Side, price float64) float64 {
	if side == types.BUY {
		return price * (1 - m.cfg.Positions.TrailingStopPct/100)
	}
	return price * (1 + m.cfg.Positions.TrailingStopPct/100)
}

// exitIntent builds the opposite-side, immediate-or-kill exit order.
func (m *Manager) exitIntent(p types.Position, price, shares float64, reason string, positionID int64, realized float64) types.Intent {
	return types.Intent{
		Strategy:   p.Strategy,
		MarketID:   p.MarketID,
		TokenID:    p.TokenID,
		Side:       p.Side.Opposite(),
		Price:      price,
		Notional:   shares * price,
		Discipline: types.ImmediateOrKill,
		Urgency:    types.UrgencyHigh,
		Reasoning:  reason,
		Metadata: types.Metadata{
			IsExit:              true,
			PositionID:          positionID,
			RealizedPnLEstimate: &realized,
		},
	}
}

// realizedEstimate is the fee-adjusted P&L of exiting shares at price:
// sign-adjusted gross minus taker fees on both legs.
func (m *Manager) realizedEstimate(p types.Position, price, shares float64) float64 {
	gross := (price - p.EntryPrice) * shares
	if p.Side == types.SELL {
		gross = -gross
	}
	taker := m.cfg.Fees.TakerFeeRate()
	fees := shares*p.EntryPrice*taker + shares*price*taker
	return gross - fees
}

// ConfirmClose finalizes a filled exit: CLOSING → CLOSED, guard released.
// Called by the order pipeline; id 0 (partial exits) is a no-op.
func (m *Manager) ConfirmClose(ctx context.Context, positionID int64, realized float64, reason string) {
	if positionID == 0 {
		return
	}

	pos, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		m.logger.Error("read position on close", "position_id", positionID, "error", err)
	}
	if err := m.store.ClosePosition(ctx, positionID, realized, reason); err != nil {
		m.logger.Error("close position", "position_id", positionID, "error", err)
		return
	}

	m.mu.Lock()
	delete(m.inFlight, positionID)
	onClosed := m.onClosed
	m.mu.Unlock()

	m.logger.Info("position closed",
		"position_id", positionID,
		"realized", realized,
		"reason", reason,
	)
	if onClosed != nil && pos != nil {
		onClosed(*pos, realized, reason)
	}
}

// ReleaseCloseGuard reverts a failed exit: guard dropped and the row back
// to OPEN so the next price update can retry. id 0 is a no-op.
func (m *Manager) ReleaseCloseGuard(ctx context.Context, positionID int64) {
	if positionID == 0 {
		return
	}

	m.mu.Lock()
	delete(m.inFlight, positionID)
	m.mu.Unlock()

	if err := m.store.ReopenPosition(ctx, positionID); err != nil {
		m.logger.Error("reopen position", "position_id", positionID, "error", err)
		return
	}
	m.logger.Warn("exit failed, position back to monitoring", "position_id", positionID)
}

// ResolveMarket settles every live position on a resolved market at the
// terminal outcome price: 1.0 for the winning token, 0.0 otherwise.
func (m *Manager) ResolveMarket(ctx context.Context, market types.Market) {
	positions, err := m.store.GetOpenPositions(ctx, "")
	if err != nil {
		m.logger.Error("read open positions for resolution", "error", err)
		return
	}

	winner := market.WinningTokenID()
	for _, p := range positions {
		if p.MarketID != market.ID {
			continue
		}

		resolution := 0.0
		if p.TokenID == winner {
			resolution = 1.0
		}

		gross := (resolution - p.EntryPrice) * p.Size
		if p.Side == types.SELL {
			gross = -gross
		}
		entryFee := p.Size * p.EntryPrice * m.cfg.Fees.TakerFeeRate()
		winnerFee := 0.0
		if gross > 0 {
			winnerFee = resolution * p.Size * m.cfg.Fees.WinnerFeeRate()
		}
		realized := gross - entryFee - winnerFee

		reason := "resolved_lost"
		if gross > 0 {
			reason = "resolved_won"
		}

		m.mu.Lock()
		delete(m.inFlight, p.ID)
		onClosed := m.onClosed
		m.mu.Unlock()

		if err := m.store.ClosePosition(ctx, p.ID, realized, reason); err != nil {
			m.logger.Error("settle position", "position_id", p.ID, "error", err)
			continue
		}
		m.logger.Info("position settled at resolution",
			"position_id", p.ID,
			"market", market.ID,
			"resolution", resolution,
			"realized", realized,
		)
		if onClosed != nil {
			onClosed(p, realized, reason)
		}
	}
}
