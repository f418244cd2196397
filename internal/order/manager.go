// Package order owns the execution path: a bounded intent queue drained by
// a single worker, so at most one exchange request is in flight at a time
// and the rate limiter sees every submission.
//
// The worker runs each intent through risk approval, the rate limiter, and
// the adapter (or a synthetic paper fill), confirms immediate-or-kill
// fills, persists the trade and any new position in one transaction, and
// handles the two failure specials: exit retries and paired-order rollback.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

const (
	queueCap = 100
	// fillCheckDelay is how long an immediate-or-kill order gets to
	// leave the book before we look for it among open orders.
	fillCheckDelay = 500 * time.Millisecond
	maxExitRetries = 3
)

// Approver gates intents. Implemented by the risk manager.
type Approver interface {
	Approve(ctx context.Context, intent types.Intent) (bool, string)
}

// Exchange is the slice of the adapter the order manager needs.
type Exchange interface {
	SubmitOrder(ctx context.Context, intent types.Intent) (types.OrderResult, error)
	ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	CancelAll(ctx context.Context) error
}

// Limiter is the request budget consulted before every submission.
type Limiter interface {
	Acquire(ctx context.Context) error
	RecordThrottled()
	RecordSuccess()
}

// OpenedFunc fires after a new position is committed.
type OpenedFunc func(pos types.Position)

// ExitResultFunc fires when an exit order resolves: filled=true carries the
// realized P&L estimate; filled=false means the exit definitively failed
// and the position should go back to monitoring.
type ExitResultFunc func(positionID int64, filled bool, realized float64, reason string)

// Manager is the execution pipeline.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	risk    Approver
	limiter Limiter
	adapter Exchange
	logger  *slog.Logger

	queue chan types.Intent

	mu         sync.Mutex
	onOpened   OpenedFunc
	onExitDone ExitResultFunc
}

// NewManager creates the order manager. adapter may be nil only in paper
// mode.
func NewManager(cfg *config.Config, st *store.Store, risk Approver, limiter Limiter, adapter Exchange, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		risk:    risk,
		limiter: limiter,
		adapter: adapter,
		logger:  logger.With("component", "order"),
		queue:   make(chan types.Intent, queueCap),
	}
}

// OnPositionOpened registers the new-position callback.
func (m *Manager) OnPositionOpened(fn OpenedFunc) {
	m.mu.Lock()
	m.onOpened = fn
	m.mu.Unlock()
}

// OnExitResult registers the exit-resolution callback.
func (m *Manager) OnExitResult(fn ExitResultFunc) {
	m.mu.Lock()
	m.onExitDone = fn
	m.mu.Unlock()
}

// Submit enqueues an intent without blocking. A full queue drops the
// intent; strategies observe the drop only through the log.
func (m *Manager) Submit(intent types.Intent) {
	select {
	case m.queue <- intent:
	default:
		m.logger.Error("intent queue full, dropping",
			"strategy", intent.Strategy,
			"market", intent.MarketID,
		)
	}
}

// QueueDepth returns the number of intents waiting.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}

// Run drains the queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-m.queue:
			m.process(ctx, intent)
		}
	}
}

// DrainAndCancel empties the queue and cancels all resting exchange
// orders. Called by the risk manager on kill switch and by shutdown.
func (m *Manager) DrainAndCancel(ctx context.Context) error {
	dropped := 0
	for {
		select {
		case <-m.queue:
			dropped++
		default:
			if dropped > 0 {
				m.logger.Warn("drained intent queue", "dropped", dropped)
			}
			if m.adapter == nil {
				return nil
			}
			return m.adapter.CancelAll(ctx)
		}
	}
}

func (m *Manager) process(ctx context.Context, intent types.Intent) {
	result := m.executeApproved(ctx, intent)
	if result.OK {
		return
	}

	if intent.Metadata.IsExit {
		m.retryExit(ctx, intent)
		return
	}
	if intent.Metadata.ArbLeg == 2 {
		m.rollback(ctx, intent)
	}
}

// executeApproved runs one full risk-gated submission attempt and persists
// the outcome. The returned result's OK covers the whole attempt including
// risk rejection.
func (m *Manager) executeApproved(ctx context.Context, intent types.Intent) types.OrderResult {
	if err := intent.Validate(); err != nil {
		m.logger.Error("invalid intent dropped", "error", err, "strategy", intent.Strategy)
		return types.OrderResult{Error: err.Error(), Kind: types.KindPreconditionFailed}
	}

	approved, reason := m.risk.Approve(ctx, intent)
	if !approved {
		m.logger.Warn("intent rejected",
			"strategy", intent.Strategy,
			"market", intent.MarketID,
			"reason", reason,
		)
		return types.OrderResult{Error: reason, Kind: types.KindPreconditionFailed}
	}

	shares := intent.Notional / intent.Price
	if shares <= 0 {
		return types.OrderResult{Error: "non-positive share count", Kind: types.KindPreconditionFailed}
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		return types.OrderResult{Error: err.Error(), Kind: types.KindConnectivity}
	}

	result := m.submit(ctx, intent)
	if !result.OK {
		if result.Kind == types.KindRateLimited || containsRateHint(result.Error) {
			m.limiter.RecordThrottled()
		}
		m.logger.Error("order failed",
			"strategy", intent.Strategy,
			"market", intent.MarketID,
			"kind", result.Kind,
			"error", result.Error,
		)
		return result
	}

	m.limiter.RecordSuccess()
	if err := m.commit(ctx, intent, result, shares); err != nil {
		m.logger.Error("persist fill failed", "order_id", result.OrderID, "error", err)
	}
	return result
}

// submit places the order, synthesizing a fill in paper mode, and confirms
// immediate-or-kill fills against the open-order list.
func (m *Manager) submit(ctx context.Context, intent types.Intent) types.OrderResult {
	if !m.cfg.Live() {
		return types.OrderResult{OK: true, OrderID: "paper-" + uuid.NewString()}
	}

	result, err := m.adapter.SubmitOrder(ctx, intent)
	if err != nil {
		return types.OrderResult{Error: err.Error(), Kind: types.KindFatal}
	}
	if !result.OK {
		return result
	}

	if intent.Discipline == types.ImmediateOrKill {
		if err := sleepCtx(ctx, fillCheckDelay); err != nil {
			return result
		}
		open, err := m.adapter.ListOpenOrders(ctx)
		if err != nil {
			// Can't confirm; assume filled rather than double-submit.
			m.logger.Warn("fill confirmation unavailable", "order_id", result.OrderID, "error", err)
			return result
		}
		for _, o := range open {
			if o.OrderID == result.OrderID {
				return types.OrderResult{
					OrderID: result.OrderID,
					Error:   "not filled",
					Kind:    types.KindNotFilled,
				}
			}
		}
	}
	return result
}

// commit persists the fill: the trade always, plus a new position for
// entry BUYs, in one transaction. Notifications fire after the commit.
func (m *Manager) commit(ctx context.Context, intent types.Intent, result types.OrderResult, shares float64) error {
	status := types.OrderSubmitted
	if intent.Discipline != types.Resting {
		status = types.OrderFilled
	}

	trade := types.Trade{
		OrderID:    result.OrderID,
		Strategy:   intent.Strategy,
		MarketID:   intent.MarketID,
		TokenID:    intent.TokenID,
		Side:       intent.Side,
		Price:      intent.Price,
		Notional:   intent.Notional,
		Discipline: intent.Discipline,
		Status:     status,
		Reasoning:  intent.Reasoning,
		Metadata:   intent.Metadata,
	}

	openEntry := !intent.Metadata.IsExit && intent.Side == types.BUY && status == types.OrderFilled
	var pos types.Position

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.RecordTrade(ctx, trade); err != nil {
			return err
		}
		if !openEntry {
			return nil
		}
		pos = types.Position{
			Strategy:   intent.Strategy,
			MarketID:   intent.MarketID,
			TokenID:    intent.TokenID,
			Side:       intent.Side,
			EntryPrice: intent.Price,
			Size:       shares,
			Status:     types.PositionOpen,
			Metadata:   intent.Metadata,
		}
		if intent.Metadata.StopLossPrice != nil {
			pos.StopLossPrice = *intent.Metadata.StopLossPrice
		}
		id, err := tx.OpenPosition(ctx, pos)
		if err != nil {
			return err
		}
		pos.ID = id
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("order executed",
		"order_id", result.OrderID,
		"strategy", intent.Strategy,
		"side", intent.Side,
		"price", intent.Price,
		"notional", intent.Notional,
	)

	m.mu.Lock()
	onOpened, onExitDone := m.onOpened, m.onExitDone
	m.mu.Unlock()

	if openEntry && onOpened != nil {
		onOpened(pos)
	}
	if intent.Metadata.IsExit && onExitDone != nil {
		realized := 0.0
		if intent.Metadata.RealizedPnLEstimate != nil {
			realized = *intent.Metadata.RealizedPnLEstimate
		}
		onExitDone(intent.Metadata.PositionID, true, realized, intent.Reasoning)
	}
	return nil
}

// retryExit re-runs the full approval and submission path for a failed
// exit, iteratively, with 2^n second backoff. After the last attempt the
// position is released back to monitoring.
func (m *Manager) retryExit(ctx context.Context, intent types.Intent) {
	for attempt := 1; attempt <= maxExitRetries; attempt++ {
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		m.logger.Warn("retrying exit",
			"position_id", intent.Metadata.PositionID,
			"attempt", attempt,
			"backoff", backoff,
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return
		}
		if result := m.executeApproved(ctx, intent); result.OK {
			return
		}
	}

	m.logger.Error("exit failed after retries", "position_id", intent.Metadata.PositionID)
	m.mu.Lock()
	onExitDone := m.onExitDone
	m.mu.Unlock()
	if onExitDone != nil {
		onExitDone(intent.Metadata.PositionID, false, 0, intent.Reasoning)
	}
}

// rollback compensates a failed second leg of a paired order by selling
// back the first leg, bypassing the queue.
func (m *Manager) rollback(ctx context.Context, failed types.Intent) {
	md := failed.Metadata
	if md.ArbRollbackTokenID == "" || md.ArbRollbackPrice <= 0 || md.ArbRollbackNotional <= 0 {
		m.logger.Error("leg-2 failure without rollback metadata", "pair", md.ArbPairID)
		return
	}

	m.logger.Warn("rolling back paired order", "pair", md.ArbPairID)

	comp := types.Intent{
		Strategy:   failed.Strategy,
		MarketID:   failed.MarketID,
		TokenID:    md.ArbRollbackTokenID,
		Side:       types.SELL,
		Price:      md.ArbRollbackPrice,
		Notional:   md.ArbRollbackNotional,
		Discipline: types.ImmediateOrKill,
		Urgency:    types.UrgencyHigh,
		Reasoning:  fmt.Sprintf("rollback of pair %s", md.ArbPairID),
		Metadata: types.Metadata{
			IsExit:    true,
			ArbPairID: md.ArbPairID,
		},
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		m.logger.Error("rollback aborted", "pair", md.ArbPairID, "error", err)
		return
	}
	result := m.submit(ctx, comp)
	if !result.OK {
		if result.Kind == types.KindRateLimited || containsRateHint(result.Error) {
			m.limiter.RecordThrottled()
		}
		m.logger.Error("rollback order failed", "pair", md.ArbPairID, "error", result.Error)
		return
	}
	m.limiter.RecordSuccess()
	if err := m.commit(ctx, comp, result, comp.Notional/comp.Price); err != nil {
		m.logger.Error("persist rollback failed", "pair", md.ArbPairID, "error", err)
	}
}

func containsRateHint(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate") || strings.Contains(lower, "429")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
