// Package pnl keeps the daily ledger: one row per UTC day with the
// starting balance, running realized/unrealized totals, and trade counts.
// Bootstrap creates today's row on startup, Snapshot refreshes it
// periodically, and Summary finalizes a day for the midnight report.
package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polybot/internal/store"
	"polybot/pkg/types"
)

// BalanceReader reads the quote-currency wallet balance.
type BalanceReader interface {
	QuoteBalance(ctx context.Context) (decimal.Decimal, error)
}

// Tracker maintains the daily P&L rows.
type Tracker struct {
	store  *store.Store
	wallet BalanceReader
	logger *slog.Logger
}

// NewTracker creates a tracker.
func NewTracker(st *store.Store, wallet BalanceReader, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		wallet: wallet,
		logger: logger.With("component", "pnl"),
	}
}

// Today returns the current UTC ledger date.
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Bootstrap ensures today's row exists, seeded with the current portfolio
// value. Re-running on the same day keeps the original starting balance.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	portfolio, _, err := t.portfolioValue(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap pnl: %w", err)
	}
	if err := t.store.RecordDailyPnL(ctx, Today(), portfolio); err != nil {
		return fmt.Errorf("bootstrap pnl: %w", err)
	}
	t.logger.Info("daily ledger ready", "date", Today(), "portfolio", portfolio)
	return nil
}

// Snapshot refreshes today's row with current totals. A wallet read
// failure skips the ending balance but still records P&L.
func (t *Tracker) Snapshot(ctx context.Context) error {
	return t.updateDay(ctx, Today())
}

// Summary finalizes and returns the row for the given date. Used by the
// midnight report with yesterday's date, then Bootstrap opens the new day.
func (t *Tracker) Summary(ctx context.Context, date string) (*types.DailyPnL, error) {
	if err := t.updateDay(ctx, date); err != nil {
		return nil, err
	}
	return t.store.GetDailyPnL(ctx, date)
}

func (t *Tracker) updateDay(ctx context.Context, date string) error {
	row, err := t.store.GetDailyPnL(ctx, date)
	if err != nil {
		return fmt.Errorf("update pnl day: %w", err)
	}
	if row == nil {
		// Day never bootstrapped (bot was down); nothing to update.
		return nil
	}

	realized, err := t.store.TodayRealizedPnL(ctx)
	if err != nil {
		return fmt.Errorf("update pnl day: %w", err)
	}
	open, err := t.store.GetOpenPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("update pnl day: %w", err)
	}
	unrealized := 0.0
	for _, p := range open {
		unrealized += p.UnrealizedPnL
	}

	trades, wins, losses, fees, err := t.store.CountTradesOnDay(ctx, date)
	if err != nil {
		return fmt.Errorf("update pnl day: %w", err)
	}

	row.RealizedPnL = realized
	row.UnrealizedPnL = unrealized
	row.TradeCount = trades
	row.WinCount = wins
	row.LossCount = losses
	row.FeesPaid = fees

	if portfolio, _, err := t.portfolioValue(ctx); err == nil {
		row.EndingBalance = portfolio
	} else {
		t.logger.Warn("wallet unavailable for snapshot", "error", err)
	}

	return t.store.FinalizeDailyPnL(ctx, *row)
}

// StrategyPnL is one strategy's slice of the day's book.
type StrategyPnL struct {
	Strategy    string
	Exposure    float64 // marked value of open positions
	Unrealized  float64
	RealizedDay float64 // realized on positions closed today
	ClosedDay   int
	WinsDay     int
}

// Breakdown splits the book by strategy: open exposure and unrealized
// from live positions, realized and win counts from today's closes.
func (t *Tracker) Breakdown(ctx context.Context) ([]StrategyPnL, error) {
	open, err := t.store.GetOpenPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("pnl breakdown: %w", err)
	}
	closed, err := t.store.GetClosedPositions(ctx, 200)
	if err != nil {
		return nil, fmt.Errorf("pnl breakdown: %w", err)
	}

	byName := make(map[string]*StrategyPnL)
	row := func(name string) *StrategyPnL {
		if r, ok := byName[name]; ok {
			return r
		}
		r := &StrategyPnL{Strategy: name}
		byName[name] = r
		return r
	}

	for _, p := range open {
		price := p.CurrentPrice
		if price == 0 {
			price = p.EntryPrice
		}
		r := row(p.Strategy)
		r.Exposure += price * p.Size
		r.Unrealized += p.UnrealizedPnL
	}

	today := Today()
	for _, p := range closed {
		if p.ClosedAt.UTC().Format("2006-01-02") != today {
			continue
		}
		r := row(p.Strategy)
		r.RealizedDay += p.RealizedPnL
		r.ClosedDay++
		if p.RealizedPnL > 0 {
			r.WinsDay++
		}
	}

	out := make([]StrategyPnL, 0, len(byName))
	for _, r := range byName {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}

// portfolioValue is wallet balance plus marked open-position value.
func (t *Tracker) portfolioValue(ctx context.Context) (portfolio, balance float64, err error) {
	bal, err := t.wallet.QuoteBalance(ctx)
	if err != nil {
		return 0, 0, err
	}
	balance, _ = bal.Float64()

	open, err := t.store.GetOpenPositions(ctx, "")
	if err != nil {
		return 0, 0, err
	}
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
