package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

const (
	// entryGrowthFactor filters noise: a tracked holding must grow by more
	// than 10% before it counts as a new entry.
	entryGrowthFactor = 1.10
	// exitShrinkFactor: a holding shrinking below 70% of its previous size
	// counts as a reduction worth mirroring.
	exitShrinkFactor = 0.70
	// minMirrorExitNotional skips dust exits.
	minMirrorExitNotional = 10.0
	// mirrorConvictionPct is the assumed gross edge of copying a profitable
	// account, before fees.
	mirrorConvictionPct = 10.0
)

// MirrorAdapter is the exchange surface the mirror strategy reads.
type MirrorAdapter interface {
	ListExternalPositions(ctx context.Context, account string) ([]types.ExternalPosition, error)
	GetMarket(ctx context.Context, conditionID string) (*types.Market, error)
}

// PriceSource serves live prices and accepts subscriptions for tokens the
// strategy starts tracking.
type PriceSource interface {
	LatestPrice(tokenID string) (float64, bool)
	Subscribe(tokenIDs []string) error
}

// MirrorBalanceReader reads the quote balance for portfolio-based sizing.
type MirrorBalanceReader interface {
	QuoteBalance(ctx context.Context) (decimal.Decimal, error)
}

// Mirror diff-tracks the holdings of configured external accounts and
// copies their entries and exits at our own size. The previous snapshot of
// each account lives in the store, so a restart never replays old entries.
type Mirror struct {
	cfg     *config.Config
	adapter MirrorAdapter
	prices  PriceSource
	store   *store.Store
	wallet  MirrorBalanceReader
	logger  *slog.Logger

	// prev[account][marketID|tokenID] is the last observed snapshot.
	prev map[string]map[string]types.ExternalPosition
}

// NewMirror creates the mirror strategy.
func NewMirror(cfg *config.Config, adapter MirrorAdapter, prices PriceSource, st *store.Store, wallet MirrorBalanceReader, logger *slog.Logger) *Mirror {
	return &Mirror{
		cfg:     cfg,
		adapter: adapter,
		prices:  prices,
		store:   st,
		wallet:  wallet,
		logger:  logger.With("component", "mirror"),
		prev:    make(map[string]map[string]types.ExternalPosition),
	}
}

func (m *Mirror) Name() string { return "mirror" }

func (m *Mirror) EvalInterval() time.Duration { return m.cfg.Mirror.PollInterval }

// LoadState is a no-op: snapshots persist in the external_positions table,
// not in the state blob.
func (m *Mirror) LoadState(string) error { return nil }

func (m *Mirror) SaveState() string { return "" }

// Initialize restores each tracked account's last snapshot from the store
// and subscribes the feed to the tokens we are already tracking.
func (m *Mirror) Initialize(ctx context.Context) error {
	var tokens []string
	for _, acct := range m.cfg.Mirror.EnabledAccounts() {
		positions, err := m.store.GetExternalPositions(ctx, acct.Address)
		if err != nil {
			return fmt.Errorf("restore snapshot for %s: %w", acct.Alias, err)
		}
		snapshot := make(map[string]types.ExternalPosition, len(positions))
		for _, p := range positions {
			snapshot[positionKey(p)] = p
			tokens = append(tokens, p.TokenID)
		}
		m.prev[acct.Address] = snapshot
	}
	if len(tokens) > 0 {
		if err := m.prices.Subscribe(tokens); err != nil {
			m.logger.Warn("initial feed subscribe failed", "error", err)
		}
	}
	m.logger.Info("mirror initialized", "accounts", len(m.cfg.Mirror.EnabledAccounts()))
	return nil
}

func (m *Mirror) Shutdown(context.Context) error { return nil }

// Evaluate polls every enabled account and emits intents for the diffs.
// A poll failure for one account keeps its snapshot untouched; the other
// accounts still get processed.
func (m *Mirror) Evaluate(ctx context.Context) ([]types.Intent, error) {
	var intents []types.Intent

	openPositions, err := m.store.GetOpenPositions(ctx, "mirror")
	if err != nil {
		return nil, fmt.Errorf("read open positions: %w", err)
	}
	portfolio := m.portfolioValue(ctx, openPositions)

	for _, acct := range m.cfg.Mirror.EnabledAccounts() {
		current, err := m.adapter.ListExternalPositions(ctx, acct.Address)
		if err != nil {
			m.logger.Error("account poll failed", "account", acct.Alias, "error", err)
			continue
		}
		intents = append(intents, m.diffAccount(ctx, acct, current, openPositions, portfolio)...)
	}
	return intents, nil
}

// diffAccount compares the fresh snapshot against the previous one,
// emitting exits first so capital frees up before new entries.
func (m *Mirror) diffAccount(ctx context.Context, acct config.TrackedAccount, current []types.ExternalPosition, own []types.Position, portfolio float64) []types.Intent {
	prev := m.prev[acct.Address]
	if prev == nil {
		prev = make(map[string]types.ExternalPosition)
	}
	currentByKey := make(map[string]types.ExternalPosition, len(current))
	for _, p := range current {
		currentByKey[positionKey(p)] = p
	}

	var intents []types.Intent
	var newTokens []string

	// Keys whose exit was deferred keep their old snapshot so the next
	// poll sees the same reduction again.
	deferred := make(map[string]bool)

	for key, was := range prev {
		now, still := currentByKey[key]
		reductionPct := 0.0
		switch {
		case !still:
			reductionPct = 100
		case now.Size < was.Size*exitShrinkFactor:
			reductionPct = (was.Size - now.Size) / was.Size * 100
		default:
			continue
		}
		intent, emit, advance := m.exitIntent(acct, was, reductionPct, own)
		if emit {
			intents = append(intents, intent)
		}
		if !advance {
			deferred[key] = true
			continue
		}
		if !still {
			if err := m.store.DeleteExternalPosition(ctx, acct.Address, was.MarketID, was.TokenID); err != nil {
				m.logger.Error("drop snapshot row", "error", err)
			}
			delete(prev, key)
		}
	}

	for key, now := range currentByKey {
		if deferred[key] {
			continue
		}
		was, seen := prev[key]
		if seen && now.Size <= was.Size*entryGrowthFactor {
			// Unchanged or trivially grown; just refresh the snapshot.
			if now.Size != was.Size {
				m.persistSnapshot(ctx, acct.Address, now)
				prev[key] = now
			}
			continue
		}
		if !seen {
			newTokens = append(newTokens, now.TokenID)
		}
		addedShares := now.Size
		if seen {
			addedShares = now.Size - was.Size
		}
		intent, emit, advance := m.entryIntent(ctx, acct, now, addedShares, own, portfolio)
		if emit {
			intents = append(intents, intent)
		}
		if advance {
			m.persistSnapshot(ctx, acct.Address, now)
			prev[key] = now
		}
	}

	m.prev[acct.Address] = prev
	if len(newTokens) > 0 {
		if err := m.prices.Subscribe(newTokens); err != nil {
			m.logger.Warn("feed subscribe failed", "error", err)
		}
	}
	return intents
}

// exitIntent mirrors a tracked account's reduction against our own open
// position on the same token. Partial reductions leave the position open,
// so the intent carries no position ID. advance=false means the snapshot
// must not move: the exit is deferred until a live price shows up.
func (m *Mirror) exitIntent(acct config.TrackedAccount, was types.ExternalPosition, reductionPct float64, own []types.Position) (intent types.Intent, emit, advance bool) {
	pos := findMirrorPosition(own, acct.Address, was.TokenID)
	if pos == nil {
		return types.Intent{}, false, true
	}

	exitNotional := pos.EntryPrice * pos.Size * reductionPct / 100
	if exitNotional < minMirrorExitNotional {
		m.logger.Info("reduction below exit floor, skipping",
			"account", acct.Alias, "token", was.TokenID, "notional", exitNotional)
		return types.Intent{}, false, true
	}

	// Never sell at a stale or synthetic price; wait for the stream.
	price, ok := m.prices.LatestPrice(pos.TokenID)
	if !ok || price <= 0 || price >= 1 {
		m.logger.Info("no live price, deferring exit",
			"account", acct.Alias, "token", pos.TokenID)
		return types.Intent{}, false, false
	}

	positionID := int64(0)
	if reductionPct >= 100 {
		positionID = pos.ID
	}
	return types.Intent{
		Strategy:   "mirror",
		MarketID:   pos.MarketID,
		TokenID:    pos.TokenID,
		Side:       pos.Side.Opposite(),
		Price:      price,
		Notional:   exitNotional,
		Discipline: types.ImmediateOrKill,
		Urgency:    types.UrgencyHigh,
		Reasoning:  fmt.Sprintf("%s reduced %.0f%%", acct.Alias, reductionPct),
		Metadata: types.Metadata{
			IsExit:        true,
			PositionID:    positionID,
			SourceAccount: acct.Address,
		},
	}, true, true
}

// entryIntent sizes and emits a copy of a tracked account's new entry.
// advance=false means the snapshot must not move yet: the entry was
// deferred, not rejected, and the next poll retries it.
func (m *Mirror) entryIntent(ctx context.Context, acct config.TrackedAccount, now types.ExternalPosition, addedShares float64, own []types.Position, portfolio float64) (intent types.Intent, emit, advance bool) {
	price, ok := m.prices.LatestPrice(now.TokenID)
	if !ok {
		// No live price yet; the subscription just went out and the next
		// poll retries with a populated cache.
		m.logger.Info("no live price, deferring entry", "token", now.TokenID)
		return types.Intent{}, false, false
	}

	// Conviction is judged on the source's whole holding, not the
	// increment that triggered this poll.
	sourceValue := now.Size * price
	if sourceValue < m.cfg.Mirror.MinSourceNotional {
		return types.Intent{}, false, true
	}

	slippagePct := 0.0
	if now.AvgCost > 0 {
		slippagePct = (price - now.AvgCost) / now.AvgCost * 100
	}
	if slippagePct > m.cfg.Mirror.MaxSlippagePct {
		m.logger.Info("price ran away from source entry, skipping",
			"account", acct.Alias, "token", now.TokenID, "slippage_pct", slippagePct)
		return types.Intent{}, false, true
	}

	notional := m.sizeEntry(addedShares*price, portfolio)
	if remaining := m.accountAllocationRemaining(acct, own, portfolio); notional > remaining {
		notional = remaining
	}
	if notional < m.cfg.Global.MinPositionSize {
		return types.Intent{}, false, true
	}

	edge := mirrorConvictionPct - (m.cfg.Fees.WinnerFeePct + m.cfg.Fees.MaxTakerFeePct)
	if edge < 0 {
		edge = 0
	}

	meta := types.Metadata{
		SourceAccount:      acct.Address,
		SourceAvgCost:      now.AvgCost,
		SourceCurrentValue: sourceValue,
		SlippagePct:        slippagePct,
		EdgePct:            &edge,
	}
	if market, err := m.adapter.GetMarket(ctx, now.MarketID); err == nil && market != nil {
		meta.MarketQuestion = market.Question
		meta.YesTokenID = market.YesTokenID
		meta.NoTokenID = market.NoTokenID
	}

	intent = types.Intent{
		Strategy:   "mirror",
		MarketID:   now.MarketID,
		TokenID:    now.TokenID,
		Side:       types.BUY,
		Price:      price,
		Notional:   notional,
		Discipline: m.entryDiscipline(),
		Urgency:    types.UrgencyNormal,
		Reasoning:  fmt.Sprintf("%s entered %.0f shares at %.3f", acct.Alias, addedShares, now.AvgCost),
		Metadata:   meta,
	}
	return intent, true, true
}

// entryDiscipline maps the configured order discipline for copied
// entries; partial fills are acceptable by default.
func (m *Mirror) entryDiscipline() types.Discipline {
	switch strings.ToLower(m.cfg.Mirror.OrderDiscipline) {
	case "resting":
		return types.Resting
	case "immediate_or_kill":
		return types.ImmediateOrKill
	default:
		return types.ImmediatePartialOK
	}
}

// sizeEntry converts a source entry into our notional per the configured
// sizing method. sourceDelta is the value of the shares the source just
// added, so mirroring an increase scales with the increase.
func (m *Mirror) sizeEntry(sourceDelta, portfolio float64) float64 {
	switch strings.ToLower(m.cfg.Mirror.SizingMethod) {
	case "portfolio_pct":
		return portfolio * m.cfg.Mirror.PortfolioPct / 100
	case "source_pct":
		return sourceDelta * m.cfg.Mirror.SourcePct / 100
	default:
		return m.cfg.Mirror.FixedNotional
	}
}

// accountAllocationRemaining is the per-account budget left after current
// exposure attributed to the same source account.
func (m *Mirror) accountAllocationRemaining(acct config.TrackedAccount, own []types.Position, portfolio float64) float64 {
	if acct.AllocationPct <= 0 {
		return portfolio
	}
	budget := portfolio * acct.AllocationPct / 100
	for _, p := range own {
		if p.Metadata.SourceAccount == acct.Address {
			budget -= p.EntryPrice * p.Size
		}
	}
	if budget < 0 {
		return 0
	}
	return budget
}

func (m *Mirror) portfolioValue(ctx context.Context, open []types.Position) float64 {
	bal, err := m.wallet.QuoteBalance(ctx)
	if err != nil {
		m.logger.Warn("balance read failed, sizing from positions only", "error", err)
	}
	portfolio, _ := bal.Float64()
	for _, p := range open {
		price := p.CurrentPrice
		if price == 0 {
			price = p.EntryPrice
		}
		portfolio += price * p.Size
	}
	return portfolio
}

func (m *Mirror) persistSnapshot(ctx context.Context, account string, p types.ExternalPosition) {
	if err := m.store.UpsertExternalPosition(ctx, account, p); err != nil {
		m.logger.Error("persist snapshot row", "error", err)
	}
}

func positionKey(p types.ExternalPosition) string {
	return p.MarketID + "|" + p.TokenID
}

func findMirrorPosition(own []types.Position, account, tokenID string) *types.Position {
	for i := range own {
		p := &own[i]
		if p.Status == types.PositionOpen && p.TokenID == tokenID && p.Metadata.SourceAccount == account {
			return p
		}
	}
	return nil
}
