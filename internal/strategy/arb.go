package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polybot/internal/config"
	"polybot/pkg/types"
)

// arbMaxMarketsPerScan caps book reads per evaluation. Each candidate costs
// two request slots from the shared rate limiter.
const arbMaxMarketsPerScan = 20

// MarketSource serves the liquid-market snapshot the arb scanner walks.
type MarketSource interface {
	Liquid(minLiquidity float64) []types.Market
}

// BookReader reads the top of an outcome token's order book.
type BookReader interface {
	BestBidAsk(ctx context.Context, tokenID string) (bid, ask float64, err error)
}

// Arb scans binary markets for parity gaps: when the YES and NO asks sum to
// less than a dollar minus fees, buying both sides locks in the difference
// at resolution. Both legs go out as paired immediate orders; the second
// leg carries the data needed to unwind the first if it fails.
type Arb struct {
	cfg    *config.Config
	source MarketSource
	books  BookReader
	logger *slog.Logger

	stats arbStats
}

// arbStats survives restarts as the strategy's state blob.
type arbStats struct {
	GapsSeen     int64 `json:"gaps_seen"`
	PairsEmitted int64 `json:"pairs_emitted"`
}

// NewArb creates the parity-arbitrage strategy.
func NewArb(cfg *config.Config, source MarketSource, books BookReader, logger *slog.Logger) *Arb {
	return &Arb{
		cfg:    cfg,
		source: source,
		books:  books,
		logger: logger.With("component", "arb"),
	}
}

func (a *Arb) Name() string { return "arb" }

func (a *Arb) EvalInterval() time.Duration { return a.cfg.Arb.ScanInterval }

// Every scan starts from the books; the only carried state is the
// lifetime opportunity counters.
func (a *Arb) LoadState(state string) error {
	if state == "" {
		return nil
	}
	return json.Unmarshal([]byte(state), &a.stats)
}

func (a *Arb) SaveState() string {
	b, err := json.Marshal(a.stats)
	if err != nil {
		return ""
	}
	return string(b)
}

func (a *Arb) Initialize(context.Context) error { return nil }

func (a *Arb) Shutdown(context.Context) error { return nil }

// Evaluate walks the liquid markets and emits a leg pair per parity gap.
func (a *Arb) Evaluate(ctx context.Context) ([]types.Intent, error) {
	markets := a.source.Liquid(a.cfg.Arb.MinLiquidity)
	if len(markets) > arbMaxMarketsPerScan {
		markets = markets[:arbMaxMarketsPerScan]
	}

	var intents []types.Intent
	for _, m := range markets {
		pair, ok := a.checkMarket(ctx, m)
		if !ok {
			continue
		}
		intents = append(intents, pair...)
	}
	return intents, nil
}

// checkMarket reads both books and returns the two legs when the parity gap
// clears fees. Missing or one-sided books are skipped silently.
func (a *Arb) checkMarket(ctx context.Context, m types.Market) ([]types.Intent, bool) {
	_, askYes, err := a.books.BestBidAsk(ctx, m.YesTokenID)
	if err != nil {
		a.logger.Warn("book read failed", "market", m.ID, "error", err)
		return nil, false
	}
	_, askNo, err := a.books.BestBidAsk(ctx, m.NoTokenID)
	if err != nil {
		a.logger.Warn("book read failed", "market", m.ID, "error", err)
		return nil, false
	}
	if askYes <= 0 || askNo <= 0 || askYes >= 1 || askNo >= 1 {
		return nil, false
	}

	sum := askYes + askNo
	if sum > a.cfg.Arb.MinGapThreshold {
		return nil, false
	}
	a.stats.GapsSeen++

	// Cost of one pair is sum; payout at resolution is 1. Taker fees hit
	// both buys, the winner fee hits the payout.
	fees := sum*a.cfg.Fees.TakerFeeRate() + a.cfg.Fees.WinnerFeeRate()
	profitPerPair := 1 - sum - fees
	if profitPerPair <= 0 {
		return nil, false
	}
	edgePct := profitPerPair / sum * 100

	shares := a.cfg.Arb.MaxPairNotional / sum
	yesNotional := shares * askYes
	noNotional := shares * askNo

	a.stats.PairsEmitted++

	pairID := uuid.NewString()
	a.logger.Info("parity gap found",
		"market", m.ID, "sum", sum, "edge_pct", edgePct, "pair", pairID)

	reason := fmt.Sprintf("yes %.3f + no %.3f = %.3f, edge %.2f%%", askYes, askNo, sum, edgePct)
	yesEdge, noEdge := edgePct, edgePct

	return []types.Intent{
		{
			Strategy:   "arb",
			MarketID:   m.ID,
			TokenID:    m.YesTokenID,
			Side:       types.BUY,
			Price:      askYes,
			Notional:   yesNotional,
			Discipline: types.ImmediateOrKill,
			Urgency:    types.UrgencyNormal,
			Reasoning:  reason,
			Metadata: types.Metadata{
				ArbPairID:      pairID,
				ArbLeg:         1,
				EdgePct:        &yesEdge,
				MarketQuestion: m.Question,
				YesTokenID:     m.YesTokenID,
				NoTokenID:      m.NoTokenID,
			},
		},
		{
			Strategy:   "arb",
			MarketID:   m.ID,
			TokenID:    m.NoTokenID,
			Side:       types.BUY,
			Price:      askNo,
			Notional:   noNotional,
			Discipline: types.ImmediateOrKill,
			Urgency:    types.UrgencyNormal,
			Reasoning:  reason,
			Metadata: types.Metadata{
				ArbPairID:           pairID,
				ArbLeg:              2,
				ArbRollbackTokenID:  m.YesTokenID,
				ArbRollbackPrice:    askYes,
				ArbRollbackNotional: yesNotional,
				EdgePct:             &noEdge,
				MarketQuestion:      m.Question,
				YesTokenID:          m.YesTokenID,
				NoTokenID:           m.NoTokenID,
			},
		},
	}, true
}
