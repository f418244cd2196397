package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polybot/internal/config"
	"polybot/pkg/types"
)

// Stink-bid price clamps. Below a cent the exchange rejects the order;
// above a dime the bid is no longer a deep discount worth resting.
const (
	stinkBidFloor   = 0.01
	stinkBidCeiling = 0.10
)

// VolumeSource serves the highest-volume markets from the scanner snapshot.
type VolumeSource interface {
	TopByVolume(n int, minVolume float64) []types.Market
}

// OrderBookView reads our resting orders and token midpoints.
type OrderBookView interface {
	ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	LastPrice(ctx context.Context, tokenID string) (float64, error)
}

// StinkBid rests deep-discount buy orders under high-volume markets,
// waiting for panic wicks. The exchange's own open-order list is the
// source of truth for which bids are live, so a restart reconciles
// instead of double-bidding.
type StinkBid struct {
	cfg    *config.Config
	source VolumeSource
	view   OrderBookView
	logger *slog.Logger
}

// NewStinkBid creates the deep-discount bid strategy.
func NewStinkBid(cfg *config.Config, source VolumeSource, view OrderBookView, logger *slog.Logger) *StinkBid {
	return &StinkBid{
		cfg:    cfg,
		source: source,
		view:   view,
		logger: logger.With("component", "stink_bid"),
	}
}

func (s *StinkBid) Name() string { return "stink_bid" }

func (s *StinkBid) EvalInterval() time.Duration { return s.cfg.StinkBid.RefreshInterval }

// State lives on the exchange as resting orders; nothing to persist.
func (s *StinkBid) LoadState(string) error { return nil }

func (s *StinkBid) SaveState() string { return "" }

func (s *StinkBid) Initialize(context.Context) error { return nil }

func (s *StinkBid) Shutdown(context.Context) error { return nil }

// Evaluate reconciles against the exchange's open orders, then bids on
// top-volume markets that have no bid yet, up to the active-bid cap.
func (s *StinkBid) Evaluate(ctx context.Context) ([]types.Intent, error) {
	open, err := s.view.ListOpenOrders(ctx)
	if err != nil {
		// Without the open-order list we cannot tell which markets already
		// carry a bid, so place nothing this round.
		return nil, fmt.Errorf("list open orders: %w", err)
	}

	markets := s.source.TopByVolume(s.cfg.StinkBid.MaxActiveBids*2, s.cfg.StinkBid.MinMarketVolume)

	occupied := make(map[string]bool)
	activeBids := 0
	for _, o := range open {
		if o.Side != types.BUY {
			continue
		}
		for _, m := range markets {
			if o.TokenID == m.YesTokenID || o.TokenID == m.NoTokenID {
				occupied[m.ID] = true
				activeBids++
				break
			}
		}
	}

	discountPct := (s.cfg.StinkBid.MinDiscountPct + s.cfg.StinkBid.MaxDiscountPct) / 2

	var intents []types.Intent
	for _, m := range markets {
		if activeBids >= s.cfg.StinkBid.MaxActiveBids {
			break
		}
		if occupied[m.ID] {
			continue
		}

		mid, err := s.view.LastPrice(ctx, m.YesTokenID)
		if err != nil {
			s.logger.Warn("midpoint read failed", "market", m.ID, "error", err)
			continue
		}
		if mid <= 0 || mid >= 1 {
			continue
		}

		price := mid * (1 - discountPct/100)
		if price < stinkBidFloor {
			price = stinkBidFloor
		}
		if price > stinkBidCeiling {
			price = stinkBidCeiling
		}

		edge := discountPct
		intents = append(intents, types.Intent{
			Strategy:   "stink_bid",
			MarketID:   m.ID,
			TokenID:    m.YesTokenID,
			Side:       types.BUY,
			Price:      price,
			Notional:   s.cfg.Global.MinPositionSize,
			Discipline: types.Resting,
			Urgency:    types.UrgencyNormal,
			Reasoning:  fmt.Sprintf("resting %.0f%% below mid %.3f", discountPct, mid),
			Metadata: types.Metadata{
				EdgePct:        &edge,
				MarketQuestion: m.Question,
				YesTokenID:     m.YesTokenID,
				NoTokenID:      m.NoTokenID,
			},
		})
		activeBids++
	}
	return intents, nil
}
