package api

import (
	"context"
	"time"

	"polybot/pkg/types"
)

// StatusProvider serves the engine state the HTTP surface exposes. The
// engine implements it.
type StatusProvider interface {
	Status(ctx context.Context) StatusSnapshot
}

// StatusSnapshot is the full /api/status payload.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"` // "paper" or "live"
	UptimeSec int64     `json:"uptime_sec"`

	KillSwitchActive bool `json:"kill_switch_active"`
	TradingPaused    bool `json:"trading_paused"`
	FeedHealthy      bool `json:"feed_healthy"`

	OpenPositions []PositionStatus `json:"open_positions"`
	Strategies    []StrategyStatus `json:"strategies"`

	Today *types.DailyPnL `json:"today,omitempty"`
}

// PositionStatus is one open position in the status payload.
type PositionStatus struct {
	ID            int64   `json:"id"`
	Strategy      string  `json:"strategy"`
	MarketID      string  `json:"market_id"`
	Question      string  `json:"question,omitempty"`
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	Size          float64 `json:"size"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Status        string  `json:"status"`
}

// StrategyStatus is one strategy's run state.
type StrategyStatus struct {
	Name   string `json:"name"`
	Paused bool   `json:"paused"`
}

// NewPositionStatus converts a persisted position for the status payload.
func NewPositionStatus(p types.Position) PositionStatus {
	return PositionStatus{
		ID:            p.ID,
		Strategy:      p.Strategy,
		MarketID:      p.MarketID,
		Question:      p.Metadata.MarketQuestion,
		Side:          string(p.Side),
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		Size:          p.Size,
		UnrealizedPnL: p.UnrealizedPnL,
		Status:        string(p.Status),
	}
}
