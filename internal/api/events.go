package api

import (
	"time"

	"polybot/pkg/types"
)

// Event is the wrapper for everything pushed over /ws.
type Event struct {
	Type      string    `json:"type"` // "status", "trade", "position", "kill", "system"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TradeEvent announces an order submission outcome.
type TradeEvent struct {
	OrderID  string  `json:"order_id"`
	Strategy string  `json:"strategy"`
	MarketID string  `json:"market_id"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Notional float64 `json:"notional"`
	Status   string  `json:"status"`
}

// PositionEvent announces a position opening or closing.
type PositionEvent struct {
	PositionID  int64   `json:"position_id"`
	Strategy    string  `json:"strategy"`
	MarketID    string  `json:"market_id"`
	Question    string  `json:"question,omitempty"`
	Side        string  `json:"side"`
	EntryPrice  float64 `json:"entry_price"`
	Size        float64 `json:"size"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
	Closed      bool    `json:"closed"`
}

// KillEvent announces a kill-switch transition.
type KillEvent struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// SystemEvent carries operational notices.
type SystemEvent struct {
	Level   string `json:"level"` // "info", "warning", "critical"
	Title   string `json:"title"`
	Message string `json:"message"`
}

func newEvent(kind string, data any) Event {
	return Event{Type: kind, Timestamp: time.Now(), Data: data}
}

// NewTradeEvent wraps a recorded trade.
func NewTradeEvent(trade types.Trade) Event {
	return newEvent("trade", TradeEvent{
		OrderID:  trade.OrderID,
		Strategy: trade.Strategy,
		MarketID: trade.MarketID,
		Side:     string(trade.Side),
		Price:    trade.Price,
		Notional: trade.Notional,
		Status:   string(trade.Status),
	})
}

// NewPositionEvent wraps a position transition.
func NewPositionEvent(p types.Position, realized float64, closeReason string, closed bool) Event {
	return newEvent("position", PositionEvent{
		PositionID:  p.ID,
		Strategy:    p.Strategy,
		MarketID:    p.MarketID,
		Question:    p.Metadata.MarketQuestion,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice,
		Size:        p.Size,
		RealizedPnL: realized,
		CloseReason: closeReason,
		Closed:      closed,
	})
}

// NewKillEvent wraps a kill-switch transition.
func NewKillEvent(active bool, reason string) Event {
	return newEvent("kill", KillEvent{Active: active, Reason: reason})
}

// NewSystemEvent wraps an operational notice.
func NewSystemEvent(level, title, message string) Event {
	return newEvent("system", SystemEvent{Level: level, Title: title, Message: message})
}
