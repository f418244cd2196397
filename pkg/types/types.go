// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: trading intents, order
// results, market metadata, positions, and WebSocket payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side, used when building exit orders.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Discipline is the order lifetime policy.
type Discipline string

const (
	// Resting orders stay on the book until filled or cancelled.
	Resting Discipline = "RESTING"
	// ImmediateOrKill orders must fully fill now or be cancelled.
	ImmediateOrKill Discipline = "IMMEDIATE_OR_KILL"
	// ImmediatePartialOK orders fill what they can now; the rest is cancelled.
	ImmediatePartialOK Discipline = "IMMEDIATE_PARTIAL_OK"
)

// Urgency marks how quickly an intent should reach the exchange.
// HIGH is reserved for exits and compensating orders.
type Urgency string

const (
	UrgencyNormal Urgency = "NORMAL"
	UrgencyHigh   Urgency = "HIGH"
)

// OrderStatus is the persisted lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PositionStatus is the lifecycle state of a position.
// CLOSING is the transient state between exit-intent submission and fill
// confirmation; CLOSED is terminal.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// ErrorKind classifies adapter and pipeline failures so callers can react
// without matching on error strings.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindConfigInvalid      ErrorKind = "config_invalid"
	KindConnectivity       ErrorKind = "connectivity"
	KindRateLimited        ErrorKind = "rate_limited"
	KindSigning            ErrorKind = "signing"
	KindRejected           ErrorKind = "rejected"
	KindNotFilled          ErrorKind = "not_filled"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindDuplicate          ErrorKind = "duplicate"
	KindStaleness          ErrorKind = "staleness"
	KindFatal              ErrorKind = "fatal"
)

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// Market is the engine's view of one binary outcome market. Populated from
// the discovery API; outcome tokens are identified by their outcome label,
// never by positional index.
type Market struct {
	ID       string // condition ID, stable across the exchange surface
	Slug     string // human-readable URL slug
	Question string // the prediction question

	YesTokenID string
	NoTokenID  string
	YesPrice   float64 // last known price in [0,1]
	NoPrice    float64

	Active   bool
	Closed   bool
	Resolved bool

	EndDate   time.Time
	Volume24h float64
	Liquidity float64
}

// WinningTokenID picks the outcome token that resolved to 1.0. Resolved
// markets report the winner through a terminal outcome price.
func (m Market) WinningTokenID() string {
	if m.YesPrice > m.NoPrice {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// Intent is a strategy-emitted order request, pre-risk-gate. Size is always
// notional in quote currency (USDC); the order manager converts it to a
// share count at execution time using Price.
type Intent struct {
	Strategy   string
	MarketID   string
	TokenID    string
	Side       Side
	Price      float64 // limit price, (0,1) exclusive
	Notional   float64 // quote-currency size, > 0
	Discipline Discipline
	Urgency    Urgency
	Reasoning  string
	Metadata   Metadata
}

// Validate checks the hard intent invariants.
func (i Intent) Validate() error {
	if i.Notional <= 0 {
		return fmt.Errorf("intent notional must be > 0, got %v", i.Notional)
	}
	if i.Price <= 0 || i.Price >= 1 {
		return fmt.Errorf("intent price must be in (0,1), got %v", i.Price)
	}
	if i.Side != BUY && i.Side != SELL {
		return fmt.Errorf("intent side must be BUY or SELL, got %q", i.Side)
	}
	return nil
}

// Metadata is the typed bag of optional intent/order/position annotations.
// Zero values mean "absent"; pointer fields distinguish absent from zero.
type Metadata struct {
	IsExit     bool  `json:"is_exit,omitempty"`
	PositionID int64 `json:"position_id,omitempty"`

	// Mirror strategy provenance
	SourceAccount      string  `json:"source_account,omitempty"`
	SourceAvgCost      float64 `json:"source_avg_cost,omitempty"`
	SourceCurrentValue float64 `json:"source_current_value,omitempty"`
	SlippagePct        float64 `json:"slippage_pct,omitempty"`

	// Paired-order (parity arbitrage) bookkeeping
	ArbPairID           string  `json:"arb_pair_id,omitempty"`
	ArbLeg              int     `json:"arb_leg,omitempty"` // 1 or 2
	ArbRollbackTokenID  string  `json:"arb_rollback_token_id,omitempty"`
	ArbRollbackPrice    float64 `json:"arb_rollback_price,omitempty"`
	ArbRollbackNotional float64 `json:"arb_rollback_notional,omitempty"`

	// Market context carried for notifications and audits
	MarketQuestion string `json:"market_question,omitempty"`
	YesTokenID     string `json:"yes_token_id,omitempty"`
	NoTokenID      string `json:"no_token_id,omitempty"`

	// Risk inputs
	EdgePct       *float64 `json:"edge_pct,omitempty"`
	StopLossPrice *float64 `json:"stop_loss_price,omitempty"`

	// Exit accounting: fee-adjusted realized P&L estimate attached by the
	// position manager when it emits the exit intent.
	RealizedPnLEstimate *float64 `json:"realized_pnl_estimate,omitempty"`
}

// Encode serializes metadata to its persisted JSON form.
func (m Metadata) Encode() string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// DecodeMetadata parses a persisted metadata blob. Unknown keys are dropped.
// An empty blob decodes to the zero Metadata.
func DecodeMetadata(s string) (Metadata, error) {
	var m Metadata
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange adapter results
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the uniform outcome of an order submission. Error is empty
// iff OK; Kind classifies failures so callers never match on error strings.
type OrderResult struct {
	OK      bool
	OrderID string
	Error   string
	Kind    ErrorKind
	Raw     json.RawMessage
}

// OpenOrder is a live resting order as reported by the exchange.
type OpenOrder struct {
	OrderID  string
	MarketID string
	TokenID  string
	Side     Side
	Price    float64
	Size     float64
}

// ExternalPosition is one holding of an externally watched account,
// consumed by the mirror strategy.
type ExternalPosition struct {
	MarketID string
	TokenID  string
	Size     float64 // shares
	AvgCost  float64 // average entry price
}

// ————————————————————————————————————————————————————————————————————————
// Persisted rows
// ————————————————————————————————————————————————————————————————————————

// Trade is a persisted order record. OrderID is unique across the store;
// recording the same OrderID twice is an idempotent no-op.
type Trade struct {
	ID         int64
	OrderID    string
	Strategy   string
	MarketID   string
	TokenID    string
	Side       Side
	Price      float64
	Notional   float64
	Discipline Discipline
	Status     OrderStatus
	Reasoning  string
	Fees       float64
	FillPrice  float64
	FillSize   float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Metadata   Metadata
}

// Position is a persisted holding. Size is in shares; Notional exposure is
// EntryPrice × Size. TakeProfitTier counts consumed take-profit tiers and is
// monotonically non-decreasing while the position is live.
type Position struct {
	ID             int64
	Strategy       string
	MarketID       string
	TokenID        string
	Side           Side
	EntryPrice     float64
	Size           float64 // shares
	CurrentPrice   float64
	UnrealizedPnL  float64
	RealizedPnL    float64
	Status         PositionStatus
	StopLossPrice  float64 // 0 = none
	TakeProfitTier int
	TrailingStop   float64 // 0 = not yet armed
	OpenedAt       time.Time
	ClosedAt       time.Time // zero unless CLOSED
	CloseReason    string
	Metadata       Metadata
}

// Live reports whether the position still needs monitoring.
func (p Position) Live() bool {
	return p.Status == PositionOpen || p.Status == PositionClosing
}

// PnLPct returns the entry-relative profit percentage at the given price.
// Percent is always measured against the entry price, so it stays stable
// across partial closes.
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == BUY {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// DailyPnL is one UTC day's ledger row.
type DailyPnL struct {
	Date            string // YYYY-MM-DD, UTC
	StartingBalance float64
	EndingBalance   float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	TradeCount      int
	WinCount        int
	LossCount       int
	FeesPaid        float64
}

// ————————————————————————————————————————————————————————————————————————
// Streaming protocol
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeMsg is the outbound subscribe/unsubscribe message.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "subscribe" or "unsubscribe"
	AssetIDs []string `json:"assets_ids"`
	Channels []string `json:"channels"` // always ["book"]
}

// WSPriceMsg is an inbound price-bearing message. Only "book" and
// "price_change" message types carry prices the engine cares about; the
// server emits the message type under either key depending on channel.
type WSPriceMsg struct {
	Type      string      `json:"type"`
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Price     json.Number `json:"price"`
	Timestamp json.Number `json:"timestamp"`
}

// Kind returns the effective message type regardless of which key carried it.
func (m WSPriceMsg) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.EventType
}
