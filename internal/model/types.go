// Package model holds the plain Go value types the grid engine passes
// between its components. The upstream service this engine was adapted from
// carried these as protobuf messages; the generated sources were never
// retrievable here, so the wire-format indirection is dropped in favour of
// ordinary structs built directly on decimal.Decimal (see DESIGN.md).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of a GridOrder.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// GridType selects the direction and range-management family for a grid.
type GridType string

const (
	GridLong           GridType = "LONG"
	GridShort          GridType = "SHORT"
	GridMartingaleLong GridType = "MARTINGALE_LONG"
	GridMartingaleShort GridType = "MARTINGALE_SHORT"
	GridFollowLong     GridType = "FOLLOW_LONG"
	GridFollowShort    GridType = "FOLLOW_SHORT"
)

// IsShortFamily reports whether a grid type numbers levels from the high end.
func (g GridType) IsShortFamily() bool {
	return g == GridShort || g == GridMartingaleShort || g == GridFollowShort
}

// IsFollowFamily reports whether the range is recomputed from the live price.
func (g GridType) IsFollowFamily() bool {
	return g == GridFollowLong || g == GridFollowShort
}

// IsMartingaleFamily reports whether per-level amount increases toward the
// adverse end of the grid.
func (g GridType) IsMartingaleFamily() bool {
	return g == GridMartingaleLong || g == GridMartingaleShort
}

// GridOrder is a single order the engine has submitted or intends to submit.
type GridOrder struct {
	OrderID         string
	ClientID        string
	GridID          int
	Side            Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	FilledPrice     decimal.Decimal
	FilledAmount    decimal.Decimal
	ParentOrderID   string
	ReverseOrderID  string
}

// LevelStatus is the occupancy state of a single grid level.
type LevelStatus string

const (
	LevelIdle        LevelStatus = "IDLE"
	LevelPendingBuy  LevelStatus = "PENDING_BUY"
	LevelPendingSell LevelStatus = "PENDING_SELL"
	LevelFilledBuy   LevelStatus = "FILLED_BUY"
	LevelFilledSell  LevelStatus = "FILLED_SELL"
	LevelCompleted   LevelStatus = "COMPLETED"
)

// GridLevel is one theoretical price rung of the grid.
type GridLevel struct {
	GridID          int
	Price           decimal.Decimal
	Status          LevelStatus
	CurrentOrderID  string
	BuyCount        int
	SellCount       int
	CompletedCycles int
	RealisedProfit  decimal.Decimal
}

// OrderData is the canonical shape an exchange adapter returns for an order,
// independent of the venue's native representation.
type OrderData struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Status    string // open|closed|filled|cancelled|partially_filled
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Average   decimal.Decimal
	Timestamp time.Time
}

// PositionSide distinguishes a long holding from a short one.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionData is the canonical shape an exchange adapter returns for a
// position query.
type PositionData struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// BalanceData is the canonical shape an exchange adapter returns for an
// account balance entry.
type BalanceData struct {
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// Ticker is the latest traded/mid price for a symbol.
type Ticker struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// OrderEventKind tags the three shapes an order update can take once an
// adapter has normalised it. No raw venue payload crosses this boundary.
type OrderEventKind int

const (
	OrderEventFull OrderEventKind = iota
	OrderEventPartial
	OrderEventCancelledUnsolicited
)

// OrderEvent is the single normalised shape order-stream updates take inside
// the core, regardless of how the adapter received them on the wire.
type OrderEvent struct {
	Kind     OrderEventKind
	Order    OrderData
	ID       string // populated for OrderEventCancelledUnsolicited
	ClientID string
}

// ReverseOrder is the output of Strategy.ReverseOf / ReverseOfBatch: the side,
// price, and grid id of the order to submit in response to one fill, without
// any exchange-facing fields attached yet.
type ReverseOrder struct {
	GridID int
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// ModeStatus reports one mode manager's enablement and activation state for
// the dashboard contract (SPEC_FULL.md §6.4).
type ModeStatus struct {
	Enabled     bool
	Active      bool
	TriggerCount int
	ActivatedAt time.Time
}

// GridStatistics is the read-only snapshot the coordinator exposes through
// GetSnapshot: the dashboard and the websocket hub in pkg/liveserver both
// read from it, and it feeds the Prometheus gauges in pkg/telemetry. Nothing
// in this codebase mutates it from outside the coordinator.
type GridStatistics struct {
	Symbol    string
	GridType  string
	GridCount int

	CurrentPrice decimal.Decimal
	CurrentGrid  int

	PositionSize  decimal.Decimal
	AverageCost   decimal.Decimal
	PendingBuys   int
	PendingSells  int
	BuyFillCount  int
	SellFillCount int
	CompletedCycles int

	RealisedPnL   decimal.Decimal
	UnrealisedPnL decimal.Decimal
	TotalFees     decimal.Decimal
	NetProfit     decimal.Decimal
	ProfitRatePct decimal.Decimal

	GridUtilisationPct decimal.Decimal

	SpotBalance        decimal.Decimal
	CollateralBalance  decimal.Decimal
	OrderLockedBalance decimal.Decimal
	BalanceDataSource  string

	MonitoringMode string

	Scalping       ModeStatus
	SmartScalping  ModeStatus
	CapitalProtect ModeStatus
	TakeProfit     ModeStatus
	PriceLock      ModeStatus
	StopLoss       ModeStatus

	Paused      bool
	PauseReason string

	GeneratedAt time.Time
}
