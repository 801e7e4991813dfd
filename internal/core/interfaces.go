// Package core defines the narrow interfaces the grid engine's components
// depend on, so each package can be exercised in isolation against a fake
// exchange or a fake logger without importing the concrete implementations.
package core

import (
	"context"

	"market_maker/internal/model"

	"github.com/shopspring/decimal"
)

// ILogger is a structured, chainable logger. Fields are passed as
// alternating key/value pairs, matching the convention used throughout this
// codebase so call sites read the same whether backed by zap or a plain
// io.Writer in tests.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OrderParams carries the optional, venue-specific knobs a CreateOrder call
// may need without forcing every adapter to accept them positionally.
type OrderParams struct {
	ReduceOnly bool
	PostOnly   bool
	ClientID   string
	MarginMode int // 0 = cross, 1 = isolated; informational only, see SPEC_FULL.md §9
}

// IExchange is the adapter contract the engine consumes. Concrete venue
// adapters (REST + streaming) are an external collaborator out of scope for
// this module; tests exercise the engine against a fake implementing this
// interface.
type IExchange interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	CreateOrder(ctx context.Context, symbol string, side model.Side, orderType model.OrderType, amount, price decimal.Decimal, params OrderParams) (model.OrderData, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) ([]model.OrderData, error)
	GetOrder(ctx context.Context, id, symbol string) (*model.OrderData, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderData, error)
	GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error)
	GetBalances(ctx context.Context) ([]model.BalanceData, error)
	GetTicker(ctx context.Context, symbol string) (model.Ticker, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, quantity decimal.Decimal, reduceOnly bool) (model.OrderData, error)

	SubscribeUserData(cb func(model.OrderEvent)) error
	SubscribeTicker(symbol string, cb func(model.Ticker)) error
	SubscribePositions(cb func(model.PositionData)) error
}

// IStateStore persists grid state so a process restart can rehydrate instead
// of starting from a blank grid. Grounded on this codebase's existing
// sqlite-backed engine state store.
type IStateStore interface {
	SaveGridState(ctx context.Context, gridID string, snapshot []byte) error
	LoadGridState(ctx context.Context, gridID string) ([]byte, bool, error)
	SaveResetCheckpoint(ctx context.Context, gridID string, step string, payload []byte) error
	LoadResetCheckpoint(ctx context.Context, gridID string) (step string, payload []byte, found bool, err error)
	ClearResetCheckpoint(ctx context.Context, gridID string) error
}

// CoordinatorCallbacks is the narrow capability the execution engine needs
// from the coordinator, used instead of a full reference to break the
// coordinator↔engine cycle (SPEC_FULL.md §9).
type CoordinatorCallbacks interface {
	Pause(reason string)
	Resume(auto bool)
	IsResetting() bool
	DeferFill(evt model.OrderEvent) bool // false if the deferred buffer is full
}
