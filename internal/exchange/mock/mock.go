// Package mock provides a paper-trading core.IExchange: an in-memory venue
// that fills resting limit orders against a simulated price walk. Real venue
// adapters (REST + streaming) are an external collaborator out of scope for
// this codebase (SPEC_FULL.md §2); this implementation exists so
// cmd/grid-trader has something to run against for local testing and dry
// runs, grounded on this codebase's own internal/mock exchange double.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"

	"github.com/shopspring/decimal"
)

// Exchange is a paper-trading core.IExchange. Not for production use.
type Exchange struct {
	mu       sync.Mutex
	symbol   string
	price    decimal.Decimal
	orders   map[string]*model.OrderData
	byClient map[string]string
	position model.PositionData
	balances map[string]*model.BalanceData
	nextID   int64

	userDataCbs []func(model.OrderEvent)
	tickerCbs   []func(model.Ticker)
	positionCbs []func(model.PositionData)
}

// New constructs a paper exchange seeded with startPrice and a starting
// USDT balance large enough to run a demo grid.
func New(symbol string, startPrice decimal.Decimal) *Exchange {
	return &Exchange{
		symbol:   symbol,
		price:    startPrice,
		orders:   make(map[string]*model.OrderData),
		byClient: make(map[string]string),
		balances: map[string]*model.BalanceData{
			"USDT": {Currency: "USDT", Free: decimal.NewFromInt(100000), Total: decimal.NewFromInt(100000)},
		},
	}
}

var _ core.IExchange = (*Exchange)(nil)

func (e *Exchange) Connect(context.Context) error    { return nil }
func (e *Exchange) Disconnect(context.Context) error { return nil }
func (e *Exchange) IsConnected() bool                { return true }

func (e *Exchange) CreateOrder(ctx context.Context, symbol string, side model.Side, orderType model.OrderType, amount, price decimal.Decimal, params core.OrderParams) (model.OrderData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if params.ClientID != "" {
		if id, ok := e.byClient[params.ClientID]; ok {
			if existing, ok := e.orders[id]; ok {
				return *existing, nil
			}
		}
	}

	e.nextID++
	id := fmt.Sprintf("paper-%d", e.nextID)
	status := "open"
	filled := decimal.Zero
	if orderType == model.OrderTypeMarket {
		status = "filled"
		filled = amount
		price = e.price
	}
	o := &model.OrderData{
		ID: id, ClientID: params.ClientID, Symbol: symbol, Side: side, Type: orderType,
		Status: status, Price: price, Amount: amount, Filled: filled, Timestamp: time.Now(),
	}
	e.orders[id] = o
	if params.ClientID != "" {
		e.byClient[params.ClientID] = id
	}
	if orderType == model.OrderTypeMarket {
		e.applyFillLocked(o, amount, price)
	}
	out := *o
	return out, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, id, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("mock exchange: order %s not found", id)
	}
	if o.Status == "filled" || o.Status == "cancelled" {
		return nil
	}
	o.Status = "cancelled"
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var cancelled []model.OrderData
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == "open" {
			o.Status = "cancelled"
			cancelled = append(cancelled, *o)
		}
	}
	return cancelled, nil
}

func (e *Exchange) GetOrder(ctx context.Context, id, symbol string) (*model.OrderData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("mock exchange: order %s not found", id)
	}
	out := *o
	return &out, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []model.OrderData
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == "open" {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (e *Exchange) GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position.Size.IsZero() {
		return nil, nil
	}
	return []model.PositionData{e.position}, nil
}

func (e *Exchange) GetBalances(ctx context.Context) ([]model.BalanceData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.BalanceData, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, *b)
	}
	return out, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.Ticker{Symbol: symbol, Price: e.price, Timestamp: time.Now()}, nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, quantity decimal.Decimal, reduceOnly bool) (model.OrderData, error) {
	return e.CreateOrder(ctx, symbol, side, model.OrderTypeMarket, quantity, decimal.Zero, core.OrderParams{ReduceOnly: reduceOnly})
}

func (e *Exchange) SubscribeUserData(cb func(model.OrderEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userDataCbs = append(e.userDataCbs, cb)
	return nil
}

func (e *Exchange) SubscribeTicker(symbol string, cb func(model.Ticker)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickerCbs = append(e.tickerCbs, cb)
	return nil
}

func (e *Exchange) SubscribePositions(cb func(model.PositionData)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionCbs = append(e.positionCbs, cb)
	return nil
}

// RunSimulation walks the mock price with a bounded random step every tick,
// filling any resting order the walk crosses. It blocks until ctx is
// cancelled; cmd/grid-trader runs it as a background bootstrap.Runner only
// when no real exchange is configured.
func (e *Exchange) RunSimulation(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.step()
		}
	}
}

func (e *Exchange) step() {
	e.mu.Lock()
	stepPct := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.002) // +/-0.1%
	e.price = e.price.Mul(decimal.NewFromInt(1).Add(stepPct))
	price := e.price

	var filled []model.OrderData
	for _, o := range e.orders {
		if o.Status != "open" {
			continue
		}
		crossed := (o.Side == model.SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == model.SideSell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			e.applyFillLocked(o, o.Amount, o.Price)
			filled = append(filled, *o)
		}
	}
	cbs := append([]func(model.OrderEvent){}, e.userDataCbs...)
	tcbs := append([]func(model.Ticker){}, e.tickerCbs...)
	e.mu.Unlock()

	for _, cb := range tcbs {
		cb(model.Ticker{Symbol: e.symbol, Price: price, Timestamp: time.Now()})
	}
	for _, o := range filled {
		for _, cb := range cbs {
			cb(model.OrderEvent{Kind: model.OrderEventFull, Order: o, ClientID: o.ClientID})
		}
	}
}

// applyFillLocked marks o filled and updates the paper position. Caller
// holds e.mu.
func (e *Exchange) applyFillLocked(o *model.OrderData, qty, price decimal.Decimal) {
	o.Status = "filled"
	o.Filled = qty
	o.Average = price

	delta := qty
	if o.Side == model.SideSell {
		delta = delta.Neg()
	}
	newSize := e.position.Size.Add(delta)
	e.position = model.PositionData{
		Symbol: e.symbol, Size: newSize.Abs(), EntryPrice: price,
	}
	if newSize.IsNegative() {
		e.position.Side = model.PositionShort
	} else {
		e.position.Side = model.PositionLong
	}
}
