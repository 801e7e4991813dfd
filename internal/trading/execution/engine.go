// Package execution implements the ExecutionEngine (C5): the owner of the
// order cache and of grid limit-order placement through the exchange
// adapter (order.Ops and the health checker's repair pass also call the
// adapter directly). It bridges the adapter's stream events
// to the coordinator and runs the supervisory monitors that keep the local
// cache honest when the stream degrades.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/pkg/concurrency"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// MonitoringMode reports which data source the order/price monitors are
// currently trusting.
type MonitoringMode string

const (
	ModeStream   MonitoringMode = "stream"
	ModeRESTPoll MonitoringMode = "rest-poll"
)

const (
	maxBatchChunk      = 50
	transientRetryWait = time.Second
)

// FillHandler receives a terminal fill, fully resolved against the cache.
type FillHandler func(order model.GridOrder)

// RestorationHandler is invoked when an unsolicited cancellation must be
// restored at the same grid level.
type RestorationHandler func(order model.GridOrder)

// Engine is ExecutionEngine (C5).
type Engine struct {
	exchange core.IExchange
	logger   core.ILogger
	symbol   string

	nonceOrdered bool // true for venues requiring monotonic nonces (Lighter family)
	venueLock    sync.Mutex
	limiter      *rate.Limiter
	pool         *concurrency.WorkerPool

	mu             sync.Mutex
	byID           map[string]*model.GridOrder
	byClientID     map[string]*model.GridOrder
	expectedCancel map[string]struct{}

	fillHandlers  []FillHandler
	restoreHandlers []RestorationHandler

	currentPrice decimal.Decimal
	priceAt      time.Time
	priceMu      sync.RWMutex

	mode   MonitoringMode
	modeMu sync.RWMutex

	streamSuccesses int
	streamFailures  int
	lastHeartbeat   time.Time
}

// Config configures an Engine.
type Config struct {
	Symbol        string
	NonceOrdered  bool
	RateLimitRPS  float64
	RateLimitBurst int
}

// New constructs an Engine bound to exchange and logger.
func New(cfg Config, exchange core.IExchange, logger core.ILogger, pool *concurrency.WorkerPool) *Engine {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}
	return &Engine{
		exchange:       exchange,
		logger:         logger.WithField("component", "execution_engine"),
		symbol:         cfg.Symbol,
		nonceOrdered:   cfg.NonceOrdered,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		pool:           pool,
		byID:           make(map[string]*model.GridOrder),
		byClientID:     make(map[string]*model.GridOrder),
		expectedCancel: make(map[string]struct{}),
		mode:           ModeStream,
	}
}

// Initialise connects the adapter if needed and subscribes to its streams.
func (e *Engine) Initialise(ctx context.Context) error {
	if !e.exchange.IsConnected() {
		if err := e.exchange.Connect(ctx); err != nil {
			return fmt.Errorf("connect exchange: %w", err)
		}
	}
	if err := e.exchange.SubscribeUserData(e.handleOrderEvent); err != nil {
		return fmt.Errorf("subscribe user data: %w", err)
	}
	if err := e.exchange.SubscribeTicker(e.symbol, e.handleTicker); err != nil {
		return fmt.Errorf("subscribe ticker: %w", err)
	}
	e.lastHeartbeat = time.Now()
	return nil
}

// OnFill registers a callback invoked on every fully-resolved fill.
func (e *Engine) OnFill(h FillHandler) { e.fillHandlers = append(e.fillHandlers, h) }

// OnUnsolicitedCancel registers a callback invoked when a cancel not issued
// by this engine must be restored.
func (e *Engine) OnUnsolicitedCancel(h RestorationHandler) {
	e.restoreHandlers = append(e.restoreHandlers, h)
}

func isTransient(err error) bool {
	switch err {
	case apperrors.ErrNetwork, apperrors.ErrSystemOverload, apperrors.ErrRateLimitExceeded:
		return true
	}
	return false
}

// Place submits a single limit order, serialising on the venue lock for
// nonce-ordered venues, and inserts the result into both caches.
func (e *Engine) Place(ctx context.Context, o model.ReverseOrder, clientID string) (model.GridOrder, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return model.GridOrder{}, err
	}

	if e.nonceOrdered {
		e.venueLock.Lock()
		defer e.venueLock.Unlock()
	}

	var resp model.OrderData
	policy := retry.RetryPolicy{MaxAttempts: 2, InitialBackoff: transientRetryWait, MaxBackoff: transientRetryWait}
	err := retry.Do(ctx, policy, isTransient, func() error {
		var placeErr error
		resp, placeErr = e.exchange.CreateOrder(ctx, e.symbol, o.Side, model.OrderTypeLimit, o.Amount, o.Price, core.OrderParams{ClientID: clientID})
		return placeErr
	})
	if err != nil {
		return model.GridOrder{}, fmt.Errorf("place order: %w", err)
	}

	order := model.GridOrder{
		OrderID:   resp.ID,
		ClientID:  clientID,
		GridID:    o.GridID,
		Side:      o.Side,
		Price:     o.Price,
		Amount:    o.Amount,
		Status:    model.OrderPending,
		CreatedAt: time.Now(),
	}
	e.insert(&order)
	return order, nil
}

// PlaceBatch submits list in chunks of at most 50. Nonce-ordered venues
// submit chunks serially; others concurrently on the shared worker pool.
// After submission it runs a short reconciliation pass that only maps
// client ids to venue ids for orders the adapter confirms landed; it never
// triggers fill callbacks.
func (e *Engine) PlaceBatch(ctx context.Context, orders []model.ReverseOrder, clientIDFor func(model.ReverseOrder) string) ([]model.GridOrder, error) {
	results := make([]model.GridOrder, 0, len(orders))
	var resMu sync.Mutex
	var firstErr error
	var errMu sync.Mutex

	for start := 0; start < len(orders); start += maxBatchChunk {
		end := start + maxBatchChunk
		if end > len(orders) {
			end = len(orders)
		}
		chunk := orders[start:end]

		place := func(part []model.ReverseOrder) {
			for _, o := range part {
				placed, err := e.Place(ctx, o, clientIDFor(o))
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					continue
				}
				resMu.Lock()
				results = append(results, placed)
				resMu.Unlock()
			}
		}

		if e.nonceOrdered {
			place(chunk)
			time.Sleep(500 * time.Millisecond)
		} else if e.pool != nil {
			var wg sync.WaitGroup
			for i := range chunk {
				part := chunk[i : i+1]
				wg.Add(1)
				if err := e.pool.Submit(func() { defer wg.Done(); place(part) }); err != nil {
					wg.Done()
					place(part)
				}
			}
			wg.Wait()
			time.Sleep(100 * time.Millisecond)
		} else {
			place(chunk)
		}
	}

	time.Sleep(200 * time.Millisecond)
	e.reconcile(ctx)
	return results, firstErr
}

// reconcile maps client_id -> order_id for any cached order still missing a
// venue id, without ever invoking a fill callback.
func (e *Engine) reconcile(ctx context.Context) {
	open, err := e.exchange.GetOpenOrders(ctx, e.symbol)
	if err != nil {
		e.logger.Warn("reconciliation pass failed", "error", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, od := range open {
		if od.ClientID == "" {
			continue
		}
		if o, ok := e.byClientID[od.ClientID]; ok && o.OrderID == "" {
			o.OrderID = od.ID
			e.byID[od.ID] = o
		}
	}
}

// Cancel marks id as an expected cancellation before issuing the request so
// the subsequent stream CANCEL is not mistaken for an unsolicited one.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	e.expectedCancel[id] = struct{}{}
	e.mu.Unlock()
	return e.exchange.CancelOrder(ctx, id, e.symbol)
}

// CancelAll marks every currently-cached order id as expected, issues a
// bulk cancel, and returns the number of ids cancelled.
func (e *Engine) CancelAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	for id := range e.byID {
		e.expectedCancel[id] = struct{}{}
	}
	n := len(e.byID)
	e.mu.Unlock()

	if _, err := e.exchange.CancelAllOrders(ctx, e.symbol); err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	return n, nil
}

// ClearAllCaches empties both order caches and the expected-cancellation
// set; only the reset workflow (C11 step 4) may call this.
func (e *Engine) ClearAllCaches() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = make(map[string]*model.GridOrder)
	e.byClientID = make(map[string]*model.GridOrder)
	e.expectedCancel = make(map[string]struct{})
}

// Register inserts an order placed outside the normal Place/PlaceBatch path
// (the health checker's repair pass) into both caches, so a fill on it is
// resolved by handleOrderEvent like any other order.
func (e *Engine) Register(o model.GridOrder) {
	e.insert(&o)
}

func (e *Engine) insert(o *model.GridOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.OrderID != "" {
		e.byID[o.OrderID] = o
	}
	if o.ClientID != "" {
		e.byClientID[o.ClientID] = o
	}
}

// ActiveOrders returns a snapshot of every order currently cached.
func (e *Engine) ActiveOrders() []model.GridOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.GridOrder, 0, len(e.byID))
	for _, o := range e.byID {
		out = append(out, *o)
	}
	return out
}

// CurrentPrice returns the last known price and its staleness.
func (e *Engine) CurrentPrice() (decimal.Decimal, time.Duration) {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	return e.currentPrice, time.Since(e.priceAt)
}

// MonitoringMode reports which source the order monitor currently trusts.
func (e *Engine) MonitoringMode() MonitoringMode {
	e.modeMu.RLock()
	defer e.modeMu.RUnlock()
	return e.mode
}

func (e *Engine) setMode(m MonitoringMode) {
	e.modeMu.Lock()
	e.mode = m
	e.modeMu.Unlock()
}

func (e *Engine) handleTicker(t model.Ticker) {
	e.priceMu.Lock()
	e.currentPrice = t.Price
	e.priceAt = t.Timestamp
	if e.priceAt.IsZero() {
		e.priceAt = time.Now()
	}
	e.priceMu.Unlock()
}

// handleOrderEvent is the stream message router (§4.2 steps 1-4).
func (e *Engine) handleOrderEvent(evt model.OrderEvent) {
	e.lastHeartbeat = time.Now()

	if evt.Kind == model.OrderEventCancelledUnsolicited {
		e.mu.Lock()
		_, expected := e.expectedCancel[evt.ID]
		delete(e.expectedCancel, evt.ID)
		order, ok := e.byID[evt.ID]
		if ok {
			delete(e.byID, evt.ID)
			delete(e.byClientID, order.ClientID)
		}
		e.mu.Unlock()

		if expected || !ok {
			return
		}
		for _, h := range e.restoreHandlers {
			h(*order)
		}
		return
	}

	e.mu.Lock()
	var order *model.GridOrder
	if evt.ClientID != "" {
		order = e.byClientID[evt.ClientID]
	}
	if order == nil && evt.Order.ID != "" {
		order = e.byID[evt.Order.ID]
	}
	if order == nil {
		e.mu.Unlock()
		return
	}

	order.FilledAmount = evt.Order.Filled
	order.FilledPrice = evt.Order.Average
	fullFill := evt.Order.Filled.GreaterThanOrEqual(order.Amount)
	if fullFill {
		order.Status = model.OrderFilled
		delete(e.byID, order.OrderID)
		delete(e.byClientID, order.ClientID)
	}
	resolved := *order
	e.mu.Unlock()

	if !fullFill {
		return
	}
	for _, h := range e.fillHandlers {
		h(resolved)
	}
}
