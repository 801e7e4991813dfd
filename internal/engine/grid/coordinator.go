package grid

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/reserve"
	"market_maker/internal/risk"
	"market_maker/internal/trading/execution"
	"market_maker/internal/trading/grid"
	"market_maker/internal/trading/modes"
	"market_maker/internal/trading/monitor"
	"market_maker/internal/trading/order"
	"market_maker/internal/trading/position"
	"market_maker/internal/trading/strategy"
	"market_maker/pkg/clientid"
	"market_maker/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// maxDeferredFills bounds the buffer a reset drains into once it completes;
// a reset pathological enough to overflow this is reported as a state
// anomaly rather than growing the buffer unbounded.
const maxDeferredFills = 1024

// ErrStateAnomaly names a deferred-fill buffer overflow during a reset.
// DeferFill reports an overflow by logging it and returning false; no
// function in this package returns this error.
var ErrStateAnomaly = fmt.Errorf("grid: deferred fill buffer overflow")

// ErrStopLossExit is returned by Run when StopLoss times out in the
// unfavourable direction and the realtime cycle APR sits below the
// configured threshold: §4.6 calls for exiting the program rather than
// resetting, since a reset wouldn't be worth the cost of re-entry.
var ErrStopLossExit = fmt.Errorf("grid: stop-loss exit, realtime apr below threshold")

const cycleAPRWindow = 10 * time.Minute

// PauseReason enumerates why the coordinator stopped routing fills.
type PauseReason string

const (
	PauseNetwork PauseReason = "network"
	PauseError   PauseReason = "error"
	PauseManual  PauseReason = "manual"
)

// Broadcaster pushes dashboard feed events (SPEC_FULL.md §6.4); a nil
// Broadcaster on Coordinator is a valid no-op, since the dashboard feed is
// optional wiring done by cmd/grid-trader.
type Broadcaster interface {
	BroadcastPauseState(paused bool, reason string)
	BroadcastReset(gridID string, ordersPlaced int, opts ResetOptions)
	BroadcastRiskEvent(reason string)
}

// Modes bundles the optional mode managers a given grid_type wires in; a nil
// field means that mode is simply not configured for this run.
type Modes struct {
	Scalping       *modes.Scalping
	SmartScalping  *modes.SmartScalpingTracker
	CapitalProtect *modes.CapitalProtection
	TakeProfit     *modes.TakeProfit
	PriceLock      *modes.PriceLock
	StopLoss       *modes.StopLoss
}

// Coordinator is GridCoordinator (C12): it composes every other component
// and is the only goroutine that mutates GridState, per SPEC_FULL.md §5.
type Coordinator struct {
	gridID string
	symbol string

	exchange core.IExchange
	logger   core.ILogger
	store    core.IStateStore
	pool     *concurrency.WorkerPool

	cfg      *grid.Config
	state    *grid.State
	strategy *strategy.Strategy
	engine   *execution.Engine
	tracker  *position.Tracker
	ops      *order.Ops
	resetter *Resetter

	posMonitor *monitor.PositionMonitor
	balMonitor *monitor.BalanceMonitor
	health     *risk.Checker
	reserveMgr reserve.Manager

	modes Modes

	mu          sync.Mutex
	paused      bool
	pauseReason PauseReason

	resetting atomic.Bool

	deferredMu sync.Mutex
	deferred   []model.OrderEvent

	venueLock sync.Mutex

	exitCleanupEnabled bool

	posEventsCh chan struct{}

	// takeProfitOrderID identifies the scalping take-profit order so a fill
	// can be recognised as the take-profit fill rather than a regular grid
	// fill in step 5/6 of onFill.
	takeProfitOrderID string

	startedAt time.Time

	stopLossTriggerPercent decimal.Decimal
	stopLossTrigger        decimal.Decimal
	stopLossAPRThreshold   decimal.Decimal

	scalpingTriggerPercent decimal.Decimal

	aprMu           sync.Mutex
	cycleTimestamps []time.Time

	broadcaster Broadcaster
}

// SetBroadcaster attaches a dashboard event sink after construction, since
// the websocket hub is typically wired up after the coordinator in
// cmd/grid-trader's startup sequence. Safe to call with nil to detach.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcaster = b
}

func (c *Coordinator) broadcast() Broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcaster
}

// BroadcastRiskEvent forwards a health-checker-raised emergency to the
// dashboard feed; a nil broadcaster (no dashboard wired) makes this a
// no-op.
func (c *Coordinator) BroadcastRiskEvent(reason string) {
	if b := c.broadcast(); b != nil {
		b.BroadcastRiskEvent(reason)
	}
}

// Deps bundles the already-constructed components a Coordinator composes;
// each is built and owned by the caller (typically cmd/grid-trader's wiring
// step) so it can be exercised independently in its own package's tests.
type Deps struct {
	GridID   string
	Symbol   string
	Exchange core.IExchange
	Logger   core.ILogger
	Store    core.IStateStore
	Pool     *concurrency.WorkerPool

	Config   *grid.Config
	State    *grid.State
	Engine   *execution.Engine
	Tracker  *position.Tracker

	PositionMonitor *monitor.PositionMonitor
	BalanceMonitor  *monitor.BalanceMonitor
	Health          *risk.Checker
	Reserve         reserve.Manager

	Modes Modes

	// StopLossTriggerPercent/StopLossAPRThreshold feed StopLoss's arming
	// trigger and its post-timeout reset-vs-exit decision; both are ignored
	// when Modes.StopLoss is nil.
	StopLossTriggerPercent decimal.Decimal
	StopLossAPRThreshold   decimal.Decimal

	// ScalpingTriggerPercent mirrors the percent Scalping itself was built
	// with; SmartScalpingTracker drives price thresholds rather than grid
	// indices, so the coordinator needs its own copy to translate one into
	// the other (scalpingArmPrice).
	ScalpingTriggerPercent decimal.Decimal

	ExitCleanupEnabled bool
}

// New wires deps into a running Coordinator. It does not start any
// goroutines; call Start for the startup sequence and the background loops.
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		gridID: deps.GridID, symbol: deps.Symbol,
		exchange: deps.Exchange, logger: deps.Logger.WithField("component", "coordinator"),
		store: deps.Store, pool: deps.Pool,
		cfg: deps.Config, state: deps.State, engine: deps.Engine, tracker: deps.Tracker,
		strategy:            strategy.New(deps.Config),
		ops:                 order.New(deps.Exchange, deps.Logger, deps.Symbol),
		posMonitor:          deps.PositionMonitor,
		balMonitor:          deps.BalanceMonitor,
		health:              deps.Health,
		reserveMgr:          deps.Reserve,
		modes:                  deps.Modes,
		exitCleanupEnabled:     deps.ExitCleanupEnabled,
		stopLossTriggerPercent: deps.StopLossTriggerPercent,
		stopLossAPRThreshold:   deps.StopLossAPRThreshold,
		scalpingTriggerPercent: deps.ScalpingTriggerPercent,
	}
	c.resetter = newResetter(deps.GridID, deps.Exchange, deps.Logger, deps.Store, c.ops, deps.Engine, deps.Tracker, deps.Reserve, deps.Symbol)
	deps.Engine.OnFill(c.onFill)
	deps.Engine.OnUnsolicitedCancel(c.onRestoration)
	if deps.PositionMonitor != nil {
		deps.PositionMonitor.OnNetworkChange(func(down bool) {
			if down {
				c.Pause(string(PauseNetwork))
			} else {
				c.Resume(true)
			}
		})
	}
	return c
}

// --- core.CoordinatorCallbacks ---

// Pause stops fill routing; reason is recorded for Resume's auto-clear logic.
func (c *Coordinator) Pause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.pauseReason = PauseReason(reason)
	c.logger.Warn("coordinator paused", "reason", reason)
	if b := c.broadcaster; b != nil {
		b.BroadcastPauseState(true, reason)
	}
}

// Resume clears the paused flag. auto=true marks a monitor-driven recovery
// rather than an operator action; either source alone is sufficient per
// SPEC_FULL.md §4.8 (the two are not AND-ed, to avoid slow recovery).
func (c *Coordinator) Resume(auto bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.pauseReason = ""
	c.logger.Info("coordinator resumed", "auto", auto)
	if b := c.broadcaster; b != nil {
		b.BroadcastPauseState(false, "")
	}
}

func (c *Coordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsResetting reports whether a reset workflow currently owns grid state.
func (c *Coordinator) IsResetting() bool { return c.resetting.Load() }

// DeferFill buffers evt for replay once the in-flight reset completes.
// Returns false if the buffer is already at capacity (P-STATE-ANOMALY).
func (c *Coordinator) DeferFill(evt model.OrderEvent) bool {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	if len(c.deferred) >= maxDeferredFills {
		c.logger.Error("deferred fill buffer overflow", "grid_id", c.gridID)
		return false
	}
	c.deferred = append(c.deferred, evt)
	return true
}

// --- fill routing (§4.8, 9 steps) ---

// onFill is registered as the execution engine's FillHandler: it runs the
// 9-step steady-state routing for one terminal fill.
func (c *Coordinator) onFill(o model.GridOrder) {
	ctx := context.Background()

	// Step 1: ignore if paused or resetting.
	if c.isPaused() {
		return
	}
	if c.resetting.Load() {
		evt := model.OrderEvent{Kind: model.OrderEventFull, Order: model.OrderData{ID: o.OrderID, ClientID: o.ClientID, Side: o.Side, Price: o.Price, Amount: o.Amount, Filled: o.FilledAmount}}
		if !c.DeferFill(evt) {
			c.logger.Error("dropping fill, deferred buffer full", "order_id", o.OrderID)
		}
		return
	}

	c.state.RemoveOrder(o.OrderID, model.OrderFilled)

	// Step 2: event-triggered position query (debounced inside PositionMonitor).
	if c.posMonitor != nil {
		select {
		case c.posEvents() <- struct{}{}:
		default:
		}
	}

	// Step 3: record in C3 history.
	before := c.tracker.GetSnapshot().CompletedCycles
	c.tracker.RecordTradeOnly(o, decimal.Zero)
	if after := c.tracker.GetSnapshot().CompletedCycles; after > before {
		c.recordCompletedCycle()
	}
	if c.health != nil {
		c.health.NotifyFill()
	}

	// Step 4: spot taker-fee booking.
	if o.Side == model.SideBuy && c.reserveMgr != nil {
		c.reserveMgr.ConsumeFee(o.FilledAmount.Mul(o.FilledPrice))
	}

	// Step 5/6: scalping take-profit handoff / reverse-order suppression.
	if c.modes.Scalping != nil && c.modes.Scalping.IsActive() {
		if c.isTakeProfitOrder(o) {
			c.handleTakeProfitFilled(ctx)
			return
		}
		c.pool.Submit(func() {
			time.Sleep(1 * time.Second)
			c.refreshTakeProfitOrder(ctx)
		})
		return
	}

	// Step 7: pre-empt capital protection.
	if c.modes.CapitalProtect != nil && c.modes.CapitalProtect.IsActive() {
		bal := c.balMonitor.Snapshot()
		if c.modes.CapitalProtect.ShouldTriggerReset(bal.CollateralBalance) {
			c.triggerReset(ctx, ResetOptions{ClosePosition: false, ReinitCapital: true, UpdateRange: false})
			return
		}
	}

	// Step 8: reverse order.
	rev := c.strategy.ReverseOf(o, 1)
	clientID := clientid.GenerateCompactOrderID(rev.Price, string(rev.Side), int(c.cfg.PriceDecimals))
	c.venueLock.Lock()
	placed, err := c.engine.Place(ctx, rev, clientID)
	c.venueLock.Unlock()
	if err != nil {
		c.logger.Error("failed to place reverse order", "error", err, "grid_id", rev.GridID)
	} else {
		placed.ParentOrderID = o.OrderID
		c.state.AddOrder(&placed)
	}

	// Step 9: background follow-up work.
	c.pool.Submit(func() {
		price, _ := c.engine.CurrentPrice()
		if !price.IsZero() {
			c.state.SetCurrentPrice(c.cfg, price)
		}
		c.evaluateModeArming()
	})
}

func (c *Coordinator) posEvents() chan struct{} {
	// A nil channel would block forever, so the channel is created on first
	// use. Run passes this same channel to the position monitor, and
	// onFill's debounce signal is sent on it.
	if c.posEventsCh == nil {
		c.posEventsCh = make(chan struct{}, 1)
	}
	return c.posEventsCh
}

func (c *Coordinator) isTakeProfitOrder(o model.GridOrder) bool {
	return c.takeProfitOrderID != "" && o.OrderID == c.takeProfitOrderID
}

func (c *Coordinator) handleTakeProfitFilled(ctx context.Context) {
	c.modes.Scalping.Deactivate()
	c.triggerReset(ctx, ResetOptions{ClosePosition: false, ReinitCapital: false, UpdateRange: false})
}

func (c *Coordinator) refreshTakeProfitOrder(ctx context.Context) {
	size, _ := c.tracker.Position()
	bal := c.balMonitor.Snapshot()
	newPrice := c.modes.Scalping.TakeProfitPrice(bal.CollateralBalance, size.Abs(), c.cfg.Interval)

	if c.takeProfitOrderID != "" {
		_ = c.ops.CancelAndVerify(ctx, c.takeProfitOrderID)
	}
	side := model.SideSell
	if size.IsNegative() {
		side = model.SideBuy
	}
	resp, err := c.ops.PlaceAndVerify(ctx, side, size.Abs(), newPrice, clientid.GenerateCompactOrderID(newPrice, string(side), int(c.cfg.PriceDecimals)))
	if err != nil {
		c.logger.Error("failed to refresh take-profit order", "error", err)
		return
	}
	c.takeProfitOrderID = resp.ID
	c.logger.Debug("refreshed take-profit target", "price", newPrice, "order_id", resp.ID)
}

func (c *Coordinator) evaluateModeArming() {
	if c.modes.Scalping != nil && !c.modes.Scalping.IsActive() {
		_, idx := c.state.CurrentPrice()
		if c.modes.Scalping.ShouldArm(idx) {
			bal := c.balMonitor.Snapshot()
			c.modes.Scalping.Activate(bal.CollateralBalance)
		}
	}
	if c.modes.CapitalProtect != nil && !c.modes.CapitalProtect.IsActive() {
		gridCount := c.cfg.GridCount
		_, idx := c.state.CurrentPrice()
		progress := decimal.NewFromInt(int64(idx)).Div(decimal.NewFromInt(int64(gridCount)))
		if c.modes.CapitalProtect.ShouldArm(progress) {
			bal := c.balMonitor.Snapshot()
			c.modes.CapitalProtect.Arm(bal.CollateralBalance)
		}
	}
	if c.modes.CapitalProtect != nil && c.modes.CapitalProtect.IsActive() {
		bal := c.balMonitor.Snapshot()
		if c.modes.CapitalProtect.ShouldTriggerReset(bal.CollateralBalance) {
			c.triggerReset(context.Background(), ResetOptions{ClosePosition: false, ReinitCapital: true, UpdateRange: false})
			return
		}
	}
	if c.modes.TakeProfit != nil && c.modes.TakeProfit.IsActive() {
		bal := c.balMonitor.Snapshot()
		if c.modes.TakeProfit.ShouldTriggerReset(bal.CollateralBalance) {
			c.triggerReset(context.Background(), ResetOptions{ClosePosition: false, ReinitCapital: true, UpdateRange: false})
			return
		}
	}
	c.evaluateSmartScalping()
}

// evaluateSmartScalping feeds live price into the drop-counting tracker and,
// once it latches ACTIVATED, arms Scalping at the revisited activation
// grid — the "multiple qualifying deep drops" variant of Scalping arming
// (§4.6), used instead of Scalping.ShouldArm's single-crossing predicate
// when smart_scalping_enabled.
func (c *Coordinator) evaluateSmartScalping() {
	if c.modes.SmartScalping == nil || c.modes.Scalping == nil || c.modes.Scalping.IsActive() {
		return
	}
	price, _ := c.state.CurrentPrice()
	if price.IsZero() {
		return
	}
	thresholdPrice := c.scalpingArmPrice()
	lowerIsDeeper := !c.cfg.GridType.IsShortFamily()
	pastThreshold := price.LessThan(thresholdPrice)
	if c.cfg.GridType.IsShortFamily() {
		pastThreshold = price.GreaterThan(thresholdPrice)
	}
	if pastThreshold {
		c.modes.SmartScalping.OnPriceBelowThreshold(price, lowerIsDeeper)
	} else {
		c.modes.SmartScalping.OnReboundAboveThreshold(thresholdPrice)
	}
	if c.modes.SmartScalping.ShouldActivate(price, c.cfg.Interval) {
		bal := c.balMonitor.Snapshot()
		c.modes.Scalping.Activate(bal.CollateralBalance)
	}
}

// scalpingArmPrice mirrors Scalping.ShouldArm's index predicate
// (current_index <= grid_count - floor(grid_count*p/100)) translated to a
// price, since SmartScalpingTracker operates on price rather than index.
func (c *Coordinator) scalpingArmPrice() decimal.Decimal {
	threshold := c.cfg.GridCount - int(decimal.NewFromInt(int64(c.cfg.GridCount)).Mul(c.scalpingTriggerPercent).Div(decimal.NewFromInt(100)).IntPart())
	if threshold < 1 {
		threshold = 1
	}
	return c.cfg.PriceAt(threshold)
}

// recordCompletedCycle appends a timestamp each time tracker's completed
// cycle count advances, trimming entries outside the realtime APR window so
// the slice never grows past what realtimeCycleAPR actually needs.
func (c *Coordinator) recordCompletedCycle() {
	c.aprMu.Lock()
	defer c.aprMu.Unlock()
	now := time.Now()
	c.cycleTimestamps = append(c.cycleTimestamps, now)
	cutoff := now.Add(-cycleAPRWindow)
	kept := c.cycleTimestamps[:0]
	for _, ts := range c.cycleTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.cycleTimestamps = kept
}

// lifetimeCycleAPR extrapolates from start-of-run time and total completed
// cycles (§4.6's "lifetime cycle APR").
func (c *Coordinator) lifetimeCycleAPR() decimal.Decimal {
	if c.startedAt.IsZero() {
		return decimal.Zero
	}
	elapsed := time.Since(c.startedAt)
	if elapsed <= 0 {
		return decimal.Zero
	}
	return c.annualisedAPR(c.tracker.GetSnapshot().CompletedCycles, elapsed)
}

// realtimeCycleAPR extrapolates from a sliding 10-minute window of cycle
// completion timestamps (§4.6's "realtime cycle APR").
func (c *Coordinator) realtimeCycleAPR() decimal.Decimal {
	c.aprMu.Lock()
	cutoff := time.Now().Add(-cycleAPRWindow)
	n := 0
	for _, ts := range c.cycleTimestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	c.aprMu.Unlock()
	return c.annualisedAPR(n, cycleAPRWindow)
}

// annualisedAPR treats grid-total notional (grid count * order amount * mid
// price) as the capital base and one grid interval's worth of profit per
// completed cycle, then extrapolates the observed rate over window to a
// year.
func (c *Coordinator) annualisedAPR(cycles int, window time.Duration) decimal.Decimal {
	if cycles <= 0 || window <= 0 {
		return decimal.Zero
	}
	price, _ := c.state.CurrentPrice()
	notional := decimal.NewFromInt(int64(c.cfg.GridCount)).Mul(c.cfg.OrderAmount).Mul(price)
	if notional.IsZero() {
		return decimal.Zero
	}
	profitPerCycle := c.cfg.Interval.Mul(c.cfg.OrderAmount)
	totalProfit := profitPerCycle.Mul(decimal.NewFromInt(int64(cycles)))
	yearFraction := decimal.NewFromFloat(window.Hours() / (24 * 365))
	if yearFraction.IsZero() {
		return decimal.Zero
	}
	return totalProfit.Div(notional).Div(yearFraction).Mul(decimal.NewFromInt(100))
}

func (c *Coordinator) onRestoration(o model.GridOrder) {
	if c.resetting.Load() || c.isPaused() {
		return
	}
	ctx := context.Background()
	rev := model.ReverseOrder{GridID: o.GridID, Side: o.Side, Price: o.Price, Amount: o.Amount}
	clientID := clientid.GenerateDeterministicOrderID(fmt.Sprintf("%s-restore", c.gridID), rev.Price, string(rev.Side), int(c.cfg.PriceDecimals))
	if _, err := c.engine.Place(ctx, rev, clientID); err != nil {
		c.logger.Error("failed to restore unsolicited cancellation", "error", err, "grid_id", o.GridID)
	}
}

// --- reset orchestration ---

// triggerReset runs the C11 workflow, swapping atomically with CAS so only
// one reset is ever in flight (concurrent callers get ErrResetConflict).
func (c *Coordinator) triggerReset(ctx context.Context, opts ResetOptions) error {
	if c.failureCounter() >= maxGlobalFailures {
		return ErrNetworkUnstable
	}
	if !c.resetting.CompareAndSwap(false, true) {
		return ErrResetConflict
	}
	defer func() {
		c.resetting.Store(false)
		c.drainDeferred(ctx)
	}()

	side, size := c.positionSideAndSize()
	placed, newPrice, err := c.resetter.Run(ctx, c.cfg, opts, side, size)
	if err != nil {
		c.logger.Error("reset workflow failed", "error", err)
		return err
	}

	if !newPrice.IsZero() {
		c.state.Rebuild(c.cfg, newPrice)
	}
	for _, o := range placed {
		order := o
		c.state.AddOrder(&order)
	}
	if c.modes.Scalping != nil {
		c.modes.Scalping.Reset()
	}
	if c.modes.CapitalProtect != nil {
		c.modes.CapitalProtect.Reset()
	}
	if c.modes.TakeProfit != nil {
		c.modes.TakeProfit.Reset()
	}
	if c.modes.StopLoss != nil {
		c.modes.StopLoss.Reset()
	}
	c.logger.Info("reset workflow complete", "grid_id", c.gridID, "orders_placed", len(placed))
	if b := c.broadcast(); b != nil {
		b.BroadcastReset(c.gridID, len(placed), opts)
	}
	return nil
}

func (c *Coordinator) positionSideAndSize() (model.Side, decimal.Decimal) {
	signed, _ := c.tracker.Position()
	if signed.IsNegative() {
		return model.SideSell, signed.Abs()
	}
	return model.SideBuy, signed
}

// drainDeferred replays fills buffered while resetting=true, in arrival
// order, as a single batched reverse-order submission.
func (c *Coordinator) drainDeferred(ctx context.Context) {
	c.deferredMu.Lock()
	batch := c.deferred
	c.deferred = nil
	c.deferredMu.Unlock()

	if len(batch) == 0 {
		return
	}
	orders := make([]model.GridOrder, 0, len(batch))
	for _, evt := range batch {
		orders = append(orders, model.GridOrder{OrderID: evt.Order.ID, ClientID: evt.ClientID, Side: evt.Order.Side, Price: evt.Order.Price, Amount: evt.Order.Amount, FilledPrice: evt.Order.Price, FilledAmount: evt.Order.Filled})
	}
	reverses := c.strategy.ReverseOfBatch(orders, 1)
	placed, err := c.engine.PlaceBatch(ctx, reverses, func(ro model.ReverseOrder) string {
		return clientid.GenerateCompactOrderID(ro.Price, string(ro.Side), int(c.cfg.PriceDecimals))
	})
	if err != nil {
		c.logger.Error("failed to replay deferred fills", "error", err, "count", len(batch))
		return
	}
	for _, o := range placed {
		order := o
		c.state.AddOrder(&order)
	}
}

// failureCounter feeds triggerReset's network gate. It returns
// maxGlobalFailures while the position monitor has latched its emergency
// stop and 0 otherwise; the REST failure counts kept by the position and
// price monitors are not read here.
func (c *Coordinator) failureCounter() int {
	if c.posMonitor != nil && c.posMonitor.EmergencyStopped() {
		return maxGlobalFailures
	}
	return 0
}

// --- startup / shutdown ---

// Start runs the startup sequence (cancel stale orders, close any
// pre-existing position, initialise the grid) then launches every
// background loop, returning once they are all running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("coordinator starting", "grid_id", c.gridID, "symbol", c.symbol)

	if err := c.ops.CancelAllAndVerify(ctx); err != nil {
		c.logger.Warn("startup cancel-all incomplete, falling back to per-order", "error", err)
		open, _ := c.exchange.GetOpenOrders(ctx, c.symbol)
		for _, o := range open {
			_ = c.ops.CancelAndVerify(ctx, o.ID)
		}
	}

	positions, err := c.exchange.GetPositions(ctx, []string{c.symbol})
	if err == nil && len(positions) > 0 && !positions[0].Size.IsZero() {
		closeSide := model.SideSell
		if positions[0].Side == model.PositionShort {
			closeSide = model.SideBuy
		}
		if err := c.ops.MarketCloseAndVerify(ctx, closeSide, positions[0].Size); err != nil {
			c.logger.Error("startup position close failed", "error", err)
		}
	}

	initial := c.strategy.Initialise()
	reverse := make([]model.ReverseOrder, 0, len(initial))
	for _, o := range initial {
		reverse = append(reverse, model.ReverseOrder{GridID: o.GridID, Side: o.Side, Price: o.Price, Amount: o.Amount})
	}
	placed, err := c.engine.PlaceBatch(ctx, reverse, func(ro model.ReverseOrder) string {
		return fmt.Sprintf("%s-init-%d", c.gridID, ro.GridID)
	})
	if err != nil {
		return fmt.Errorf("coordinator startup: %w", err)
	}
	for _, o := range placed {
		order := o
		c.state.AddOrder(&order)
	}

	c.startedAt = time.Now()
	c.refreshStopLossTrigger()
	if c.modes.TakeProfit != nil {
		bal := c.balMonitor.Snapshot()
		c.modes.TakeProfit.Arm(bal.CollateralBalance)
	}

	c.logger.Info("coordinator startup complete", "orders_placed", len(placed))
	return nil
}

// refreshStopLossTrigger precomputes the adverse-direction price at which
// StopLoss should arm: trigger_percent of grid height beyond the range edge
// that unfavourable movement crosses first. Called at startup and again
// after any reset that updates the price range.
func (c *Coordinator) refreshStopLossTrigger() {
	if c.modes.StopLoss == nil {
		return
	}
	height := c.cfg.Upper.Sub(c.cfg.Lower)
	offset := height.Mul(c.stopLossTriggerPercent).Div(decimal.NewFromInt(100))
	trigger := c.cfg.Lower.Sub(offset)
	if c.cfg.GridType.IsShortFamily() {
		trigger = c.cfg.Upper.Add(offset)
	}
	c.stopLossTrigger = trigger
	c.modes.StopLoss.SetTriggerPrice(trigger)
}

const (
	stopLossCheckInterval     = 5 * time.Second
	followEscapeCheckInterval = 10 * time.Second
	reserveCheckInterval      = 30 * time.Second
)

// runStopLossMonitor is the highest-priority guard (§4.6): once price
// crosses the unfavourable-direction trigger it arms StopLoss, and once
// armed long enough without recovering, closes out via onFatal.
func (c *Coordinator) runStopLossMonitor(ctx context.Context, onFatal func(error)) {
	ticker := time.NewTicker(stopLossCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.resetting.Load() {
			continue
		}
		price, _ := c.state.CurrentPrice()
		if price.IsZero() {
			continue
		}
		adverse := price.LessThan(c.stopLossTrigger)
		if c.cfg.GridType.IsShortFamily() {
			adverse = price.GreaterThan(c.stopLossTrigger)
		}
		if !adverse {
			continue
		}
		c.modes.StopLoss.Arm()
		if !c.modes.StopLoss.TimedOut() {
			continue
		}
		c.executeStopLoss(ctx, onFatal)
		return
	}
}

// executeStopLoss closes the book out, then either resets (realtime APR
// still clears the threshold) or exits the program entirely by reporting
// ErrStopLossExit through onFatal.
func (c *Coordinator) executeStopLoss(ctx context.Context, onFatal func(error)) {
	c.logger.Error("stop-loss escape timeout reached, closing out")
	c.gracefulExit(ctx)
	if c.realtimeCycleAPR().GreaterThanOrEqual(c.stopLossAPRThreshold) {
		if err := c.triggerReset(ctx, ResetOptions{ClosePosition: false, ReinitCapital: true, UpdateRange: true}); err != nil {
			c.logger.Error("stop-loss reset failed", "error", err)
		}
		c.refreshStopLossTrigger()
		c.modes.StopLoss.Reset()
		return
	}
	c.logger.Error("stop-loss exiting: realtime apr below threshold")
	if onFatal != nil {
		onFatal(ErrStopLossExit)
	}
}

// runFollowEscapeMonitor watches follow-family grids for price escaping the
// [Lower, Upper] range and triggers a range-updating reset, unless PriceLock
// is holding the reset frozen.
func (c *Coordinator) runFollowEscapeMonitor(ctx context.Context) {
	if !c.cfg.GridType.IsFollowFamily() {
		return
	}
	ticker := time.NewTicker(followEscapeCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.isPaused() || c.resetting.Load() {
			continue
		}
		price, _ := c.state.CurrentPrice()
		if price.IsZero() {
			continue
		}
		outside := price.LessThan(c.cfg.Lower) || price.GreaterThan(c.cfg.Upper)
		if c.modes.PriceLock != nil {
			c.modes.PriceLock.Evaluate(price)
			if c.modes.PriceLock.ShouldFreezeEscapeReset(outside) {
				continue
			}
		}
		if !outside {
			continue
		}
		if err := c.triggerReset(ctx, ResetOptions{UpdateRange: true}); err != nil && err != ErrResetConflict {
			c.logger.Error("follow-mode escape reset failed", "error", err)
			continue
		}
		c.refreshStopLossTrigger()
	}
}

// runReserveMonitor periodically tops up the spot reserve; a perpetual
// run's no-op manager makes every tick free.
func (c *Coordinator) runReserveMonitor(ctx context.Context) {
	if c.reserveMgr == nil {
		return
	}
	ticker := time.NewTicker(reserveCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.reserveMgr.MaybeReplenish(ctx); err != nil {
			c.logger.Warn("reserve replenish check failed", "error", err)
		}
	}
}

// Run joins the long-running monitor goroutines and blocks until ctx is
// cancelled, then performs the graceful-exit sequence if enabled. If
// StopLoss reports a fatal exit, Run returns ErrStopLossExit so the caller's
// errgroup tears down the rest of the program.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fatalErr atomic.Value

	var wg sync.WaitGroup
	events := c.posEvents()

	wg.Add(1)
	go func() { defer wg.Done(); c.posMonitor.Run(runCtx, events) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.balMonitor.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.engine.RunOrderMonitor(runCtx) }()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.engine.RunPriceMonitor(runCtx, 5*time.Second, func(down bool) {
			if down {
				c.Pause(string(PauseNetwork))
			} else {
				c.Resume(true)
			}
		})
	}()
	if c.health != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.health.Run(runCtx, 5*time.Minute) }()
	}
	if c.modes.StopLoss != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runStopLossMonitor(runCtx, func(err error) {
				fatalErr.Store(err)
				cancel()
			})
		}()
	}
	wg.Add(1)
	go func() { defer wg.Done(); c.runFollowEscapeMonitor(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.runReserveMonitor(runCtx) }()

	<-runCtx.Done()
	if c.exitCleanupEnabled {
		c.gracefulExit(context.Background())
	}
	wg.Wait()
	if err, ok := fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

// gracefulExit runs market-close and cancel-all in parallel, waits, then
// verifies residuals and retries up to 3 times, per SPEC_FULL.md §4.8.
func (c *Coordinator) gracefulExit(ctx context.Context) {
	c.logger.Info("running graceful exit sequence")
	for attempt := 0; attempt < 3; attempt++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			side, size := c.positionSideAndSize()
			if !size.IsZero() {
				_ = c.ops.MarketCloseAndVerify(ctx, side.Opposite(), size)
			}
		}()
		go func() {
			defer wg.Done()
			_ = c.ops.CancelAllAndVerify(ctx)
		}()
		wg.Wait()
		time.Sleep(3 * time.Second)

		open, err := c.exchange.GetOpenOrders(ctx, c.symbol)
		positions, posErr := c.exchange.GetPositions(ctx, []string{c.symbol})
		clean := err == nil && len(open) == 0
		clean = clean && (posErr == nil && (len(positions) == 0 || positions[0].Size.IsZero()))
		if clean {
			c.logger.Info("graceful exit confirmed clean", "attempt", attempt+1)
			return
		}
	}
	c.logger.Error("graceful exit could not confirm a clean book after 3 attempts")
}

// GetSnapshot builds the read-only model.GridStatistics the dashboard
// contract exposes (SPEC_FULL.md §6.4): the websocket hub and the
// Prometheus gauges both read from the struct this returns, never from the
// coordinator's own state directly.
func (c *Coordinator) GetSnapshot() model.GridStatistics {
	price, gridID := c.state.CurrentPrice()
	buys, sells := c.state.PendingCounts()
	posSnap := c.tracker.GetSnapshot()

	var balSnap monitor.BalanceSnapshot
	if c.balMonitor != nil {
		balSnap = c.balMonitor.Snapshot()
	}

	_, size := c.positionSideAndSize()
	unrealised := decimal.Zero
	if !size.IsZero() && !posSnap.AverageCost.IsZero() {
		unrealised = price.Sub(posSnap.AverageCost).Mul(size)
	}
	net := posSnap.RealisedPnL.Add(unrealised).Sub(posSnap.TotalFees)
	profitRate := decimal.Zero
	if !balSnap.InitialCapital.IsZero() {
		profitRate = net.Div(balSnap.InitialCapital).Mul(decimal.NewFromInt(100))
	}

	utilisation := decimal.Zero
	if c.cfg.GridCount > 0 {
		utilisation = decimal.NewFromInt(int64(gridID)).Div(decimal.NewFromInt(int64(c.cfg.GridCount))).Mul(decimal.NewFromInt(100))
	}

	c.mu.Lock()
	paused, reason := c.paused, string(c.pauseReason)
	c.mu.Unlock()

	return model.GridStatistics{
		Symbol:    c.symbol,
		GridType:  string(c.cfg.GridType),
		GridCount: c.cfg.GridCount,

		CurrentPrice: price,
		CurrentGrid:  gridID,

		PositionSize:    size,
		AverageCost:     posSnap.AverageCost,
		PendingBuys:     buys,
		PendingSells:    sells,
		BuyFillCount:    posSnap.BuyCount,
		SellFillCount:   posSnap.SellCount,
		CompletedCycles: posSnap.CompletedCycles,

		RealisedPnL:   posSnap.RealisedPnL,
		UnrealisedPnL: unrealised,
		TotalFees:     posSnap.TotalFees,
		NetProfit:     net,
		ProfitRatePct: profitRate,

		GridUtilisationPct: utilisation,

		SpotBalance:        balSnap.SpotBalance,
		CollateralBalance:  balSnap.CollateralBalance,
		OrderLockedBalance: balSnap.OrderLockedBalance,
		BalanceDataSource:  string(balSnap.Source),

		MonitoringMode: string(c.engine.MonitoringMode()),

		Scalping:       modeStatus(c.modes.Scalping),
		SmartScalping:  smartScalpingStatus(c.modes.SmartScalping),
		CapitalProtect: modeStatus(c.modes.CapitalProtect),
		TakeProfit:     modeStatus(c.modes.TakeProfit),
		PriceLock:      modeStatus(c.modes.PriceLock),
		StopLoss:       modeStatus(c.modes.StopLoss),

		Paused:      paused,
		PauseReason: reason,

		GeneratedAt: time.Now(),
	}
}

// activeFlag is the narrow capability every *Base-embedding mode manager
// exposes; modeStatus is generic over it so a nil manager (mode not
// configured) degrades to a disabled, inactive ModeStatus.
type activeFlag interface{ IsActive() bool }

func modeStatus(m activeFlag) model.ModeStatus {
	if m == nil || reflect.ValueOf(m).IsNil() {
		return model.ModeStatus{}
	}
	return model.ModeStatus{Enabled: true, Active: m.IsActive()}
}

// smartScalpingStatus reports SmartScalping's state-machine position rather
// than a plain active flag, since it tracks qualifying drops across IDLE ->
// TRACKING -> WAITING_REBOUND -> ACTIVATED before scalping itself arms.
func smartScalpingStatus(t *modes.SmartScalpingTracker) model.ModeStatus {
	if t == nil {
		return model.ModeStatus{}
	}
	return model.ModeStatus{Enabled: true, Active: t.State() == modes.SmartActivated}
}
