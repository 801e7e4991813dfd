// Package risk implements the OrderHealthChecker (C8): a periodic
// structural audit of the live order set against the intended grid, with a
// bounded repair sequence for drift it can safely correct.
package risk

import (
	"context"
	"sort"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/trading/grid"
	"market_maker/pkg/clientid"

	"github.com/shopspring/decimal"
)

const (
	startupQuiet       = 60 * time.Second
	defaultInterval    = 5 * time.Minute
	recentFillWindow   = 5 * time.Second
	snapshotGap        = 500 * time.Millisecond
	offGridTolerancePct = "0.01" // 1% of grid_interval
	scalpingEmergencyDeviation = "0.5"
)

// Diagnosis is the output of structural diagnosis (phase 2).
type Diagnosis struct {
	ToCancel        []model.GridOrder // duplicates, out-of-range, off-grid
	MissingSlots    []model.GridLevel
	ExpectedBuys    int
	ExpectedSells   int
	ExpectedPosition decimal.Decimal
}

// Deps are the collaborators the checker reads and writes through; all
// exchange access is via core.IExchange so this package stays testable
// against a fake.
type Deps struct {
	Exchange core.IExchange
	Logger   core.ILogger
	Symbol   string

	// ExpectedAmount returns the effective per-level amount (flat or
	// martingale) for the given grid id, matching the config in use.
	ExpectedAmount func(gridID int) decimal.Decimal

	// ScalpingActive reports whether scalping mode owns the order set;
	// when true the checker only diagnoses, never repairs.
	ScalpingActive func() bool
	// ScalpingExpectedPosition is consulted only when ScalpingActive.
	ScalpingExpectedPosition func() decimal.Decimal

	// RegisterOrder syncs an order the checker placed directly with the
	// execution engine's by-client-id cache, so its fill is resolved like
	// any coordinator-placed order instead of going unrecognised forever.
	RegisterOrder func(model.GridOrder)

	OnEmergency func(reason string)
}

// Checker is OrderHealthChecker (C8).
type Checker struct {
	deps       Deps
	cfg        *grid.Config
	lastFillAt time.Time
}

// New constructs a Checker bound to cfg.
func New(deps Deps, cfg *grid.Config) *Checker {
	return &Checker{deps: deps, cfg: cfg}
}

// NotifyFill records the time of the most recent fill, used to delay a
// check while fills are actively landing.
func (c *Checker) NotifyFill() { c.lastFillAt = time.Now() }

// Run is the checker's goroutine.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupQuiet):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	if time.Since(c.lastFillAt) < recentFillWindow {
		return
	}

	snap1, ok := c.snapshot(ctx)
	if !ok {
		return
	}
	time.Sleep(snapshotGap)
	snap2, ok := c.snapshot(ctx)
	if !ok {
		return
	}
	if !snapshotsAgree(snap1, snap2, c.cfg.PriceDecimals, c.cfg.QuantityDecimals) {
		c.deps.Logger.Debug("health check skipped: unstable snapshot")
		return
	}

	diag := c.diagnose(snap2)

	if c.deps.ScalpingActive != nil && c.deps.ScalpingActive() {
		c.checkScalpingEmergency(snap2)
		return
	}

	c.repair(ctx, diag)
}

type snapshot struct {
	orders   []model.OrderData
	position decimal.Decimal
	at       time.Time
}

func (c *Checker) snapshot(ctx context.Context) (snapshot, bool) {
	orders, err := c.deps.Exchange.GetOpenOrders(ctx, c.deps.Symbol)
	if err != nil {
		return snapshot{}, false
	}
	positions, err := c.deps.Exchange.GetPositions(ctx, []string{c.deps.Symbol})
	if err != nil {
		return snapshot{}, false
	}
	var size decimal.Decimal
	if len(positions) > 0 {
		size = positions[0].Size
		if positions[0].Side == model.PositionShort {
			size = size.Neg()
		}
	}
	return snapshot{orders: orders, position: size, at: time.Now()}, true
}

func snapshotsAgree(a, b snapshot, priceDecimals, qtyDecimals int32) bool {
	if len(a.orders) != len(b.orders) {
		return false
	}
	priceTol := decimal.New(1, -priceDecimals)
	qtyTol := decimal.New(1, -qtyDecimals)
	if a.position.Sub(b.position).Abs().GreaterThan(qtyTol) {
		return false
	}
	byID := make(map[string]model.OrderData, len(a.orders))
	for _, o := range a.orders {
		byID[o.ID] = o
	}
	for _, o := range b.orders {
		prev, ok := byID[o.ID]
		if !ok {
			return false
		}
		if prev.Price.Sub(o.Price).Abs().GreaterThan(priceTol) {
			return false
		}
	}
	return true
}

// classifyOrders is phase 2: it groups orders by grid slot, marking
// duplicates, out-of-range, and off-grid orders for cancellation.
func (c *Checker) classifyOrders(orders []model.OrderData) (toCancel []model.GridOrder, byGrid map[int]bool, buys, sells int) {
	seenPrice := make(map[string]bool)
	byGrid = make(map[int]bool)

	interval := c.cfg.Interval
	offGridTol := interval.Mul(decimal.RequireFromString(offGridTolerancePct))

	for _, o := range orders {
		key := o.Price.String()
		if seenPrice[key] {
			toCancel = append(toCancel, toGridOrder(o))
			continue
		}
		seenPrice[key] = true

		gridID := c.cfg.IndexAt(o.Price)
		nearest := c.cfg.PriceAt(gridID)
		if o.Price.Sub(nearest).Abs().GreaterThan(offGridTol) {
			toCancel = append(toCancel, toGridOrder(o))
			continue
		}
		if gridID < 1 || gridID > c.cfg.GridCount+c.cfg.ReverseOrderGridDistance {
			toCancel = append(toCancel, toGridOrder(o))
			continue
		}

		byGrid[gridID] = true
		if o.Side == model.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return toCancel, byGrid, buys, sells
}

// expectedPositionFor is phase 3's martingale-aware sum: "what the current
// order book implies about executed fills", formatted per-level then
// summed because quantisation does not distribute over the increment
// series.
func (c *Checker) expectedPositionFor(buys, sells int) decimal.Decimal {
	sideCount := buys
	if c.cfg.GridType.IsShortFamily() {
		sideCount = sells
	}
	present := c.cfg.GridCount - sideCount
	if present < 0 {
		present = 0
	}
	var expected decimal.Decimal
	for i := 1; i <= present; i++ {
		expected = expected.Add(c.deps.ExpectedAmount(i))
	}
	return expected
}

// diagnose is phase 2 + phase 3.
func (c *Checker) diagnose(snap snapshot) Diagnosis {
	var diag Diagnosis

	toCancel, byGrid, buys, sells := c.classifyOrders(snap.orders)
	diag.ToCancel = toCancel

	covered := buys + sells
	if covered > 0 {
		for i := 1; i <= c.cfg.GridCount; i++ {
			if !byGrid[i] {
				diag.MissingSlots = append(diag.MissingSlots, model.GridLevel{GridID: i, Price: c.cfg.PriceAt(i)})
			}
		}
	}

	diag.ExpectedBuys = buys
	diag.ExpectedSells = sells
	diag.ExpectedPosition = c.expectedPositionFor(buys, sells)

	return diag
}

// ExpectedPosition re-derives the same expected-position sum diagnose uses
// from a fresh read of open orders, for callers outside the regular check
// cycle — namely the scalping emergency-abort deviation check, which needs
// a live baseline rather than a constant.
func (c *Checker) ExpectedPosition(ctx context.Context) (decimal.Decimal, error) {
	orders, err := c.deps.Exchange.GetOpenOrders(ctx, c.deps.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	_, _, buys, sells := c.classifyOrders(orders)
	return c.expectedPositionFor(buys, sells), nil
}

func toGridOrder(o model.OrderData) model.GridOrder {
	return model.GridOrder{OrderID: o.ID, ClientID: o.ClientID, Side: o.Side, Price: o.Price, Amount: o.Amount}
}

func (c *Checker) checkScalpingEmergency(snap snapshot) {
	if c.deps.ScalpingExpectedPosition == nil {
		return
	}
	expected := c.deps.ScalpingExpectedPosition()
	if expected.IsZero() {
		return
	}
	deviation := snap.position.Sub(expected).Abs().Div(expected.Abs())
	if deviation.GreaterThanOrEqual(decimal.RequireFromString(scalpingEmergencyDeviation)) {
		if c.deps.OnEmergency != nil {
			c.deps.OnEmergency("scalping position deviation")
		}
	}
}

// repair is phase 4: cancel, re-read, reconcile position, fill gaps, sync
// caches.
func (c *Checker) repair(ctx context.Context, diag Diagnosis) {
	for _, o := range diag.ToCancel {
		_ = c.deps.Exchange.CancelOrder(ctx, o.OrderID, c.deps.Symbol)
	}
	if len(diag.ToCancel) > 0 {
		time.Sleep(snapshotGap)
	}

	// Step 2: the cancel pass can itself change what's missing, so
	// diag.MissingSlots (computed pre-cancellation) is stale here — take a
	// fresh read instead of reusing it.
	fresh, ok := c.snapshot(ctx)
	if !ok {
		return
	}
	diag = c.diagnose(fresh)

	// Step 3: reconcile actual position against the order-book-implied
	// expectation before resubmitting limits, so missing-slot buys don't
	// compound an already-short position.
	c.reconcilePosition(ctx, fresh, diag)

	if len(diag.MissingSlots) == 0 {
		return
	}

	sort.Slice(diag.MissingSlots, func(i, j int) bool { return diag.MissingSlots[i].GridID < diag.MissingSlots[j].GridID })

	price, _ := c.currentPrice(ctx)
	for _, slot := range diag.MissingSlots {
		side := model.SideBuy
		if slot.Price.GreaterThan(price) {
			side = model.SideSell
		}
		amount := c.deps.ExpectedAmount(slot.GridID)
		cid := clientid.GenerateCompactOrderID(slot.Price, string(side), int(c.cfg.PriceDecimals))
		od, err := c.deps.Exchange.CreateOrder(ctx, c.deps.Symbol, side, model.OrderTypeLimit, amount, slot.Price, core.OrderParams{ClientID: cid})
		if err != nil {
			c.deps.Logger.Warn("health checker repair order failed", "grid_id", slot.GridID, "error", err)
			continue
		}

		// Step 5: sync the by-client-id cache so a fill on this
		// checker-placed order resolves through the normal fill path
		// instead of going unrecognised forever.
		if c.deps.RegisterOrder != nil {
			c.deps.RegisterOrder(model.GridOrder{
				OrderID:   od.ID,
				ClientID:  cid,
				GridID:    slot.GridID,
				Side:      side,
				Price:     slot.Price,
				Amount:    amount,
				Status:    model.OrderPending,
				CreatedAt: time.Now(),
			})
		}
	}
}

// reconcilePosition is phase 3's repair action: when the fresh REST
// position deviates from the order-book-implied expectation by more than
// one grid amount, adjust with a single market order — open additional
// exposure if short of expected, reduce-only close if over — before any
// missing-slot limit orders go out.
func (c *Checker) reconcilePosition(ctx context.Context, snap snapshot, diag Diagnosis) {
	tolerance := c.cfg.OrderAmount
	if tolerance.IsZero() {
		tolerance = decimal.NewFromInt(1)
	}
	deviation := snap.position.Sub(diag.ExpectedPosition)
	if deviation.Abs().LessThanOrEqual(tolerance) {
		return
	}

	if deviation.IsNegative() {
		if _, err := c.deps.Exchange.PlaceMarketOrder(ctx, c.deps.Symbol, model.SideBuy, deviation.Abs(), false); err != nil {
			c.deps.Logger.Warn("health checker position reconcile (open) failed", "error", err)
		}
		return
	}

	if _, err := c.deps.Exchange.PlaceMarketOrder(ctx, c.deps.Symbol, model.SideSell, deviation, true); err != nil {
		c.deps.Logger.Warn("health checker position reconcile (close) failed", "error", err)
	}
}

func (c *Checker) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	t, err := c.deps.Exchange.GetTicker(ctx, c.deps.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Price, nil
}
