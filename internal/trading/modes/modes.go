// Package modes implements the C9 mode managers: Scalping, SmartScalping,
// CapitalProtection, TakeProfit, PriceLock, and StopLoss. Each owns one
// state bit, its trigger predicate, and its (de)activation effects; none of
// them talk to the exchange directly — the coordinator (C12) invokes the
// effect callbacks they arm.
package modes

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Base is the common shape every mode manager embeds: {IsActive,
// InitialCapital, Activate, Deactivate, Reset}.
type Base struct {
	mu             sync.Mutex
	active         bool
	initialCapital decimal.Decimal
}

func (b *Base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Base) setActive(v bool) {
	b.mu.Lock()
	b.active = v
	b.mu.Unlock()
}

// InitialCapital returns the capital baseline captured at arming time.
func (b *Base) InitialCapital() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialCapital
}

func (b *Base) setInitialCapital(v decimal.Decimal) {
	b.mu.Lock()
	b.initialCapital = v
	b.mu.Unlock()
}

// Reset clears the active flag and leaves the capital baseline as it is;
// callers reinitialise InitialCapital explicitly via Activate/Arm once the new baseline
// is known (§3 Lifecycle: "preserving capital baseline until explicitly
// reinitialised").
func (b *Base) Reset() { b.setActive(false) }

// ScalpingConfig configures the Scalping mode manager.
type ScalpingConfig struct {
	TriggerPercent    decimal.Decimal // scalping_trigger_percent
	TakeProfitGrids   int
	GridCount         int
	IsShortFamily     bool
}

// Scalping is the C9 Scalping manager.
type Scalping struct {
	Base
	cfg ScalpingConfig
}

func NewScalping(cfg ScalpingConfig) *Scalping { return &Scalping{cfg: cfg} }

// ShouldArm implements the crossing predicate: for both LONG and SHORT
// families, arm when current_index <= grid_count - floor(grid_count*p/100).
func (s *Scalping) ShouldArm(currentIndex int) bool {
	if s.IsActive() {
		return false
	}
	threshold := s.cfg.GridCount - int(decimal.NewFromInt(int64(s.cfg.GridCount)).Mul(s.cfg.TriggerPercent).Div(decimal.NewFromInt(100)).IntPart())
	return currentIndex <= threshold
}

// Activate arms scalping with capital at the moment of arming.
func (s *Scalping) Activate(capitalAtArm decimal.Decimal) {
	s.setInitialCapital(capitalAtArm)
	s.setActive(true)
}

// TakeProfitPrice computes the limit price that restores InitialCapital
// given the current collateral, then layers on TakeProfitGrids of extra
// profit margin expressed in price terms via interval.
func (s *Scalping) TakeProfitPrice(currentCollateral, positionSize, interval decimal.Decimal) decimal.Decimal {
	if positionSize.IsZero() {
		return decimal.Zero
	}
	deficit := s.InitialCapital().Sub(currentCollateral)
	restorePrice := deficit.Div(positionSize)
	margin := decimal.NewFromInt(int64(s.cfg.TakeProfitGrids)).Mul(interval)
	if s.cfg.IsShortFamily {
		return restorePrice.Sub(margin)
	}
	return restorePrice.Add(margin)
}

// Deactivate clears the active flag; the coordinator is responsible for
// cancelling all orders and rebuilding the grid from scratch.
func (s *Scalping) Deactivate() { s.setActive(false) }

// SmartScalpingState is the tracker's state machine position.
type SmartScalpingState string

const (
	SmartIdle            SmartScalpingState = "IDLE"
	SmartTracking        SmartScalpingState = "TRACKING"
	SmartWaitingRebound   SmartScalpingState = "WAITING_REBOUND"
	SmartActivated        SmartScalpingState = "ACTIVATED"
)

// SmartScalpingConfig configures the drop-counting tracker.
type SmartScalpingConfig struct {
	MinDropThresholdPercent decimal.Decimal // of total grid height
	MaxQualifyingDrops      int
	GridHeight              decimal.Decimal // upper - lower
}

// SmartScalpingTracker implements the "multiple qualifying deep drops"
// variant of scalping arming.
type SmartScalpingTracker struct {
	mu    sync.Mutex
	cfg   SmartScalpingConfig
	state SmartScalpingState

	extreme        decimal.Decimal
	remaining      int
	activationGrid decimal.Decimal
}

func NewSmartScalpingTracker(cfg SmartScalpingConfig) *SmartScalpingTracker {
	return &SmartScalpingTracker{cfg: cfg, state: SmartIdle, remaining: cfg.MaxQualifyingDrops}
}

func (t *SmartScalpingTracker) State() SmartScalpingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnPriceBelowThreshold is called while price sits past the current
// scalping threshold: it records the deepest extreme seen and transitions
// IDLE/WAITING_REBOUND -> TRACKING.
func (t *SmartScalpingTracker) OnPriceBelowThreshold(price decimal.Decimal, lowerIsDeeper bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == SmartActivated {
		return
	}
	t.state = SmartTracking
	if t.extreme.IsZero() {
		t.extreme = price
		return
	}
	if lowerIsDeeper && price.LessThan(t.extreme) {
		t.extreme = price
	}
	if !lowerIsDeeper && price.GreaterThan(t.extreme) {
		t.extreme = price
	}
}

// OnReboundAboveThreshold is called when price rebounds back past the
// threshold. It validates the recorded drop was deep enough; if so it
// consumes one qualifying-drop allowance and, once exhausted, latches the
// final activation grid at the last extreme seen.
func (t *SmartScalpingTracker) OnReboundAboveThreshold(thresholdPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != SmartTracking || t.extreme.IsZero() {
		return
	}
	drop := thresholdPrice.Sub(t.extreme).Abs()
	minDrop := t.cfg.GridHeight.Mul(t.cfg.MinDropThresholdPercent)
	if drop.LessThan(minDrop) {
		t.state = SmartIdle
		t.extreme = decimal.Zero
		return
	}

	t.remaining--
	if t.remaining <= 0 {
		t.activationGrid = t.extreme
		t.state = SmartWaitingRebound
		return
	}
	t.state = SmartIdle
	t.extreme = decimal.Zero
}

// ShouldActivate reports whether price has revisited the latched
// activation grid, the final condition to arm scalping.
func (t *SmartScalpingTracker) ShouldActivate(price decimal.Decimal, tolerance decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != SmartWaitingRebound {
		return false
	}
	if price.Sub(t.activationGrid).Abs().LessThanOrEqual(tolerance) {
		t.state = SmartActivated
		return true
	}
	return false
}

func (t *SmartScalpingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = SmartIdle
	t.extreme = decimal.Zero
	t.remaining = t.cfg.MaxQualifyingDrops
	t.activationGrid = decimal.Zero
}

// CapitalProtectionConfig configures the CapitalProtection manager.
type CapitalProtectionConfig struct {
	ArmGridProgressPercent decimal.Decimal
	GridCount              int
}

// CapitalProtection arms past a grid-progress threshold and triggers a
// reset once collateral has recovered to (initial - tolerance).
type CapitalProtection struct {
	Base
	cfg CapitalProtectionConfig
}

func NewCapitalProtection(cfg CapitalProtectionConfig) *CapitalProtection { return &CapitalProtection{cfg: cfg} }

// ShouldArm arms when the fraction of the grid already consumed (in either
// direction: see SPEC_FULL.md §9 — one predicate suffices since the caller
// always supplies a direction-normalised progress value) exceeds the
// configured threshold.
func (c *CapitalProtection) ShouldArm(gridProgress decimal.Decimal) bool {
	if c.IsActive() {
		return false
	}
	return gridProgress.GreaterThanOrEqual(c.cfg.ArmGridProgressPercent)
}

func (c *CapitalProtection) Arm(initialCapital decimal.Decimal) {
	c.setInitialCapital(initialCapital)
	c.setActive(true)
}

// ShouldTriggerReset reports whether collateral has recovered to within the
// 0.01 decimal tolerance of the initial capital captured at arming.
func (c *CapitalProtection) ShouldTriggerReset(currentCollateral decimal.Decimal) bool {
	if !c.IsActive() {
		return false
	}
	tolerance := decimal.RequireFromString("0.01")
	return currentCollateral.GreaterThanOrEqual(c.InitialCapital().Sub(tolerance))
}

// TakeProfitConfig configures the TakeProfit manager.
type TakeProfitConfig struct {
	ThresholdPercent decimal.Decimal
}

// TakeProfit triggers a reset once profit% = (collateral-initial)/initial
// crosses the configured threshold.
type TakeProfit struct {
	Base
	cfg TakeProfitConfig
}

func NewTakeProfit(cfg TakeProfitConfig) *TakeProfit { return &TakeProfit{cfg: cfg} }

func (t *TakeProfit) Arm(initialCapital decimal.Decimal) {
	t.setInitialCapital(initialCapital)
	t.setActive(true)
}

func (t *TakeProfit) ShouldTriggerReset(currentCollateral decimal.Decimal) bool {
	if !t.IsActive() || t.InitialCapital().IsZero() {
		return false
	}
	profit := currentCollateral.Sub(t.InitialCapital()).Div(t.InitialCapital())
	return profit.GreaterThanOrEqual(t.cfg.ThresholdPercent)
}

// PriceLock freezes escape-triggered resets in follow mode once a
// favourable absolute price threshold is crossed, until price re-enters
// the grid's range.
type PriceLock struct {
	Base
	threshold decimal.Decimal
	favourableIsAbove bool
}

func NewPriceLock(threshold decimal.Decimal, favourableIsAbove bool) *PriceLock {
	return &PriceLock{threshold: threshold, favourableIsAbove: favourableIsAbove}
}

func (p *PriceLock) Evaluate(currentPrice decimal.Decimal) {
	crossed := currentPrice.GreaterThanOrEqual(p.threshold)
	if !p.favourableIsAbove {
		crossed = currentPrice.LessThanOrEqual(p.threshold)
	}
	p.setActive(crossed)
}

// ShouldFreezeEscapeReset reports whether escape-triggered resets must be
// suppressed because price is beyond the lock threshold but still outside
// the grid's range.
func (p *PriceLock) ShouldFreezeEscapeReset(priceOutsideRange bool) bool {
	return p.IsActive() && priceOutsideRange
}

// StopLossConfig configures the StopLoss manager.
type StopLossConfig struct {
	TriggerPercent decimal.Decimal // of grid height
	EscapeTimeout  time.Duration
}

// StopLoss is the highest-priority unfavourable-direction guard.
type StopLoss struct {
	Base
	cfg         StopLossConfig
	armedAt     time.Time
	triggerPrice decimal.Decimal
}

func NewStopLoss(cfg StopLossConfig) *StopLoss { return &StopLoss{cfg: cfg} }

// SetTriggerPrice precomputes the adverse-direction trigger price from the
// grid height; called once at start/reset.
func (s *StopLoss) SetTriggerPrice(price decimal.Decimal) { s.triggerPrice = price }

// Arm latches the escape-timeout window's start, once price crosses the
// precomputed trigger in the adverse direction.
func (s *StopLoss) Arm() {
	if s.IsActive() {
		return
	}
	s.armedAt = time.Now()
	s.setActive(true)
}

// TimedOut reports whether the escape window has elapsed while still
// adverse.
func (s *StopLoss) TimedOut() bool {
	return s.IsActive() && time.Since(s.armedAt) >= s.cfg.EscapeTimeout
}
