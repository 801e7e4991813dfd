// Package position implements the derived position view (C3). Position
// itself is authoritative from REST via the position monitor (C6); this
// tracker never integrates a fill into current_position — it only records
// trade history, fee accrual, and the completed-cycle counter.
package position

import (
	"sync"
	"time"

	"market_maker/internal/model"

	"github.com/shopspring/decimal"
)

const maxTradeHistory = 1000

// Trade is one ring-buffer entry recorded on every fill.
type Trade struct {
	OrderID string
	Side    model.Side
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Fee     decimal.Decimal
	At      time.Time
}

// Tracker is PositionTracker (C3).
type Tracker struct {
	mu sync.RWMutex

	currentPosition decimal.Decimal
	averageCost     decimal.Decimal
	realisedPnL     decimal.Decimal
	totalFees       decimal.Decimal

	buyCount  int
	sellCount int

	completedCycles int

	history []Trade
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{history: make([]Trade, 0, maxTradeHistory)}
}

// SyncInitialPosition is the sole write path for current_position and
// average_cost; it is called only by the position monitor (C6), never from a
// fill-routing path.
func (t *Tracker) SyncInitialPosition(size, averageCost decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPosition = size
	t.averageCost = averageCost
}

// Position returns the current position and average cost as last written by
// the position monitor.
func (t *Tracker) Position() (size, averageCost decimal.Decimal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentPosition, t.averageCost
}

// RecordTradeOnly appends a fill to the bounded trade history and updates
// fee/cycle counters, without touching current_position (§3 invariant).
// feeRate is applied to price*amount to derive the fee booked for this fill.
func (t *Tracker) RecordTradeOnly(o model.GridOrder, feeRate decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	price := o.FilledPrice
	amount := o.FilledAmount
	if amount.IsZero() {
		amount = o.Amount
	}
	fee := price.Mul(amount).Mul(feeRate)

	t.totalFees = t.totalFees.Add(fee)
	if o.Side == model.SideBuy {
		t.buyCount++
	} else {
		t.sellCount++
	}

	cycles := t.buyCount
	if t.sellCount < cycles {
		cycles = t.sellCount
	}
	if cycles > t.completedCycles {
		t.completedCycles = cycles
	}

	t.history = append(t.history, Trade{
		OrderID: o.OrderID,
		Side:    o.Side,
		Price:   price,
		Amount:  amount,
		Fee:     fee,
		At:      time.Now(),
	})
	if len(t.history) > maxTradeHistory {
		t.history = t.history[len(t.history)-maxTradeHistory:]
	}
}

// AddRealisedPnL books realised profit/loss computed by the caller (typically
// the coordinator, from a matched buy/sell pair's price difference) without
// touching position.
func (t *Tracker) AddRealisedPnL(delta decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realisedPnL = t.realisedPnL.Add(delta)
}

// Snapshot is a read-only copy of every derived statistic.
type Snapshot struct {
	CurrentPosition decimal.Decimal
	AverageCost     decimal.Decimal
	RealisedPnL     decimal.Decimal
	TotalFees       decimal.Decimal
	BuyCount        int
	SellCount       int
	CompletedCycles int
}

// GetSnapshot returns the current derived state.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		CurrentPosition: t.currentPosition,
		AverageCost:     t.averageCost,
		RealisedPnL:     t.realisedPnL,
		TotalFees:       t.totalFees,
		BuyCount:        t.buyCount,
		SellCount:       t.sellCount,
		CompletedCycles: t.completedCycles,
	}
}

// History returns a copy of the trade history ring buffer, oldest first.
func (t *Tracker) History() []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Trade, len(t.history))
	copy(out, t.history)
	return out
}

// Reset clears every counter and the trade history, preserving nothing
// (called by the reset workflow, C11 step 4); current_position is re-primed
// by the next successful position-monitor read rather than here.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPosition = decimal.Zero
	t.averageCost = decimal.Zero
	t.realisedPnL = decimal.Zero
	t.totalFees = decimal.Zero
	t.buyCount = 0
	t.sellCount = 0
	t.completedCycles = 0
	t.history = t.history[:0]
}
