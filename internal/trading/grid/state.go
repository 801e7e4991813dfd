package grid

import (
	"fmt"
	"sync"

	"market_maker/internal/model"

	"github.com/shopspring/decimal"
)

// State is GridState (C2): the in-memory snapshot of levels, active orders,
// and pending counts. Per SPEC_FULL.md §3, ownership is single-writer: only
// the coordinator goroutine calls the mutating methods; every other reader
// goes through the snapshot methods, which take the read lock.
type State struct {
	mu sync.RWMutex

	levels       map[int]*model.GridLevel
	activeOrders map[string]*model.GridOrder // keyed by OrderID

	pendingBuys  int
	pendingSells int

	currentPrice  decimal.Decimal
	currentGridID int
	initialPrice  decimal.Decimal

	cycleCount int
}

// NewState rebuilds the level set from cfg, as required at every start/reset.
func NewState(cfg *Config, initialPrice decimal.Decimal) *State {
	s := &State{
		levels:       make(map[int]*model.GridLevel, cfg.GridCount),
		activeOrders: make(map[string]*model.GridOrder),
		currentPrice: initialPrice,
		initialPrice: initialPrice,
	}
	for i := 1; i <= cfg.GridCount; i++ {
		s.levels[i] = &model.GridLevel{
			GridID: i,
			Price:  cfg.PriceAt(i),
			Status: model.LevelIdle,
		}
	}
	s.currentGridID = cfg.IndexAt(initialPrice)
	return s
}

// Rebuild replaces the level set from cfg in place, used by the reset
// workflow (C11 step 6) instead of allocating a fresh State so callers
// holding a *State reference observe the rebuilt grid.
func (s *State) Rebuild(cfg *Config, initialPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.levels = make(map[int]*model.GridLevel, cfg.GridCount)
	for i := 1; i <= cfg.GridCount; i++ {
		s.levels[i] = &model.GridLevel{
			GridID: i,
			Price:  cfg.PriceAt(i),
			Status: model.LevelIdle,
		}
	}
	s.activeOrders = make(map[string]*model.GridOrder)
	s.pendingBuys = 0
	s.pendingSells = 0
	s.currentPrice = initialPrice
	s.initialPrice = initialPrice
	s.currentGridID = cfg.IndexAt(initialPrice)
}

// AddOrder records a newly-submitted order as active (P5 cache consistency:
// callers must also insert it into the execution engine's by-id/by-client-id
// caches in the same step).
func (s *State) AddOrder(o *model.GridOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeOrders[o.OrderID] = o
	if o.Side == model.SideBuy {
		s.pendingBuys++
	} else {
		s.pendingSells++
	}
	if lvl, ok := s.levels[o.GridID]; ok {
		lvl.CurrentOrderID = o.OrderID
		if o.Side == model.SideBuy {
			lvl.Status = model.LevelPendingBuy
		} else {
			lvl.Status = model.LevelPendingSell
		}
	}
}

// RemoveOrder drops a terminal (filled or cancelled) order from the active
// set and, on a fill, marks the level filled and bumps the per-level fill
// counters; the cycle counter advances once both a buy and a sell have
// completed at least once more than previously recorded.
func (s *State) RemoveOrder(orderID string, terminal model.OrderStatus) (*model.GridOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.activeOrders[orderID]
	if !ok {
		return nil, false
	}
	delete(s.activeOrders, orderID)
	if o.Side == model.SideBuy {
		s.pendingBuys--
	} else {
		s.pendingSells--
	}

	lvl, hasLevel := s.levels[o.GridID]
	if terminal == model.OrderFilled {
		o.Status = model.OrderFilled
		if hasLevel {
			if o.Side == model.SideBuy {
				lvl.BuyCount++
				lvl.Status = model.LevelFilledBuy
			} else {
				lvl.SellCount++
				lvl.Status = model.LevelFilledSell
			}
			if lvl.BuyCount > 0 && lvl.SellCount > 0 {
				cycles := lvl.BuyCount
				if lvl.SellCount < cycles {
					cycles = lvl.SellCount
				}
				if cycles > lvl.CompletedCycles {
					s.cycleCount += cycles - lvl.CompletedCycles
					lvl.CompletedCycles = cycles
					lvl.Status = model.LevelCompleted
				}
			}
		}
	} else {
		o.Status = terminal
		if hasLevel {
			lvl.Status = model.LevelIdle
			lvl.CurrentOrderID = ""
		}
	}
	return o, true
}

// ActiveOrders returns a snapshot copy of every currently-active order.
func (s *State) ActiveOrders() []model.GridOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.GridOrder, 0, len(s.activeOrders))
	for _, o := range s.activeOrders {
		out = append(out, *o)
	}
	return out
}

// PendingCounts returns the side-partitioned count of active orders, which
// must always equal len(ActiveOrders()) split by side (an invariant this
// struct enforces by constructing both together in AddOrder/RemoveOrder).
func (s *State) PendingCounts() (buys, sells int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingBuys, s.pendingSells
}

// SetCurrentPrice updates the latest observed price and derived grid index.
func (s *State) SetCurrentPrice(cfg *Config, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPrice = price
	s.currentGridID = cfg.IndexAt(price)
}

// CurrentPrice returns the latest observed price and grid index.
func (s *State) CurrentPrice() (decimal.Decimal, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPrice, s.currentGridID
}

// InitialPrice returns the price recorded at the last start/reset.
func (s *State) InitialPrice() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialPrice
}

// CycleCount returns the number of completed BUY+SELL cycles.
func (s *State) CycleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycleCount
}

// Levels returns a snapshot copy of every grid level, ordered by grid id.
func (s *State) Levels(gridCount int) []model.GridLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.GridLevel, 0, gridCount)
	for i := 1; i <= gridCount; i++ {
		if lvl, ok := s.levels[i]; ok {
			out = append(out, *lvl)
		}
	}
	return out
}

// Validate checks the invariant that pending counts equal the
// side-partitioned size of activeOrders (used by tests, not on the hot
// path).
func (s *State) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buys, sells := 0, 0
	for _, o := range s.activeOrders {
		if o.Side == model.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	if buys != s.pendingBuys || sells != s.pendingSells {
		return fmt.Errorf("pending counts drifted: tracked buys=%d sells=%d, actual buys=%d sells=%d",
			s.pendingBuys, s.pendingSells, buys, sells)
	}
	return nil
}

// deferredFillCapacity bounds the deferred-fill buffer (SPEC_FULL.md §9): an
// unbounded buffer could starve memory under a stuck reset.
const deferredFillCapacity = 1024

// DeferredFillBuffer is a capacity-bounded queue for fills observed while a
// reset is in flight (§4.7/§4.8). Overflow is a StateAnomaly, not silent
// growth.
type DeferredFillBuffer struct {
	mu      sync.Mutex
	entries []model.OrderEvent
}

// NewDeferredFillBuffer returns an empty buffer.
func NewDeferredFillBuffer() *DeferredFillBuffer {
	return &DeferredFillBuffer{entries: make([]model.OrderEvent, 0, 16)}
}

// Push appends evt, returning false if the buffer is already at capacity.
func (b *DeferredFillBuffer) Push(evt model.OrderEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= deferredFillCapacity {
		return false
	}
	b.entries = append(b.entries, evt)
	return true
}

// DrainAll returns every buffered event in arrival order and empties the
// buffer.
func (b *DeferredFillBuffer) DrainAll() []model.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = make([]model.OrderEvent, 0, 16)
	return out
}

// Len reports the number of currently-buffered events.
func (b *DeferredFillBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
