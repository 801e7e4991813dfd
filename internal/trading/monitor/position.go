// Package monitor implements the PositionMonitor (C6) and BalanceMonitor
// (C7): periodic, event-debounced REST queries. PositionMonitor is the sole
// writer of position into the position tracker; BalanceMonitor keeps its own
// balance snapshot.
package monitor

import (
	"context"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/trading/position"

	"github.com/shopspring/decimal"
)

const (
	positionPollInterval = 60 * time.Second
	eventDebounce        = 5 * time.Second
	streamCacheMaxAge    = 180 * time.Second
	restTimeout          = 5 * time.Second
	anomalyGracePeriod   = 60 * time.Second
	anomalyMultiple      = 10
	anomalyRelativeMove  = 1.0 // 100%
	consecutiveFailures  = 3
)

// PositionMonitor is C6.
type PositionMonitor struct {
	exchange core.IExchange
	tracker  *position.Tracker
	logger   core.ILogger
	symbol   string

	startedAt time.Time

	mu              sync.Mutex
	lastEventQuery  time.Time
	streamCache     model.PositionData
	streamCacheAt   time.Time
	failures        int
	networkDown     bool
	emergencyStopped bool

	onNetworkChange func(down bool)
}

// NewPositionMonitor constructs a PositionMonitor bound to tracker.
func NewPositionMonitor(exchange core.IExchange, tracker *position.Tracker, logger core.ILogger, symbol string) *PositionMonitor {
	return &PositionMonitor{
		exchange:  exchange,
		tracker:   tracker,
		logger:    logger.WithField("component", "position_monitor"),
		symbol:    symbol,
		startedAt: time.Now(),
	}
}

// OnNetworkChange registers the callback invoked when the network-fault flag
// flips, used to pause/resume the coordinator.
func (m *PositionMonitor) OnNetworkChange(f func(down bool)) { m.onNetworkChange = f }

// EmergencyStopped reports whether an anomalous position jump has latched
// the emergency-stop flag. Requires a manual clear (ClearEmergencyStop).
func (m *PositionMonitor) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStopped
}

// ClearEmergencyStop manually clears a latched emergency stop.
func (m *PositionMonitor) ClearEmergencyStop() {
	m.mu.Lock()
	m.emergencyStopped = false
	m.mu.Unlock()
}

// UpdateStreamCache records the freshest stream-pushed position, consumed in
// preference to a REST query when fresh enough.
func (m *PositionMonitor) UpdateStreamCache(p model.PositionData) {
	m.mu.Lock()
	m.streamCache = p
	m.streamCacheAt = time.Now()
	m.mu.Unlock()
}

// Run is the monitor's goroutine: a ticker loop plus a debounced
// event-triggered query channel.
func (m *PositionMonitor) Run(ctx context.Context, events <-chan struct{}) {
	ticker := time.NewTicker(positionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		case <-events:
			m.mu.Lock()
			due := time.Since(m.lastEventQuery) >= eventDebounce
			if due {
				m.lastEventQuery = time.Now()
			}
			m.mu.Unlock()
			if due {
				m.poll(ctx)
			}
		}
	}
}

func (m *PositionMonitor) poll(ctx context.Context) {
	m.mu.Lock()
	cached := m.streamCache
	fresh := time.Since(m.streamCacheAt) < streamCacheMaxAge
	m.mu.Unlock()

	var size, entry decimal.Decimal
	if fresh {
		size, entry = signedSize(cached), cached.EntryPrice
	} else {
		restCtx, cancel := context.WithTimeout(ctx, restTimeout)
		positions, err := m.exchange.GetPositions(restCtx, []string{m.symbol})
		cancel()
		if err != nil {
			m.recordFailure()
			return
		}
		m.recordSuccess()
		if len(positions) == 0 {
			size, entry = decimal.Zero, decimal.Zero
		} else {
			size, entry = signedSize(positions[0]), positions[0].EntryPrice
		}
	}

	if m.isAnomalous(size) {
		m.mu.Lock()
		m.emergencyStopped = true
		m.mu.Unlock()
		m.logger.Error("position anomaly detected, emergency stop latched", "size", size.String())
		return
	}

	m.tracker.SyncInitialPosition(size, entry)
}

func signedSize(p model.PositionData) decimal.Decimal {
	if p.Side == model.PositionShort {
		return p.Size.Neg()
	}
	return p.Size
}

func (m *PositionMonitor) isAnomalous(next decimal.Decimal) bool {
	if time.Since(m.startedAt) < anomalyGracePeriod {
		return false
	}
	prev, _ := m.tracker.Position()
	if prev.IsZero() {
		return false
	}
	absPrev := prev.Abs()
	if next.Abs().GreaterThan(absPrev.Mul(decimal.NewFromInt(anomalyMultiple))) {
		return true
	}
	relative := next.Sub(prev).Abs().Div(absPrev)
	return relative.GreaterThan(decimal.NewFromFloat(anomalyRelativeMove))
}

func (m *PositionMonitor) recordFailure() {
	m.mu.Lock()
	m.failures++
	tripped := !m.networkDown && m.failures >= consecutiveFailures
	if tripped {
		m.networkDown = true
	}
	m.mu.Unlock()
	if tripped && m.onNetworkChange != nil {
		m.onNetworkChange(true)
	}
}

func (m *PositionMonitor) recordSuccess() {
	m.mu.Lock()
	m.failures = 0
	recovered := m.networkDown
	if recovered {
		m.networkDown = false
	}
	m.mu.Unlock()
	if recovered && m.onNetworkChange != nil {
		m.onNetworkChange(false)
	}
}
