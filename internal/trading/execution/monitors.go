package execution

import (
	"context"
	"time"

	"market_maker/internal/model"
)

const (
	streamHealthyPoll   = 30 * time.Second
	streamDegradedPoll  = 3 * time.Second
	streamRecoveryEvery = 30 * time.Second
	priceFreshness      = 5 * time.Second
	networkFaultWindow  = 30 * time.Second
	consecutiveToTrip   = 3
)

// NetworkFaultHandler is invoked when the engine's REST price polling
// has failed three times in the fault window, and again when it recovers.
type NetworkFaultHandler func(down bool)

// RunOrderMonitor is the smart order monitor goroutine (§4.2). While the
// stream looks healthy it merely logs; once degraded it falls back to
// polling open orders and treats anything missing from the poll as filled,
// since the grid never cancels internally outside an explicit reset.
func (e *Engine) RunOrderMonitor(ctx context.Context) {
	lastRecoveryAttempt := time.Now()
	for {
		healthy := e.streamHealthy()
		interval := streamHealthyPoll
		if !healthy {
			interval = streamDegradedPoll
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if healthy {
			e.setMode(ModeStream)
			e.logger.Debug("order monitor: stream healthy")
			continue
		}

		e.setMode(ModeRESTPoll)
		e.pollOpenOrdersAndReconcileFills(ctx)

		if time.Since(lastRecoveryAttempt) >= streamRecoveryEvery {
			lastRecoveryAttempt = time.Now()
			_ = e.exchange.Connect(ctx)
		}
	}
}

func (e *Engine) streamHealthy() bool {
	if !e.exchange.IsConnected() {
		return false
	}
	return time.Since(e.lastHeartbeat) < streamRecoveryEvery
}

// pollOpenOrdersAndReconcileFills diffs the venue's open-order list against
// the local cache; anything cached but absent from the venue response is
// assumed filled, since this engine never silently drops a resting order.
func (e *Engine) pollOpenOrdersAndReconcileFills(ctx context.Context) {
	open, err := e.exchange.GetOpenOrders(ctx, e.symbol)
	if err != nil {
		e.logger.Warn("order monitor poll failed", "error", err)
		return
	}
	stillOpen := make(map[string]struct{}, len(open))
	for _, od := range open {
		stillOpen[od.ID] = struct{}{}
	}

	e.mu.Lock()
	var disappeared []*model.GridOrder
	for id, o := range e.byID {
		if _, ok := stillOpen[id]; !ok {
			disappeared = append(disappeared, o)
		}
	}
	for _, o := range disappeared {
		delete(e.byID, o.OrderID)
		delete(e.byClientID, o.ClientID)
	}
	e.mu.Unlock()

	for _, o := range disappeared {
		resolved := *o
		resolved.Status = model.OrderFilled
		if resolved.FilledAmount.IsZero() {
			resolved.FilledAmount = resolved.Amount
		}
		if resolved.FilledPrice.IsZero() {
			resolved.FilledPrice = resolved.Price
		}
		for _, h := range e.fillHandlers {
			h(resolved)
		}
	}
}

// RunPriceMonitor is the price monitor loop (§4.2): prefers a fresh stream
// ticker, falls back to REST, and flips a network-fault flag after three
// consecutive REST failures within the fault window.
func (e *Engine) RunPriceMonitor(ctx context.Context, interval time.Duration, onFault NetworkFaultHandler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var faultTripped bool
	var windowStart time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, age := e.CurrentPrice()
		if age < priceFreshness {
			e.streamSuccesses++
			e.streamFailures = 0
			if faultTripped && e.streamSuccesses >= consecutiveToTrip {
				faultTripped = false
				if onFault != nil {
					onFault(false)
				}
			}
			continue
		}

		t, err := e.exchange.GetTicker(ctx, e.symbol)
		if err != nil {
			if windowStart.IsZero() || time.Since(windowStart) > networkFaultWindow {
				windowStart = time.Now()
				e.streamFailures = 0
			}
			e.streamFailures++
			e.streamSuccesses = 0
			if !faultTripped && e.streamFailures >= consecutiveToTrip {
				faultTripped = true
				if onFault != nil {
					onFault(true)
				}
			}
			continue
		}
		e.handleTicker(t)

		e.streamSuccesses++
		e.streamFailures = 0
		if faultTripped && e.streamSuccesses >= consecutiveToTrip {
			faultTripped = false
			if onFault != nil {
				onFault(false)
			}
		}
	}
}
