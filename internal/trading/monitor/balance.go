package monitor

import (
	"context"
	"sync"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

const balancePollInterval = 60 * time.Second

// DataSource labels where a BalanceSnapshot's numbers were last refreshed
// from, for the dashboard.
type DataSource string

const (
	DataSourceStream DataSource = "stream cache"
	DataSourceREST   DataSource = "REST"
)

// BalanceSnapshot is the read surface BalanceMonitor exposes.
type BalanceSnapshot struct {
	SpotBalance      decimal.Decimal
	CollateralBalance decimal.Decimal
	OrderLockedBalance decimal.Decimal
	Total            decimal.Decimal
	InitialCapital   decimal.Decimal
	Source           DataSource
}

// BalanceMonitor is C7.
type BalanceMonitor struct {
	exchange core.IExchange
	logger   core.ILogger
	currency string

	mu              sync.RWMutex
	snapshot        BalanceSnapshot
	capitalSet      bool
	streamFree      decimal.Decimal
	streamAt        time.Time
}

// NewBalanceMonitor constructs a BalanceMonitor for currency (the spot
// quote asset or the perpetual collateral currency).
func NewBalanceMonitor(exchange core.IExchange, logger core.ILogger, currency string) *BalanceMonitor {
	return &BalanceMonitor{exchange: exchange, logger: logger.WithField("component", "balance_monitor"), currency: currency}
}

// Run polls the exchange on a fixed interval.
func (m *BalanceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(balancePollInterval)
	defer ticker.Stop()
	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// UpdateStreamCache records the freshest stream-pushed free balance.
func (m *BalanceMonitor) UpdateStreamCache(free decimal.Decimal) {
	m.mu.Lock()
	m.streamFree = free
	m.streamAt = time.Now()
	m.mu.Unlock()
}

// ResetInitialCapital re-arms the initial-capital baseline; called on start
// and on every grid reset.
func (m *BalanceMonitor) ResetInitialCapital() {
	m.mu.Lock()
	m.capitalSet = false
	m.mu.Unlock()
}

func (m *BalanceMonitor) poll(ctx context.Context) {
	balances, err := m.exchange.GetBalances(ctx)
	if err != nil {
		m.logger.Warn("balance poll failed", "error", err)
		return
	}

	var free, used, total decimal.Decimal
	for _, b := range balances {
		if b.Currency != m.currency {
			continue
		}
		free, used, total = b.Free, b.Used, b.Total
		break
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prevCapital := m.prevInitialCapital()
	m.snapshot = BalanceSnapshot{
		SpotBalance:        free,
		CollateralBalance:  free,
		OrderLockedBalance: used,
		Total:              total,
		Source:             DataSourceREST,
	}
	if !m.capitalSet {
		m.snapshot.InitialCapital = total
		m.capitalSet = true
	} else {
		m.snapshot.InitialCapital = prevCapital
	}
}

func (m *BalanceMonitor) prevInitialCapital() decimal.Decimal {
	return m.snapshot.InitialCapital
}

// Snapshot returns the current read surface.
func (m *BalanceMonitor) Snapshot() BalanceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
