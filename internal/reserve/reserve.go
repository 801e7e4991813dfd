// Package reserve implements the ReserveManager (C13): spot-only tracking
// of a reserved base-asset quantity consumed by taker fees, replenished
// automatically once it drops below a threshold. Perpetual runs wire the
// no-op implementation so hot paths never branch on venue type.
package reserve

import (
	"context"
	"sync"

	"market_maker/internal/core"
	"market_maker/internal/model"

	"github.com/shopspring/decimal"
)

// Manager is the interface C5/C12 consume; gating spot-only behaviour
// behind it keeps a perpetual run's fill path free of a venue-type check.
type Manager interface {
	// ConsumeFee books a taker-fee deduction against the reserve.
	ConsumeFee(amount decimal.Decimal)
	// Balance returns the currently reserved amount.
	Balance() decimal.Decimal
	// MaybeReplenish adds the configured replenish amount once the reserve
	// has dropped below the configured threshold.
	MaybeReplenish(ctx context.Context) error
}

// NoOp is the perpetual-run implementation: every call is inert.
type NoOp struct{}

func (NoOp) ConsumeFee(decimal.Decimal)                        {}
func (NoOp) Balance() decimal.Decimal                           { return decimal.Zero }
func (NoOp) MaybeReplenish(ctx context.Context) error           { return nil }

// Config configures the spot ReserveManager.
type Config struct {
	Asset           string
	TargetAmount    decimal.Decimal
	ReplenishBelow  decimal.Decimal // threshold that triggers a top-up
	ReplenishAmount decimal.Decimal
}

// Spot is the spot-venue ReserveManager.
type Spot struct {
	exchange core.IExchange
	logger   core.ILogger
	cfg      Config

	mu      sync.Mutex
	balance decimal.Decimal
}

// NewSpot constructs a Spot reserve manager starting at cfg.TargetAmount.
func NewSpot(exchange core.IExchange, logger core.ILogger, cfg Config) *Spot {
	return &Spot{exchange: exchange, logger: logger.WithField("component", "reserve_manager"), cfg: cfg, balance: cfg.TargetAmount}
}

func (s *Spot) ConsumeFee(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = s.balance.Sub(amount)
}

func (s *Spot) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// MaybeReplenish buys ReplenishAmount of Asset at market when the reserve
// has fallen below ReplenishBelow.
func (s *Spot) MaybeReplenish(ctx context.Context) error {
	s.mu.Lock()
	below := s.balance.LessThan(s.cfg.ReplenishBelow)
	s.mu.Unlock()
	if !below {
		return nil
	}

	_, err := s.exchange.PlaceMarketOrder(ctx, s.cfg.Asset, model.SideBuy, s.cfg.ReplenishAmount, false)
	if err != nil {
		s.logger.Warn("reserve replenish failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.balance = s.balance.Add(s.cfg.ReplenishAmount)
	s.mu.Unlock()
	return nil
}
