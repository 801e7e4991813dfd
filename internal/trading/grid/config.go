// Package grid implements the grid's immutable configuration (C1) and its
// mutable in-memory snapshot (C2): level prices, per-level amounts, and the
// index<->price mapping every other component relies on.
package grid

import (
	"fmt"

	"market_maker/internal/model"
	"market_maker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Config is GridConfig (C1): parameters fixed at start, except for the
// range-shift writes follow-mode reset performs on Lower/Upper.
type Config struct {
	Exchange string
	Symbol   string
	GridType model.GridType

	Lower decimal.Decimal
	Upper decimal.Decimal

	Interval    decimal.Decimal
	OrderAmount decimal.Decimal

	PriceDecimals    int32
	QuantityDecimals int32
	FeeRate          decimal.Decimal

	MaxPosition decimal.Decimal // zero means uncapped

	MartingaleIncrement decimal.Decimal // zero disables martingale

	FollowGridCount   int
	FollowDistance    int // grids
	PriceOffsetGrids  int
	ReverseOrderGridDistance int // default 1

	GridCount int
}

// NewConfig validates and derives GridCount from Lower/Upper/Interval for
// fixed (non-follow) families, or from FollowGridCount for follow families.
func NewConfig(c Config) (*Config, error) {
	cfg := c
	if cfg.Interval.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("grid_interval must be > 0")
	}
	if cfg.OrderAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("order_amount must be > 0")
	}
	if cfg.ReverseOrderGridDistance <= 0 {
		cfg.ReverseOrderGridDistance = 1
	}

	if cfg.GridType.IsFollowFamily() {
		if cfg.FollowGridCount <= 0 {
			return nil, fmt.Errorf("follow_grid_count is required for follow grid types")
		}
		cfg.GridCount = cfg.FollowGridCount
		return &cfg, nil
	}

	if !cfg.Lower.LessThan(cfg.Upper) {
		return nil, fmt.Errorf("lower_price must be < upper_price")
	}
	span := cfg.Upper.Sub(cfg.Lower)
	cfg.GridCount = int(span.Div(cfg.Interval).IntPart())
	if cfg.GridCount <= 0 {
		return nil, fmt.Errorf("grid_count computed as %d, must be > 0", cfg.GridCount)
	}
	return &cfg, nil
}

// quantisePrice rounds half-up to PriceDecimals.
func (c *Config) quantisePrice(d decimal.Decimal) decimal.Decimal {
	return tradingutils.RoundPrice(d, int(c.PriceDecimals))
}

// quantiseAmount rounds half-up to QuantityDecimals.
func (c *Config) quantiseAmount(d decimal.Decimal) decimal.Decimal {
	return tradingutils.RoundQuantity(d, int(c.QuantityDecimals))
}

// PriceAt returns the quantised theoretical price for grid index i (1-based).
// LONG families number from the low end; SHORT families from the high end.
func (c *Config) PriceAt(i int) decimal.Decimal {
	offset := decimal.NewFromInt(int64(i - 1)).Mul(c.Interval)
	if c.GridType.IsShortFamily() {
		return c.quantisePrice(c.Upper.Sub(offset))
	}
	return c.quantisePrice(c.Lower.Add(offset))
}

// IndexAt returns the nearest grid index for a price, per §3: round, not
// truncate, to absorb float-to-decimal conversion noise.
func (c *Config) IndexAt(price decimal.Decimal) int {
	if c.GridType.IsShortFamily() {
		offset := c.Upper.Sub(price).Div(c.Interval).Round(0)
		return int(offset.IntPart()) + 1
	}
	offset := price.Sub(c.Lower).Div(c.Interval).Round(0)
	return int(offset.IntPart()) + 1
}

// AmountAt returns the quantised per-level order amount for grid index i,
// including the martingale increment when configured. k(i) is
// grid_count-i for LONG families (larger at the low end) and i-1 for SHORT
// families (larger at the high end).
func (c *Config) AmountAt(i int) decimal.Decimal {
	if c.MartingaleIncrement.IsZero() {
		return c.quantiseAmount(c.OrderAmount)
	}
	var k int
	if c.GridType.IsShortFamily() {
		k = i - 1
	} else {
		k = c.GridCount - i
	}
	extra := decimal.NewFromInt(int64(k)).Mul(c.MartingaleIncrement)
	return c.quantiseAmount(c.OrderAmount.Add(extra))
}

// SideAt returns the side an initial order at index i opens with: BUY for
// LONG families, SELL for SHORT families.
func (c *Config) SideAt() model.Side {
	if c.GridType.IsShortFamily() {
		return model.SideSell
	}
	return model.SideBuy
}

// UpdatePriceRangeForFollowMode recomputes Lower/Upper around the live price
// for follow-mode grids (§3 "Follow range update"), re-quantising both
// bounds so Upper-Lower stays exactly GridCount*Interval (P3).
func (c *Config) UpdatePriceRangeForFollowMode(currentPrice decimal.Decimal) {
	offset := decimal.NewFromInt(int64(c.PriceOffsetGrids)).Mul(c.Interval)
	span := decimal.NewFromInt(int64(c.GridCount)).Mul(c.Interval)

	if c.GridType.IsShortFamily() {
		c.Lower = c.quantisePrice(currentPrice.Sub(offset))
		c.Upper = c.quantisePrice(c.Lower.Add(span))
		return
	}
	c.Upper = c.quantisePrice(currentPrice.Add(offset))
	c.Lower = c.quantisePrice(c.Upper.Sub(span))
}
