// Package strategy implements the pure grid computation (C4): the initial
// order set, and the reverse-order parameters produced by a fill. No I/O,
// no exchange calls — every method is a deterministic function of its
// arguments so it can be exercised with table-driven tests.
package strategy

import (
	"market_maker/internal/model"
	"market_maker/internal/trading/grid"

	"github.com/shopspring/decimal"
)

// Strategy wraps a grid.Config to provide the C4 operations.
type Strategy struct {
	cfg *grid.Config
}

// New returns a Strategy bound to cfg.
func New(cfg *grid.Config) *Strategy {
	return &Strategy{cfg: cfg}
}

// Initialise returns the full initial order set: one BUY per level for LONG
// families, one SELL per level for SHORT families.
func (s *Strategy) Initialise() []model.GridOrder {
	side := s.cfg.SideAt()
	orders := make([]model.GridOrder, 0, s.cfg.GridCount)
	for i := 1; i <= s.cfg.GridCount; i++ {
		orders = append(orders, model.GridOrder{
			GridID: i,
			Side:   side,
			Price:  s.cfg.PriceAt(i),
			Amount: s.cfg.AmountAt(i),
			Status: model.OrderPending,
		})
	}
	return orders
}

// ReverseOf computes the opposite-side order to submit once filled has
// filled, at interval*distance away, using filled's submitted price (never
// its executed price) to keep inter-level spacing exact (§4.1 rationale).
func (s *Strategy) ReverseOf(filled model.GridOrder, distance int) model.ReverseOrder {
	step := decimal.NewFromInt(int64(distance)).Mul(s.cfg.Interval)

	if filled.Side == model.SideBuy {
		price := filled.Price.Add(step)
		return model.ReverseOrder{
			GridID: s.cfg.IndexAt(price),
			Side:   model.SideSell,
			Price:  price.Round(s.cfg.PriceDecimals),
			Amount: reverseAmount(filled),
		}
	}
	price := filled.Price.Sub(step)
	return model.ReverseOrder{
		GridID: s.cfg.IndexAt(price),
		Side:   model.SideBuy,
		Price:  price.Round(s.cfg.PriceDecimals),
		Amount: reverseAmount(filled),
	}
}

// ReverseOfBatch computes the reverse order for each fill in list, in the
// original order, so a batch of deferred fills replays deterministically
// (P8 deferred fills).
func (s *Strategy) ReverseOfBatch(list []model.GridOrder, distance int) []model.ReverseOrder {
	out := make([]model.ReverseOrder, 0, len(list))
	for _, filled := range list {
		out = append(out, s.ReverseOf(filled, distance))
	}
	return out
}

// reverseAmount uses the filled amount when present, falling back to the
// order's nominal amount (fully-filled limit orders always have one, but a
// defensively-constructed GridOrder in a test may not).
func reverseAmount(filled model.GridOrder) decimal.Decimal {
	if !filled.FilledAmount.IsZero() {
		return filled.FilledAmount
	}
	return filled.Amount
}
