package strategy

import (
	"testing"

	"market_maker/internal/model"
	"market_maker/internal/trading/grid"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCfg(t *testing.T) *grid.Config {
	t.Helper()
	cfg, err := grid.NewConfig(grid.Config{
		GridType:                 model.GridLong,
		Lower:                    decimal.NewFromInt(100),
		Upper:                    decimal.NewFromInt(200),
		Interval:                 decimal.NewFromInt(10),
		OrderAmount:              decimal.RequireFromString("0.001"),
		PriceDecimals:            1,
		QuantityDecimals:         3,
		ReverseOrderGridDistance: 1,
	})
	require.NoError(t, err)
	return cfg
}

// S1: simple cycle.
func TestInitialiseProducesTenBuys(t *testing.T) {
	cfg := newCfg(t)
	s := New(cfg)
	orders := s.Initialise()

	require.Len(t, orders, 10)
	for i, o := range orders {
		assert.Equal(t, model.SideBuy, o.Side)
		assert.True(t, o.Price.Equal(cfg.PriceAt(i+1)))
	}
}

func TestReverseOfBuyProducesSellOneIntervalUp(t *testing.T) {
	cfg := newCfg(t)
	s := New(cfg)

	filled := model.GridOrder{
		GridID:       4,
		Side:         model.SideBuy,
		Price:        decimal.NewFromInt(130),
		Amount:       decimal.RequireFromString("0.001"),
		FilledPrice:  decimal.NewFromInt(130),
		FilledAmount: decimal.RequireFromString("0.001"),
	}
	rev := s.ReverseOf(filled, cfg.ReverseOrderGridDistance)

	assert.Equal(t, model.SideSell, rev.Side)
	assert.True(t, rev.Price.Equal(decimal.NewFromInt(140)), "expected 140, got %s", rev.Price)
	assert.True(t, rev.Amount.Equal(decimal.RequireFromString("0.001")))
}

func TestReverseOfSellProducesBuyOneIntervalDown(t *testing.T) {
	cfg := newCfg(t)
	s := New(cfg)

	filled := model.GridOrder{
		GridID:       5,
		Side:         model.SideSell,
		Price:        decimal.NewFromInt(140),
		FilledAmount: decimal.RequireFromString("0.001"),
	}
	rev := s.ReverseOf(filled, cfg.ReverseOrderGridDistance)

	assert.Equal(t, model.SideBuy, rev.Side)
	assert.True(t, rev.Price.Equal(decimal.NewFromInt(130)))
}

// S2: reverse order uses the submitted price, never the executed price.
func TestReverseOfUsesSubmittedPriceNotExecutedPrice(t *testing.T) {
	cfg := newCfg(t)
	s := New(cfg)

	// A market order sweep during a reset can execute away from the
	// submitted limit price; the reverse order must still be computed
	// from the original grid price (120), not the slipped fill (120.4).
	filled := model.GridOrder{
		GridID:       3,
		Side:         model.SideBuy,
		Price:        decimal.NewFromInt(120),
		FilledPrice:  decimal.RequireFromString("120.4"),
		FilledAmount: decimal.RequireFromString("0.001"),
	}
	rev := s.ReverseOf(filled, 1)
	assert.True(t, rev.Price.Equal(decimal.NewFromInt(130)), "must use submitted price 120, not filled price 120.4")
}

func TestReverseOfBatchPreservesOrder(t *testing.T) {
	cfg := newCfg(t)
	s := New(cfg)

	fills := []model.GridOrder{
		{GridID: 2, Side: model.SideBuy, Price: decimal.NewFromInt(110), FilledAmount: decimal.RequireFromString("0.001")},
		{GridID: 3, Side: model.SideBuy, Price: decimal.NewFromInt(120), FilledAmount: decimal.RequireFromString("0.002")},
	}
	revs := s.ReverseOfBatch(fills, 1)
	require.Len(t, revs, 2)
	assert.True(t, revs[0].Price.Equal(decimal.NewFromInt(120)))
	assert.True(t, revs[1].Price.Equal(decimal.NewFromInt(130)))
	assert.True(t, revs[1].Amount.Equal(decimal.RequireFromString("0.002")))
}
