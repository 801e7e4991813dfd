package grid

import (
	"testing"

	"market_maker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfig(Config{
		Exchange:         "mock",
		Symbol:           "BTCUSDT",
		GridType:         model.GridLong,
		Lower:            decimal.NewFromInt(100),
		Upper:            decimal.NewFromInt(200),
		Interval:         decimal.NewFromInt(10),
		OrderAmount:      decimal.RequireFromString("0.001"),
		PriceDecimals:    1,
		QuantityDecimals: 3,
	})
	require.NoError(t, err)
	return cfg
}

// P1 + P2: grid geometry and indexing round-trip.
func TestPriceIndexRoundTrip(t *testing.T) {
	cfg := longConfig(t)
	require.Equal(t, 10, cfg.GridCount)

	for i := 1; i <= cfg.GridCount; i++ {
		price := cfg.PriceAt(i)
		assert.Equal(t, i, cfg.IndexAt(price), "index(price(%d)) should round-trip", i)
	}
	assert.True(t, cfg.PriceAt(1).Equal(decimal.NewFromInt(100)))
	assert.True(t, cfg.PriceAt(4).Equal(decimal.NewFromInt(130)))
}

func TestPriceIndexRoundTripShort(t *testing.T) {
	cfg, err := NewConfig(Config{
		GridType:         model.GridShort,
		Lower:            decimal.NewFromInt(100),
		Upper:            decimal.NewFromInt(200),
		Interval:         decimal.NewFromInt(10),
		OrderAmount:      decimal.RequireFromString("0.001"),
		PriceDecimals:    1,
		QuantityDecimals: 3,
	})
	require.NoError(t, err)

	assert.True(t, cfg.PriceAt(1).Equal(decimal.NewFromInt(200)), "index 1 is the top for SHORT families")
	for i := 1; i <= cfg.GridCount; i++ {
		assert.Equal(t, i, cfg.IndexAt(cfg.PriceAt(i)))
	}
}

// P4: martingale monotonicity.
func TestMartingaleMonotonicityLong(t *testing.T) {
	cfg, err := NewConfig(Config{
		GridType:            model.GridMartingaleLong,
		Lower:               decimal.NewFromInt(100),
		Upper:               decimal.NewFromInt(130),
		Interval:            decimal.NewFromInt(10),
		OrderAmount:         decimal.RequireFromString("0.001"),
		MartingaleIncrement: decimal.RequireFromString("0.0005"),
		PriceDecimals:       1,
		QuantityDecimals:    3,
	})
	require.NoError(t, err)
	require.Equal(t, 3, cfg.GridCount)

	// S3: quantise(0.002, 0.0015, 0.001) = {0.002, 0.002 (half-up), 0.001}
	assert.True(t, cfg.AmountAt(1).Equal(decimal.RequireFromString("0.002")))
	assert.True(t, cfg.AmountAt(2).Equal(decimal.RequireFromString("0.002")))
	assert.True(t, cfg.AmountAt(3).Equal(decimal.RequireFromString("0.001")))

	for i := 1; i < cfg.GridCount; i++ {
		assert.True(t, cfg.AmountAt(i).GreaterThanOrEqual(cfg.AmountAt(i+1)))
	}
}

func TestMartingaleMonotonicityShort(t *testing.T) {
	cfg, err := NewConfig(Config{
		GridType:            model.GridMartingaleShort,
		Lower:               decimal.NewFromInt(100),
		Upper:               decimal.NewFromInt(130),
		Interval:            decimal.NewFromInt(10),
		OrderAmount:         decimal.RequireFromString("0.001"),
		MartingaleIncrement: decimal.RequireFromString("0.0005"),
		PriceDecimals:       1,
		QuantityDecimals:    3,
	})
	require.NoError(t, err)
	for i := 1; i < cfg.GridCount; i++ {
		assert.True(t, cfg.AmountAt(i).LessThanOrEqual(cfg.AmountAt(i+1)))
	}
}

// P3: follow quantisation.
func TestFollowModeQuantisation(t *testing.T) {
	cfg, err := NewConfig(Config{
		GridType:         model.GridFollowLong,
		Interval:         decimal.RequireFromString("10"),
		OrderAmount:      decimal.RequireFromString("0.001"),
		FollowGridCount:  10,
		PriceOffsetGrids: 2,
		PriceDecimals:    1,
		QuantityDecimals: 3,
	})
	require.NoError(t, err)

	cfg.UpdatePriceRangeForFollowMode(decimal.NewFromInt(150))
	span := cfg.Upper.Sub(cfg.Lower)
	expected := decimal.NewFromInt(int64(cfg.GridCount)).Mul(cfg.Interval)
	assert.True(t, span.Equal(expected), "upper-lower must equal grid_count*interval exactly: got %s want %s", span, expected)
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := NewConfig(Config{
		GridType:         model.GridLong,
		Lower:            decimal.NewFromInt(200),
		Upper:            decimal.NewFromInt(100),
		Interval:         decimal.NewFromInt(10),
		OrderAmount:      decimal.RequireFromString("0.001"),
		PriceDecimals:    1,
		QuantityDecimals: 3,
	})
	assert.Error(t, err)
}
