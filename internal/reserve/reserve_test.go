package reserve

import (
	"context"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct{}

func (fakeLogger) Debug(string, ...interface{})                     {}
func (fakeLogger) Info(string, ...interface{})                      {}
func (fakeLogger) Warn(string, ...interface{})                      {}
func (fakeLogger) Error(string, ...interface{})                     {}
func (fakeLogger) Fatal(string, ...interface{})                     {}
func (f fakeLogger) WithField(string, interface{}) core.ILogger     { return f }
func (f fakeLogger) WithFields(map[string]interface{}) core.ILogger { return f }

type fakeExchange struct {
	core.IExchange
	marketOrders int
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, reduceOnly bool) (model.OrderData, error) {
	f.marketOrders++
	return model.OrderData{ID: "replenish"}, nil
}

func TestConsumeFeeReducesBalance(t *testing.T) {
	s := NewSpot(&fakeExchange{}, fakeLogger{}, Config{TargetAmount: decimal.NewFromInt(10)})
	s.ConsumeFee(decimal.NewFromInt(3))
	assert.True(t, s.Balance().Equal(decimal.NewFromInt(7)))
}

func TestMaybeReplenishOnlyFiresBelowThreshold(t *testing.T) {
	fx := &fakeExchange{}
	s := NewSpot(fx, fakeLogger{}, Config{TargetAmount: decimal.NewFromInt(10), ReplenishBelow: decimal.NewFromInt(5), ReplenishAmount: decimal.NewFromInt(10)})

	require.NoError(t, s.MaybeReplenish(context.Background()))
	assert.Equal(t, 0, fx.marketOrders, "balance is above threshold, no replenish expected")

	s.ConsumeFee(decimal.NewFromInt(6))
	require.NoError(t, s.MaybeReplenish(context.Background()))
	assert.Equal(t, 1, fx.marketOrders)
	assert.True(t, s.Balance().Equal(decimal.NewFromInt(14)))
}

func TestNoOpManagerIsInert(t *testing.T) {
	var m Manager = NoOp{}
	m.ConsumeFee(decimal.NewFromInt(100))
	assert.True(t, m.Balance().IsZero())
	assert.NoError(t, m.MaybeReplenish(context.Background()))
}
