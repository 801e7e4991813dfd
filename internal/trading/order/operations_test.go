package order

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
	open      []model.OrderData
	positions []model.PositionData
	cancelled []string
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	f.cancelled = append(f.cancelled, id)
	for i, o := range f.open {
		if o.ID == id {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	f.open = nil
	return nil, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	return f.open, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, symbol string, side model.Side, ot model.OrderType, amount, price decimal.Decimal, params core.OrderParams) (model.OrderData, error) {
	od := model.OrderData{ID: "new-order", ClientID: params.ClientID, Side: side, Price: price, Amount: amount}
	f.open = append(f.open, od)
	return od, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, reduceOnly bool) (model.OrderData, error) {
	f.positions = nil
	return model.OrderData{ID: "market-close"}, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error) {
	return f.positions, nil
}

func TestCancelAndVerifySucceedsOnceOrderIsGone(t *testing.T) {
	fx := &fakeExchange{open: []model.OrderData{{ID: "a"}}}
	ops := New(fx, fakeLogger{}, "BTCUSDT")

	err := ops.CancelAndVerify(context.Background(), "a")
	require.NoError(t, err)
	assert.Contains(t, fx.cancelled, "a")
}

func TestCancelAllAndVerifyClearsResiduals(t *testing.T) {
	fx := &fakeExchange{open: []model.OrderData{{ID: "a"}, {ID: "b"}}}
	ops := New(fx, fakeLogger{}, "BTCUSDT")

	err := ops.CancelAllAndVerify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fx.open)
}

func TestPlaceAndVerifyReturnsPlacedOrder(t *testing.T) {
	fx := &fakeExchange{}
	ops := New(fx, fakeLogger{}, "BTCUSDT")

	resp, err := ops.PlaceAndVerify(context.Background(), model.SideBuy, decimal.RequireFromString("0.01"), decimal.NewFromInt(100), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "new-order", resp.ID)
}

func TestMarketCloseAndVerifyNoopsOnZeroPosition(t *testing.T) {
	fx := &fakeExchange{}
	ops := New(fx, fakeLogger{}, "BTCUSDT")
	require.NoError(t, ops.MarketCloseAndVerify(context.Background(), model.SideSell, decimal.Zero))
}

func TestMarketCloseAndVerifyConfirmsFlatPosition(t *testing.T) {
	fx := &fakeExchange{positions: []model.PositionData{{Size: decimal.NewFromInt(1)}}}
	ops := New(fx, fakeLogger{}, "BTCUSDT")
	err := ops.MarketCloseAndVerify(context.Background(), model.SideSell, decimal.NewFromInt(1))
	require.NoError(t, err)
}
