package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct{}

func (fakeLogger) Debug(string, ...interface{})             {}
func (fakeLogger) Info(string, ...interface{})              {}
func (fakeLogger) Warn(string, ...interface{})              {}
func (fakeLogger) Error(string, ...interface{})             {}
func (fakeLogger) Fatal(string, ...interface{})             {}
func (f fakeLogger) WithField(string, interface{}) core.ILogger         { return f }
func (f fakeLogger) WithFields(map[string]interface{}) core.ILogger     { return f }

type fakeExchange struct {
	mu        sync.Mutex
	connected bool
	orders    map[string]model.OrderData
	nextID    int
	userCB    func(model.OrderEvent)
	tickerCB  func(model.Ticker)

	createErr error
	openOrders []model.OrderData
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]model.OrderData)}
}

func (f *fakeExchange) Connect(ctx context.Context) error    { f.connected = true; return nil }
func (f *fakeExchange) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeExchange) IsConnected() bool                    { return f.connected }

func (f *fakeExchange) CreateOrder(ctx context.Context, symbol string, side model.Side, ot model.OrderType, amount, price decimal.Decimal, params core.OrderParams) (model.OrderData, error) {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return model.OrderData{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	od := model.OrderData{ID: uuid.NewString(), ClientID: params.ClientID, Symbol: symbol, Side: side, Type: ot, Status: "open", Price: price, Amount: amount}
	f.orders[od.ID] = od
	return od, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error { return nil }
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	return nil, nil
}
func (f *fakeExchange) GetOrder(ctx context.Context, id, symbol string) (*model.OrderData, error) {
	return nil, nil
}
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	return f.openOrders, nil
}
func (f *fakeExchange) GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalances(ctx context.Context) ([]model.BalanceData, error) { return nil, nil }
func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	return model.Ticker{Symbol: symbol, Price: decimal.NewFromInt(100), Timestamp: time.Now()}, nil
}
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, reduceOnly bool) (model.OrderData, error) {
	return model.OrderData{}, nil
}
func (f *fakeExchange) SubscribeUserData(cb func(model.OrderEvent)) error { f.userCB = cb; return nil }
func (f *fakeExchange) SubscribeTicker(symbol string, cb func(model.Ticker)) error {
	f.tickerCB = cb
	return nil
}
func (f *fakeExchange) SubscribePositions(cb func(model.PositionData)) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeExchange) {
	t.Helper()
	fx := newFakeExchange()
	e := New(Config{Symbol: "BTCUSDT", RateLimitRPS: 1000, RateLimitBurst: 1000}, fx, fakeLogger{}, nil)
	require.NoError(t, e.Initialise(context.Background()))
	return e, fx
}

func TestPlaceInsertsIntoBothCaches(t *testing.T) {
	e, _ := newTestEngine(t)
	order, err := e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "client-1")
	require.NoError(t, err)
	assert.NotEmpty(t, order.OrderID)

	active := e.ActiveOrders()
	require.Len(t, active, 1)
	assert.Equal(t, "client-1", active[0].ClientID)
}

func TestHandleOrderEventFullFillDispatchesAndClearsCache(t *testing.T) {
	e, _ := newTestEngine(t)
	order, err := e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "client-1")
	require.NoError(t, err)

	var got model.GridOrder
	var called bool
	e.OnFill(func(o model.GridOrder) { called = true; got = o })

	e.handleOrderEvent(model.OrderEvent{
		Kind:     model.OrderEventFull,
		ClientID: "client-1",
		Order:    model.OrderData{ID: order.OrderID, Filled: decimal.RequireFromString("0.01"), Average: decimal.NewFromInt(100)},
	})

	assert.True(t, called)
	assert.Equal(t, model.OrderFilled, got.Status)
	assert.Empty(t, e.ActiveOrders())
}

func TestHandleOrderEventPartialFillKeepsEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	order, err := e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "client-1")
	require.NoError(t, err)

	var called bool
	e.OnFill(func(o model.GridOrder) { called = true })

	e.handleOrderEvent(model.OrderEvent{
		Kind:     model.OrderEventFull,
		ClientID: "client-1",
		Order:    model.OrderData{ID: order.OrderID, Filled: decimal.RequireFromString("0.004"), Average: decimal.NewFromInt(100)},
	})

	assert.False(t, called, "a partial fill must not dispatch to fill handlers")
	assert.Len(t, e.ActiveOrders(), 1)
}

func TestExpectedCancellationIsSwallowedSilently(t *testing.T) {
	e, _ := newTestEngine(t)
	order, err := e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "client-1")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), order.OrderID))

	var restored bool
	e.OnUnsolicitedCancel(func(o model.GridOrder) { restored = true })
	e.handleOrderEvent(model.OrderEvent{Kind: model.OrderEventCancelledUnsolicited, ID: order.OrderID})

	assert.False(t, restored, "an expected cancellation must not trigger restoration")
}

func TestUnsolicitedCancellationTriggersRestoration(t *testing.T) {
	e, _ := newTestEngine(t)
	order, err := e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "client-1")
	require.NoError(t, err)

	var restored model.GridOrder
	var called bool
	e.OnUnsolicitedCancel(func(o model.GridOrder) { called = true; restored = o })
	e.handleOrderEvent(model.OrderEvent{Kind: model.OrderEventCancelledUnsolicited, ID: order.OrderID})

	assert.True(t, called)
	assert.Equal(t, order.GridID, restored.GridID)
	assert.Empty(t, e.ActiveOrders())
}

func TestPlaceBatchChunksAndReconciles(t *testing.T) {
	e, fx := newTestEngine(t)
	orders := make([]model.ReverseOrder, 0, 5)
	for i := 1; i <= 5; i++ {
		orders = append(orders, model.ReverseOrder{GridID: i, Side: model.SideBuy, Price: decimal.NewFromInt(int64(100 + i)), Amount: decimal.RequireFromString("0.01")})
	}

	placed, err := e.PlaceBatch(context.Background(), orders, func(o model.ReverseOrder) string { return uuid.NewString() })
	require.NoError(t, err)
	assert.Len(t, placed, 5)
	assert.Len(t, e.ActiveOrders(), 5)
	_ = fx
}

func TestCancelAllMarksEveryIDExpected(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "c1")
	e.Place(context.Background(), model.ReverseOrder{GridID: 2, Side: model.SideBuy, Price: decimal.NewFromInt(110), Amount: decimal.RequireFromString("0.01")}, "c2")

	n, err := e.CancelAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var restored bool
	e.OnUnsolicitedCancel(func(o model.GridOrder) { restored = true })
	for _, o := range e.ActiveOrders() {
		e.handleOrderEvent(model.OrderEvent{Kind: model.OrderEventCancelledUnsolicited, ID: o.OrderID})
	}
	assert.False(t, restored)
}

func TestClearAllCachesEmptiesEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Place(context.Background(), model.ReverseOrder{GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.01")}, "c1")
	e.ClearAllCaches()
	assert.Empty(t, e.ActiveOrders())
}
