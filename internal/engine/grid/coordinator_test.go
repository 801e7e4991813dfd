package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/reserve"
	"market_maker/internal/trading/execution"
	"market_maker/internal/trading/grid"
	"market_maker/internal/trading/monitor"
	"market_maker/internal/trading/position"
	"market_maker/pkg/concurrency"

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
	mu        sync.Mutex
	open      []model.OrderData
	positions []model.PositionData
	balances  []model.BalanceData
	ticker    model.Ticker
	nextID    int
}

func (f *fakeExchange) Connect(context.Context) error    { return nil }
func (f *fakeExchange) Disconnect(context.Context) error { return nil }
func (f *fakeExchange) IsConnected() bool                { return true }

func (f *fakeExchange) CreateOrder(ctx context.Context, symbol string, side model.Side, ot model.OrderType, amount, price decimal.Decimal, params core.OrderParams) (model.OrderData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	od := model.OrderData{ID: fmt.Sprintf("order-%d", f.nextID), ClientID: params.ClientID, Symbol: symbol, Side: side, Type: ot, Status: "open", Price: price, Amount: amount}
	f.open = append(f.open, od)
	return od, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.open {
		if o.ID == id {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = nil
	return nil, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, id, symbol string) (*model.OrderData, error) {
	return nil, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OrderData{}, f.open...), nil
}

func (f *fakeExchange) GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error) {
	return f.positions, nil
}

func (f *fakeExchange) GetBalances(ctx context.Context) ([]model.BalanceData, error) {
	return f.balances, nil
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, reduceOnly bool) (model.OrderData, error) {
	return model.OrderData{ID: "market-close"}, nil
}

func (f *fakeExchange) SubscribeUserData(cb func(model.OrderEvent)) error    { return nil }
func (f *fakeExchange) SubscribeTicker(symbol string, cb func(model.Ticker)) error { return nil }
func (f *fakeExchange) SubscribePositions(cb func(model.PositionData)) error { return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeExchange) {
	t.Helper()
	cfg, err := grid.NewConfig(grid.Config{
		Exchange: "test", Symbol: "BTCUSDT", GridType: model.GridLong,
		Lower: decimal.NewFromInt(90), Upper: decimal.NewFromInt(110),
		Interval: decimal.NewFromInt(2), OrderAmount: decimal.NewFromInt(1),
		PriceDecimals: 2, QuantityDecimals: 4, FeeRate: decimal.Zero,
	})
	require.NoError(t, err)

	state := grid.NewState(cfg, decimal.NewFromInt(100))
	fx := &fakeExchange{ticker: model.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)}}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 100, NonBlocking: true}, fakeLogger{})

	eng := execution.New(execution.Config{Symbol: "BTCUSDT"}, fx, fakeLogger{}, pool)
	tracker := position.New()
	store := NewMemoryStore()

	c := New(Deps{
		GridID: "g1", Symbol: "BTCUSDT", Exchange: fx, Logger: fakeLogger{}, Store: store, Pool: pool,
		Config: cfg, State: state, Engine: eng, Tracker: tracker,
		PositionMonitor: monitor.NewPositionMonitor(fx, tracker, fakeLogger{}, "BTCUSDT"),
		BalanceMonitor:  monitor.NewBalanceMonitor(fx, fakeLogger{}, "USDT"),
		Reserve:         reserve.NoOp{},
	})
	return c, fx
}

func TestStartPlacesInitialOrdersAndPopulatesState(t *testing.T) {
	c, fx := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))
	assert.NotEmpty(t, fx.open)
	assert.Len(t, c.state.ActiveOrders(), len(fx.open))
}

func TestOnFillIgnoredWhilePaused(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Pause("manual")
	before := len(c.state.ActiveOrders())
	c.onFill(model.GridOrder{OrderID: "nonexistent", GridID: 1, Side: model.SideBuy, Price: decimal.NewFromInt(98), Amount: decimal.NewFromInt(1)})
	assert.Equal(t, before, len(c.state.ActiveOrders()))
}

func TestOnFillDefersWhileResetting(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.resetting.Store(true)
	evt := model.GridOrder{OrderID: "o1", GridID: 3, Side: model.SideBuy, Price: decimal.NewFromInt(96), Amount: decimal.NewFromInt(1)}
	c.onFill(evt)
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	require.Len(t, c.deferred, 1)
	assert.Equal(t, "o1", c.deferred[0].Order.ID)
}

func TestDeferFillReturnsFalseAtCapacity(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < maxDeferredFills; i++ {
		require.True(t, c.DeferFill(model.OrderEvent{}))
	}
	assert.False(t, c.DeferFill(model.OrderEvent{}))
}

func TestTriggerResetRefusesConcurrentReset(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))
	c.resetting.Store(true)
	err := c.triggerReset(context.Background(), ResetOptions{})
	assert.ErrorIs(t, err, ErrResetConflict)
	c.resetting.Store(false)
}

func TestGracefulExitCancelsAllOrders(t *testing.T) {
	c, fx := newTestCoordinator(t)
	c.exitCleanupEnabled = true
	require.NoError(t, c.Start(context.Background()))
	require.NotEmpty(t, fx.open)
	c.gracefulExit(context.Background())
	assert.Empty(t, fx.open)
}

func TestPauseResumeClearsOnFirstSignalRegardlessOfSource(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Pause("network")
	assert.True(t, c.isPaused())
	c.Resume(true)
	assert.False(t, c.isPaused())
}

func TestResumeIsNoopWhenNotPaused(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Resume(true)
	assert.False(t, c.isPaused())
}

func TestGetSnapshotReflectsStateAndPauseStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))

	snap := c.GetSnapshot()
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, string(model.GridLong), snap.GridType)
	assert.NotEmpty(t, snap.MonitoringMode)
	assert.False(t, snap.Paused)
	assert.False(t, snap.Scalping.Enabled, "no scalping manager configured in the test harness")

	c.Pause("test-pause")
	snap = c.GetSnapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, "test-pause", snap.PauseReason)
}
