package monitor

import (
	"context"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type stubBalanceExchange struct {
	core.IExchange
	balances []model.BalanceData
}

func (s *stubBalanceExchange) GetBalances(ctx context.Context) ([]model.BalanceData, error) {
	return s.balances, nil
}

func TestBalanceMonitorSetsInitialCapitalOnFirstPoll(t *testing.T) {
	fx := &stubBalanceExchange{balances: []model.BalanceData{{Currency: "USDT", Free: decimal.NewFromInt(900), Used: decimal.NewFromInt(100), Total: decimal.NewFromInt(1000)}}}
	m := NewBalanceMonitor(fx, fakeLogger{}, "USDT")

	m.poll(context.Background())
	snap := m.Snapshot()
	assert.True(t, snap.InitialCapital.Equal(decimal.NewFromInt(1000)))
	assert.True(t, snap.Total.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, DataSourceREST, snap.Source)
}

func TestBalanceMonitorPreservesInitialCapitalAcrossPolls(t *testing.T) {
	fx := &stubBalanceExchange{balances: []model.BalanceData{{Currency: "USDT", Free: decimal.NewFromInt(900), Used: decimal.NewFromInt(100), Total: decimal.NewFromInt(1000)}}}
	m := NewBalanceMonitor(fx, fakeLogger{}, "USDT")
	m.poll(context.Background())

	fx.balances = []model.BalanceData{{Currency: "USDT", Free: decimal.NewFromInt(500), Used: decimal.NewFromInt(100), Total: decimal.NewFromInt(600)}}
	m.poll(context.Background())

	snap := m.Snapshot()
	assert.True(t, snap.InitialCapital.Equal(decimal.NewFromInt(1000)), "initial capital must not move on subsequent polls")
	assert.True(t, snap.Total.Equal(decimal.NewFromInt(600)))
}

func TestBalanceMonitorResetInitialCapitalRearms(t *testing.T) {
	fx := &stubBalanceExchange{balances: []model.BalanceData{{Currency: "USDT", Total: decimal.NewFromInt(1000)}}}
	m := NewBalanceMonitor(fx, fakeLogger{}, "USDT")
	m.poll(context.Background())

	m.ResetInitialCapital()
	fx.balances = []model.BalanceData{{Currency: "USDT", Total: decimal.NewFromInt(2000)}}
	m.poll(context.Background())

	assert.True(t, m.Snapshot().InitialCapital.Equal(decimal.NewFromInt(2000)))
}
