package monitor

import (
	"context"
	"testing"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/trading/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchange struct {
	core.IExchange
	positions []model.PositionData
	err       error
}

func (s *stubExchange) GetPositions(ctx context.Context, symbols []string) ([]model.PositionData, error) {
	return s.positions, s.err
}

func newMonitorForTest(fx *stubExchange) (*PositionMonitor, *position.Tracker) {
	tr := position.New()
	m := NewPositionMonitor(fx, tr, fakeLogger{}, "BTCUSDT")
	m.startedAt = time.Now().Add(-time.Hour) // bypass anomaly grace period
	return m, tr
}

type fakeLogger struct{}

func (fakeLogger) Debug(string, ...interface{})                     {}
func (fakeLogger) Info(string, ...interface{})                      {}
func (fakeLogger) Warn(string, ...interface{})                      {}
func (fakeLogger) Error(string, ...interface{})                     {}
func (fakeLogger) Fatal(string, ...interface{})                     {}
func (f fakeLogger) WithField(string, interface{}) core.ILogger     { return f }
func (f fakeLogger) WithFields(map[string]interface{}) core.ILogger { return f }

func TestPositionMonitorWritesPositionOnSuccessfulPoll(t *testing.T) {
	fx := &stubExchange{positions: []model.PositionData{{Symbol: "BTCUSDT", Side: model.PositionLong, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)}}}
	m, tr := newMonitorForTest(fx)

	m.poll(context.Background())

	size, avg := tr.Position()
	assert.True(t, size.Equal(decimal.NewFromInt(1)))
	assert.True(t, avg.Equal(decimal.NewFromInt(100)))
}

func TestPositionMonitorShortIsNegativeSize(t *testing.T) {
	fx := &stubExchange{positions: []model.PositionData{{Symbol: "BTCUSDT", Side: model.PositionShort, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)}}}
	m, tr := newMonitorForTest(fx)
	m.poll(context.Background())

	size, _ := tr.Position()
	assert.True(t, size.Equal(decimal.NewFromInt(-1)))
}

func TestPositionMonitorThreeConsecutiveFailuresTripsNetworkDown(t *testing.T) {
	fx := &stubExchange{err: assertErr{}}
	m, _ := newMonitorForTest(fx)

	var downEvents []bool
	m.OnNetworkChange(func(down bool) { downEvents = append(downEvents, down) })

	for i := 0; i < 3; i++ {
		m.poll(context.Background())
	}
	require.Len(t, downEvents, 1)
	assert.True(t, downEvents[0])
}

func TestPositionMonitorAnomalousJumpLatchesEmergencyStop(t *testing.T) {
	fx := &stubExchange{positions: []model.PositionData{{Symbol: "BTCUSDT", Side: model.PositionLong, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)}}}
	m, tr := newMonitorForTest(fx)
	tr.SyncInitialPosition(decimal.NewFromInt(1), decimal.NewFromInt(100))

	fx.positions = []model.PositionData{{Symbol: "BTCUSDT", Side: model.PositionLong, Size: decimal.NewFromInt(50), EntryPrice: decimal.NewFromInt(100)}}
	m.poll(context.Background())

	assert.True(t, m.EmergencyStopped())
	size, _ := tr.Position()
	assert.True(t, size.Equal(decimal.NewFromInt(1)), "an anomalous read must not be written into the tracker")
}

type assertErr struct{}

func (assertErr) Error() string { return "network error" }
