package position

import (
	"testing"

	"market_maker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSyncInitialPositionIsTheOnlyPositionWriter(t *testing.T) {
	tr := New()
	tr.SyncInitialPosition(decimal.RequireFromString("0.5"), decimal.NewFromInt(120))

	size, avg := tr.Position()
	assert.True(t, size.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, avg.Equal(decimal.NewFromInt(120)))
}

// Invariant (§3/§4.3): recording a fill must never change current_position —
// position is authoritative from REST via the position monitor only.
func TestRecordTradeOnlyDoesNotIntegrateIntoPosition(t *testing.T) {
	tr := New()
	tr.SyncInitialPosition(decimal.RequireFromString("0.5"), decimal.NewFromInt(120))

	tr.RecordTradeOnly(model.GridOrder{
		OrderID:      "o1",
		Side:         model.SideBuy,
		Price:        decimal.NewFromInt(130),
		FilledPrice:  decimal.NewFromInt(130),
		FilledAmount: decimal.RequireFromString("0.001"),
	}, decimal.RequireFromString("0.001"))

	size, avg := tr.Position()
	assert.True(t, size.Equal(decimal.RequireFromString("0.5")), "position must stay exactly as synced")
	assert.True(t, avg.Equal(decimal.NewFromInt(120)))

	snap := tr.GetSnapshot()
	assert.Equal(t, 1, snap.BuyCount)
	assert.Equal(t, 0, snap.SellCount)
	assert.False(t, snap.TotalFees.IsZero())
}

func TestCompletedCyclesCountsMatchedBuySellPairs(t *testing.T) {
	tr := New()
	feeRate := decimal.Zero

	tr.RecordTradeOnly(model.GridOrder{OrderID: "b1", Side: model.SideBuy, Price: decimal.NewFromInt(100), FilledAmount: decimal.RequireFromString("0.001")}, feeRate)
	assert.Equal(t, 0, tr.GetSnapshot().CompletedCycles)

	tr.RecordTradeOnly(model.GridOrder{OrderID: "s1", Side: model.SideSell, Price: decimal.NewFromInt(110), FilledAmount: decimal.RequireFromString("0.001")}, feeRate)
	assert.Equal(t, 1, tr.GetSnapshot().CompletedCycles)

	tr.RecordTradeOnly(model.GridOrder{OrderID: "b2", Side: model.SideBuy, Price: decimal.NewFromInt(100), FilledAmount: decimal.RequireFromString("0.001")}, feeRate)
	assert.Equal(t, 1, tr.GetSnapshot().CompletedCycles, "an unmatched extra buy is not a new cycle")
}

func TestHistoryIsBoundedAtCapacity(t *testing.T) {
	tr := New()
	for i := 0; i < maxTradeHistory+10; i++ {
		tr.RecordTradeOnly(model.GridOrder{
			OrderID:      "o",
			Side:         model.SideBuy,
			Price:        decimal.NewFromInt(100),
			FilledAmount: decimal.RequireFromString("0.001"),
		}, decimal.Zero)
	}
	assert.Len(t, tr.History(), maxTradeHistory)
}

func TestAddRealisedPnLAccumulates(t *testing.T) {
	tr := New()
	tr.AddRealisedPnL(decimal.NewFromInt(5))
	tr.AddRealisedPnL(decimal.NewFromInt(-2))
	assert.True(t, tr.GetSnapshot().RealisedPnL.Equal(decimal.NewFromInt(3)))
}

func TestResetClearsEverything(t *testing.T) {
	tr := New()
	tr.SyncInitialPosition(decimal.NewFromInt(1), decimal.NewFromInt(100))
	tr.RecordTradeOnly(model.GridOrder{OrderID: "o1", Side: model.SideBuy, Price: decimal.NewFromInt(100), FilledAmount: decimal.RequireFromString("0.001")}, decimal.Zero)
	tr.AddRealisedPnL(decimal.NewFromInt(10))

	tr.Reset()

	snap := tr.GetSnapshot()
	assert.True(t, snap.CurrentPosition.IsZero())
	assert.True(t, snap.RealisedPnL.IsZero())
	assert.Equal(t, 0, snap.BuyCount)
	assert.Len(t, tr.History(), 0)
}
