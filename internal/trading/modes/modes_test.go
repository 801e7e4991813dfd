package modes

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestScalpingArmsAtThreshold(t *testing.T) {
	s := NewScalping(ScalpingConfig{TriggerPercent: decimal.NewFromInt(20), GridCount: 10})
	assert.False(t, s.ShouldArm(9))
	assert.True(t, s.ShouldArm(8))
}

func TestScalpingTakeProfitPriceLong(t *testing.T) {
	s := NewScalping(ScalpingConfig{TakeProfitGrids: 2, GridCount: 10})
	s.Activate(decimal.NewFromInt(1000))
	price := s.TakeProfitPrice(decimal.NewFromInt(900), decimal.NewFromInt(1), decimal.NewFromInt(10))
	// deficit=100, position=1 -> restore=100, +2*10 margin = 120
	assert.True(t, price.Equal(decimal.NewFromInt(120)), "got %s", price)
}

func TestSmartScalpingTrackerRequiresConfiguredDrops(t *testing.T) {
	tr := NewSmartScalpingTracker(SmartScalpingConfig{
		MinDropThresholdPercent: decimal.RequireFromString("0.1"),
		MaxQualifyingDrops:      2,
		GridHeight:              decimal.NewFromInt(100),
	})

	tr.OnPriceBelowThreshold(decimal.NewFromInt(80), true)
	tr.OnReboundAboveThreshold(decimal.NewFromInt(100))
	assert.Equal(t, SmartIdle, tr.State(), "one qualifying drop is not enough when two are required")

	tr.OnPriceBelowThreshold(decimal.NewFromInt(75), true)
	tr.OnReboundAboveThreshold(decimal.NewFromInt(100))
	assert.Equal(t, SmartWaitingRebound, tr.State())

	assert.True(t, tr.ShouldActivate(decimal.NewFromInt(75), decimal.NewFromInt(1)))
	assert.Equal(t, SmartActivated, tr.State())
}

func TestSmartScalpingRejectsShallowDrop(t *testing.T) {
	tr := NewSmartScalpingTracker(SmartScalpingConfig{
		MinDropThresholdPercent: decimal.RequireFromString("0.5"),
		MaxQualifyingDrops:      1,
		GridHeight:              decimal.NewFromInt(100),
	})
	tr.OnPriceBelowThreshold(decimal.NewFromInt(98), true)
	tr.OnReboundAboveThreshold(decimal.NewFromInt(100))
	assert.Equal(t, SmartIdle, tr.State(), "a shallow drop must not consume an allowance")
}

func TestCapitalProtectionArmsAndTriggers(t *testing.T) {
	cp := NewCapitalProtection(CapitalProtectionConfig{ArmGridProgressPercent: decimal.RequireFromString("0.7")})
	assert.False(t, cp.ShouldArm(decimal.RequireFromString("0.5")))
	assert.True(t, cp.ShouldArm(decimal.RequireFromString("0.8")))

	cp.Arm(decimal.NewFromInt(1000))
	assert.False(t, cp.ShouldTriggerReset(decimal.NewFromInt(990)))
	assert.True(t, cp.ShouldTriggerReset(decimal.RequireFromString("999.995")))
}

func TestTakeProfitTriggersAtThreshold(t *testing.T) {
	tp := NewTakeProfit(TakeProfitConfig{ThresholdPercent: decimal.RequireFromString("0.1")})
	tp.Arm(decimal.NewFromInt(1000))
	assert.False(t, tp.ShouldTriggerReset(decimal.NewFromInt(1050)))
	assert.True(t, tp.ShouldTriggerReset(decimal.NewFromInt(1100)))
}

func TestPriceLockFreezesEscapeResetOnlyWhenLockedAndOutOfRange(t *testing.T) {
	pl := NewPriceLock(decimal.NewFromInt(200), true)
	pl.Evaluate(decimal.NewFromInt(210))
	assert.True(t, pl.IsActive())
	assert.True(t, pl.ShouldFreezeEscapeReset(true))
	assert.False(t, pl.ShouldFreezeEscapeReset(false))
}

func TestStopLossTimesOutAfterEscapeWindow(t *testing.T) {
	sl := NewStopLoss(StopLossConfig{EscapeTimeout: 10 * time.Millisecond})
	sl.Arm()
	assert.False(t, sl.TimedOut())
	time.Sleep(15 * time.Millisecond)
	assert.True(t, sl.TimedOut())
}
