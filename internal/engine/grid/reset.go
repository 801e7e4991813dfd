// Package grid implements the GridResetManager (C11) and GridCoordinator
// (C12): the durable reset workflow and the steady-state event router that
// composes every other component (C1-C10, C13) into a running grid.
package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	"market_maker/internal/reserve"
	"market_maker/internal/trading/execution"
	"market_maker/internal/trading/grid"
	"market_maker/internal/trading/order"
	"market_maker/internal/trading/position"
	"market_maker/internal/trading/strategy"

	"github.com/shopspring/decimal"
)

// resetStep names one of the 8 named steps of the reset workflow, used both
// as a log field and as the checkpoint key a restart resumes from.
type resetStep string

const (
	stepCancelAll      resetStep = "cancel_all"
	stepClosePosition  resetStep = "close_position"
	stepReinitCapital  resetStep = "reinit_capital"
	stepClearState     resetStep = "clear_state"
	stepUpdateRange    resetStep = "update_range"
	stepRebuildLevels  resetStep = "rebuild_levels"
	stepResubmit       resetStep = "resubmit"
	stepReinitManagers resetStep = "reinit_managers"
	stepDone           resetStep = "done"
)

// checkpoint is the payload persisted as each step begins, recording the
// step a restart would find in flight.
type checkpoint struct {
	Step          resetStep `json:"step"`
	NewInitPrice  string    `json:"new_init_price,omitempty"`
	NewInitCapital string   `json:"new_init_capital,omitempty"`
}

// ResetOptions parameterises the workflow per the table in SPEC_FULL.md §4.7:
// not every reset-triggering mode wants to close the position or reinitialise
// capital (e.g. a follow-mode escape reset updates the range but never
// touches the position).
type ResetOptions struct {
	ClosePosition bool
	ReinitCapital bool
	UpdateRange   bool
}

// maxGlobalFailures is the global failure counter threshold above which a
// reset refuses to start (network presumed unstable; rely on monitor-driven
// auto-resume instead of compounding failures with a reset attempt).
const maxGlobalFailures = 2

// ErrResetConflict is returned when a reset is requested while one is
// already in flight.
var ErrResetConflict = fmt.Errorf("grid: reset already in flight")

// ErrNetworkUnstable is returned when the global failure counter has
// tripped and a reset is refused rather than attempted against a flaky venue.
var ErrNetworkUnstable = fmt.Errorf("grid: refusing reset, network unstable")

// Resetter runs the C11 workflow against the coordinator's components. It
// holds no state of its own beyond what it needs to checkpoint; the
// coordinator owns `resetting`, the grid config and state, and every manager
// it resets.
type Resetter struct {
	gridID    string
	exchange  core.IExchange
	logger    core.ILogger
	store     core.IStateStore
	ops       *order.Ops
	engine    *execution.Engine
	tracker   *position.Tracker
	reserveMgr reserve.Manager
	symbol    string
}

func newResetter(gridID string, exchange core.IExchange, logger core.ILogger, store core.IStateStore, ops *order.Ops, eng *execution.Engine, tracker *position.Tracker, rm reserve.Manager, symbol string) *Resetter {
	return &Resetter{
		gridID: gridID, exchange: exchange, logger: logger.WithField("component", "reset_manager"),
		store: store, ops: ops, engine: eng, tracker: tracker, reserveMgr: rm, symbol: symbol,
	}
}

// Run executes the 8-step table against cfg/state, returning the new
// initial price (for UpdateRange/RebuildLevels) the caller must apply before
// resubmission, and the resubmitted initial order set.
func (r *Resetter) Run(ctx context.Context, cfg *grid.Config, opts ResetOptions, positionSide model.Side, positionSize decimal.Decimal) ([]model.GridOrder, decimal.Decimal, error) {
	if err := r.checkpoint(ctx, stepCancelAll, nil); err != nil {
		return nil, decimal.Zero, err
	}
	if err := r.ops.CancelAllAndVerify(ctx); err != nil {
		return nil, decimal.Zero, fmt.Errorf("reset step 1 cancel-all: %w", err)
	}
	r.engine.ClearAllCaches()

	if opts.ClosePosition {
		if err := r.checkpoint(ctx, stepClosePosition, nil); err != nil {
			return nil, decimal.Zero, err
		}
		if err := r.ops.MarketCloseAndVerify(ctx, positionSide.Opposite(), positionSize); err != nil {
			return nil, decimal.Zero, fmt.Errorf("reset step 2 close-position: %w", err)
		}
		time.Sleep(2 * time.Second)
	}

	newCapital := decimal.Zero
	if opts.ReinitCapital {
		if err := r.checkpoint(ctx, stepReinitCapital, nil); err != nil {
			return nil, decimal.Zero, err
		}
		balances, err := r.exchange.GetBalances(ctx)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("reset step 3 reread-balance: %w", err)
		}
		for _, b := range balances {
			newCapital = newCapital.Add(b.Total)
		}
	}

	if err := r.checkpoint(ctx, stepClearState, nil); err != nil {
		return nil, decimal.Zero, err
	}
	r.tracker.Reset()

	newPrice := decimal.Zero
	if opts.UpdateRange {
		if err := r.checkpoint(ctx, stepUpdateRange, nil); err != nil {
			return nil, decimal.Zero, err
		}
		ticker, err := r.exchange.GetTicker(ctx, r.symbol)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("reset step 5 update-range: %w", err)
		}
		newPrice = ticker.Price
		cfg.UpdatePriceRangeForFollowMode(newPrice)
	} else {
		ticker, err := r.exchange.GetTicker(ctx, r.symbol)
		if err == nil {
			newPrice = ticker.Price
		}
	}

	if err := r.checkpoint(ctx, stepRebuildLevels, &checkpoint{Step: stepRebuildLevels, NewInitPrice: newPrice.String(), NewInitCapital: newCapital.String()}); err != nil {
		return nil, decimal.Zero, err
	}

	strat := strategy.New(cfg)
	initial := strat.Initialise()

	if err := r.checkpoint(ctx, stepResubmit, nil); err != nil {
		return nil, decimal.Zero, err
	}
	reverse := make([]model.ReverseOrder, 0, len(initial))
	for _, o := range initial {
		reverse = append(reverse, model.ReverseOrder{GridID: o.GridID, Side: o.Side, Price: o.Price, Amount: o.Amount})
	}
	placed, err := r.engine.PlaceBatch(ctx, reverse, func(ro model.ReverseOrder) string {
		return fmt.Sprintf("%s-reset-%d", r.gridID, ro.GridID)
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("reset step 7 resubmit: %w", err)
	}
	time.Sleep(2 * time.Second)

	if opts.ReinitCapital {
		if err := r.checkpoint(ctx, stepReinitManagers, nil); err != nil {
			return nil, decimal.Zero, err
		}
	}

	if err := r.store.ClearResetCheckpoint(ctx, r.gridID); err != nil {
		r.logger.Warn("failed to clear reset checkpoint", "error", err)
	}
	return placed, newPrice, nil
}

func (r *Resetter) checkpoint(ctx context.Context, step resetStep, cp *checkpoint) error {
	if cp == nil {
		cp = &checkpoint{Step: step}
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("reset checkpoint marshal: %w", err)
	}
	if err := r.store.SaveResetCheckpoint(ctx, r.gridID, string(step), payload); err != nil {
		r.logger.Warn("failed to persist reset checkpoint", "step", step, "error", err)
	}
	return nil
}

// Resume inspects a persisted checkpoint at startup. A completed reset
// clears its checkpoint, so no checkpoint means no reset was in flight; a
// step other than stepDone means a prior process died mid-reset and a fresh
// reset should run rather than trusting partial in-memory state.
func Resume(ctx context.Context, store core.IStateStore, gridID string) (inProgress bool, err error) {
	step, _, found, err := store.LoadResetCheckpoint(ctx, gridID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return resetStep(step) != stepDone, nil
}
