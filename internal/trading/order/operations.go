// Package order implements OrderOperations/VerificationUtils (C10): cancel
// and place primitives that verify their outcome against exchange truth,
// retrying when the venue's response and its order-book state disagree.
package order

import (
	"context"
	"fmt"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/model"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	verifySpacingMin = 300 * time.Millisecond
	verifySpacingMax = 1500 * time.Millisecond
	maxVerifyRetries = 3
)

// Ops bundles the verified cancel/place primitives used by the coordinator,
// the reset workflow, and the mode managers' (de)activation effects.
type Ops struct {
	exchange core.IExchange
	logger   core.ILogger
	symbol   string
}

func New(exchange core.IExchange, logger core.ILogger, symbol string) *Ops {
	return &Ops{exchange: exchange, logger: logger.WithField("component", "order_operations"), symbol: symbol}
}

// CancelAndVerify cancels id, then re-reads open orders up to maxVerifyRetries
// times (with 0.3-1.5s spacing) until id no longer appears.
func (o *Ops) CancelAndVerify(ctx context.Context, id string) error {
	if err := o.exchange.CancelOrder(ctx, id, o.symbol); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	spacing := verifySpacingMin
	for attempt := 0; attempt < maxVerifyRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spacing):
		}
		open, err := o.exchange.GetOpenOrders(ctx, o.symbol)
		if err != nil {
			continue
		}
		if !containsID(open, id) {
			return nil
		}
		if spacing < verifySpacingMax {
			spacing *= 2
			if spacing > verifySpacingMax {
				spacing = verifySpacingMax
			}
		}
	}
	return fmt.Errorf("cancel %s: still present after %d verification attempts", id, maxVerifyRetries)
}

// CancelAllAndVerify cancels every open order and verifies the book is
// clear, retrying residuals up to maxVerifyRetries times.
func (o *Ops) CancelAllAndVerify(ctx context.Context) error {
	if _, err := o.exchange.CancelAllOrders(ctx, o.symbol); err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	spacing := verifySpacingMin
	for attempt := 0; attempt < maxVerifyRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spacing):
		}
		open, err := o.exchange.GetOpenOrders(ctx, o.symbol)
		if err != nil {
			continue
		}
		if len(open) == 0 {
			return nil
		}
		for _, residual := range open {
			_ = o.exchange.CancelOrder(ctx, residual.ID, o.symbol)
		}
		if spacing < verifySpacingMax {
			spacing *= 2
			if spacing > verifySpacingMax {
				spacing = verifySpacingMax
			}
		}
	}
	return fmt.Errorf("cancel all: residual orders remain after %d verification attempts", maxVerifyRetries)
}

// PlaceAndVerify submits a limit order and confirms it lands in the open
// order set, retrying the submission (not just the verification) up to
// twice on a transient error via the shared retry policy (three attempts).
func (o *Ops) PlaceAndVerify(ctx context.Context, side model.Side, amount, price decimal.Decimal, clientID string) (model.OrderData, error) {
	var resp model.OrderData
	err := retry.Do(ctx, retry.DefaultPolicy, isTransient, func() error {
		var placeErr error
		resp, placeErr = o.exchange.CreateOrder(ctx, o.symbol, side, model.OrderTypeLimit, amount, price, core.OrderParams{ClientID: clientID})
		return placeErr
	})
	if err != nil {
		return model.OrderData{}, fmt.Errorf("place: %w", err)
	}

	time.Sleep(verifySpacingMin)
	open, err := o.exchange.GetOpenOrders(ctx, o.symbol)
	if err == nil && !containsID(open, resp.ID) {
		o.logger.Warn("placed order missing from open set on first verification", "order_id", resp.ID)
	}
	return resp, nil
}

// MarketCloseAndVerify reduce-only closes positionSize at market and
// confirms the position returns to zero, retrying up to maxVerifyRetries.
func (o *Ops) MarketCloseAndVerify(ctx context.Context, side model.Side, positionSize decimal.Decimal) error {
	if positionSize.IsZero() {
		return nil
	}
	if _, err := o.exchange.PlaceMarketOrder(ctx, o.symbol, side, positionSize, true); err != nil {
		return fmt.Errorf("market close: %w", err)
	}
	spacing := verifySpacingMin
	for attempt := 0; attempt < maxVerifyRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spacing):
		}
		positions, err := o.exchange.GetPositions(ctx, []string{o.symbol})
		if err != nil {
			continue
		}
		if len(positions) == 0 || positions[0].Size.IsZero() {
			return nil
		}
		if spacing < verifySpacingMax {
			spacing *= 2
			if spacing > verifySpacingMax {
				spacing = verifySpacingMax
			}
		}
	}
	return fmt.Errorf("market close: residual position after %d verification attempts", maxVerifyRetries)
}

func containsID(orders []model.OrderData, id string) bool {
	for _, o := range orders {
		if o.ID == id {
			return true
		}
	}
	return false
}

func isTransient(err error) bool {
	switch err {
	case apperrors.ErrNetwork, apperrors.ErrSystemOverload, apperrors.ErrRateLimitExceeded:
		return true
	}
	return false
}
