// Package safety runs preflight checks before the engine starts trading
package safety

import (
	"context"
	"fmt"
	"time"

	"spreadarb/internal/config"
	"spreadarb/internal/core"
	"spreadarb/internal/feed"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Checker validates configuration and market connectivity at startup
type Checker struct {
	logger core.ILogger
}

// NewChecker creates a preflight checker
func NewChecker(logger core.ILogger) *Checker {
	return &Checker{
		logger: logger.WithField("component", "safety_checker"),
	}
}

// CheckTradingParameters verifies that the configured entry threshold can
// clear the per-direction costs. An entry that cannot beat fee offset plus
// two base-slippage legs loses money on every round trip.
func (c *Checker) CheckTradingParameters(snap config.Snapshot) error {
	for _, d := range []core.Direction{core.DirectionV1ToV2, core.DirectionV2ToV1} {
		cost := snap.FeeOffset(d).Add(snap.BaseSlippage.Mul(two))
		if snap.MinSpreadEnter.LessThanOrEqual(cost) {
			return fmt.Errorf("entry threshold %s does not clear %s costs %s (fee offset + 2x base slippage)",
				snap.MinSpreadEnter, d, cost)
		}
	}

	if snap.MinSpreadExit.GreaterThanOrEqual(snap.MinSpreadEnter) {
		return fmt.Errorf("exit threshold %s must be below entry threshold %s",
			snap.MinSpreadExit, snap.MinSpreadEnter)
	}

	c.logger.Info("Trading parameter check passed",
		"min_spread_enter", snap.MinSpreadEnter,
		"min_spread_exit", snap.MinSpreadExit)
	return nil
}

// WaitForQuotes blocks until both venues have published a quote no older
// than freshness, or the context expires. Run after the feeds start so the
// engine never evaluates an empty board.
func (c *Checker) WaitForQuotes(ctx context.Context, board *feed.QuoteBoard, freshness time.Duration) error {
	c.logger.Info("Waiting for first quotes", "freshness", freshness)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		now := time.Now()
		if !board.IsStale(core.VenueV1, freshness, now) && !board.IsStale(core.VenueV2, freshness, now) {
			c.logger.Info("Both venue feeds live")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("venue feeds not live: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// CheckFunding verifies that the starting cash can fund at least one order
// at the worst current ask across both venues
func (c *Checker) CheckFunding(board *feed.QuoteBoard, cash decimal.Decimal, snap config.Snapshot) error {
	worstAsk := decimal.Zero
	for _, v := range []core.Venue{core.VenueV1, core.VenueV2} {
		q, ok := board.Latest(v)
		if !ok {
			return fmt.Errorf("no quote for %s, cannot verify funding", v)
		}
		if q.Ask.GreaterThan(worstAsk) {
			worstAsk = q.Ask
		}
	}

	required := worstAsk.Mul(snap.MinOrderContracts)
	if cash.LessThan(required) {
		return fmt.Errorf("starting cash %s cannot fund one order of %s contracts at %s (requires %s)",
			cash, snap.MinOrderContracts, worstAsk, required)
	}

	c.logger.Info("Funding check passed", "cash", cash, "required", required)
	return nil
}
