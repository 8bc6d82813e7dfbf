// Package spread computes directional entry and exit spreads from a pair of
// venue quotes. All functions are pure; the engine calls them once per tick.
package spread

import (
	"spreadarb/internal/config"
	"spreadarb/internal/core"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// DirectionalSpread is the computed opportunity for one direction at one
// instant. Values are signed fractions.
type DirectionalSpread struct {
	Direction core.Direction
	Entry     decimal.Decimal // net of slippage and fee offset
	Exit      decimal.Decimal // spread remaining on the reverse crossing
	BuyPrice  decimal.Decimal // effective entry buy price after slippage
	SellPrice decimal.Decimal // effective entry sell price after slippage
}

// Calculator derives spreads using the threshold snapshot active for the tick
type Calculator struct{}

// NewCalculator returns a spread calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Entry computes the entry spread for direction d: buy at the buy venue's
// ask lifted by slippage, sell at the sell venue's bid reduced by slippage,
// minus the configured per-direction fee offset.
func (c *Calculator) Entry(d core.Direction, quotes map[core.Venue]core.Quote, snap config.Snapshot) (DirectionalSpread, bool) {
	buyQuote, okBuy := quotes[d.BuyVenue()]
	sellQuote, okSell := quotes[d.SellVenue()]
	if !okBuy || !okSell {
		return DirectionalSpread{}, false
	}

	buySlip := c.EstimateSlippage(buyQuote.AskSize, snap.MinOrderContracts, snap.BaseSlippage)
	sellSlip := c.EstimateSlippage(sellQuote.BidSize, snap.MinOrderContracts, snap.BaseSlippage)

	buy := buyQuote.Ask.Mul(one.Add(buySlip))
	sell := sellQuote.Bid.Mul(one.Sub(sellSlip))

	entry := sell.Div(buy).Sub(one).Sub(snap.FeeOffset(d))

	return DirectionalSpread{
		Direction: d,
		Entry:     entry,
		Exit:      c.exit(d, quotes, snap),
		BuyPrice:  buy,
		SellPrice: sell,
	}, true
}

// exit computes the spread remaining when closing a position opened in
// direction d: buy back on the venue that was sold, sell on the venue that
// was bought.
func (c *Calculator) exit(d core.Direction, quotes map[core.Venue]core.Quote, snap config.Snapshot) decimal.Decimal {
	buyBack, okBuy := quotes[d.SellVenue()]
	sellOut, okSell := quotes[d.BuyVenue()]
	if !okBuy || !okSell {
		return decimal.Zero
	}

	buySlip := c.EstimateSlippage(buyBack.AskSize, snap.MinOrderContracts, snap.BaseSlippage)
	sellSlip := c.EstimateSlippage(sellOut.BidSize, snap.MinOrderContracts, snap.BaseSlippage)

	buy := buyBack.Ask.Mul(one.Add(buySlip))
	sell := sellOut.Bid.Mul(one.Sub(sellSlip))

	return buy.Div(sell).Sub(one)
}

// Exit is the exported exit spread for a position opened in direction d
func (c *Calculator) Exit(d core.Direction, quotes map[core.Venue]core.Quote, snap config.Snapshot) (decimal.Decimal, bool) {
	if _, ok := quotes[d.SellVenue()]; !ok {
		return decimal.Zero, false
	}
	if _, ok := quotes[d.BuyVenue()]; !ok {
		return decimal.Zero, false
	}
	return c.exit(d, quotes, snap), true
}

// Both computes both directional spreads when both quotes are present
func (c *Calculator) Both(quotes map[core.Venue]core.Quote, snap config.Snapshot) []DirectionalSpread {
	out := make([]DirectionalSpread, 0, 2)
	for _, d := range []core.Direction{core.DirectionV1ToV2, core.DirectionV2ToV1} {
		if ds, ok := c.Entry(d, quotes, snap); ok {
			out = append(out, ds)
		}
	}
	return out
}

// EstimateSlippage returns the expected slippage fraction for an order of
// the given size. When the quote carries top-of-book depth and the order
// exceeds it, the base slippage is scaled by the overshoot ratio. Zero depth
// means the venue does not report size and the base estimate is used as is.
func (c *Calculator) EstimateSlippage(depth, orderSize, baseSlippage decimal.Decimal) decimal.Decimal {
	if depth.IsZero() || orderSize.LessThanOrEqual(depth) {
		return baseSlippage
	}
	return baseSlippage.Mul(orderSize.Div(depth))
}
