// Package core defines the domain types shared across the spread arbitrage system
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two trading venues
type Venue string

const (
	VenueV1 Venue = "v1"
	VenueV2 Venue = "v2"
)

// Direction identifies which venue is bought and which is sold on entry
type Direction string

const (
	// DirectionV1ToV2 buys on V1, sells on V2
	DirectionV1ToV2 Direction = "v1_to_v2"
	// DirectionV2ToV1 buys on V2, sells on V1
	DirectionV2ToV1 Direction = "v2_to_v1"
)

// BuyVenue returns the venue bought on entry
func (d Direction) BuyVenue() Venue {
	if d == DirectionV1ToV2 {
		return VenueV1
	}
	return VenueV2
}

// SellVenue returns the venue sold on entry
func (d Direction) SellVenue() Venue {
	if d == DirectionV1ToV2 {
		return VenueV2
	}
	return VenueV1
}

// Opposite returns the reverse direction
func (d Direction) Opposite() Direction {
	if d == DirectionV1ToV2 {
		return DirectionV2ToV1
	}
	return DirectionV1ToV2
}

// Mode selects real or simulated execution. A position keeps the mode it was
// opened under for its whole lifecycle.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeReal      Mode = "real"
)

// ParseMode parses a mode string from configuration
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSimulated, ModeReal:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode: %q", s)
	}
}

// OrderSide is the side of a single leg
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Quote is a top-of-book snapshot for one venue. BidSize/AskSize carry the
// quoted depth when the venue reports it and are zero otherwise.
type Quote struct {
	Venue      Venue
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	ReceivedAt time.Time
}

// Validate rejects malformed quotes before they reach the latest-value cell
func (q Quote) Validate() error {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("non-positive quote: bid=%s ask=%s", q.Bid, q.Ask)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("crossed quote: bid=%s > ask=%s", q.Bid, q.Ask)
	}
	return nil
}

// Age returns how old the quote is relative to now
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ReceivedAt)
}

// AccountState is the latest known account snapshot for one venue
type AccountState struct {
	Venue      Venue
	Cash       decimal.Decimal
	Contracts  decimal.Decimal
	ReceivedAt time.Time
}

// OrderRequest describes one leg to be placed on a venue. ClientOrderID is
// the idempotency key: resubmitting the same ID must not create a second
// order.
type OrderRequest struct {
	Venue         Venue
	Side          OrderSide
	Contracts     decimal.Decimal
	PriceHint     decimal.Decimal
	ClientOrderID string
}

// OrderResult reports the outcome of one leg as the venue saw it
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Venue         Venue
	Side          OrderSide
	Requested     decimal.Decimal
	Filled        decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
	FilledAt      time.Time
}

// IsFullFill reports whether the venue filled the full requested quantity
func (r OrderResult) IsFullFill() bool {
	return r.Filled.Equal(r.Requested) && r.Filled.IsPositive()
}

// Fill is the ledger-side record of one executed leg
type Fill struct {
	ID        string
	Venue     Venue
	Side      OrderSide
	Contracts decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Time      time.Time
}
