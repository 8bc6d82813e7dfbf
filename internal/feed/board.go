// Package feed maintains the latest market and account data per venue.
// Stream goroutines write, the engine tick reads, nothing ever blocks.
package feed

import (
	"sync/atomic"
	"time"

	"spreadarb/internal/core"
)

// QuoteBoard holds the latest quote per venue in lock-free cells
type QuoteBoard struct {
	v1 atomic.Pointer[core.Quote]
	v2 atomic.Pointer[core.Quote]
}

// NewQuoteBoard creates an empty board
func NewQuoteBoard() *QuoteBoard {
	return &QuoteBoard{}
}

// Publish replaces the venue's quote. Invalid quotes are dropped so a
// malformed update can never poison the board.
func (b *QuoteBoard) Publish(q core.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	qc := q
	b.cell(q.Venue).Store(&qc)
	return nil
}

// Latest returns the newest quote for the venue, false if none arrived yet
func (b *QuoteBoard) Latest(venue core.Venue) (core.Quote, bool) {
	p := b.cell(venue).Load()
	if p == nil {
		return core.Quote{}, false
	}
	return *p, true
}

// IsStale reports whether the venue's quote is older than ttl. A venue that
// never reported is stale.
func (b *QuoteBoard) IsStale(venue core.Venue, ttl time.Duration, now time.Time) bool {
	q, ok := b.Latest(venue)
	if !ok {
		return true
	}
	return q.Age(now) > ttl
}

// Pair returns both venue quotes keyed by venue, omitting absent ones
func (b *QuoteBoard) Pair() map[core.Venue]core.Quote {
	out := make(map[core.Venue]core.Quote, 2)
	for _, v := range []core.Venue{core.VenueV1, core.VenueV2} {
		if q, ok := b.Latest(v); ok {
			out[v] = q
		}
	}
	return out
}

func (b *QuoteBoard) cell(venue core.Venue) *atomic.Pointer[core.Quote] {
	if venue == core.VenueV1 {
		return &b.v1
	}
	return &b.v2
}

// AccountBoard holds the latest account snapshot per venue
type AccountBoard struct {
	v1 atomic.Pointer[core.AccountState]
	v2 atomic.Pointer[core.AccountState]
}

// NewAccountBoard creates an empty board
func NewAccountBoard() *AccountBoard {
	return &AccountBoard{}
}

// Publish replaces the venue's account snapshot
func (b *AccountBoard) Publish(a core.AccountState) {
	ac := a
	b.cell(a.Venue).Store(&ac)
}

// Latest returns the newest account state for the venue
func (b *AccountBoard) Latest(venue core.Venue) (core.AccountState, bool) {
	p := b.cell(venue).Load()
	if p == nil {
		return core.AccountState{}, false
	}
	return *p, true
}

func (b *AccountBoard) cell(venue core.Venue) *atomic.Pointer[core.AccountState] {
	if venue == core.VenueV1 {
		return &b.v1
	}
	return &b.v2
}
