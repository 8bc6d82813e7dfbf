// Package core defines the core interfaces for the spread arbitrage system
package core

import (
	"context"
	"time"
)

// IQuoteBoard exposes the latest quote per venue. Latest never blocks; a
// missing quote means the venue has never reported and is treated as
// infinitely stale.
type IQuoteBoard interface {
	Latest(venue Venue) (Quote, bool)
	IsStale(venue Venue, ttl time.Duration, now time.Time) bool
}

// IAccountBoard exposes the latest account snapshot per venue
type IAccountBoard interface {
	Latest(venue Venue) (AccountState, bool)
}

// IExecutionPort places and cancels orders on both venues of one mode. The
// simulated and live ports implement the identical signature.
type IExecutionPort interface {
	Mode() Mode
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, venue Venue, orderID string) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
