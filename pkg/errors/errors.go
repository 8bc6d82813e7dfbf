package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standardized decision and execution errors
var (
	ErrStaleData          = errors.New("stale market data")
	ErrSlippageExceeded   = errors.New("slippage limit exceeded")
	ErrPartialFillTimeout = errors.New("partial fill timeout")
	ErrRiskLimitBreached  = errors.New("risk limit breached")
	ErrPortUnavailable    = errors.New("execution port unavailable")
	ErrSubmissionInFlight = errors.New("submission already in flight")
	ErrRateLimited        = errors.New("order rate limit")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrOrderRejected      = errors.New("order rejected")
	ErrDuplicateOrder     = errors.New("duplicate order")
	ErrNetwork            = errors.New("network error")
	ErrOrderNotFound      = errors.New("order not found")
)

// LegMismatchError reports a paired submission where exactly one leg filled.
// Unwound is true when the compensating order for the filled leg succeeded.
type LegMismatchError struct {
	PositionID      int64
	FilledVenue     string
	FilledContracts decimal.Decimal
	Unwound         bool
	Cause           error
}

func (e *LegMismatchError) Error() string {
	state := "unwound"
	if !e.Unwound {
		state = "UNWIND FAILED"
	}
	return fmt.Sprintf("leg mismatch on position %d: %s filled %s contracts (%s): %v",
		e.PositionID, e.FilledVenue, e.FilledContracts, state, e.Cause)
}

func (e *LegMismatchError) Unwrap() error {
	return e.Cause
}
