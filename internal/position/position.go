// Package position implements the position ledger: lifecycle state,
// idempotent fill accounting and realized PnL.
package position

import (
	"time"

	"spreadarb/internal/core"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a position
type State string

const (
	StateOpening    State = "OPENING"
	StateOpen       State = "OPEN"
	StateClosing    State = "CLOSING"
	StateClosed     State = "CLOSED"
	StateFailedOpen State = "FAILED_OPEN"
)

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailedOpen
}

// Position is one hedged two-leg position. Direction and Mode are fixed at
// creation; TargetContracts only grows while the position accepts scale-ins.
type Position struct {
	ID               int64           `json:"id"`
	Direction        core.Direction  `json:"direction"`
	Mode             core.Mode       `json:"mode"`
	State            State           `json:"state"`
	TargetContracts  decimal.Decimal `json:"target_contracts"`
	FilledContracts  decimal.Decimal `json:"filled_contracts"`
	ExitedContracts  decimal.Decimal `json:"exited_contracts"`
	EntryFills       []core.Fill     `json:"entry_fills"`
	ExitFills        []core.Fill     `json:"exit_fills"`
	ExitSpreadTarget decimal.Decimal `json:"exit_spread_target"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at,omitempty"`
	LastOrderAt      time.Time       `json:"last_order_at,omitempty"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	CloseReason      string          `json:"close_reason,omitempty"`
}

// AvgEntryBuyPrice returns the volume-weighted buy price across entry fills
func (p *Position) AvgEntryBuyPrice() decimal.Decimal {
	return avgPrice(p.EntryFills, core.SideBuy)
}

// AvgEntrySellPrice returns the volume-weighted sell price across entry fills
func (p *Position) AvgEntrySellPrice() decimal.Decimal {
	return avgPrice(p.EntryFills, core.SideSell)
}

// Age returns the time since the position was drafted
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// RemainingContracts is the unexited hedged quantity
func (p *Position) RemainingContracts() decimal.Decimal {
	return p.FilledContracts.Sub(p.ExitedContracts)
}

// realizedPnL sums sell proceeds minus buy cost minus all fees across every
// recorded fill. The hedged legs cancel in quantity, so the residual is the
// captured spread net of fees.
func (p *Position) realizedPnL() decimal.Decimal {
	pnl := decimal.Zero
	for _, fills := range [][]core.Fill{p.EntryFills, p.ExitFills} {
		for _, f := range fills {
			notional := f.Contracts.Mul(f.Price)
			if f.Side == core.SideSell {
				pnl = pnl.Add(notional)
			} else {
				pnl = pnl.Sub(notional)
			}
			pnl = pnl.Sub(f.Fee)
		}
	}
	return pnl
}

func avgPrice(fills []core.Fill, side core.OrderSide) decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		if f.Side != side {
			continue
		}
		qty = qty.Add(f.Contracts)
		notional = notional.Add(f.Contracts.Mul(f.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// clone returns a deep copy safe to hand out of the ledger lock
func (p *Position) clone() *Position {
	cp := *p
	cp.EntryFills = append([]core.Fill(nil), p.EntryFills...)
	cp.ExitFills = append([]core.Fill(nil), p.ExitFills...)
	return &cp
}
