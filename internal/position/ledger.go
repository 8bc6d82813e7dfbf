package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"spreadarb/internal/core"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation signals corrupted position accounting. The engine
// treats this as fatal and halts trading.
var ErrInvariantViolation = errors.New("position ledger invariant violation")

// ErrNotFound is returned for unknown position IDs
var ErrNotFound = errors.New("position not found")

// ClosedCallback receives the realized PnL of every position that reaches
// CLOSED. The risk manager subscribes here.
type ClosedCallback func(positionID int64, pnl decimal.Decimal, closedAt time.Time)

// Ledger is the single writer for all position state. Every mutation happens
// under one mutex; readers get deep copies.
type Ledger struct {
	mu             sync.Mutex
	nextID         int64
	positions      map[int64]*Position
	processedFills map[string]struct{}
	onClosed       ClosedCallback
	logger         core.ILogger
}

// NewLedger creates an empty ledger
func NewLedger(logger core.ILogger) *Ledger {
	return &Ledger{
		nextID:         1,
		positions:      make(map[int64]*Position),
		processedFills: make(map[string]struct{}),
		logger:         logger.WithField("component", "position_ledger"),
	}
}

// OnClosed registers the callback invoked when a position closes
func (l *Ledger) OnClosed(cb ClosedCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClosed = cb
}

// OpenDraft creates a new OPENING position and returns its copy. IDs are
// monotonic and never reused.
func (l *Ledger) OpenDraft(d core.Direction, mode core.Mode, target, exitTarget decimal.Decimal, now time.Time) *Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &Position{
		ID:               l.nextID,
		Direction:        d,
		Mode:             mode,
		State:            StateOpening,
		TargetContracts:  target,
		ExitSpreadTarget: exitTarget,
		OpenedAt:         now,
	}
	l.nextID++
	l.positions[p.ID] = p
	l.updateOpenGauge()

	l.logger.Info("Position drafted",
		"position_id", p.ID, "direction", d, "mode", mode, "target", target)
	return p.clone()
}

// AddEntryTarget raises the target of an OPEN position before a scale-in
// order is submitted
func (l *Ledger) AddEntryTarget(id int64, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if p.State != StateOpen {
		return fmt.Errorf("position %d is %s, cannot add entry target", id, p.State)
	}
	p.TargetContracts = p.TargetContracts.Add(qty)
	return nil
}

// RevertEntryTarget undoes AddEntryTarget after a failed scale-in
func (l *Ledger) RevertEntryTarget(id int64, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	p.TargetContracts = p.TargetContracts.Sub(qty)
	if p.TargetContracts.LessThan(p.FilledContracts) {
		return fmt.Errorf("%w: position %d target %s below filled %s",
			ErrInvariantViolation, id, p.TargetContracts, p.FilledContracts)
	}
	return nil
}

// RecordEntryPair applies a hedged entry fill pair. Both fills must carry
// the same contract quantity. The operation is idempotent per fill ID: a
// replayed pair is a no-op.
func (l *Ledger) RecordEntryPair(id int64, buy, sell core.Fill, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if p.State != StateOpening && p.State != StateOpen {
		return fmt.Errorf("position %d is %s, cannot record entry", id, p.State)
	}
	if !buy.Contracts.Equal(sell.Contracts) {
		return fmt.Errorf("%w: position %d entry legs differ: buy=%s sell=%s",
			ErrInvariantViolation, id, buy.Contracts, sell.Contracts)
	}

	if l.alreadyProcessed(buy.ID, sell.ID) {
		l.logger.Debug("Duplicate entry pair ignored", "position_id", id, "fill_id", buy.ID)
		return nil
	}

	newFilled := p.FilledContracts.Add(buy.Contracts)
	if newFilled.GreaterThan(p.TargetContracts) {
		return fmt.Errorf("%w: position %d filled %s exceeds target %s",
			ErrInvariantViolation, id, newFilled, p.TargetContracts)
	}

	l.markProcessed(buy.ID, sell.ID)
	p.EntryFills = append(p.EntryFills, buy, sell)
	p.FilledContracts = newFilled
	p.LastOrderAt = now
	if p.State == StateOpening {
		p.State = StateOpen
	}

	l.logger.Info("Entry pair recorded",
		"position_id", id, "contracts", buy.Contracts,
		"buy_price", buy.Price, "sell_price", sell.Price,
		"filled", p.FilledContracts, "target", p.TargetContracts)
	return nil
}

// MarkClosing moves an OPEN position into CLOSING
func (l *Ledger) MarkClosing(id int64, reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if p.State != StateOpen {
		return fmt.Errorf("position %d is %s, cannot close", id, p.State)
	}
	p.State = StateClosing
	p.CloseReason = reason
	p.LastOrderAt = now

	l.logger.Info("Position closing", "position_id", id, "reason", reason)
	return nil
}

// RecordExitPair applies a hedged exit fill pair, idempotent per fill ID.
// When the exited quantity reaches the filled quantity the position closes
// and the realized PnL is reported through the OnClosed callback.
func (l *Ledger) RecordExitPair(id int64, buy, sell core.Fill, now time.Time) error {
	l.mu.Lock()

	p, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if p.State != StateClosing {
		l.mu.Unlock()
		return fmt.Errorf("position %d is %s, cannot record exit", id, p.State)
	}
	if !buy.Contracts.Equal(sell.Contracts) {
		l.mu.Unlock()
		return fmt.Errorf("%w: position %d exit legs differ: buy=%s sell=%s",
			ErrInvariantViolation, id, buy.Contracts, sell.Contracts)
	}

	if l.alreadyProcessed(buy.ID, sell.ID) {
		l.mu.Unlock()
		l.logger.Debug("Duplicate exit pair ignored", "position_id", id, "fill_id", buy.ID)
		return nil
	}

	newExited := p.ExitedContracts.Add(buy.Contracts)
	if newExited.GreaterThan(p.FilledContracts) {
		l.mu.Unlock()
		return fmt.Errorf("%w: position %d exited %s exceeds filled %s",
			ErrInvariantViolation, id, newExited, p.FilledContracts)
	}

	l.markProcessed(buy.ID, sell.ID)
	p.ExitFills = append(p.ExitFills, buy, sell)
	p.ExitedContracts = newExited
	p.LastOrderAt = now

	var closedPnL decimal.Decimal
	var closed bool
	if p.ExitedContracts.Equal(p.FilledContracts) {
		p.State = StateClosed
		p.ClosedAt = now
		p.RealizedPnL = p.realizedPnL()
		closedPnL = p.RealizedPnL
		closed = true
		l.updateOpenGauge()
	}
	cb := l.onClosed
	l.mu.Unlock()

	if closed {
		l.logger.Info("Position closed", "position_id", id, "pnl", closedPnL)
		// Risk callback before the metric: loss accounting must not depend
		// on the telemetry path
		if cb != nil {
			cb(id, closedPnL, now)
		}
		pnlF, _ := closedPnL.Float64()
		telemetry.PnLRealized.Add(pnlF)
	}
	return nil
}

// MarkFailedOpen records a failed entry where the filled leg was unwound.
// Only an OPENING position with no recorded fills can fail open.
func (l *Ledger) MarkFailedOpen(id int64, reason string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if p.State != StateOpening {
		return fmt.Errorf("position %d is %s, cannot mark failed open", id, p.State)
	}
	if !p.FilledContracts.IsZero() {
		return fmt.Errorf("%w: position %d has fills, cannot fail open", ErrInvariantViolation, id)
	}
	p.State = StateFailedOpen
	p.ClosedAt = now
	p.CloseReason = reason
	l.updateOpenGauge()

	l.logger.Warn("Position failed open", "position_id", id, "reason", reason)
	return nil
}

// Get returns a copy of one position
func (l *Ledger) Get(id int64) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return p.clone(), nil
}

// ListActive returns copies of all positions in OPENING, OPEN or CLOSING
func (l *Ledger) ListActive() []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.State.Terminal() {
			out = append(out, p.clone())
		}
	}
	return out
}

// ListAll returns copies of every position, including terminal ones
func (l *Ledger) ListAll() []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.clone())
	}
	return out
}

// ActiveCount returns the number of non-terminal positions
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.positions {
		if !p.State.Terminal() {
			n++
		}
	}
	return n
}

// ActiveContracts returns the total hedged exposure for one direction
func (l *Ledger) ActiveContracts(d core.Direction) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, p := range l.positions {
		if p.Direction == d && !p.State.Terminal() {
			total = total.Add(p.TargetContracts)
		}
	}
	return total
}

// Snapshot exports the full ledger state for persistence
func (l *Ledger) Snapshot() *LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := &LedgerState{
		NextID:         l.nextID,
		Positions:      make([]*Position, 0, len(l.positions)),
		ProcessedFills: make([]string, 0, len(l.processedFills)),
	}
	for _, p := range l.positions {
		state.Positions = append(state.Positions, p.clone())
	}
	for id := range l.processedFills {
		state.ProcessedFills = append(state.ProcessedFills, id)
	}
	return state
}

// Restore replaces the ledger contents from a persisted snapshot
func (l *Ledger) Restore(state *LedgerState) error {
	if state == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[int64]*Position, len(state.Positions))
	for _, p := range state.Positions {
		if p.ID >= state.NextID {
			return fmt.Errorf("%w: position id %d >= next id %d", ErrInvariantViolation, p.ID, state.NextID)
		}
		l.positions[p.ID] = p.clone()
	}
	l.nextID = state.NextID
	l.processedFills = make(map[string]struct{}, len(state.ProcessedFills))
	for _, id := range state.ProcessedFills {
		l.processedFills[id] = struct{}{}
	}
	l.updateOpenGauge()

	l.logger.Info("Ledger restored", "positions", len(l.positions), "next_id", l.nextID)
	return nil
}

// LedgerState is the persisted form of the ledger
type LedgerState struct {
	NextID         int64       `json:"next_id"`
	Positions      []*Position `json:"positions"`
	ProcessedFills []string    `json:"processed_fills"`
}

func (l *Ledger) alreadyProcessed(ids ...string) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := l.processedFills[id]; ok {
			return true
		}
	}
	return false
}

func (l *Ledger) markProcessed(ids ...string) {
	for _, id := range ids {
		if id != "" {
			l.processedFills[id] = struct{}{}
		}
	}
}

func (l *Ledger) updateOpenGauge() {
	n := 0
	for _, p := range l.positions {
		if !p.State.Terminal() {
			n++
		}
	}
	telemetry.PositionsOpen.Set(float64(n))
}
