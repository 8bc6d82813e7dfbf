package engine

import (
	"fmt"
	"time"

	"spreadarb/internal/config"
	"spreadarb/internal/position"
	"spreadarb/internal/risk"
	"spreadarb/internal/spread"
)

// Status is a point-in-time snapshot of everything an operator needs to see
type Status struct {
	Time        time.Time                  `json:"time"`
	Mode        string                     `json:"mode"`
	Paused      bool                       `json:"paused"`
	Halted      bool                       `json:"halted"`
	HaltReason  string                     `json:"halt_reason,omitempty"`
	Spreads     []spread.DirectionalSpread `json:"spreads"`
	SpreadStats []spread.Stats             `json:"spread_stats"`
	Positions   []*position.Position       `json:"positions"`
	Risk        risk.State                 `json:"risk"`
	Events      []Event                    `json:"events"`
}

// Status assembles the current snapshot. Safe to call from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	spreads := append([]spread.DirectionalSpread(nil), e.latestSpreads...)
	paused, halted, haltReason := e.paused, e.halted, e.haltReason
	e.mu.Unlock()

	return Status{
		Time:        e.clock(),
		Mode:        string(e.cfg.CurrentMode()),
		Paused:      paused,
		Halted:      halted,
		HaltReason:  haltReason,
		Spreads:     spreads,
		SpreadStats: e.history.SessionStats(),
		Positions:   e.ledger.ListActive(),
		Risk:        e.risk.Snapshot(),
		Events:      e.events.list(),
	}
}

// PauseTrading suspends entry evaluation. Exits keep running.
func (e *Engine) PauseTrading() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Warn("Trading paused")
	e.events.append(Event{Time: e.clock(), Kind: "paused"})
}

// ResumeTrading re-enables entry evaluation
func (e *Engine) ResumeTrading() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("Trading resumed")
	e.events.append(Event{Time: e.clock(), Kind: "resumed"})
}

// ClosePosition requests an operator close. The exit itself is dispatched by
// the next tick.
func (e *Engine) ClosePosition(id int64) error {
	now := e.clock()
	if err := e.ledger.MarkClosing(id, "operator", now); err != nil {
		return fmt.Errorf("close position %d: %w", id, err)
	}
	e.events.append(Event{Time: now, Kind: "exit_started", PositionID: id, Reason: "operator"})
	return nil
}

// CloseAll marks every open position closing. The shutdown path and the
// risk unwind use this.
func (e *Engine) CloseAll(reason string) int {
	now := e.clock()
	n := 0
	for _, p := range e.ledger.ListActive() {
		if p.State != position.StateOpen {
			continue
		}
		if err := e.ledger.MarkClosing(p.ID, reason, now); err != nil {
			e.logger.Warn("Close rejected", "position_id", p.ID, "error", err)
			continue
		}
		e.events.append(Event{Time: now, Kind: "exit_started", PositionID: p.ID, Reason: reason})
		n++
	}
	return n
}

// Rearm re-enables the risk gate after an operator review
func (e *Engine) Rearm() {
	e.risk.Rearm()
	e.events.append(Event{Time: e.clock(), Kind: "rearmed"})
}

// UpdateThresholds applies a partial threshold update through the config
// manager. A rejected update changes nothing.
func (e *Engine) UpdateThresholds(upd config.ThresholdUpdate) error {
	if err := e.cfg.UpdateThresholds(upd); err != nil {
		return err
	}
	e.events.append(Event{Time: e.clock(), Kind: "thresholds_updated"})
	return nil
}
