// Package risk enforces the daily loss limit gating new entries
package risk

import (
	"sync"
	"time"

	"spreadarb/internal/core"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// State is the externally visible risk state
type State struct {
	DailyLoss         decimal.Decimal `json:"daily_loss"`
	DayBoundary       time.Time       `json:"day_boundary"`
	TradingEnabled    bool            `json:"trading_enabled"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TripReason        string          `json:"trip_reason,omitempty"`
	TrippedAt         time.Time       `json:"tripped_at,omitempty"`
}

// Config holds the risk limits
type Config struct {
	DailyLossLimit decimal.Decimal
	DayBoundaryTZ  *time.Location
}

// Manager accumulates realized losses and disables new entries the moment
// the daily limit is crossed. Exits are never blocked. Re-enabling after a
// trip requires an explicit Rearm; the day rollover only clears the
// accumulator.
type Manager struct {
	mu                sync.Mutex
	cfg               Config
	dailyLoss         decimal.Decimal
	dayBoundary       time.Time
	tradingEnabled    bool
	consecutiveLosses int
	tripReason        string
	trippedAt         time.Time
	logger            core.ILogger
}

// NewManager creates a risk manager armed for trading
func NewManager(cfg Config, now time.Time, logger core.ILogger) *Manager {
	if cfg.DayBoundaryTZ == nil {
		cfg.DayBoundaryTZ = time.UTC
	}
	m := &Manager{
		cfg:            cfg,
		dailyLoss:      decimal.Zero,
		dayBoundary:    dayStart(now, cfg.DayBoundaryTZ),
		tradingEnabled: true,
		logger:         logger.WithField("component", "risk_manager"),
	}
	m.report()
	return m
}

// OnTradeClosed records the realized PnL of a closed position. Profits do
// not pay back the loss accumulator.
func (m *Manager) OnTradeClosed(positionID int64, pnl decimal.Decimal, closedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pnl.IsNegative() {
		m.consecutiveLosses++
		m.dailyLoss = m.dailyLoss.Add(pnl.Neg())
	} else {
		m.consecutiveLosses = 0
	}

	m.logger.Info("Trade closed",
		"position_id", positionID, "pnl", pnl,
		"daily_loss", m.dailyLoss, "consecutive_losses", m.consecutiveLosses)

	// The trip happens on the exact crossing, equality included
	if m.tradingEnabled && m.dailyLoss.GreaterThanOrEqual(m.cfg.DailyLossLimit) {
		m.trip("daily loss limit reached", closedAt)
	}
	m.report()
}

// TradingAllowed reports whether new entries may be opened
func (m *Manager) TradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradingEnabled
}

// DailyResetIfNeeded rolls the day boundary forward and clears the loss
// accumulator when a new day has started. A tripped gate stays tripped.
func (m *Manager) DailyResetIfNeeded(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	boundary := dayStart(now, m.cfg.DayBoundaryTZ)
	if !boundary.After(m.dayBoundary) {
		return false
	}

	m.logger.Info("Daily risk reset",
		"previous_boundary", m.dayBoundary, "new_boundary", boundary,
		"final_daily_loss", m.dailyLoss)
	m.dayBoundary = boundary
	m.dailyLoss = decimal.Zero
	m.consecutiveLosses = 0
	m.report()
	return true
}

// Trip disables new entries with the given reason
func (m *Manager) Trip(reason string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tradingEnabled {
		m.trip(reason, now)
		m.report()
	}
}

// Rearm re-enables entries after an operator review
func (m *Manager) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tradingEnabled {
		return
	}
	m.tradingEnabled = true
	m.tripReason = ""
	m.trippedAt = time.Time{}
	m.logger.Warn("Risk gate re-armed", "daily_loss", m.dailyLoss)
	m.report()
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		DailyLoss:         m.dailyLoss,
		DayBoundary:       m.dayBoundary,
		TradingEnabled:    m.tradingEnabled,
		ConsecutiveLosses: m.consecutiveLosses,
		TripReason:        m.tripReason,
		TrippedAt:         m.trippedAt,
	}
}

// Restore replaces the state from a persisted snapshot
func (m *Manager) Restore(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyLoss = st.DailyLoss
	m.dayBoundary = st.DayBoundary
	m.tradingEnabled = st.TradingEnabled
	m.consecutiveLosses = st.ConsecutiveLosses
	m.tripReason = st.TripReason
	m.trippedAt = st.TrippedAt
	m.report()
}

// trip disables entries. Caller holds mu.
func (m *Manager) trip(reason string, now time.Time) {
	m.tradingEnabled = false
	m.tripReason = reason
	m.trippedAt = now
	m.logger.Error("Risk gate tripped",
		"reason", reason, "daily_loss", m.dailyLoss, "limit", m.cfg.DailyLossLimit)
}

// report pushes the current state to metrics. Caller holds mu.
func (m *Manager) report() {
	lossF, _ := m.dailyLoss.Float64()
	telemetry.DailyLoss.Set(lossF)
	if m.tradingEnabled {
		telemetry.TradingEnabled.Set(1)
	} else {
		telemetry.TradingEnabled.Set(0)
	}
}

func dayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
