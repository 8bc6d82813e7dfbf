package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"spreadarb/internal/core"

	"github.com/shopspring/decimal"
)

// Snapshot is the immutable set of decision parameters read once per tick.
// Spreads and slippages are signed fractions, not percentages.
type Snapshot struct {
	MinSpreadEnter         decimal.Decimal
	MinSpreadExit          decimal.Decimal
	MaxPositionContracts   decimal.Decimal
	MinOrderContracts      decimal.Decimal
	MaxSlippage            decimal.Decimal
	BaseSlippage           decimal.Decimal
	MaxConcurrentPositions int
	MaxPositionAge         time.Duration
	MinOrderInterval       time.Duration
	ConfirmationDelay      time.Duration
	QuoteFreshness         time.Duration
	ConfirmFreshness       time.Duration
	FillTimeout            time.Duration
	FeeOffsetV1ToV2        decimal.Decimal
	FeeOffsetV2ToV1        decimal.Decimal
}

// FeeOffset returns the configured fee offset for a direction
func (s Snapshot) FeeOffset(d core.Direction) decimal.Decimal {
	if d == core.DirectionV1ToV2 {
		return s.FeeOffsetV1ToV2
	}
	return s.FeeOffsetV2ToV1
}

// ThresholdUpdate is a partial update to the trading thresholds. Nil fields
// keep their current value.
type ThresholdUpdate struct {
	MinSpreadEnter         *float64
	MinSpreadExit          *float64
	MaxPositionContracts   *float64
	MinOrderContracts      *float64
	MaxSlippage            *float64
	MaxConcurrentPositions *int
	MaxPositionAgeSec      *int
	MinOrderIntervalMs     *int
	ConfirmationDelayMs    *int
}

// Manager owns the active configuration. Readers take a whole Snapshot per
// decision cycle so a concurrent update never produces a torn read.
type Manager struct {
	mu      sync.Mutex
	trading TradingConfig
	timing  TimingConfig
	mode    core.Mode
	current atomic.Pointer[Snapshot]
	logger  core.ILogger
}

// NewManager builds a manager from a validated Config
func NewManager(cfg *Config, logger core.ILogger) (*Manager, error) {
	mode, err := parseModeString(cfg.App.Mode)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		trading: cfg.Trading,
		timing:  cfg.Timing,
		mode:    mode,
		logger:  logger.WithField("component", "config_manager"),
	}
	m.publish()
	return m, nil
}

// Snapshot returns the current immutable parameter set
func (m *Manager) Snapshot() Snapshot {
	return *m.current.Load()
}

// CurrentMode returns the global execution mode for new positions
func (m *Manager) CurrentMode() core.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// UpdateThresholds applies a partial threshold update. The merged result is
// validated before it replaces the active snapshot; a rejected update leaves
// the previous snapshot in place.
func (m *Manager) UpdateThresholds(upd ThresholdUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := m.trading
	if upd.MinSpreadEnter != nil {
		merged.MinSpreadEnter = *upd.MinSpreadEnter
	}
	if upd.MinSpreadExit != nil {
		merged.MinSpreadExit = *upd.MinSpreadExit
	}
	if upd.MaxPositionContracts != nil {
		merged.MaxPositionContracts = *upd.MaxPositionContracts
	}
	if upd.MinOrderContracts != nil {
		merged.MinOrderContracts = *upd.MinOrderContracts
	}
	if upd.MaxSlippage != nil {
		merged.MaxSlippage = *upd.MaxSlippage
	}
	if upd.MaxConcurrentPositions != nil {
		merged.MaxConcurrentPositions = *upd.MaxConcurrentPositions
	}
	if upd.MaxPositionAgeSec != nil {
		merged.MaxPositionAgeSec = *upd.MaxPositionAgeSec
	}
	if upd.MinOrderIntervalMs != nil {
		merged.MinOrderIntervalMs = *upd.MinOrderIntervalMs
	}
	if upd.ConfirmationDelayMs != nil {
		merged.ConfirmationDelayMs = *upd.ConfirmationDelayMs
	}

	if err := merged.Validate(); err != nil {
		return fmt.Errorf("threshold update rejected: %w", err)
	}

	m.trading = merged
	m.publish()
	m.logger.Info("Trading thresholds updated",
		"min_spread_enter", merged.MinSpreadEnter,
		"min_spread_exit", merged.MinSpreadExit,
		"max_position_contracts", merged.MaxPositionContracts)
	return nil
}

// publish rebuilds the snapshot from the mutable config. Caller holds mu.
func (m *Manager) publish() {
	t := m.trading
	snap := &Snapshot{
		MinSpreadEnter:         decimal.NewFromFloat(t.MinSpreadEnter),
		MinSpreadExit:          decimal.NewFromFloat(t.MinSpreadExit),
		MaxPositionContracts:   decimal.NewFromFloat(t.MaxPositionContracts),
		MinOrderContracts:      decimal.NewFromFloat(t.MinOrderContracts),
		MaxSlippage:            decimal.NewFromFloat(t.MaxSlippage),
		BaseSlippage:           decimal.NewFromFloat(t.BaseSlippage),
		MaxConcurrentPositions: t.MaxConcurrentPositions,
		MaxPositionAge:         time.Duration(t.MaxPositionAgeSec) * time.Second,
		MinOrderInterval:       time.Duration(t.MinOrderIntervalMs) * time.Millisecond,
		ConfirmationDelay:      time.Duration(t.ConfirmationDelayMs) * time.Millisecond,
		QuoteFreshness:         time.Duration(m.timing.QuoteFreshnessMs) * time.Millisecond,
		ConfirmFreshness:       time.Duration(m.timing.ConfirmFreshnessMs) * time.Millisecond,
		FillTimeout:            time.Duration(m.timing.FillTimeoutMs) * time.Millisecond,
		FeeOffsetV1ToV2:        decimal.NewFromFloat(t.FeeOffsetV1ToV2),
		FeeOffsetV2ToV1:        decimal.NewFromFloat(t.FeeOffsetV2ToV1),
	}
	m.current.Store(snap)
}

func parseModeString(s string) (core.Mode, error) {
	return core.ParseMode(s)
}
