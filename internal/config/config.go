// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Trading   TradingConfig          `yaml:"trading"`
	Risk      RiskConfig             `yaml:"risk"`
	Timing    TimingConfig           `yaml:"timing"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Alerts    AlertsConfig           `yaml:"alerts"`
	System    SystemConfig           `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode        string  `yaml:"mode"` // simulated or real
	StatePath   string  `yaml:"state_path"`
	InitialCash float64 `yaml:"initial_cash"` // Simulated portfolio starting cash per venue
}

// VenueConfig contains per-venue connection and fee settings
type VenueConfig struct {
	Name         string  `yaml:"name"`
	WSURL        string  `yaml:"ws_url"`
	RESTURL      string  `yaml:"rest_url"`
	APIKey       Secret  `yaml:"api_key"`
	SecretKey    Secret  `yaml:"secret_key"`
	TakerFeeRate float64 `yaml:"taker_fee_rate"`
	Symbol       string  `yaml:"symbol"`
	OrdersPerSec float64 `yaml:"orders_per_sec"` // REST order rate limit, 0 = venue default
}

// TradingConfig contains the decision thresholds. These are the values that
// may be updated at runtime through the command surface.
type TradingConfig struct {
	MinSpreadEnter         float64 `yaml:"min_spread_enter"`
	MinSpreadExit          float64 `yaml:"min_spread_exit"`
	MaxPositionContracts   float64 `yaml:"max_position_contracts"`
	MinOrderContracts      float64 `yaml:"min_order_contracts"`
	MaxSlippage            float64 `yaml:"max_slippage"`
	BaseSlippage           float64 `yaml:"base_slippage"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxPositionAgeSec      int     `yaml:"max_position_age_sec"`
	MinOrderIntervalMs     int     `yaml:"min_order_interval_ms"`
	ConfirmationDelayMs    int     `yaml:"confirmation_delay_ms"`
	FeeOffsetV1ToV2        float64 `yaml:"fee_offset_v1_to_v2"`
	FeeOffsetV2ToV1        float64 `yaml:"fee_offset_v2_to_v1"`
}

// RiskConfig contains risk control settings
type RiskConfig struct {
	DailyLossLimit float64 `yaml:"daily_loss_limit"`
	DayBoundaryTZ  string  `yaml:"day_boundary_tz"` // IANA zone for the daily reset, default UTC
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	TickIntervalMs     int `yaml:"tick_interval_ms"`
	QuoteFreshnessMs   int `yaml:"quote_freshness_ms"`
	ConfirmFreshnessMs int `yaml:"confirm_freshness_ms"`
	FillTimeoutMs      int `yaml:"fill_timeout_ms"`
	WSPingIntervalSec  int `yaml:"ws_ping_interval_sec"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsAddr   string `yaml:"metrics_addr"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// AlertsConfig contains operator notification settings. Empty values
// disable the corresponding channel.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel       string `yaml:"log_level"`
	CloseAllOnExit bool   `yaml:"close_all_on_exit"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with safe defaults. Loaded files
// override these field by field.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:        "simulated",
			StatePath:   "data/spreadarb.db",
			InitialCash: 1000,
		},
		Venues: map[string]VenueConfig{},
		Trading: TradingConfig{
			MinSpreadEnter:         0.006,
			MinSpreadExit:          0.0005,
			MaxPositionContracts:   3,
			MinOrderContracts:      1,
			MaxSlippage:            0.002,
			BaseSlippage:           0.0005,
			MaxConcurrentPositions: 2,
			MaxPositionAgeSec:      6 * 3600,
			MinOrderIntervalMs:     2000,
			ConfirmationDelayMs:    300,
		},
		Risk: RiskConfig{
			DailyLossLimit: 50,
			DayBoundaryTZ:  "UTC",
		},
		Timing: TimingConfig{
			TickIntervalMs:     200,
			QuoteFreshnessMs:   1500,
			ConfirmFreshnessMs: 500,
			FillTimeoutMs:      5000,
			WSPingIntervalSec:  30,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr:   ":9091",
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:       "INFO",
			CloseAllOnExit: true,
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if _, err := parseModeString(c.App.Mode); err != nil {
		errs = append(errs, ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be 'simulated' or 'real'"}.Error())
	}

	if err := c.Trading.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Risk.DailyLossLimit <= 0 {
		errs = append(errs, ValidationError{Field: "risk.daily_loss_limit", Value: c.Risk.DailyLossLimit, Message: "must be positive"}.Error())
	}
	if c.Risk.DayBoundaryTZ != "" {
		if _, err := time.LoadLocation(c.Risk.DayBoundaryTZ); err != nil {
			errs = append(errs, ValidationError{Field: "risk.day_boundary_tz", Value: c.Risk.DayBoundaryTZ, Message: "unknown time zone"}.Error())
		}
	}

	if c.Timing.TickIntervalMs <= 0 || c.Timing.TickIntervalMs > 1000 {
		errs = append(errs, ValidationError{Field: "timing.tick_interval_ms", Value: c.Timing.TickIntervalMs, Message: "must be in (0, 1000]"}.Error())
	}
	if c.Timing.QuoteFreshnessMs <= 0 {
		errs = append(errs, ValidationError{Field: "timing.quote_freshness_ms", Value: c.Timing.QuoteFreshnessMs, Message: "must be positive"}.Error())
	}
	if c.Timing.ConfirmFreshnessMs <= 0 {
		errs = append(errs, ValidationError{Field: "timing.confirm_freshness_ms", Value: c.Timing.ConfirmFreshnessMs, Message: "must be positive"}.Error())
	}
	if c.Timing.FillTimeoutMs <= 0 {
		errs = append(errs, ValidationError{Field: "timing.fill_timeout_ms", Value: c.Timing.FillTimeoutMs, Message: "must be positive"}.Error())
	}

	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be DEBUG, INFO, WARN, ERROR or FATAL"}.Error())
	}

	// Real mode needs both venue connections configured
	if c.App.Mode == "real" {
		for _, key := range []string{"v1", "v2"} {
			venue, ok := c.Venues[key]
			if !ok {
				errs = append(errs, ValidationError{Field: "venues." + key, Value: nil, Message: "required in real mode"}.Error())
				continue
			}
			if venue.RESTURL == "" {
				errs = append(errs, ValidationError{Field: "venues." + key + ".rest_url", Value: venue.RESTURL, Message: "required in real mode"}.Error())
			}
			if venue.APIKey == "" || venue.SecretKey == "" {
				errs = append(errs, ValidationError{Field: "venues." + key + ".api_key", Value: nil, Message: "credentials required in real mode"}.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the trading thresholds. It is called both at load time and
// on every runtime threshold update.
func (t *TradingConfig) Validate() error {
	var errs []string

	if t.MinSpreadEnter <= 0 || t.MinSpreadEnter >= 1 {
		errs = append(errs, ValidationError{Field: "trading.min_spread_enter", Value: t.MinSpreadEnter, Message: "must be in (0, 1)"}.Error())
	}
	if t.MinSpreadExit < 0 || t.MinSpreadExit >= t.MinSpreadEnter {
		errs = append(errs, ValidationError{Field: "trading.min_spread_exit", Value: t.MinSpreadExit, Message: "must be in [0, min_spread_enter)"}.Error())
	}
	if t.MinOrderContracts <= 0 {
		errs = append(errs, ValidationError{Field: "trading.min_order_contracts", Value: t.MinOrderContracts, Message: "must be positive"}.Error())
	}
	if t.MaxPositionContracts < t.MinOrderContracts {
		errs = append(errs, ValidationError{Field: "trading.max_position_contracts", Value: t.MaxPositionContracts, Message: "must be >= min_order_contracts"}.Error())
	}
	if t.MaxSlippage < 0 || t.MaxSlippage >= 1 {
		errs = append(errs, ValidationError{Field: "trading.max_slippage", Value: t.MaxSlippage, Message: "must be in [0, 1)"}.Error())
	}
	if t.BaseSlippage < 0 || t.BaseSlippage > t.MaxSlippage {
		errs = append(errs, ValidationError{Field: "trading.base_slippage", Value: t.BaseSlippage, Message: "must be in [0, max_slippage]"}.Error())
	}
	if t.MaxConcurrentPositions < 1 {
		errs = append(errs, ValidationError{Field: "trading.max_concurrent_positions", Value: t.MaxConcurrentPositions, Message: "must be >= 1"}.Error())
	}
	if t.MaxPositionAgeSec <= 0 {
		errs = append(errs, ValidationError{Field: "trading.max_position_age_sec", Value: t.MaxPositionAgeSec, Message: "must be positive"}.Error())
	}
	if t.MinOrderIntervalMs < 0 {
		errs = append(errs, ValidationError{Field: "trading.min_order_interval_ms", Value: t.MinOrderIntervalMs, Message: "must be >= 0"}.Error())
	}
	if t.ConfirmationDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "trading.confirmation_delay_ms", Value: t.ConfirmationDelayMs, Message: "must be >= 0"}.Error())
	}
	if t.FeeOffsetV1ToV2 < 0 || t.FeeOffsetV2ToV1 < 0 {
		errs = append(errs, ValidationError{Field: "trading.fee_offset", Value: nil, Message: "fee offsets must be >= 0"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// String returns the config as YAML with secrets masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, venue := range c.Venues {
		venue.APIKey = Secret(maskString(string(venue.APIKey)))
		venue.SecretKey = Secret(maskString(string(venue.SecretKey)))
		configCopy.Venues[name] = venue
	}

	data, _ := yaml.Marshal(&configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
