// Package telemetry exposes Prometheus metrics for the trading core
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SpreadObserved tracks entry spread values seen per direction
var SpreadObserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "engine",
		Name:      "spread_entry",
		Help:      "Latest computed entry spread as a signed fraction",
	},
	[]string{"direction"},
)

// ExitSpreadObserved tracks exit spread values seen per direction
var ExitSpreadObserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "engine",
		Name:      "spread_exit",
		Help:      "Latest computed exit spread as a signed fraction",
	},
	[]string{"direction"},
)

// OpportunitiesDetected counts entry candidates by outcome
var OpportunitiesDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spreadarb",
		Subsystem: "engine",
		Name:      "opportunities_total",
		Help:      "Entry candidates detected, labeled by what happened to them",
	},
	[]string{"direction", "outcome"}, // confirmed, discarded, blocked
)

// DecisionsBlocked counts suppressed actions by reason
var DecisionsBlocked = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spreadarb",
		Subsystem: "engine",
		Name:      "decisions_blocked_total",
		Help:      "Actions suppressed by a gate, labeled by reason",
	},
	[]string{"reason"},
)

// OrdersPlaced counts individual legs submitted to a port
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spreadarb",
		Subsystem: "execution",
		Name:      "orders_placed_total",
		Help:      "Total single-leg orders submitted",
	},
	[]string{"venue", "side", "mode"},
)

// LegMismatches counts paired submissions that needed an unwind
var LegMismatches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spreadarb",
		Subsystem: "execution",
		Name:      "leg_mismatches_total",
		Help:      "Paired submissions where exactly one leg filled",
	},
	[]string{"unwound"}, // yes, no
)

// OrderExecutionLatency measures the round trip of a paired submission
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "spreadarb",
		Subsystem: "execution",
		Name:      "pair_latency_ms",
		Help:      "Time to complete a paired submission in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"mode"},
)

// PositionsOpen is the current number of non-terminal positions
var PositionsOpen = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "position",
		Name:      "open",
		Help:      "Current number of positions not yet CLOSED or FAILED_OPEN",
	},
)

// PnLRealized accumulates realized PnL across closed positions. A gauge, not
// a counter: losing closes move it down.
var PnLRealized = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "position",
		Name:      "pnl_realized",
		Help:      "Cumulative realized PnL in quote currency, signed",
	},
)

// DailyLoss is the risk manager's current daily loss accumulator
var DailyLoss = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "risk",
		Name:      "daily_loss",
		Help:      "Realized loss accumulated since the last day boundary",
	},
)

// TradingEnabled is 1 when entries are allowed, 0 when the risk gate is tripped
var TradingEnabled = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "risk",
		Name:      "trading_enabled",
		Help:      "Whether new entries are allowed (1) or blocked (0)",
	},
)

// QuoteAge tracks the freshness of the latest quote per venue
var QuoteAge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "feed",
		Name:      "quote_age_seconds",
		Help:      "Age of the latest quote per venue at evaluation time",
	},
	[]string{"venue"},
)

// FeedConnected is 1 while a venue stream is connected
var FeedConnected = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "spreadarb",
		Subsystem: "feed",
		Name:      "connected",
		Help:      "Venue stream connection status (1=connected, 0=disconnected)",
	},
	[]string{"venue"},
)

// WSMessages counts raw messages received per venue stream
var WSMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "spreadarb",
		Subsystem: "feed",
		Name:      "ws_messages_total",
		Help:      "Raw WebSocket messages received per venue",
	},
	[]string{"venue"},
)

// RecordBlocked records a suppressed action
func RecordBlocked(reason string) {
	DecisionsBlocked.WithLabelValues(reason).Inc()
}

// RecordLegMismatch records a paired submission that needed compensation
func RecordLegMismatch(unwound bool) {
	v := "no"
	if unwound {
		v = "yes"
	}
	LegMismatches.WithLabelValues(v).Inc()
}
