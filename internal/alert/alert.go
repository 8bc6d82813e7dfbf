// Package alert fans critical trading events out to operator channels.
// Delivery is best effort and never blocks the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"spreadarb/internal/core"
)

// Level is the alert severity
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Payload is one alert
type Payload struct {
	Level   Level
	Title   string
	Message string
	At      time.Time
	Fields  map[string]string
}

// Channel delivers alerts to one destination
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Alerter is what the engine holds. A nil Alerter is valid and silent.
type Alerter interface {
	Alert(ctx context.Context, level Level, title, message string, fields map[string]string)
}

// Manager fans one alert out to all configured channels concurrently
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewManager creates an empty alert manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a destination
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel added", "name", ch.Name())
}

// Alert sends to every channel without waiting for delivery. Each channel
// gets its own timeout so one slow webhook cannot hold the others.
func (m *Manager) Alert(ctx context.Context, level Level, title, message string, fields map[string]string) {
	p := Payload{
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
		Fields:  fields,
	}
	m.logger.Info("Alert raised", "level", level, "title", title)

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
