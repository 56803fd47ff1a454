// Package alert delivers operational notifications (circuit breaker trips,
// fail-safe activations, stream loss) to external channels. Delivery is
// fire-and-forget: a failing channel is logged and never surfaces to the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"signalbridge/internal/core"
)

// Payload is one notification
type Payload struct {
	Level     core.Severity
	Title     string
	Message   string
	TenantID  string
	Timestamp time.Time
}

// Channel is one delivery target
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans one notification out to every configured channel. In
// multi-tenant mode a tenant may carry its own channel set; tenants without
// one fall back to the defaults.
type Manager struct {
	channels       []Channel
	tenantChannels map[string][]Channel
	logger         core.ILogger
	mu             sync.RWMutex
}

// NewManager creates an empty alert manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels:       make([]Channel, 0),
		tenantChannels: make(map[string][]Channel),
		logger:         logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a default delivery channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// AddTenantChannel registers a channel addressed to one tenant
func (m *Manager) AddTenantChannel(tenantID string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantChannels[tenantID] = append(m.tenantChannels[tenantID], ch)
	m.logger.Info("Added tenant alert channel", "tenant", tenantID, "name", ch.Name())
}

// Notify implements core.INotifier. Channel sends run on their own
// goroutines with a per-channel timeout; the caller is never blocked.
func (m *Manager) Notify(ctx context.Context, tenantID, title, message string, severity core.Severity) {
	payload := Payload{
		Level:     severity,
		Title:     title,
		Message:   message,
		TenantID:  tenantID,
		Timestamp: time.Now(),
	}

	m.logger.Info("Triggering alert", "title", title, "level", severity, "tenant", tenantID)

	m.mu.RLock()
	targets := m.channels
	if tenantID != "" {
		if chs, ok := m.tenantChannels[tenantID]; ok && len(chs) > 0 {
			targets = chs
		}
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		go func(c Channel) {
			// Alerts stay async to the trading path; detach from the
			// caller's (possibly short-lived) context.
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
