package alerting

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/metrics"
	"hyperliquid-sentry/internal/security"
)

// Manager gates events before they reach the channels: a minimum severity
// and a per-cause cooldown keep repeated findings from flooding operators.
type Manager struct {
	minSeverity security.Severity
	cooldown    time.Duration
	notifier    Notifier
	logger      zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewManager wires the gate in front of a delivery channel, usually a Multi.
func NewManager(cfg config.AlertingConfig, notifier Notifier, logger zerolog.Logger) *Manager {
	minSeverity, err := security.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		minSeverity = security.SeverityHigh
	}

	return &Manager{
		minSeverity: minSeverity,
		cooldown:    cfg.Cooldown,
		notifier:    notifier,
		logger:      logging.Component(logger, "alerting"),
		lastSent:    map[string]time.Time{},
		now:         time.Now,
	}
}

// Dispatch sends one event through the channels unless gated. Gated events
// return nil.
func (m *Manager) Dispatch(ctx context.Context, note Notification) error {
	ev := note.Event

	if ev.Severity.Rank() < m.minSeverity.Rank() {
		metrics.RecordAlertSuppressed("severity")
		m.logger.Debug().Str("event_id", ev.ID).Str("severity", string(ev.Severity)).Msg("alert below minimum severity")
		return nil
	}

	key := cooldownKey(ev)
	if !m.claim(key) {
		metrics.RecordAlertSuppressed("cooldown")
		m.logger.Debug().Str("event_id", ev.ID).Str("key", key).Msg("alert in cooldown")
		return nil
	}

	if err := m.notifier.Notify(ctx, note); err != nil {
		m.logger.Error().Err(err).Str("event_id", ev.ID).Msg("alert delivery failed")
		return err
	}
	return nil
}

// cooldownKey identifies the recurring cause, not the individual event:
// repeated emissions for the same threat and assets share a key.
func cooldownKey(ev security.Event) string {
	parts := append([]string{string(ev.ThreatType)}, ev.AffectedAssets...)
	return strings.Join(parts, ":")
}

func (m *Manager) claim(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[key]; ok && m.cooldown > 0 && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}
