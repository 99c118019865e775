// Package alerting routes security events to operator channels. Delivery is
// best effort: a failing channel never blocks the others, and the detection
// pipeline never waits on a webhook.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/metrics"
	"hyperliquid-sentry/internal/security"
)

// Notification couples an event with optional rendered extras.
type Notification struct {
	Event security.Event
	// Chart is an optional PNG timeline attached where the channel
	// supports images.
	Chart []byte
}

// Notifier delivers one notification to a single channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, note Notification) error
}

// Multi fans a notification out to every child channel and joins the
// failures.
type Multi []Notifier

// Name identifies the fan-out in logs.
func (m Multi) Name() string { return "multi" }

// Notify delivers to all children; per-channel outcomes are recorded even
// when some fail.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		err := n.Notify(ctx, note)
		metrics.RecordAlert(n.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = (Multi)(nil)

// LogNotifier writes events to the structured log. Always available, used as
// the default channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log sink.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "alert_log")}
}

var _ Notifier = (*LogNotifier)(nil)

// Name identifies the channel.
func (n *LogNotifier) Name() string { return "log" }

// Notify logs the event at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	ev := note.Event
	entry := n.logger.WithLevel(severityLevel(ev.Severity)).
		Str("event_id", ev.ID).
		Str("threat", string(ev.ThreatType)).
		Str("severity", string(ev.Severity)).
		Str("source", ev.Source)
	if len(ev.AffectedAssets) > 0 {
		entry = entry.Strs("assets", ev.AffectedAssets)
	}
	if ev.EstimatedLossUSD != nil {
		entry = entry.Float64("estimated_loss_usd", *ev.EstimatedLossUSD)
	}
	entry.Msg(ev.Title)
	return nil
}

func severityLevel(s security.Severity) zerolog.Level {
	switch s {
	case security.SeverityCritical:
		return zerolog.ErrorLevel
	case security.SeverityHigh:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// renderText formats an event for text channels. Markdown bold survives as
// plain asterisks where unsupported.
func renderText(ev security.Event) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] *%s*\n\n", strings.ToUpper(string(ev.Severity)), ev.Title))
	builder.WriteString(ev.Description)

	details := detailLines(ev)
	if len(details) > 0 {
		builder.WriteString("\n\n*Details:*\n")
		for _, line := range details {
			builder.WriteString(line)
			builder.WriteString("\n")
		}
	}

	builder.WriteString(fmt.Sprintf("\n_Timestamp: %s UTC_", ev.Timestamp.UTC().Format("2006-01-02 15:04:05")))
	return builder.String()
}

func detailLines(ev security.Event) []string {
	var lines []string
	if len(ev.AffectedAssets) > 0 {
		lines = append(lines, fmt.Sprintf("• *Assets:* %s", strings.Join(ev.AffectedAssets, ", ")))
	}
	if ev.EstimatedLossUSD != nil {
		lines = append(lines, fmt.Sprintf("• *Estimated loss:* %s", security.FormatUSD(*ev.EstimatedLossUSD)))
	}
	for _, key := range sortedIndicatorKeys(ev.Indicators) {
		lines = append(lines, fmt.Sprintf("• *%s:* %v", key, ev.Indicators[key]))
	}
	if ev.RecommendedAction != "" {
		lines = append(lines, fmt.Sprintf("• *Action:* %s", ev.RecommendedAction))
	}
	return lines
}

func sortedIndicatorKeys(indicators map[string]any) []string {
	keys := make([]string, 0, len(indicators))
	for key := range indicators {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
