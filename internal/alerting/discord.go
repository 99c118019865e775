package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/security"
)

// DiscordNotifier posts alerts to a Discord webhook as embeds.
type DiscordNotifier struct {
	webhookURL string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

var _ Notifier = (*DiscordNotifier)(nil)

// NewDiscordNotifier constructs a Discord channel.
func NewDiscordNotifier(cfg config.DiscordConfig, logger zerolog.Logger) *DiscordNotifier {
	username := cfg.Username
	if username == "" {
		username = "hlsentry"
	}

	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logging.Component(logger, "alert_discord"),
	}
}

// Name identifies the channel.
func (n *DiscordNotifier) Name() string { return "discord" }

// Notify posts one embed.
func (n *DiscordNotifier) Notify(ctx context.Context, note Notification) error {
	ev := note.Event

	embed := discordEmbed{
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(ev.Severity)), ev.Title),
		Description: ev.Description,
		Color:       severityColor(ev.Severity),
		Timestamp:   formatTimestamp(ev.Timestamp),
		Footer:      &discordFooter{Text: "Hyperliquid Security Monitor"},
		Fields:      embedFields(ev),
	}

	payload := discordPayload{
		Username: n.username,
		Embeds:   []discordEmbed{embed},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	n.logger.Info().Str("event_id", ev.ID).Str("severity", string(ev.Severity)).Msg("discord alert sent")
	return nil
}

func severityColor(s security.Severity) int {
	switch s {
	case security.SeverityCritical:
		return 10038562
	case security.SeverityHigh:
		return 15158332
	case security.SeverityMedium:
		return 16776960
	default:
		return 3447003
	}
}

func embedFields(ev security.Event) []discordField {
	var fields []discordField
	if len(ev.AffectedAssets) > 0 {
		fields = append(fields, discordField{Name: "Assets", Value: strings.Join(ev.AffectedAssets, ", "), Inline: true})
	}
	if ev.EstimatedLossUSD != nil {
		fields = append(fields, discordField{Name: "Estimated loss", Value: security.FormatUSD(*ev.EstimatedLossUSD), Inline: true})
	}
	for _, key := range sortedIndicatorKeys(ev.Indicators) {
		fields = append(fields, discordField{Name: key, Value: fmt.Sprintf("%v", ev.Indicators[key]), Inline: true})
	}
	if ev.RecommendedAction != "" {
		fields = append(fields, discordField{Name: "Action", Value: ev.RecommendedAction, Inline: false})
	}
	return fields
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}
