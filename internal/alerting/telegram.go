package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/logging"
)

// Telegram photo captions are capped by the Bot API.
const telegramCaptionLimit = 1024

// TelegramNotifier pushes alerts through the Telegram Bot API. Events with a
// chart attached go out as a photo with caption, the rest as plain messages.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier constructs a Telegram channel.
func NewTelegramNotifier(cfg config.TelegramConfig, logger zerolog.Logger) *TelegramNotifier {
	baseURL := strings.TrimRight(cfg.APIBase, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Name identifies the channel.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify delivers one alert.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	text := renderText(note.Event)

	var err error
	if len(note.Chart) > 0 {
		err = n.sendPhoto(ctx, text, note.Chart)
	} else {
		err = n.sendMessage(ctx, text)
	}
	if err != nil {
		return err
	}

	n.logger.Info().Str("event_id", note.Event.ID).Str("severity", string(note.Event.Severity)).Msg("telegram alert sent")
	return nil
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	payload := telegramMessage{
		ChatID:                n.chatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	return checkTelegramResponse(resp)
}

func (n *TelegramNotifier) sendPhoto(ctx context.Context, caption string, photo []byte) error {
	if len(caption) > telegramCaptionLimit {
		caption = caption[:telegramCaptionLimit-3] + "..."
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("chat_id", n.chatID); err != nil {
		return err
	}
	if err := writer.WriteField("caption", caption); err != nil {
		return err
	}
	if err := writer.WriteField("parse_mode", "Markdown"); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("photo", "chart.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(photo); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	return checkTelegramResponse(resp)
}

func checkTelegramResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		if result.Description != "" {
			return fmt.Errorf("telegram rejected message: %s", result.Description)
		}
		return fmt.Errorf("telegram returned ok=false")
	}
	return nil
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}
