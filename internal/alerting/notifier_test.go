package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/security"
)

func testEvent(severity security.Severity) security.Event {
	loss := 1200000.0
	return security.Event{
		ID:               "hlp-abcdef",
		Timestamp:        time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Severity:         severity,
		ThreatType:       security.ThreatVaultExploitation,
		Title:            "Vault Drawdown: HLP",
		Description:      "Account value dropped sharply.",
		AffectedAssets:   []string{"HLP"},
		Source:           "hlp_vault_monitor",
		EstimatedLossUSD: &loss,
	}
}

type stubNotifier struct {
	name  string
	calls int
	err   error
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(context.Context, Notification) error {
	s.calls++
	return s.err
}

func TestRenderText(t *testing.T) {
	text := renderText(testEvent(security.SeverityCritical))

	for _, want := range []string{
		"[CRITICAL] *Vault Drawdown: HLP*",
		"Account value dropped sharply.",
		"• *Assets:* HLP",
		"• *Estimated loss:* $1,200,000",
		"_Timestamp: 2026-02-03 04:05:06 UTC_",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered text missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramSendsMessage(t *testing.T) {
	var gotPath string
	var gotBody telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		BotToken: "token123",
		ChatID:   "-100",
		APIBase:  srv.URL,
	}, logging.Nop())

	if err := n.Notify(context.Background(), Notification{Event: testEvent(security.SeverityHigh)}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/bottoken123/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody.ChatID != "-100" {
		t.Errorf("chat_id = %s", gotBody.ChatID)
	}
	if gotBody.ParseMode != "Markdown" {
		t.Errorf("parse_mode = %s", gotBody.ParseMode)
	}
	if !strings.Contains(gotBody.Text, "[HIGH]") {
		t.Errorf("text missing severity prefix: %s", gotBody.Text)
	}
}

func TestTelegramSendsPhotoWithChart(t *testing.T) {
	var gotPath, gotCaption, gotFilename string
	var gotPhoto []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("photo part: %v", err)
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		gotPhoto, _ = io.ReadAll(file)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		BotToken: "token123",
		ChatID:   "-100",
		APIBase:  srv.URL,
	}, logging.Nop())

	chartBytes := []byte("\x89PNG-fake")
	err := n.Notify(context.Background(), Notification{
		Event: testEvent(security.SeverityCritical),
		Chart: chartBytes,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/bottoken123/sendPhoto" {
		t.Errorf("path = %s", gotPath)
	}
	if !strings.Contains(gotCaption, "Vault Drawdown") {
		t.Errorf("caption = %s", gotCaption)
	}
	if gotFilename != "chart.png" {
		t.Errorf("filename = %s", gotFilename)
	}
	if !bytes.Equal(gotPhoto, chartBytes) {
		t.Error("photo bytes do not round-trip")
	}
}

func TestTelegramRejectedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "description": "chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{BotToken: "t", ChatID: "c", APIBase: srv.URL}, logging.Nop())

	err := n.Notify(context.Background(), Notification{Event: testEvent(security.SeverityHigh)})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestDiscordPostsEmbed(t *testing.T) {
	var payload struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title  string `json:"title"`
			Color  int    `json:"color"`
			Footer struct {
				Text string `json:"text"`
			} `json:"footer"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(config.DiscordConfig{WebhookURL: srv.URL, Username: "sentry"}, logging.Nop())

	if err := n.Notify(context.Background(), Notification{Event: testEvent(security.SeverityHigh)}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if payload.Username != "sentry" {
		t.Errorf("username = %s", payload.Username)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(payload.Embeds))
	}
	embed := payload.Embeds[0]
	if !strings.HasPrefix(embed.Title, "[HIGH] ") {
		t.Errorf("title = %s", embed.Title)
	}
	if embed.Color != 15158332 {
		t.Errorf("high severity color = %d", embed.Color)
	}
	if embed.Footer.Text != "Hyperliquid Security Monitor" {
		t.Errorf("footer = %s", embed.Footer.Text)
	}
	foundAssets := false
	for _, f := range embed.Fields {
		if f.Name == "Assets" && f.Value == "HLP" {
			foundAssets = true
		}
	}
	if !foundAssets {
		t.Errorf("embed missing assets field: %+v", embed.Fields)
	}
}

func TestManagerSeverityGate(t *testing.T) {
	stub := &stubNotifier{name: "stub"}
	m := NewManager(config.AlertingConfig{MinSeverity: "high", Cooldown: time.Hour}, stub, logging.Nop())

	if err := m.Dispatch(context.Background(), Notification{Event: testEvent(security.SeverityMedium)}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("medium event should be gated, got %d calls", stub.calls)
	}

	if err := m.Dispatch(context.Background(), Notification{Event: testEvent(security.SeverityCritical)}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("critical event should pass, got %d calls", stub.calls)
	}
}

func TestManagerCooldown(t *testing.T) {
	stub := &stubNotifier{name: "stub"}
	m := NewManager(config.AlertingConfig{MinSeverity: "low", Cooldown: 30 * time.Minute}, stub, logging.Nop())

	current := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	ev := testEvent(security.SeverityHigh)
	_ = m.Dispatch(context.Background(), Notification{Event: ev})
	_ = m.Dispatch(context.Background(), Notification{Event: ev})
	if stub.calls != 1 {
		t.Fatalf("repeat within cooldown should be suppressed, got %d calls", stub.calls)
	}

	other := ev
	other.AffectedAssets = []string{"BTC"}
	_ = m.Dispatch(context.Background(), Notification{Event: other})
	if stub.calls != 2 {
		t.Fatalf("different assets should not share a cooldown, got %d calls", stub.calls)
	}

	current = current.Add(31 * time.Minute)
	_ = m.Dispatch(context.Background(), Notification{Event: ev})
	if stub.calls != 3 {
		t.Fatalf("expired cooldown should send again, got %d calls", stub.calls)
	}
}

func TestMultiJoinsFailures(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	multi := Multi{ok, bad}

	err := multi.Notify(context.Background(), Notification{Event: testEvent(security.SeverityHigh)})
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if ok.calls != 1 || bad.calls != 1 {
		t.Fatalf("all channels should be attempted, got ok=%d bad=%d", ok.calls, bad.calls)
	}
}

func TestRenderTimeline(t *testing.T) {
	base := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	points := []ChartPoint{
		{Time: base, Value: 1000000},
		{Time: base.Add(time.Hour), Value: 998000},
		{Time: base.Add(2 * time.Hour), Value: 935000},
	}

	png, err := RenderTimeline("Account Value (USD)", points)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(png, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("output is not a PNG, first bytes %v", png[:4])
	}

	if _, err := RenderTimeline("x", points[:1]); err == nil {
		t.Fatal("single point should be rejected")
	}
}
