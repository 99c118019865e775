package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/alerting"
	"hyperliquid-sentry/internal/collector"
	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/liquidation"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/storage"
	"hyperliquid-sentry/internal/vault"
)

type stubVenue struct {
	mids     map[string]decimal.Decimal
	midsErr  error
	series   []vault.PortfolioPoint
	fills    []security.LiquidationEvent
	fillsErr error
}

func (s *stubVenue) FetchMids(context.Context) (map[string]decimal.Decimal, error) {
	return s.mids, s.midsErr
}

func (s *stubVenue) FetchPortfolio(context.Context, string) ([]vault.PortfolioPoint, error) {
	return s.series, nil
}

func (s *stubVenue) FetchLiquidations(context.Context, string) ([]security.LiquidationEvent, error) {
	return s.fills, s.fillsErr
}

type stubSource struct {
	name   string
	prices map[string]decimal.Decimal
	err    error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchPrices(context.Context) (map[string]decimal.Decimal, error) {
	return s.prices, s.err
}

type stubFills struct {
	events []security.LiquidationEvent
}

func (s *stubFills) Drain() []security.LiquidationEvent {
	out := s.events
	s.events = nil
	return out
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, note alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return nil
}

func (c *captureNotifier) all() []alerting.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alerting.Notification(nil), c.notes...)
}

func testConfig() *config.Config {
	return &config.Config{
		Vault: config.VaultConfig{
			Addresses:           []string{"0xvault1"},
			Name:                "HLP",
			CriticalLossUSD:     2_000_000,
			HighLossUSD:         1_000_000,
			SigmaThreshold:      3,
			DrawdownCriticalPct: 10,
			UnhealthyScore:      70,
			HistoryLimit:        100,
		},
		Oracle: config.OracleConfig{
			WarningPct:        0.3,
			DangerPct:         0.5,
			CriticalPct:       1.0,
			SustainedDuration: 30 * time.Second,
		},
		Liquidation: config.LiquidationConfig{
			FlashWindow:        10 * time.Second,
			FlashMinTotalUSD:   500_000,
			CascadeMinEvents:   5,
			CascadeWindow:      5 * time.Minute,
			CascadeDeclineFrac: 0.7,
			CoordinatedMinHits: 3,
			CoordinatedMinUSD:  1_000_000,
			Retention:          time.Hour,
			SuspicionThreshold: 70,
			TokenPriceUSD:      1,
		},
		Alerting: config.AlertingConfig{MinSeverity: "low"},
	}
}

type fixture struct {
	svc     *Service
	sink    *captureNotifier
	venue   *stubVenue
	tracker *oracle.Tracker
	matcher *liquidation.Matcher
}

func newFixture(t *testing.T, venue *stubVenue, sources []collector.PriceSource, fills FillSource) *fixture {
	t.Helper()

	cfg := testConfig()
	logger := logging.Nop()
	sink := &captureNotifier{}

	tracker := oracle.NewTracker(cfg.Oracle, logger)
	matcher := liquidation.NewMatcher(cfg.Liquidation, logger)

	svc := New(Options{
		Config:  cfg,
		Venue:   venue,
		Sources: sources,
		Fills:   fills,
		Vault:   vault.NewMonitor(vault.Options{Config: cfg.Vault, Logger: logger}),
		Oracle:  tracker,
		Matcher: matcher,
		Alerts:  alerting.NewManager(cfg.Alerting, sink, logger),
		Logger:  logger,
	})

	return &fixture{svc: svc, sink: sink, venue: venue, tracker: tracker, matcher: matcher}
}

func TestVaultTickEmitsLossEventOnce(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	venue := &stubVenue{series: []vault.PortfolioPoint{
		{Timestamp: now.Add(-30 * time.Hour), AccountValue: 11_400_000},
		{Timestamp: now.Add(-20 * time.Hour), AccountValue: 11_500_000},
		{Timestamp: now.Add(-1 * time.Hour), AccountValue: 10_420_000},
	}}
	f := newFixture(t, venue, nil, nil)
	f.svc.now = func() time.Time { return now }

	if err := f.svc.VaultTick(context.Background(), now); err != nil {
		t.Fatalf("VaultTick: %v", err)
	}

	notes := f.sink.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	ev := notes[0].Event
	if ev.Severity != security.SeverityHigh {
		t.Fatalf("severity = %s, want high", ev.Severity)
	}
	if ev.Title != "HLP Vault Large Loss Detected: $1,080,000" {
		t.Fatalf("title = %q", ev.Title)
	}

	// Same input and clock reproduce the same event ID, which the emission
	// boundary must swallow.
	if err := f.svc.VaultTick(context.Background(), now); err != nil {
		t.Fatalf("VaultTick repeat: %v", err)
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("notifications after repeat = %d, want 1", got)
	}
}

func TestOracleTickEmitsAfterSustainedDeviation(t *testing.T) {
	venue := &stubVenue{mids: map[string]decimal.Decimal{
		"BTC": decimal.RequireFromString("64000"),
	}}
	src := &stubSource{name: "binance", prices: map[string]decimal.Decimal{
		"BTC": decimal.RequireFromString("64680"),
	}}
	f := newFixture(t, venue, []collector.PriceSource{src}, nil)

	start := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	current := start
	f.svc.now = func() time.Time { return current }

	// First pass opens the deviation but the sustain gate holds.
	if err := f.svc.OracleTick(context.Background(), start); err != nil {
		t.Fatalf("OracleTick: %v", err)
	}
	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("notifications = %d, want 0 before sustain", got)
	}

	current = start.Add(31 * time.Second)
	if err := f.svc.OracleTick(context.Background(), current); err != nil {
		t.Fatalf("OracleTick: %v", err)
	}
	notes := f.sink.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Event.Title != "Oracle Deviation: BTC (1.06%)" {
		t.Fatalf("title = %q", notes[0].Event.Title)
	}

	// The episode keeps its ID while it lasts, so no re-alert.
	current = start.Add(32 * time.Second)
	if err := f.svc.OracleTick(context.Background(), current); err != nil {
		t.Fatalf("OracleTick: %v", err)
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("notifications after repeat = %d, want 1", got)
	}
	if got := len(f.tracker.Active()); got != 1 {
		t.Fatalf("active deviations = %d, want 1", got)
	}
}

func TestOracleTickFailsWhenVenueDown(t *testing.T) {
	venue := &stubVenue{midsErr: context.DeadlineExceeded}
	f := newFixture(t, venue, nil, nil)

	if err := f.svc.OracleTick(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error when venue mids fail")
	}
}

func TestLiquidationTickMergesPollAndStream(t *testing.T) {
	base := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	rest := []security.LiquidationEvent{
		{ID: "liq-1", User: "0xu1", Asset: "BTC", Side: "LONG", AmountUSD: 100_000, Timestamp: base.Add(10 * time.Second)},
		{ID: "liq-2", User: "0xu2", Asset: "ETH", Side: "SHORT", AmountUSD: 100_000, Timestamp: base.Add(20 * time.Second)},
	}
	stream := &stubFills{events: []security.LiquidationEvent{
		{ID: "liq-2", User: "0xu2", Asset: "ETH", Side: "SHORT", AmountUSD: 100_000, Timestamp: base.Add(20 * time.Second)},
		{ID: "liq-0", User: "0xu3", Asset: "SOL", Side: "LONG", AmountUSD: 100_000, Timestamp: base},
	}}
	venue := &stubVenue{fills: rest}
	f := newFixture(t, venue, nil, stream)

	if err := f.svc.LiquidationTick(context.Background(), base); err != nil {
		t.Fatalf("LiquidationTick: %v", err)
	}

	events := f.matcher.Window().Events()
	if len(events) != 3 {
		t.Fatalf("window = %d events, want 3", len(events))
	}
	if events[0].ID != "liq-0" {
		t.Fatalf("first windowed event = %s, want liq-0 (timestamp order)", events[0].ID)
	}
	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("notifications = %d, want 0 for benign fills", got)
	}

	// Re-polling the same fills ingests nothing new.
	if err := f.svc.LiquidationTick(context.Background(), base); err != nil {
		t.Fatalf("LiquidationTick repeat: %v", err)
	}
	if got := f.matcher.Window().Len(); got != 3 {
		t.Fatalf("window after repeat = %d, want 3", got)
	}
}

func TestLiquidationTickEmitsFlashPatternOnce(t *testing.T) {
	base := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	venue := &stubVenue{fills: []security.LiquidationEvent{
		{ID: "liq-big", User: "0xwhale", Asset: "BTC", Side: "LONG", Size: 90, LiquidationPrice: 66_666, AmountUSD: 6_000_000, Timestamp: base},
	}}
	f := newFixture(t, venue, nil, nil)

	if err := f.svc.LiquidationTick(context.Background(), base); err != nil {
		t.Fatalf("LiquidationTick: %v", err)
	}
	notes := f.sink.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	ev := notes[0].Event
	if ev.Severity != security.SeverityCritical {
		t.Fatalf("severity = %s, want critical", ev.Severity)
	}
	if ev.ThreatType != security.ThreatFlashLoanAttack {
		t.Fatalf("threat = %s", ev.ThreatType)
	}

	// The window still holds the fill, so the pattern re-appears under the
	// same ID and must not re-alert.
	if err := f.svc.LiquidationTick(context.Background(), base); err != nil {
		t.Fatalf("LiquidationTick repeat: %v", err)
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("notifications after repeat = %d, want 1", got)
	}
}

func TestVaultTickWritesCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	writer, err := storage.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	logger := logging.Nop()
	venue := &stubVenue{series: []vault.PortfolioPoint{
		{Timestamp: now.Add(-2 * time.Hour), AccountValue: 1_000_000},
		{Timestamp: now.Add(-1 * time.Hour), AccountValue: 1_001_000},
	}}

	svc := New(Options{
		Config:  cfg,
		Venue:   venue,
		Vault:   vault.NewMonitor(vault.Options{Config: cfg.Vault, Logger: logger}),
		Oracle:  oracle.NewTracker(cfg.Oracle, logger),
		Matcher: liquidation.NewMatcher(cfg.Liquidation, logger),
		Capture: writer,
		Logger:  logger,
	})
	svc.now = func() time.Time { return now }

	if err := svc.VaultTick(context.Background(), now); err != nil {
		t.Fatalf("VaultTick: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := storage.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 || records[0].Kind != storage.KindVault {
		t.Fatalf("records = %+v", records)
	}
	if got := records[0].Vault; got.Address != "0xvault1" || len(got.Points) != 2 {
		t.Fatalf("vault capture = %+v", got)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)

	for _, id := range []string{"a", "b"} {
		if !s.claim(id) {
			t.Fatalf("claim(%s) = false on first sighting", id)
		}
	}
	if s.claim("a") {
		t.Fatal("claim(a) = true while still tracked")
	}
	if !s.claim("c") {
		t.Fatal("claim(c) = false on first sighting")
	}
	// Eviction is FIFO: a fell out for c, then b falls out for a's return.
	if !s.claim("a") {
		t.Fatal("claim(a) = false after eviction")
	}
	if s.claim("c") {
		t.Fatal("claim(c) = true while still tracked")
	}
	if !s.claim("b") {
		t.Fatal("claim(b) = false after eviction")
	}
}
