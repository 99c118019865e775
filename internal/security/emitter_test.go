package security

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCategoryForTotal(t *testing.T) {
	tests := []struct {
		threat ThreatType
		want   string
	}{
		{ThreatVaultExploitation, "vault_exploitation"},
		{ThreatOracleManipulation, "oracle_manipulation"},
		{ThreatFlashLoanAttack, "liquidation_flash_loan"},
		{ThreatCascadeLiquidation, "liquidation_cascade"},
		{ThreatCoordinatedAttack, "liquidation_coordinated"},
		{ThreatUnknown, "unknown"},
		{ThreatType("bogus"), "unknown"},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.threat); got != tt.want {
			t.Errorf("CategoryFor(%s) = %s, want %s", tt.threat, got, tt.want)
		}
	}
}

func TestExploitFromVaultEvent(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	loss := 2500000.0
	ev := Event{
		ID:               VaultEventID("critical_vault_loss", ts, "0xabc"),
		Timestamp:        ts,
		Severity:         SeverityCritical,
		ThreatType:       ThreatVaultExploitation,
		Title:            "Critical vault loss",
		Description:      "Vault 0xabc lost $2,500,000 in 1h",
		Source:           "vault_monitor",
		EstimatedLossUSD: &loss,
	}

	ex := ExploitFromVaultEvent(ev, "0xabc")
	if ex.TxHash != ev.ID {
		t.Errorf("tx hash = %s, want event ID %s", ex.TxHash, ev.ID)
	}
	if ex.Chain != "Hyperliquid" || ex.Protocol != "HLP Vault" {
		t.Errorf("chain/protocol = %s/%s", ex.Chain, ex.Protocol)
	}
	if ex.AmountUSD != 2500000 {
		t.Errorf("amount = %v, want estimated loss carried through", ex.AmountUSD)
	}
	if ex.SourceURL != "https://app.hyperliquid.xyz/vaults/0xabc" {
		t.Errorf("source URL = %s", ex.SourceURL)
	}
	if ex.Category != "vault_exploitation" {
		t.Errorf("category = %s", ex.Category)
	}
	if ex.RecoveryStatus != RecoveryMonitoring {
		t.Errorf("recovery status = %s", ex.RecoveryStatus)
	}
}

func TestExploitFromVaultEventNoLoss(t *testing.T) {
	ev := Event{
		ID:         "hlp-deadbeef",
		Timestamp:  time.Now().UTC(),
		Severity:   SeverityMedium,
		ThreatType: ThreatVaultExploitation,
	}
	if got := ExploitFromVaultEvent(ev, "0xabc").AmountUSD; got != 0 {
		t.Fatalf("amount without estimated loss = %v, want 0", got)
	}
}

func TestExploitFromDeviation(t *testing.T) {
	first := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dev := Deviation{
		Asset:         "BTC",
		RefPrice:      decimal.RequireFromString("65000"),
		ExternalPrice: decimal.RequireFromString("65800"),
		SourceName:    "binance",
		DeviationPct:  decimal.RequireFromString("1.23"),
		FirstSeen:     first,
		LastSeen:      first.Add(45 * time.Second),
		DurationSec:   45,
		Severity:      SeverityCritical,
		RiskScore:     90,
	}

	ex := ExploitFromDeviation(dev, "oracle_monitor")
	if ex.Protocol != "Hyperliquid Oracle" {
		t.Errorf("protocol = %s", ex.Protocol)
	}
	if ex.AmountUSD != 0 {
		t.Errorf("oracle deviation must not fabricate an amount, got %v", ex.AmountUSD)
	}
	if ex.Category != "oracle_manipulation" {
		t.Errorf("category = %s", ex.Category)
	}
	if ex.RecoveryStatus != RecoveryActive {
		t.Errorf("critical deviation should stay active, got %s", ex.RecoveryStatus)
	}
	for _, frag := range []string{"BTC", "65000.00", "65800.00", "1.23%", "45s", "90/100", "binance"} {
		if !strings.Contains(ex.Description, frag) {
			t.Errorf("description missing %q: %s", frag, ex.Description)
		}
	}
}

func TestExploitFromDeviationResolved(t *testing.T) {
	dev := Deviation{
		Asset:         "ETH",
		RefPrice:      decimal.RequireFromString("3000"),
		ExternalPrice: decimal.RequireFromString("3012"),
		SourceName:    "coinbase",
		DeviationPct:  decimal.RequireFromString("0.4"),
		FirstSeen:     time.Now().UTC(),
		LastSeen:      time.Now().UTC(),
		Severity:      SeverityMedium,
		RiskScore:     25,
	}
	if got := ExploitFromDeviation(dev, "oracle_monitor").RecoveryStatus; got != RecoveryResolved {
		t.Fatalf("sub-danger deviation recovery = %s, want resolved", got)
	}
}

func TestExploitFromPattern(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	p := Pattern{
		ID:             PatternID(PatternCascade, ts),
		Type:           PatternCascade,
		Timestamp:      ts,
		LiquidationIDs: []string{"liq-1", "liq-2", "liq-3", "liq-4", "liq-5", "liq-6"},
		TotalUSD:       4200000,
		AffectedUsers:  2,
		DurationSec:    120,
		Assets:         []string{"BTC"},
		SuspicionScore: 85,
		Indicators: []string{
			"6 liquidations in 120 seconds",
			"Price moved -22.00%",
			"Total liquidated: $4,200,000",
		},
	}

	ex := ExploitFromPattern(p, "liquidation_monitor")
	if ex.Protocol != "Hyperliquid DEX" {
		t.Errorf("protocol = %s", ex.Protocol)
	}
	if ex.AmountUSD != p.TotalUSD {
		t.Errorf("amount = %v, want total %v", ex.AmountUSD, p.TotalUSD)
	}
	if ex.Category != "liquidation_cascade" {
		t.Errorf("category = %s", ex.Category)
	}
	if ex.RecoveryStatus != RecoveryInvestigating {
		t.Errorf("recovery status = %s", ex.RecoveryStatus)
	}
	for _, frag := range []string{"cascade", "6 liquidations", "$4200000", "Price moved -22.00%"} {
		if !strings.Contains(ex.Description, frag) {
			t.Errorf("description missing %q: %s", frag, ex.Description)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"low", SeverityLow, false},
		{"  HIGH ", SeverityHigh, false},
		{"Critical", SeverityCritical, false},
		{"fatal", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSeverity(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSeverity(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
	}
}

func TestEventFromPattern(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	p := Pattern{
		ID:             PatternID(PatternCascade, ts),
		Type:           PatternCascade,
		Timestamp:      ts,
		LiquidationIDs: []string{"liq-1", "liq-2", "liq-3", "liq-4", "liq-5", "liq-6"},
		TotalUSD:       4200000,
		AffectedUsers:  6,
		DurationSec:    200,
		Assets:         []string{"ETH"},
		SuspicionScore: 85,
		Indicators:     []string{"6 liquidations in 200 seconds"},
	}

	ev := EventFromPattern(p, "liquidation_analyzer")
	if ev.ID != p.ID {
		t.Errorf("event should keep the pattern ID, got %s", ev.ID)
	}
	if ev.Severity != SeverityHigh {
		t.Errorf("cascade at 85 should be high, got %s", ev.Severity)
	}
	if ev.ThreatType != ThreatCascadeLiquidation {
		t.Errorf("threat = %s", ev.ThreatType)
	}
	if ev.Title != "Cascade Liquidation: 6 positions ($4,200,000)" {
		t.Errorf("title = %s", ev.Title)
	}
	if ev.EstimatedLossUSD == nil || *ev.EstimatedLossUSD != p.TotalUSD {
		t.Errorf("estimated loss = %v", ev.EstimatedLossUSD)
	}
	if !strings.Contains(ev.Description, "6 liquidations in 200 seconds") {
		t.Errorf("description missing indicators: %s", ev.Description)
	}

	p.SuspicionScore = 95
	if got := EventFromPattern(p, "liquidation_analyzer"); got.Severity != SeverityCritical {
		t.Errorf("suspicion 95 should escalate to critical, got %s", got.Severity)
	}

	flash := Pattern{ID: PatternID(PatternFlashLoan, ts), Type: PatternFlashLoan, Timestamp: ts, TotalUSD: 600000, SuspicionScore: 44}
	if got := EventFromPattern(flash, "liquidation_analyzer"); got.Severity != SeverityCritical {
		t.Errorf("flash loan patterns are always critical, got %s", got.Severity)
	}
}
