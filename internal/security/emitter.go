package security

import (
	"fmt"
	"time"
)

// Chain/protocol identifiers used in the external exploit schema.
const (
	ChainHyperliquid = "Hyperliquid"

	ProtocolVault  = "HLP Vault"
	ProtocolOracle = "Hyperliquid Oracle"
	ProtocolDEX    = "Hyperliquid DEX"

	venueURL = "https://app.hyperliquid.xyz"
)

// Recovery status vocabulary of the platform schema.
const (
	RecoveryMonitoring    = "monitoring"
	RecoveryActive        = "active"
	RecoveryResolved      = "resolved"
	RecoveryInvestigating = "investigating"
)

// PatternExploitThreshold gates which patterns are worth projecting to the
// external schema: anything at or below is kept internal.
const PatternExploitThreshold = 70.0

// CategoryFor maps every internal threat type to an external category. The
// mapping is total; unrecognised types degrade to "unknown" rather than fail.
func CategoryFor(t ThreatType) string {
	switch t {
	case ThreatVaultExploitation:
		return "vault_exploitation"
	case ThreatOracleManipulation:
		return "oracle_manipulation"
	case ThreatFlashLoanAttack:
		return "liquidation_flash_loan"
	case ThreatCascadeLiquidation:
		return "liquidation_cascade"
	case ThreatCoordinatedAttack:
		return "liquidation_coordinated"
	default:
		return "unknown"
	}
}

// ThreatForPattern maps pattern types onto the threat taxonomy.
func ThreatForPattern(pt PatternType) ThreatType {
	switch pt {
	case PatternFlashLoan:
		return ThreatFlashLoanAttack
	case PatternCascade:
		return ThreatCascadeLiquidation
	case PatternCoordinated:
		return ThreatCoordinatedAttack
	default:
		return ThreatUnknown
	}
}

// ExploitFromVaultEvent projects a vault health event onto the exploit schema.
// AmountUSD is the event's estimated loss; the emitter never invents one.
func ExploitFromVaultEvent(ev Event, vaultAddress string) Exploit {
	amount := 0.0
	if ev.EstimatedLossUSD != nil {
		amount = *ev.EstimatedLossUSD
	}
	return Exploit{
		TxHash:         ev.ID,
		Chain:          ChainHyperliquid,
		Protocol:       ProtocolVault,
		AmountUSD:      amount,
		Timestamp:      ev.Timestamp,
		Source:         ev.Source,
		SourceURL:      fmt.Sprintf("%s/vaults/%s", venueURL, vaultAddress),
		Category:       CategoryFor(ev.ThreatType),
		Description:    ev.Description,
		RecoveryStatus: RecoveryMonitoring,
	}
}

// ExploitFromDeviation projects an oracle deviation onto the exploit schema.
// Oracle manipulation shows no direct loss, so AmountUSD stays zero.
func ExploitFromDeviation(dev Deviation, source string) Exploit {
	status := RecoveryResolved
	if dev.Severity.Rank() >= SeverityHigh.Rank() {
		status = RecoveryActive
	}
	return Exploit{
		TxHash:    OracleEventID(dev.Asset, dev.FirstSeen),
		Chain:     ChainHyperliquid,
		Protocol:  ProtocolOracle,
		AmountUSD: 0,
		Timestamp: dev.LastSeen,
		Source:    source,
		SourceURL: venueURL,
		Category:  CategoryFor(ThreatOracleManipulation),
		Description: fmt.Sprintf(
			"Oracle price deviation detected for %s. Venue price: $%s, %s price: $%s. Max deviation: %s%%, duration: %.0fs. Risk score: %.0f/100",
			dev.Asset,
			dev.RefPrice.StringFixed(2),
			dev.SourceName,
			dev.ExternalPrice.StringFixed(2),
			dev.DeviationPct.StringFixed(2),
			dev.DurationSec,
			dev.RiskScore,
		),
		RecoveryStatus: status,
	}
}

// ExploitFromPattern projects a liquidation pattern onto the exploit schema.
func ExploitFromPattern(p Pattern, source string) Exploit {
	return Exploit{
		TxHash:    p.ID,
		Chain:     ChainHyperliquid,
		Protocol:  ProtocolDEX,
		AmountUSD: p.TotalUSD,
		Timestamp: p.Timestamp,
		Source:    source,
		SourceURL: venueURL,
		Category:  CategoryFor(ThreatForPattern(p.Type)),
		Description: fmt.Sprintf(
			"Suspicious %s liquidation pattern detected: %d liquidations totaling $%.0f. Indicators: %s",
			p.Type,
			len(p.LiquidationIDs),
			p.TotalUSD,
			joinIndicators(p.Indicators),
		),
		RecoveryStatus: RecoveryInvestigating,
	}
}

// EventFromPattern lifts a qualifying pattern into the event vocabulary so
// alert channels can carry it. ID and timestamp come straight from the
// pattern, so repeated lifts stay deduplicable.
func EventFromPattern(p Pattern, source string) Event {
	severity := SeverityHigh
	if p.Type == PatternFlashLoan || p.SuspicionScore >= 90 {
		severity = SeverityCritical
	}

	var title string
	switch p.Type {
	case PatternFlashLoan:
		title = fmt.Sprintf("Flash Loan Attack Detected: %s", FormatUSD(p.TotalUSD))
	case PatternCascade:
		title = fmt.Sprintf("Cascade Liquidation: %d positions (%s)", len(p.LiquidationIDs), FormatUSD(p.TotalUSD))
	case PatternCoordinated:
		title = fmt.Sprintf("Coordinated Liquidation Pattern: %d hits (%s)", len(p.LiquidationIDs), FormatUSD(p.TotalUSD))
	default:
		title = fmt.Sprintf("Liquidation Pattern: %s (%s)", p.Type, FormatUSD(p.TotalUSD))
	}

	total := p.TotalUSD
	return Event{
		ID:          p.ID,
		Timestamp:   p.Timestamp,
		Severity:    severity,
		ThreatType:  ThreatForPattern(p.Type),
		Title:       title,
		Description: fmt.Sprintf("%d liquidations totaling %s over %.0f seconds. Indicators: %s", len(p.LiquidationIDs), FormatUSD(p.TotalUSD), p.DurationSec, joinIndicators(p.Indicators)),
		AffectedAssets: p.Assets,
		Indicators: map[string]any{
			"suspicion_score": p.SuspicionScore,
			"affected_users":  p.AffectedUsers,
			"duration_sec":    p.DurationSec,
		},
		RecommendedAction: "Review the liquidated accounts and price action in the window. Verify oracle integrity during the period.",
		Source:            source,
		EstimatedLossUSD:  &total,
	}
}

func joinIndicators(indicators []string) string {
	if len(indicators) == 0 {
		return "none"
	}
	out := indicators[0]
	for _, ind := range indicators[1:] {
		out += ", " + ind
	}
	return out
}

// ExploitTimestamp normalises the timestamp downstream consumers key on.
func ExploitTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}
