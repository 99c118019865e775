package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades how urgent a detection is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so thresholds can be compared numerically.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity normalises a config string into a Severity.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", raw)
}

// ThreatType classifies the detected incident.
type ThreatType string

const (
	ThreatVaultExploitation  ThreatType = "hlp_exploitation"
	ThreatOracleManipulation ThreatType = "oracle_manipulation"
	ThreatFlashLoanAttack    ThreatType = "flash_loan_attack"
	ThreatCascadeLiquidation ThreatType = "cascade_liquidation"
	ThreatCoordinatedAttack  ThreatType = "liquidation_manipulation"
	ThreatUnknown            ThreatType = "unknown"
)

// Snapshot is one timestamped measurement of a vault's state. AnomalyScore and
// IsHealthy are set exactly once during scoring; everything else is immutable.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	EntityID       string    `json:"entity_id"`
	AccountValue   float64   `json:"account_value"`
	PnL24h         float64   `json:"pnl_24h"`
	PnL7d          float64   `json:"pnl_7d"`
	PnL30d         float64   `json:"pnl_30d"`
	SharpeRatio    *float64  `json:"sharpe_ratio,omitempty"`
	MaxDrawdownPct *float64  `json:"max_drawdown_pct,omitempty"`
	AnomalyScore   float64   `json:"anomaly_score"`
	IsHealthy      bool      `json:"is_healthy"`
	HealthIssues   []string  `json:"health_issues,omitempty"`
}

// PriceObservation is one source's quote for an asset. Observations live only
// for the duration of a single detection pass.
type PriceObservation struct {
	Asset      string          `json:"asset"`
	SourceName string          `json:"source_name"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Deviation tracks a persisting disagreement between the venue price and an
// external reference. At most one active Deviation exists per asset.
type Deviation struct {
	Asset         string          `json:"asset"`
	RefPrice      decimal.Decimal `json:"ref_price"`
	ExternalPrice decimal.Decimal `json:"external_price"`
	SourceName    string          `json:"source_name"`
	DeviationPct  decimal.Decimal `json:"deviation_pct"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastSeen      time.Time       `json:"last_seen"`
	DurationSec   float64         `json:"duration_sec"`
	Severity      Severity        `json:"severity"`
	RiskScore     float64         `json:"risk_score"`
}

// LiquidationEvent is a single forced position closure. Immutable; retained in
// a rolling one-hour window.
type LiquidationEvent struct {
	ID               string    `json:"id"`
	User             string    `json:"user"`
	Asset            string    `json:"asset"`
	Side             string    `json:"side"`
	Size             float64   `json:"size"`
	LiquidationPrice float64   `json:"liquidation_price"`
	AmountUSD        float64   `json:"amount_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// PatternType names the liquidation structures the matcher recognises.
type PatternType string

const (
	PatternFlashLoan   PatternType = "flash_loan"
	PatternCascade     PatternType = "cascade"
	PatternCoordinated PatternType = "coordinated"
)

// Pattern is a detected multi-event liquidation structure.
type Pattern struct {
	ID             string             `json:"id"`
	Type           PatternType        `json:"type"`
	Timestamp      time.Time          `json:"timestamp"`
	LiquidationIDs []string           `json:"liquidation_ids"`
	TotalUSD       float64            `json:"total_usd"`
	AffectedUsers  int                `json:"affected_users"`
	DurationSec    float64            `json:"duration_sec"`
	Assets         []string           `json:"assets"`
	PriceImpact    map[string]float64 `json:"price_impact,omitempty"`
	SuspicionScore float64            `json:"suspicion_score"`
	Indicators     []string           `json:"indicators,omitempty"`
}

// Event is the terminal detection record. Emitted once per unique cause.
type Event struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Severity          Severity       `json:"severity"`
	ThreatType        ThreatType     `json:"threat_type"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	AffectedAssets    []string       `json:"affected_assets,omitempty"`
	Indicators        map[string]any `json:"indicators,omitempty"`
	RecommendedAction string         `json:"recommended_action,omitempty"`
	Source            string         `json:"source"`
	EstimatedLossUSD  *float64       `json:"estimated_loss_usd,omitempty"`
}

// Exploit is the external-facing projection consumed by downstream platforms.
// Field set is fixed by the platform schema.
type Exploit struct {
	TxHash         string    `json:"tx_hash"`
	Chain          string    `json:"chain"`
	Protocol       string    `json:"protocol"`
	AmountUSD      float64   `json:"amount_usd"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	SourceURL      string    `json:"source_url"`
	Category       string    `json:"category"`
	Description    string    `json:"description"`
	RecoveryStatus string    `json:"recovery_status"`
}

// ClampScore bounds anomaly/suspicion/risk scores to [0, 100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
