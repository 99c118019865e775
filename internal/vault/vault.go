// Package vault scores vault account-value series for exploitation signals:
// outsized window losses, excessive drawdown, statistical PnL outliers, and
// optionally an ML anomaly model blended into the rule-based score.
package vault

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/history"
	"hyperliquid-sentry/internal/mlscore"
	"hyperliquid-sentry/internal/security"
)

const (
	// minVolatilitySamples gates the volatility score term and ML scoring.
	minVolatilitySamples = 10
	// minZScoreSamples gates the statistical outlier check.
	minZScoreSamples = 100
	// mlEventScore is the ML score above which a standalone event fires.
	mlEventScore = 70.0

	// historyMaxAge bounds retained snapshots by age alongside the
	// configured entry limit.
	historyMaxAge = 7 * 24 * time.Hour

	sourceName   = "vault_monitor"
	sourceNameML = "vault_monitor_ml"
)

// PortfolioPoint is one entry of a vault's account-value series.
type PortfolioPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	AccountValue float64   `json:"account_value"`
}

// Options configures a Monitor.
type Options struct {
	Config config.VaultConfig
	// ML is optional; nil disables ML scoring.
	ML     mlscore.Provider
	Logger zerolog.Logger
}

// Monitor turns portfolio series into scored snapshots and security events.
// Not internally synchronized: one caller drives it per cycle, and series
// must arrive in non-decreasing timestamp order per vault.
type Monitor struct {
	cfg    config.VaultConfig
	ml     mlscore.Provider
	log    *history.SnapshotLog
	logger zerolog.Logger
}

// NewMonitor builds a Monitor with an empty history.
func NewMonitor(opts Options) *Monitor {
	ml := opts.ML
	if ml == nil {
		ml = mlscore.Nop{}
	}
	limit := opts.Config.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	return &Monitor{
		cfg:    opts.Config,
		ml:     ml,
		log:    history.NewSnapshotLog(history.SnapshotLogOptions{MaxEntries: limit, MaxAge: historyMaxAge}),
		logger: opts.Logger.With().Str("component", "vault_monitor").Logger(),
	}
}

// Result is one processed cycle: the scored snapshot plus emitted events.
type Result struct {
	Snapshot security.Snapshot
	Events   []security.Event
}

// History exposes the monitor's snapshot log for read-side consumers.
func (m *Monitor) History() *history.SnapshotLog { return m.log }

// Process ingests one portfolio series for a vault, records a snapshot, and
// returns the snapshot with its anomaly score plus any events. Insufficient
// data never fails; affected terms simply contribute nothing.
func (m *Monitor) Process(now time.Time, vaultAddress string, series []PortfolioPoint) Result {
	snap := m.buildSnapshot(now, vaultAddress, series)
	m.log.Append(snap)

	events, mlScore := m.detect(&snap)

	rule := m.ruleScore(snap)
	final := rule
	if mlScore != nil {
		final = 0.7*rule + 0.3**mlScore
	}
	snap.AnomalyScore = security.ClampScore(final)
	if snap.AnomalyScore > m.cfg.UnhealthyScore {
		snap.IsHealthy = false
		snap.HealthIssues = []string{"High anomaly score detected"}
	}
	m.log.SetLatestScore(vaultAddress, snap.AnomalyScore, snap.IsHealthy, snap.HealthIssues)

	m.observeFeatures(snap)

	m.logger.Debug().
		Str("vault", vaultAddress).
		Float64("anomaly_score", snap.AnomalyScore).
		Float64("pnl_24h", snap.PnL24h).
		Int("events", len(events)).
		Msg("vault snapshot scored")

	return Result{Snapshot: snap, Events: events}
}

func (m *Monitor) buildSnapshot(now time.Time, vaultAddress string, series []PortfolioPoint) security.Snapshot {
	accountValue := 0.0
	if len(series) > 0 {
		accountValue = series[len(series)-1].AccountValue
	}
	return security.Snapshot{
		Timestamp:      now,
		EntityID:       vaultAddress,
		AccountValue:   accountValue,
		PnL24h:         pnlOverWindow(series, now, 24*time.Hour),
		PnL7d:          pnlOverWindow(series, now, 7*24*time.Hour),
		PnL30d:         pnlOverWindow(series, now, 30*24*time.Hour),
		SharpeRatio:    sharpeRatio(series),
		MaxDrawdownPct: maxDrawdownPct(series),
		IsHealthy:      true,
	}
}

// detect runs all event checks against the freshly appended snapshot and
// returns any ML score obtained along the way for blending.
func (m *Monitor) detect(snap *security.Snapshot) ([]security.Event, *float64) {
	var events []security.Event
	var mlScore *float64

	if m.ml.Trained() && m.log.Len(snap.EntityID) >= minVolatilitySamples {
		if score, ok := m.ml.Score(features(*snap)); ok {
			mlScore = &score
			if score > mlEventScore {
				events = append(events, m.mlEvent(*snap, score))
			}
		}
	}

	if snap.PnL24h < -m.cfg.CriticalLossUSD {
		events = append(events, m.lossEvent(*snap, security.SeverityCritical))
	} else if snap.PnL24h < -m.cfg.HighLossUSD {
		events = append(events, m.lossEvent(*snap, security.SeverityHigh))
	}

	if snap.MaxDrawdownPct != nil && *snap.MaxDrawdownPct > m.cfg.DrawdownCriticalPct {
		events = append(events, m.drawdownEvent(*snap))
	}

	if m.log.Len(snap.EntityID) >= minZScoreSamples {
		if ev := m.statisticalEvent(*snap); ev != nil {
			events = append(events, *ev)
		}
	}

	return events, mlScore
}

// ruleScore fuses loss, drawdown, and volatility terms into 0-100.
func (m *Monitor) ruleScore(snap security.Snapshot) float64 {
	score := 0.0

	if snap.PnL24h < 0 {
		score += math.Min(40, math.Abs(snap.PnL24h)/m.cfg.CriticalLossUSD*40)
	}

	if snap.MaxDrawdownPct != nil && *snap.MaxDrawdownPct > 0 {
		score += math.Min(30, *snap.MaxDrawdownPct/m.cfg.DrawdownCriticalPct*30)
	}

	recent := m.log.Recent(snap.EntityID, minVolatilitySamples)
	if len(recent) >= minVolatilitySamples {
		abs := make([]float64, len(recent))
		for i, s := range recent {
			abs[i] = math.Abs(s.PnL24h)
		}
		if avg := mean(abs); avg > 0 {
			score += math.Min(30, math.Abs(snap.PnL24h)/(avg*2)*30)
		}
	}

	return math.Min(100, score)
}

func (m *Monitor) lossEvent(snap security.Snapshot, severity security.Severity) security.Event {
	loss := math.Abs(snap.PnL24h)
	return security.Event{
		ID:         security.VaultEventID("large_loss", snap.Timestamp, snap.EntityID),
		Timestamp:  snap.Timestamp,
		Severity:   severity,
		ThreatType: security.ThreatVaultExploitation,
		Title:      fmt.Sprintf("%s Vault Large Loss Detected: %s", m.cfg.Name, security.FormatUSD(loss)),
		Description: fmt.Sprintf(
			"The %s vault has experienced a significant loss of %s in the last 24 hours. "+
				"This may indicate exploitation, market manipulation, or extreme market conditions.",
			m.cfg.Name, security.FormatUSD(loss),
		),
		AffectedAssets: []string{m.cfg.Name},
		Indicators: map[string]any{
			"pnl_24h":       snap.PnL24h,
			"pnl_7d":        snap.PnL7d,
			"account_value": snap.AccountValue,
			"max_drawdown":  snap.MaxDrawdownPct,
		},
		RecommendedAction: "CRITICAL: Consider pausing vault deposits. Investigate recent large liquidations. " +
			"Monitor for coordinated attacks or oracle manipulation.",
		Source:           sourceName,
		EstimatedLossUSD: &loss,
	}
}

func (m *Monitor) drawdownEvent(snap security.Snapshot) security.Event {
	dd := *snap.MaxDrawdownPct
	return security.Event{
		ID:         security.VaultEventID("drawdown", snap.Timestamp, snap.EntityID),
		Timestamp:  snap.Timestamp,
		Severity:   security.SeverityHigh,
		ThreatType: security.ThreatVaultExploitation,
		Title:      fmt.Sprintf("%s Vault Excessive Drawdown: %.1f%%", m.cfg.Name, dd),
		Description: fmt.Sprintf(
			"The %s vault is experiencing a %.1f%% drawdown from peak. "+
				"This exceeds normal operating parameters and may indicate systematic issues.",
			m.cfg.Name, dd,
		),
		AffectedAssets: []string{m.cfg.Name},
		Indicators: map[string]any{
			"max_drawdown_pct": dd,
			"account_value":    snap.AccountValue,
			"pnl_24h":          snap.PnL24h,
		},
		RecommendedAction: "Monitor closely. Review recent market making activity and liquidations. " +
			"Consider reducing exposure if drawdown increases.",
		Source: sourceName,
	}
}

func (m *Monitor) statisticalEvent(snap security.Snapshot) *security.Event {
	recent := m.log.Recent(snap.EntityID, minZScoreSamples)
	pnls := make([]float64, len(recent))
	for i, s := range recent {
		pnls[i] = s.PnL24h
	}

	meanPnL := mean(pnls)
	stdPnL := sampleStdDev(pnls, meanPnL)
	if stdPnL == 0 {
		return nil
	}

	z := (snap.PnL24h - meanPnL) / stdPnL
	if math.Abs(z) <= m.cfg.SigmaThreshold {
		return nil
	}

	severity := security.SeverityMedium
	if math.Abs(z) > 4 {
		severity = security.SeverityHigh
	}
	ev := security.Event{
		ID:         security.VaultEventID("statistical_anomaly", snap.Timestamp, snap.EntityID),
		Timestamp:  snap.Timestamp,
		Severity:   severity,
		ThreatType: security.ThreatVaultExploitation,
		Title:      fmt.Sprintf("%s Vault Statistical Anomaly: %.1fσ deviation", m.cfg.Name, math.Abs(z)),
		Description: fmt.Sprintf(
			"The %s vault's 24h PnL (%s) is %.1f standard deviations from the historical mean. "+
				"This is highly unusual and warrants investigation.",
			m.cfg.Name, security.FormatUSD(snap.PnL24h), math.Abs(z),
		),
		AffectedAssets: []string{m.cfg.Name},
		Indicators: map[string]any{
			"z_score":  z,
			"pnl_24h":  snap.PnL24h,
			"mean_pnl": meanPnL,
			"std_pnl":  stdPnL,
		},
		RecommendedAction: "Investigate cause of unusual PnL. Review recent liquidations and trades.",
		Source:            sourceName,
	}
	return &ev
}

func (m *Monitor) mlEvent(snap security.Snapshot, score float64) security.Event {
	var severity security.Severity
	switch {
	case score > 90:
		severity = security.SeverityCritical
	case score > 80:
		severity = security.SeverityHigh
	default:
		severity = security.SeverityMedium
	}
	return security.Event{
		ID:         security.VaultEventID("ml_anomaly", snap.Timestamp, snap.EntityID),
		Timestamp:  snap.Timestamp,
		Severity:   severity,
		ThreatType: security.ThreatVaultExploitation,
		Title:      fmt.Sprintf("ML Anomaly Detected: %.1f/100 confidence", score),
		Description: fmt.Sprintf(
			"Machine learning model detected unusual patterns in %s vault behavior. Anomaly score: %.1f/100. "+
				"This may indicate exploitation, market manipulation, or unusual market conditions.",
			m.cfg.Name, score,
		),
		AffectedAssets: []string{m.cfg.Name},
		Indicators: map[string]any{
			"ml_anomaly_score": score,
			"pnl_24h":          snap.PnL24h,
			"account_value":    snap.AccountValue,
			"max_drawdown":     snap.MaxDrawdownPct,
		},
		RecommendedAction: "ML-detected anomaly. Cross-check with rule-based alerts and market conditions.",
		Source:            sourceNameML,
	}
}

// observeFeatures feeds the online model after scoring so training lags the
// decision, never influences it.
func (m *Monitor) observeFeatures(snap security.Snapshot) {
	if d, ok := m.ml.(*mlscore.Detector); ok && d != nil {
		d.Observe(features(snap))
	}
}

// features flattens a snapshot into the fixed ML feature vector.
func features(snap security.Snapshot) []float64 {
	sharpe := 0.0
	if snap.SharpeRatio != nil {
		sharpe = *snap.SharpeRatio
	}
	dd := 0.0
	if snap.MaxDrawdownPct != nil {
		dd = *snap.MaxDrawdownPct
	}
	return []float64{
		snap.AccountValue,
		snap.PnL24h,
		snap.PnL7d,
		snap.PnL30d,
		sharpe,
		dd,
	}
}
