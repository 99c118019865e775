// Package oracle compares venue prices against external reference sources
// and tracks sustained deviations per asset. A deviation must both clear the
// danger threshold and persist past the sustained-duration gate before it
// becomes a security event.
package oracle

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/security"
)

const sourceName = "oracle_monitor"

var hundred = decimal.NewFromInt(100)

// Quotes maps asset symbol to price for one provider.
type Quotes map[string]decimal.Decimal

// Tracker holds one active deviation per asset. Not internally synchronized:
// a single caller drives Process per cycle.
type Tracker struct {
	cfg    config.OracleConfig
	active map[string]*security.Deviation
	logger zerolog.Logger

	warning  decimal.Decimal
	danger   decimal.Decimal
	critical decimal.Decimal
}

// NewTracker builds a Tracker with no active deviations.
func NewTracker(cfg config.OracleConfig, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		active:   make(map[string]*security.Deviation),
		logger:   logger.With().Str("component", "oracle_monitor").Logger(),
		warning:  decimal.NewFromFloat(cfg.WarningPct),
		danger:   decimal.NewFromFloat(cfg.DangerPct),
		critical: decimal.NewFromFloat(cfg.CriticalPct),
	}
}

// Result is one detection pass: the surviving active deviations and any
// events whose gates were met this cycle.
type Result struct {
	Active []security.Deviation
	Events []security.Event
}

// Process compares every venue asset against all external sources, updates
// per-asset deviation state, and emits events for sustained dangerous
// deviations. Assets missing from every external source are skipped.
func (t *Tracker) Process(now time.Time, venue Quotes, external map[string]Quotes) Result {
	var res Result

	for _, asset := range sortedAssets(venue) {
		ref := venue[asset]
		if !ref.IsPositive() {
			continue
		}

		pct, obs, found := maxDeviation(now, ref, asset, external)
		if !found {
			continue
		}

		if pct.Cmp(t.warning) < 0 {
			if _, ok := t.active[asset]; ok {
				t.logger.Debug().Str("asset", asset).Msg("deviation resolved")
				delete(t.active, asset)
			}
			continue
		}

		dev := t.upsert(now, ref, obs, pct)

		if dev.DurationSec >= t.cfg.SustainedDuration.Seconds() && dev.DeviationPct.Cmp(t.danger) >= 0 {
			res.Events = append(res.Events, t.event(*dev))
		}
	}

	for _, asset := range sortedActive(t.active) {
		res.Active = append(res.Active, *t.active[asset])
	}
	return res
}

// Active returns the current per-asset deviation state, sorted by asset.
func (t *Tracker) Active() []security.Deviation {
	out := make([]security.Deviation, 0, len(t.active))
	for _, asset := range sortedActive(t.active) {
		out = append(out, *t.active[asset])
	}
	return out
}

// upsert creates or extends the asset's active deviation. FirstSeen anchors
// the episode; the deviation percentage only ratchets upward.
func (t *Tracker) upsert(now time.Time, ref decimal.Decimal, obs security.PriceObservation, pct decimal.Decimal) *security.Deviation {
	dev, ok := t.active[obs.Asset]
	if !ok {
		dev = &security.Deviation{
			Asset:     obs.Asset,
			FirstSeen: now,
		}
		t.active[obs.Asset] = dev
	}

	dev.LastSeen = now
	dev.DurationSec = now.Sub(dev.FirstSeen).Seconds()
	if !ok || pct.Cmp(dev.DeviationPct) > 0 {
		dev.DeviationPct = pct
		dev.SourceName = obs.SourceName
		dev.RefPrice = ref
		dev.ExternalPrice = obs.Price
	}

	dev.RiskScore = riskScore(t.cfg, dev.DeviationPct.InexactFloat64(), dev.DurationSec)
	switch {
	case dev.DeviationPct.Cmp(t.critical) >= 0:
		dev.Severity = security.SeverityCritical
	case dev.DeviationPct.Cmp(t.danger) >= 0:
		dev.Severity = security.SeverityHigh
	default:
		dev.Severity = security.SeverityMedium
	}
	return dev
}

func (t *Tracker) event(dev security.Deviation) security.Event {
	pct := dev.DeviationPct.InexactFloat64()
	return security.Event{
		// Keyed on FirstSeen so one sustained episode keeps one ID across
		// cycles; consumers deduplicate on it.
		ID:         security.OracleEventID(dev.Asset, dev.FirstSeen),
		Timestamp:  dev.LastSeen,
		Severity:   dev.Severity,
		ThreatType: security.ThreatOracleManipulation,
		Title:      fmt.Sprintf("Oracle Deviation: %s (%.2f%%)", dev.Asset, pct),
		Description: fmt.Sprintf(
			"Hyperliquid price for %s deviating %.2f%% from %s. Potential manipulation detected.",
			dev.Asset, pct, dev.SourceName,
		),
		AffectedAssets: []string{dev.Asset},
		Indicators: map[string]any{
			"asset":          dev.Asset,
			"deviation_pct":  pct,
			"venue_price":    dev.RefPrice.String(),
			"external_price": dev.ExternalPrice.String(),
			"source":         dev.SourceName,
			"duration_sec":   dev.DurationSec,
			"risk_score":     dev.RiskScore,
		},
		RecommendedAction: "Verify prices across multiple sources",
		Source:            sourceName,
	}
}

// maxDeviation scans all sources quoting the asset and returns the most
// divergent observation. Source order is sorted so ties resolve the same way
// every pass.
func maxDeviation(now time.Time, ref decimal.Decimal, asset string, external map[string]Quotes) (decimal.Decimal, security.PriceObservation, bool) {
	var (
		bestPct decimal.Decimal
		best    security.PriceObservation
		found   bool
	)

	for _, src := range sortedSources(external) {
		price, ok := external[src][asset]
		if !ok || !price.IsPositive() {
			continue
		}
		pct := deviationPct(ref, price)
		if !found || pct.Cmp(bestPct) > 0 {
			bestPct = pct
			best = security.PriceObservation{Asset: asset, SourceName: src, Price: price, ObservedAt: now}
			found = true
		}
	}
	return bestPct, best, found
}

// deviationPct is |ref-ext| / ext * 100.
func deviationPct(ref, ext decimal.Decimal) decimal.Decimal {
	return ref.Sub(ext).Div(ext).Mul(hundred).Abs()
}

// riskScore weighs magnitude (up to 60) over duration (up to 40, saturating
// at five minutes).
func riskScore(cfg config.OracleConfig, pct, durationSec float64) float64 {
	score := 0.0

	switch {
	case pct >= cfg.CriticalPct:
		score += 60
	case pct >= cfg.DangerPct:
		score += 40
	default:
		score += pct / cfg.WarningPct * 20
	}

	switch {
	case durationSec >= 300:
		score += 40
	case durationSec >= 60:
		score += 30
	case durationSec >= 30:
		score += 20
	default:
		score += durationSec / 30 * 10
	}

	return security.ClampScore(score)
}

func sortedAssets(q Quotes) []string {
	assets := make([]string, 0, len(q))
	for asset := range q {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func sortedSources(external map[string]Quotes) []string {
	srcs := make([]string, 0, len(external))
	for src := range external {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	return srcs
}

func sortedActive(active map[string]*security.Deviation) []string {
	assets := make([]string, 0, len(active))
	for asset := range active {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
