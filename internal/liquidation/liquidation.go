// Package liquidation clusters forced position closures into flash-loan,
// cascade, and coordinated-attack patterns.
//
// The matcher keeps a rolling window of liquidation events and re-runs all
// three detectors over it every pass. The detectors are independent and may
// flag overlapping patterns for the same underlying events; pattern IDs are
// deterministic, so downstream consumers deduplicate by ID.
package liquidation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/history"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/security"
)

// SourceName tags exploits produced from this matcher's patterns.
const SourceName = "liquidation_analyzer"

// Suspicion-score reference amounts. These shape the 0-100 grading curves and
// are not detection gates; the gates live in config.
const (
	flashTierHuge   = 5_000_000
	flashTierLarge  = 2_000_000
	flashTierMedium = 1_000_000

	cascadeAmountRef     = 5_000_000
	cascadeImpactRefPct  = 5.0
	coordinatedAmountRef = 3_000_000
)

// Matcher owns the rolling event window and the detectors that run over it.
// Not safe for concurrent use; one caller drives Process per cycle.
type Matcher struct {
	cfg    config.LiquidationConfig
	window *history.EventWindow
	logger zerolog.Logger
}

func NewMatcher(cfg config.LiquidationConfig, logger zerolog.Logger) *Matcher {
	return &Matcher{
		cfg:    cfg,
		window: history.NewEventWindow(cfg.Retention),
		logger: logging.Component(logger, "liquidation"),
	}
}

// Result carries one pass's detections.
type Result struct {
	Ingested int
	Patterns []security.Pattern
}

// Process ingests a batch of liquidations and re-runs every detector over the
// retained window. A pattern keeps re-appearing while its events stay in the
// window, always under the same ID.
func (m *Matcher) Process(events []security.LiquidationEvent) Result {
	m.window.Add(events...)
	retained := m.window.Events()

	var patterns []security.Pattern
	patterns = append(patterns, m.detectFlashLoans(retained)...)
	patterns = append(patterns, m.detectCascades(retained)...)
	patterns = append(patterns, m.detectCoordinated(retained)...)

	m.logger.Debug().
		Int("ingested", len(events)).
		Int("window", m.window.Len()).
		Int("patterns", len(patterns)).
		Msg("liquidation pass complete")

	return Result{Ingested: len(events), Patterns: patterns}
}

// Window exposes the rolling buffer.
func (m *Matcher) Window() *history.EventWindow {
	return m.window
}

// detectFlashLoans buckets events into fixed time windows and flags any
// bucket whose liquidated total crosses the minimum. One sufficiently large
// closure qualifies on its own; the detector gates on the windowed total, not
// the event count.
func (m *Matcher) detectFlashLoans(events []security.LiquidationEvent) []security.Pattern {
	buckets := make(map[time.Time][]security.LiquidationEvent)
	for _, ev := range events {
		key := ev.Timestamp.Truncate(m.cfg.FlashWindow).UTC()
		buckets[key] = append(buckets[key], ev)
	}

	keys := make([]time.Time, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var patterns []security.Pattern
	for _, key := range keys {
		group := buckets[key]
		total := totalUSD(group)
		if total < m.cfg.FlashMinTotalUSD {
			continue
		}
		patterns = append(patterns, m.flashPattern(key, group, total))
	}
	return patterns
}

func (m *Matcher) flashPattern(bucket time.Time, group []security.LiquidationEvent, total float64) security.Pattern {
	assets := distinctAssets(group)

	var indicators []string
	if total > flashTierLarge {
		indicators = append(indicators, "Very large amount: "+security.FormatUSD(total))
	}
	if len(group) == 1 {
		indicators = append(indicators, "Single large liquidation in short window")
	}
	if len(assets) > 3 {
		indicators = append(indicators, fmt.Sprintf("Multiple assets affected: %d", len(assets)))
	}

	return security.Pattern{
		ID:             security.PatternID(security.PatternFlashLoan, bucket),
		Type:           security.PatternFlashLoan,
		Timestamp:      bucket,
		LiquidationIDs: eventIDs(group),
		TotalUSD:       total,
		AffectedUsers:  distinctUserCount(group),
		DurationSec:    m.cfg.FlashWindow.Seconds(),
		Assets:         assets,
		PriceImpact:    flashPriceImpact(group),
		SuspicionScore: m.flashSuspicion(len(group), total),
		Indicators:     indicators,
	}
}

// flashPriceImpact reports per-asset price movement inside the bucket. A
// single closure shows no observable move, so impact falls back to a
// size-tiered market-impact estimate.
func flashPriceImpact(group []security.LiquidationEvent) map[string]float64 {
	byAsset := groupByAsset(group)
	impact := make(map[string]float64, len(byAsset))
	for asset, evs := range byAsset {
		if len(evs) >= 2 {
			lo, hi := evs[0].LiquidationPrice, evs[0].LiquidationPrice
			for _, ev := range evs[1:] {
				lo = math.Min(lo, ev.LiquidationPrice)
				hi = math.Max(hi, ev.LiquidationPrice)
			}
			if lo > 0 {
				impact[asset] = (hi - lo) / lo * 100
			}
			continue
		}
		switch amount := evs[0].AmountUSD; {
		case amount > flashTierMedium:
			impact[asset] = 1.5
		case amount > 500_000:
			impact[asset] = 1.0
		default:
			impact[asset] = 0.5
		}
	}
	return impact
}

// flashSuspicion grades a bucket: amount tier (up to 50), single-closure
// bonus (30), fixed speed term (20). Capped at 100.
func (m *Matcher) flashSuspicion(count int, total float64) float64 {
	score := 0.0
	switch {
	case total > flashTierHuge:
		score += 50
	case total > flashTierLarge:
		score += 40
	case total > flashTierMedium:
		score += 30
	default:
		score += total / m.cfg.FlashMinTotalUSD * 20
	}
	if count == 1 && total > flashTierLarge {
		score += 30
	}
	score += 20
	return security.ClampScore(score)
}

// detectCascades looks for runs of same-asset closures at progressively lower
// prices.
func (m *Matcher) detectCascades(events []security.LiquidationEvent) []security.Pattern {
	byAsset := groupByAsset(events)

	var patterns []security.Pattern
	for _, asset := range sortedKeys(byAsset) {
		group := byAsset[asset]
		if len(group) < m.cfg.CascadeMinEvents {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		if !m.isCascade(group) {
			continue
		}
		patterns = append(patterns, m.cascadePattern(asset, group))
	}
	return patterns
}

// isCascade requires the whole run to fit inside the cascade window and at
// least the configured fraction of consecutive prices to decline.
func (m *Matcher) isCascade(group []security.LiquidationEvent) bool {
	span := group[len(group)-1].Timestamp.Sub(group[0].Timestamp)
	if span > m.cfg.CascadeWindow {
		return false
	}
	declining := 0
	for i := 1; i < len(group); i++ {
		if group[i].LiquidationPrice < group[i-1].LiquidationPrice {
			declining++
		}
	}
	return float64(declining)/float64(len(group)-1) >= m.cfg.CascadeDeclineFrac
}

func (m *Matcher) cascadePattern(asset string, group []security.LiquidationEvent) security.Pattern {
	first, last := group[0], group[len(group)-1]
	total := totalUSD(group)
	duration := last.Timestamp.Sub(first.Timestamp).Seconds()

	changePct := 0.0
	if first.LiquidationPrice > 0 {
		changePct = (last.LiquidationPrice - first.LiquidationPrice) / first.LiquidationPrice * 100
	}

	indicators := []string{
		fmt.Sprintf("%d liquidations in %.0f seconds", len(group), duration),
		fmt.Sprintf("Price moved %.2f%%", math.Abs(changePct)),
		"Total liquidated: " + security.FormatUSD(total),
	}

	return security.Pattern{
		ID:             security.PatternID(security.PatternCascade, first.Timestamp),
		Type:           security.PatternCascade,
		Timestamp:      first.Timestamp,
		LiquidationIDs: eventIDs(group),
		TotalUSD:       total,
		AffectedUsers:  distinctUserCount(group),
		DurationSec:    duration,
		Assets:         []string{asset},
		PriceImpact:    map[string]float64{asset: changePct},
		SuspicionScore: cascadeSuspicion(len(group), total, math.Abs(changePct)),
		Indicators:     indicators,
	}
}

// cascadeSuspicion weighs count (up to 30), amount (up to 40), and price
// impact (up to 30).
func cascadeSuspicion(count int, total, impactPct float64) float64 {
	score := math.Min(30, float64(count)/10*30)
	score += math.Min(40, total/cascadeAmountRef*40)
	if impactPct > cascadeImpactRefPct {
		score += 30
	} else {
		score += impactPct / cascadeImpactRefPct * 30
	}
	return security.ClampScore(score)
}

// detectCoordinated flags users liquidated repeatedly for a large combined
// loss inside the window.
func (m *Matcher) detectCoordinated(events []security.LiquidationEvent) []security.Pattern {
	byUser := groupByUser(events)

	var patterns []security.Pattern
	for _, user := range sortedKeys(byUser) {
		group := byUser[user]
		if len(group) < m.cfg.CoordinatedMinHits {
			continue
		}
		total := totalUSD(group)
		if total < m.cfg.CoordinatedMinUSD {
			continue
		}
		patterns = append(patterns, coordinatedPattern(group, total))
	}
	return patterns
}

func coordinatedPattern(group []security.LiquidationEvent, total float64) security.Pattern {
	first, last := group[0].Timestamp, group[0].Timestamp
	for _, ev := range group[1:] {
		if ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	assets := distinctAssets(group)

	indicators := []string{
		fmt.Sprintf("Same user liquidated %d times", len(group)),
		"Total loss: " + security.FormatUSD(total),
		fmt.Sprintf("Across %d assets", len(assets)),
	}

	return security.Pattern{
		ID:             security.PatternID(security.PatternCoordinated, first),
		Type:           security.PatternCoordinated,
		Timestamp:      first,
		LiquidationIDs: eventIDs(group),
		TotalUSD:       total,
		AffectedUsers:  1,
		DurationSec:    last.Sub(first).Seconds(),
		Assets:         assets,
		SuspicionScore: coordinatedSuspicion(len(group), total),
		Indicators:     indicators,
	}
}

// coordinatedSuspicion weighs repeat count (up to 50) and combined loss (up
// to 50).
func coordinatedSuspicion(count int, total float64) float64 {
	score := math.Min(50, float64(count)/5*50)
	score += math.Min(50, total/coordinatedAmountRef*50)
	return security.ClampScore(score)
}

func totalUSD(events []security.LiquidationEvent) float64 {
	total := 0.0
	for _, ev := range events {
		total += ev.AmountUSD
	}
	return total
}

func eventIDs(events []security.LiquidationEvent) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func groupByAsset(events []security.LiquidationEvent) map[string][]security.LiquidationEvent {
	byAsset := make(map[string][]security.LiquidationEvent)
	for _, ev := range events {
		if ev.Asset == "" {
			continue
		}
		byAsset[ev.Asset] = append(byAsset[ev.Asset], ev)
	}
	return byAsset
}

func groupByUser(events []security.LiquidationEvent) map[string][]security.LiquidationEvent {
	byUser := make(map[string][]security.LiquidationEvent)
	for _, ev := range events {
		if ev.User == "" {
			continue
		}
		byUser[ev.User] = append(byUser[ev.User], ev)
	}
	return byUser
}

func distinctAssets(events []security.LiquidationEvent) []string {
	seen := make(map[string]struct{})
	for _, ev := range events {
		if ev.Asset != "" {
			seen[ev.Asset] = struct{}{}
		}
	}
	assets := make([]string, 0, len(seen))
	for asset := range seen {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func distinctUserCount(events []security.LiquidationEvent) int {
	seen := make(map[string]struct{})
	for _, ev := range events {
		if ev.User != "" {
			seen[ev.User] = struct{}{}
		}
	}
	return len(seen)
}

func sortedKeys(groups map[string][]security.LiquidationEvent) []string {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
