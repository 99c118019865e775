package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/alerting"
	"hyperliquid-sentry/internal/collector"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/service"
	"hyperliquid-sentry/internal/vault"
)

// SimulateOptions shape the synthetic detection pushed through the alert
// path.
type SimulateOptions struct {
	// Kind is vault, oracle, or liquidation.
	Kind string
	// AmountUSD sizes vault losses and liquidation totals.
	AmountUSD float64
	// Asset names the instrument for oracle simulations.
	Asset string
	// DeviationPct sets the oracle deviation magnitude.
	DeviationPct float64
}

// SimulateAlert drives a synthetic detection through the real engines and the
// configured alert channels. The configured severity and cooldown gates stay
// in force, so a drill also verifies the gating.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled; set alerting.enabled first")
	}
	alerts := a.newAlerts()
	if alerts == nil {
		return errors.New("no alert channels configured")
	}

	switch opts.Kind {
	case "vault":
		return a.simulateVaultLoss(ctx, alerts, opts.AmountUSD)
	case "oracle":
		return a.simulateOracleDeviation(ctx, alerts, opts.Asset, opts.DeviationPct)
	case "liquidation":
		return a.simulateLiquidation(ctx, alerts, opts.AmountUSD)
	default:
		return fmt.Errorf("unknown kind %q (want vault, oracle, or liquidation)", opts.Kind)
	}
}

// simulateVaultLoss feeds a fabricated portfolio series whose 24h loss equals
// the requested amount into a fresh monitor via the live tick path.
func (a *App) simulateVaultLoss(ctx context.Context, alerts *alerting.Manager, amountUSD float64) error {
	if amountUSD <= 0 {
		amountUSD = a.Config.Vault.HighLossUSD * 1.5
	}

	now := time.Now().UTC()
	// Keep the drawdown comfortably under its own trigger so the drill
	// emits exactly one loss event.
	base := amountUSD * 12
	venue := &staticVenue{series: []vault.PortfolioPoint{
		{Timestamp: now.Add(-23 * time.Hour), AccountValue: base},
		{Timestamp: now.Add(-12 * time.Hour), AccountValue: base - amountUSD/2},
		{Timestamp: now.Add(-time.Minute), AccountValue: base - amountUSD},
	}}

	monitor, tracker, matcher := a.newEngines()
	svc := service.New(service.Options{
		Config:  a.Config,
		Venue:   venue,
		Vault:   monitor,
		Oracle:  tracker,
		Matcher: matcher,
		Alerts:  alerts,
		Logger:  a.Logger,
	})
	return svc.VaultTick(ctx, now)
}

// simulateOracleDeviation runs two tracker passes one sustain window apart so
// the duration gate opens, then dispatches the resulting events.
func (a *App) simulateOracleDeviation(ctx context.Context, alerts *alerting.Manager, asset string, pct float64) error {
	if asset == "" {
		asset = "BTC"
	}
	if pct <= 0 {
		pct = a.Config.Oracle.DangerPct * 1.5
	}

	venuePrice := decimal.NewFromInt(60_000)
	external := venuePrice.Mul(decimal.NewFromFloat(1 + pct/100))

	tracker := oracle.NewTracker(a.Config.Oracle, a.Logger)
	now := time.Now().UTC()
	first := now.Add(-(a.Config.Oracle.SustainedDuration + time.Second))

	quotes := oracle.Quotes{asset: venuePrice}
	refs := map[string]oracle.Quotes{"simulated": {asset: external}}
	tracker.Process(first, quotes, refs)
	res := tracker.Process(now, quotes, refs)

	if len(res.Events) == 0 {
		return fmt.Errorf("deviation of %.2f%% stayed below the alert gates; raise --deviation", pct)
	}
	var errs []error
	for _, ev := range res.Events {
		errs = append(errs, alerts.Dispatch(ctx, alerting.Notification{Event: ev}))
	}
	return errors.Join(errs...)
}

// simulateLiquidation injects one outsized fill so the flash-loan detector
// fires through the live tick path.
func (a *App) simulateLiquidation(ctx context.Context, alerts *alerting.Manager, amountUSD float64) error {
	if amountUSD <= 0 {
		amountUSD = 6_000_000
	}

	now := time.Now().UTC()
	venue := &staticVenue{fills: []security.LiquidationEvent{{
		ID:               fmt.Sprintf("liq-sim-%d", now.UnixNano()),
		User:             "0xsimulated",
		Asset:            "BTC",
		Side:             "LONG",
		Size:             amountUSD / 60_000,
		LiquidationPrice: 60_000,
		AmountUSD:        amountUSD,
		Timestamp:        now,
	}}}

	monitor, tracker, matcher := a.newEngines()
	svc := service.New(service.Options{
		Config:  a.Config,
		Venue:   venue,
		Vault:   monitor,
		Oracle:  tracker,
		Matcher: matcher,
		Alerts:  alerts,
		Logger:  a.Logger,
	})
	return svc.LiquidationTick(ctx, now)
}

// staticVenue serves canned observations to the simulation ticks.
type staticVenue struct {
	series []vault.PortfolioPoint
	fills  []security.LiquidationEvent
}

func (s *staticVenue) FetchMids(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (s *staticVenue) FetchPortfolio(context.Context, string) ([]vault.PortfolioPoint, error) {
	return s.series, nil
}

func (s *staticVenue) FetchLiquidations(context.Context, string) ([]security.LiquidationEvent, error) {
	return s.fills, nil
}

var _ collector.VenueSource = (*staticVenue)(nil)
