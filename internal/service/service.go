// Package service drives one detection cycle per monitor: fetch observations,
// capture them, run the engine pass, then emit events and exploit reports.
// The service is the consumer boundary the engines rely on: every event ID
// crosses it at most once.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/alerting"
	"hyperliquid-sentry/internal/collector"
	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/liquidation"
	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/metrics"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/storage"
	"hyperliquid-sentry/internal/vault"
)

const (
	// chartHistoryPoints bounds the account-value series attached to vault
	// alerts: 24h of snapshots at the default 5m cadence.
	chartHistoryPoints = 288

	maxSeenEvents = 4096
	maxSeenFills  = 8192
)

// FillSource yields liquidation fills gathered between polls.
type FillSource interface {
	Drain() []security.LiquidationEvent
}

// Options wires a Service. Venue, Vault, Oracle, and Matcher are required;
// Fills, Alerts, and Capture are optional.
type Options struct {
	Config  *config.Config
	Venue   collector.VenueSource
	Sources []collector.PriceSource
	Fills   FillSource
	Vault   *vault.Monitor
	Oracle  *oracle.Tracker
	Matcher *liquidation.Matcher
	Alerts  *alerting.Manager
	Capture *storage.Writer
	Logger  zerolog.Logger
}

// Service owns the per-monitor tick functions handed to the schedulers. Ticks
// for different monitors run on separate goroutines; the shared emission state
// is mutex-guarded while each engine stays single-writer.
type Service struct {
	cfg     *config.Config
	venue   collector.VenueSource
	sources []collector.PriceSource
	fills   FillSource
	vaults  *vault.Monitor
	tracker *oracle.Tracker
	matcher *liquidation.Matcher
	alerts  *alerting.Manager
	capture *storage.Writer
	logger  zerolog.Logger

	now func() time.Time

	mu         sync.Mutex
	seenEvents *seenSet
	seenFills  *seenSet
}

// New builds a Service around already-constructed engines.
func New(opts Options) *Service {
	return &Service{
		cfg:        opts.Config,
		venue:      opts.Venue,
		sources:    opts.Sources,
		fills:      opts.Fills,
		vaults:     opts.Vault,
		tracker:    opts.Oracle,
		matcher:    opts.Matcher,
		alerts:     opts.Alerts,
		capture:    opts.Capture,
		logger:     logging.Component(opts.Logger, "service"),
		now:        func() time.Time { return time.Now().UTC() },
		seenEvents: newSeenSet(maxSeenEvents),
		seenFills:  newSeenSet(maxSeenFills),
	}
}

// VaultTick fetches every configured vault's portfolio series and runs the
// anomaly pass over it. One vault failing does not stop the others.
func (s *Service) VaultTick(ctx context.Context, _ time.Time) error {
	now := s.now()

	var errs []error
	for _, address := range s.cfg.Vault.Addresses {
		series, err := s.venue.FetchPortfolio(ctx, address)
		if err != nil {
			errs = append(errs, fmt.Errorf("portfolio %s: %w", address, err))
			continue
		}
		s.record(storage.VaultRecord(now, address, series))

		res := s.vaults.Process(now, address, series)
		metrics.SetVaultScore(address, res.Snapshot.AnomalyScore)

		for _, ev := range res.Events {
			if !s.claim(ev.ID) {
				continue
			}
			s.announce(ctx, ev, s.vaultChart(address))
			if ev.Severity.Rank() >= security.SeverityHigh.Rank() {
				s.emitExploit(security.ExploitFromVaultEvent(ev, address))
			}
		}
	}
	return errors.Join(errs...)
}

// OracleTick compares venue mids against every reference source and runs the
// deviation pass. Individual source failures degrade the comparison; only a
// venue failure or a total source blackout fails the tick.
func (s *Service) OracleTick(ctx context.Context, _ time.Time) error {
	now := s.now()

	venueQuotes, err := s.venue.FetchMids(ctx)
	if err != nil {
		return fmt.Errorf("venue mids: %w", err)
	}

	external := make(map[string]oracle.Quotes, len(s.sources))
	captured := make(map[string]map[string]decimal.Decimal, len(s.sources))
	var srcErrs []error
	for _, src := range s.sources {
		prices, err := src.FetchPrices(ctx)
		if err != nil {
			srcErrs = append(srcErrs, fmt.Errorf("%s: %w", src.Name(), err))
			s.logger.Warn().Err(err).Str("source", src.Name()).Msg("reference source failed")
		}
		if len(prices) > 0 {
			external[src.Name()] = prices
			captured[src.Name()] = prices
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(external) == 0 && len(srcErrs) > 0 {
		return errors.Join(srcErrs...)
	}

	s.record(storage.PricesRecord(now, venueQuotes, captured))

	res := s.tracker.Process(now, venueQuotes, external)
	metrics.SetActiveDeviations(len(res.Active))

	byAsset := make(map[string]security.Deviation, len(res.Active))
	for _, dev := range res.Active {
		byAsset[dev.Asset] = dev
	}

	for _, ev := range res.Events {
		if !s.claim(ev.ID) {
			continue
		}
		s.announce(ctx, ev, nil)
		if len(ev.AffectedAssets) == 0 {
			continue
		}
		if dev, ok := byAsset[ev.AffectedAssets[0]]; ok {
			s.emitExploit(security.ExploitFromDeviation(dev, ev.Source))
		}
	}
	return nil
}

// LiquidationTick merges polled and streamed fills, drops the ones earlier
// cycles already ingested, and runs the pattern pass over the refreshed
// window.
func (s *Service) LiquidationTick(ctx context.Context, _ time.Time) error {
	var errs []error
	var fills []security.LiquidationEvent
	for _, address := range s.cfg.Vault.Addresses {
		batch, err := s.venue.FetchLiquidations(ctx, address)
		if err != nil {
			errs = append(errs, fmt.Errorf("fills %s: %w", address, err))
			continue
		}
		fills = append(fills, batch...)
	}
	if s.fills != nil {
		fills = append(fills, s.fills.Drain()...)
	}

	novel := s.novelFills(fills)
	for _, ev := range novel {
		s.record(storage.LiquidationRecord(ev))
	}

	res := s.matcher.Process(novel)
	metrics.RecordLiquidations(res.Ingested)
	metrics.SetLiquidationWindow(s.matcher.Window().Len())

	for _, p := range res.Patterns {
		metrics.RecordPattern(string(p.Type), p.SuspicionScore)
		if p.SuspicionScore <= s.cfg.Liquidation.SuspicionThreshold {
			continue
		}
		ev := security.EventFromPattern(p, liquidation.SourceName)
		if !s.claim(ev.ID) {
			continue
		}
		s.announce(ctx, ev, nil)
		if p.SuspicionScore > security.PatternExploitThreshold {
			s.emitExploit(security.ExploitFromPattern(p, liquidation.SourceName))
		}
	}
	return errors.Join(errs...)
}

// novelFills filters out fills seen in earlier cycles and returns the rest in
// timestamp order, as the matcher's window requires. The REST poll and the
// stream overlap on purpose; this is where the overlap collapses.
func (s *Service) novelFills(fills []security.LiquidationEvent) []security.LiquidationEvent {
	s.mu.Lock()
	novel := make([]security.LiquidationEvent, 0, len(fills))
	for _, ev := range fills {
		if s.seenFills.claim(ev.ID) {
			novel = append(novel, ev)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(novel, func(i, j int) bool {
		return novel[i].Timestamp.Before(novel[j].Timestamp)
	})
	return novel
}

// claim records an event ID at the emission boundary. False means this exact
// event already went out.
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenEvents.claim(id)
}

// announce logs and counts one event, then offers it to the alert channels.
func (s *Service) announce(ctx context.Context, ev security.Event, chart []byte) {
	metrics.RecordEvent(ev.Source, string(ev.Severity))

	level := zerolog.InfoLevel
	if ev.Severity.Rank() >= security.SeverityHigh.Rank() {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("event_id", ev.ID).
		Str("severity", string(ev.Severity)).
		Str("threat_type", string(ev.ThreatType)).
		Str("source", ev.Source).
		Strs("assets", ev.AffectedAssets).
		Msg(ev.Title)

	if s.alerts != nil {
		// Dispatch logs its own failures; emission never blocks on delivery.
		_ = s.alerts.Dispatch(ctx, alerting.Notification{Event: ev, Chart: chart})
	}
}

// emitExploit publishes an exploit report on the structured log, the boundary
// downstream platforms consume.
func (s *Service) emitExploit(ex security.Exploit) {
	metrics.RecordExploit(ex.Category)
	s.logger.Info().Interface("exploit", ex).Msg("exploit report")
}

// vaultChart renders the recent account-value series for alert attachments.
// Nil when there is nothing to render or nobody to send it to.
func (s *Service) vaultChart(address string) []byte {
	if s.alerts == nil {
		return nil
	}
	snaps := s.vaults.History().Recent(address, chartHistoryPoints)
	if len(snaps) < 2 {
		return nil
	}

	points := make([]alerting.ChartPoint, 0, len(snaps))
	for _, snap := range snaps {
		points = append(points, alerting.ChartPoint{Time: snap.Timestamp, Value: snap.AccountValue})
	}

	name := s.cfg.Vault.Name
	if name == "" {
		name = "vault"
	}
	png, err := alerting.RenderTimeline(name+" account value", points)
	if err != nil {
		s.logger.Debug().Err(err).Str("vault", address).Msg("chart render failed")
		return nil
	}
	return png
}

// record appends one observation to the capture file, when capture is on.
// Capture failures degrade to a warning; detection continues.
func (s *Service) record(rec storage.Record) {
	if s.capture == nil {
		return
	}
	if err := s.capture.Append(rec); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(rec.Kind)).Msg("capture append failed")
	}
}

// seenSet is a FIFO-bounded ID set. Oldest entries fall out first once the
// cap is hit, which suits IDs that only recur within a bounded horizon.
type seenSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{})}
}

// claim reports whether the ID is new, recording it either way.
func (s *seenSet) claim(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
