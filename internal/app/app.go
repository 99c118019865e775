// Package app wires configuration into running components and backs the CLI
// commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/alerting"
	"hyperliquid-sentry/internal/collector"
	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/liquidation"
	"hyperliquid-sentry/internal/metrics"
	"hyperliquid-sentry/internal/mlscore"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/scheduler"
	"hyperliquid-sentry/internal/service"
	"hyperliquid-sentry/internal/storage"
	"hyperliquid-sentry/internal/vault"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newVenue() *collector.Hyperliquid {
	return collector.NewHyperliquid(collector.HyperliquidOptions{
		APIURL:       a.Config.Hyperliquid.APIURL,
		Timeout:      a.Config.Hyperliquid.RequestTimeout,
		UserAgent:    a.Config.Hyperliquid.UserAgent,
		RateLimitRPS: a.Config.Hyperliquid.RateLimitRPS,
	}, a.Logger)
}

func (a *App) newSources() []collector.PriceSource {
	var sources []collector.PriceSource

	if a.Config.Sources.Binance.Enabled {
		symbols := make(map[string]string, len(a.Config.Sources.Assets))
		for _, asset := range a.Config.Sources.Assets {
			if asset.Binance != "" {
				symbols[asset.Symbol] = asset.Binance
			}
		}
		sources = append(sources, collector.NewBinance(collector.ReferenceOptions{
			BaseURL:   a.Config.Sources.Binance.BaseURL,
			Timeout:   a.Config.Sources.Binance.RequestTimeout,
			UserAgent: a.Config.Hyperliquid.UserAgent,
			Symbols:   symbols,
		}, a.Logger))
	}

	if a.Config.Sources.Coinbase.Enabled {
		symbols := make(map[string]string, len(a.Config.Sources.Assets))
		for _, asset := range a.Config.Sources.Assets {
			if asset.Coinbase != "" {
				symbols[asset.Symbol] = asset.Coinbase
			}
		}
		sources = append(sources, collector.NewCoinbase(collector.ReferenceOptions{
			BaseURL:   a.Config.Sources.Coinbase.BaseURL,
			Timeout:   a.Config.Sources.Coinbase.RequestTimeout,
			UserAgent: a.Config.Hyperliquid.UserAgent,
			Symbols:   symbols,
		}, a.Logger))
	}

	return sources
}

func (a *App) newStream() *collector.FillStream {
	return collector.NewFillStream(collector.StreamOptions{
		WSURL:         a.Config.Hyperliquid.WSURL,
		Users:         a.Config.Vault.Addresses,
		TokenPriceUSD: a.Config.Liquidation.TokenPriceUSD,
	}, a.Logger)
}

func (a *App) newEngines() (*vault.Monitor, *oracle.Tracker, *liquidation.Matcher) {
	var ml mlscore.Provider
	if a.Config.ML.Enabled {
		ml = mlscore.NewDetector(mlscore.DetectorOptions{
			Trees:           a.Config.ML.Trees,
			SampleSize:      a.Config.ML.SampleSize,
			Contamination:   a.Config.ML.Contamination,
			Seed:            a.Config.ML.Seed,
			MinTrainSamples: a.Config.ML.MinTrainSamples,
			RefitEvery:      a.Config.ML.RefitEvery,
		})
	}

	monitor := vault.NewMonitor(vault.Options{
		Config: a.Config.Vault,
		ML:     ml,
		Logger: a.Logger,
	})
	tracker := oracle.NewTracker(a.Config.Oracle, a.Logger)
	matcher := liquidation.NewMatcher(a.Config.Liquidation, a.Logger)
	return monitor, tracker, matcher
}

// newChannels builds the configured delivery channels.
func (a *App) newChannels() alerting.Multi {
	var channels alerting.Multi
	for _, name := range a.Config.Alerting.Channels {
		switch name {
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			if a.Config.Alerting.Telegram.Enabled {
				channels = append(channels, alerting.NewTelegramNotifier(a.Config.Alerting.Telegram, a.Logger))
			}
		case "discord":
			if a.Config.Alerting.Discord.Enabled {
				channels = append(channels, alerting.NewDiscordNotifier(a.Config.Alerting.Discord, a.Logger))
			}
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
		}
	}
	return channels
}

// newAlerts returns nil when alerting is off or no channel survives config.
func (a *App) newAlerts() *alerting.Manager {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	channels := a.newChannels()
	if len(channels) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channels configured")
		return nil
	}
	return alerting.NewManager(a.Config.Alerting, channels, a.Logger)
}

func (a *App) openCapture() (*storage.Writer, func(), error) {
	path := a.Config.Storage.CapturePath
	if path == "" {
		return nil, nil, nil
	}
	writer, err := storage.NewWriter(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	closer := func() {
		if err := writer.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("capture close failed")
		}
	}
	return writer, closer, nil
}

// Run executes the long-running monitoring daemon: the fill stream, the
// metrics listener, and one scheduler per monitor. The first component to
// fail stops the rest.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	capture, closeCapture, err := a.openCapture()
	if err != nil {
		return err
	}
	if closeCapture != nil {
		defer closeCapture()
	}

	venue := a.newVenue()
	sources := a.newSources()
	stream := a.newStream()
	monitor, tracker, matcher := a.newEngines()

	svc := service.New(service.Options{
		Config:  a.Config,
		Venue:   venue,
		Sources: sources,
		Fills:   stream,
		Vault:   monitor,
		Oracle:  tracker,
		Matcher: matcher,
		Alerts:  a.newAlerts(),
		Capture: capture,
		Logger:  a.Logger,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if stream.Enabled() {
		start("fill stream", stream.Run)
	}
	start("metrics", metrics.NewServer(a.Config.Metrics, a.Logger).Run)

	schedule := func(name string, interval time.Duration, tick scheduler.TickFunc) {
		sched := scheduler.New(scheduler.Options{
			Name:         name,
			Interval:     interval,
			AlignToStart: a.Config.Scheduler.AlignToInterval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		start(name+" monitor", func(ctx context.Context) error {
			return sched.Run(ctx, tick)
		})
	}
	schedule("vault", a.Config.Scheduler.VaultInterval, svc.VaultTick)
	schedule("oracle", a.Config.Scheduler.OracleInterval, svc.OracleTick)
	schedule("liquidation", a.Config.Scheduler.LiquidationInterval, svc.LiquidationTick)

	a.Logger.Info().
		Int("vaults", len(a.Config.Vault.Addresses)).
		Int("sources", len(sources)).
		Bool("stream", stream.Enabled()).
		Msg("sentry started")

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		a.Logger.Error().Err(err).Msg("component terminated")
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.Logger.Info().Msg("sentry stopped")
	return nil
}
