package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"hyperliquid-sentry/internal/alerting"
	"hyperliquid-sentry/internal/liquidation"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/service"
	"hyperliquid-sentry/internal/vault"
)

// Check runs a single cycle of every monitor against the live APIs and
// prints what it found.
func (a *App) Check(ctx context.Context) error {
	venue := a.newVenue()
	sources := a.newSources()
	monitor, tracker, matcher := a.newEngines()

	// One-shot diagnostics print every detection, regardless of the
	// configured alert gates.
	alertCfg := a.Config.Alerting
	alertCfg.MinSeverity = "low"
	alertCfg.Cooldown = 0
	printer := &printNotifier{out: os.Stdout}

	svc := service.New(service.Options{
		Config:  a.Config,
		Venue:   venue,
		Sources: sources,
		Vault:   monitor,
		Oracle:  tracker,
		Matcher: matcher,
		Alerts:  alerting.NewManager(alertCfg, printer, a.Logger),
		Logger:  a.Logger,
	})

	now := time.Now().UTC()
	checks := []struct {
		name string
		tick func(context.Context, time.Time) error
	}{
		{"vault", svc.VaultTick},
		{"oracle", svc.OracleTick},
		{"liquidation", svc.LiquidationTick},
	}

	tickErrs := make(map[string]error, len(checks))
	var failures []error
	for _, c := range checks {
		if err := c.tick(ctx, now); err != nil {
			tickErrs[c.name] = err
			failures = append(failures, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	if printer.printed == 0 {
		fmt.Fprintln(os.Stdout, "no detections")
	}
	fmt.Fprintln(os.Stdout)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Monitor\tStatus\tDetail")
	for _, c := range checks {
		status := "ok"
		var detail string
		switch c.name {
		case "vault":
			detail = vaultDetail(monitor, a.Config.Vault.Addresses)
		case "oracle":
			detail = oracleDetail(tracker)
		case "liquidation":
			detail = liquidationDetail(matcher)
		}
		if err := tickErrs[c.name]; err != nil {
			status = "error"
			detail = sanitizeInline(err.Error())
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", c.name, status, detail)
	}
	writer.Flush()

	return errors.Join(failures...)
}

func vaultDetail(monitor *vault.Monitor, addresses []string) string {
	parts := make([]string, 0, len(addresses))
	for _, address := range addresses {
		snap, ok := monitor.History().Latest(address)
		if !ok {
			parts = append(parts, shortAddress(address)+" no data")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s score %.1f, value %s",
			shortAddress(address), snap.AnomalyScore, security.FormatUSD(snap.AccountValue)))
	}
	return strings.Join(parts, "; ")
}

func oracleDetail(tracker *oracle.Tracker) string {
	active := tracker.Active()
	if len(active) == 0 {
		return "no active deviations"
	}
	parts := make([]string, 0, len(active))
	for _, dev := range active {
		parts = append(parts, fmt.Sprintf("%s %.2f%%", dev.Asset, dev.DeviationPct.InexactFloat64()))
	}
	return fmt.Sprintf("%d active: %s", len(active), strings.Join(parts, ", "))
}

func liquidationDetail(matcher *liquidation.Matcher) string {
	return fmt.Sprintf("%d fills in window", matcher.Window().Len())
}

func shortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + ".." + address[len(address)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

// printNotifier writes detections to stdout for one-shot commands.
type printNotifier struct {
	out     io.Writer
	printed int
}

func (p *printNotifier) Name() string { return "stdout" }

func (p *printNotifier) Notify(_ context.Context, note alerting.Notification) error {
	ev := note.Event
	p.printed++
	fmt.Fprintf(p.out, "[%s] %s\n", strings.ToUpper(string(ev.Severity)), ev.Title)
	fmt.Fprintf(p.out, "    %s\n", ev.Description)
	return nil
}
