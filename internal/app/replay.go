package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"hyperliquid-sentry/internal/liquidation"
	"hyperliquid-sentry/internal/oracle"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/storage"
)

// ReplayOptions configure an offline run over a capture file.
type ReplayOptions struct {
	File      string
	PNGPath   string
	CSVPath   string
	Limit     int
	MaxPoints int
}

// Replay feeds a capture file through fresh engines in timestamp order and
// prints every event the live pipeline would have emitted. The same file
// always replays to the same events and IDs.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.File == "" {
		return errors.New("--file is required")
	}

	records, err := storage.ReadAll(opts.File)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no records in capture")
		return nil
	}

	monitor, tracker, matcher := a.newEngines()

	seen := make(map[string]struct{})
	emitted := 0
	emit := func(ev security.Event) {
		if _, ok := seen[ev.ID]; ok {
			return
		}
		seen[ev.ID] = struct{}{}
		emitted++
		fmt.Fprintf(os.Stdout, "%s  [%s] %s  %s\n",
			ev.Timestamp.UTC().Format(time.RFC3339),
			strings.ToUpper(string(ev.Severity)), ev.ID, ev.Title)
	}

	var curve []scorePoint
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch rec.Kind {
		case storage.KindVault:
			res := monitor.Process(rec.Timestamp, rec.Vault.Address, rec.Vault.Points)
			curve = append(curve, scorePoint{
				ts:    rec.Timestamp,
				value: res.Snapshot.AccountValue,
				score: res.Snapshot.AnomalyScore,
			})
			for _, ev := range res.Events {
				emit(ev)
			}
		case storage.KindPrices:
			external := make(map[string]oracle.Quotes, len(rec.Prices.Sources))
			for name, quotes := range rec.Prices.Sources {
				external[name] = quotes
			}
			res := tracker.Process(rec.Timestamp, rec.Prices.Venue, external)
			for _, ev := range res.Events {
				emit(ev)
			}
		case storage.KindLiquidation:
			res := matcher.Process([]security.LiquidationEvent{*rec.Liquidation})
			for _, p := range res.Patterns {
				if p.SuspicionScore <= a.Config.Liquidation.SuspicionThreshold {
					continue
				}
				emit(security.EventFromPattern(p, liquidation.SourceName))
			}
		}
	}

	a.Logger.Info().Int("records", len(records)).Int("events", emitted).Msg("replay complete")

	if opts.CSVPath == "" && opts.PNGPath == "" {
		return nil
	}
	if len(curve) == 0 {
		a.Logger.Warn().Msg("no vault snapshots in capture; nothing to export")
		return nil
	}

	downsampled := downsampleCurve(curve, resolveMaxPoints(opts.MaxPoints))
	if opts.CSVPath != "" {
		if err := writeScoreCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeScorePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// scorePoint is one replayed vault snapshot reduced to chart inputs.
type scorePoint struct {
	ts    time.Time
	value float64
	score float64
}

func resolveMaxPoints(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

func downsampleCurve(points []scorePoint, max int) []scorePoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]scorePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeScoreCSV(path string, points []scorePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "account_value_usd", "anomaly_score"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.ts.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.value, 'f', 2, 64),
			strconv.FormatFloat(p.score, 'f', 1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writeScorePNG(path string, points []scorePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	values := make([]float64, len(points))
	scores := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.ts
		values[i] = p.value
		scores[i] = p.score
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Account value (USD)",
		},
		YAxisSecondary: chart.YAxis{
			Name: "Anomaly score",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Account value",
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Anomaly score",
				XValues: x,
				YValues: scores,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
