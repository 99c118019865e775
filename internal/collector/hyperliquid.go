package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/metrics"
	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/vault"
)

const (
	infoPath = "/info"

	// The venue exposes no liquidation feed; forced closures are inferred
	// from closing fills with a realised loss and non-dust size.
	minLiquidationSize = 0.1
)

// HyperliquidOptions parameterise the venue client.
type HyperliquidOptions struct {
	APIURL       string
	Timeout      time.Duration
	UserAgent    string
	RateLimitRPS float64
}

// Hyperliquid talks to the venue's info API.
type Hyperliquid struct {
	opts    HyperliquidOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

var _ VenueSource = (*Hyperliquid)(nil)

// NewHyperliquid constructs a venue client.
func NewHyperliquid(opts HyperliquidOptions, logger zerolog.Logger) *Hyperliquid {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.APIURL, "/")
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}

	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}

	return &Hyperliquid{
		opts:    opts,
		logger:  logging.Component(logger, "hyperliquid"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		baseURL: baseURL,
	}
}

// FetchMids returns current mid prices keyed by asset symbol. Index entries
// and unparseable values are skipped.
func (h *Hyperliquid) FetchMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	start := time.Now()
	raw := map[string]string{}
	err := h.post(ctx, infoRequest{Type: "allMids"}, &raw)
	metrics.RecordAPIRequest("hyperliquid", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	mids := make(map[string]decimal.Decimal, len(raw))
	for key, value := range raw {
		if strings.HasPrefix(key, "@") {
			continue
		}
		asset := key
		if i := strings.Index(asset, "-"); i > 0 {
			asset = asset[:i]
		}
		price, err := decimal.NewFromString(value)
		if err != nil || !price.IsPositive() {
			continue
		}
		mids[asset] = price
	}

	h.logger.Debug().Int("assets", len(mids)).Msg("fetched mid prices")
	return mids, nil
}

// FetchPortfolio returns the vault's daily account value history in
// chronological order.
func (h *Hyperliquid) FetchPortfolio(ctx context.Context, vaultAddress string) ([]vault.PortfolioPoint, error) {
	start := time.Now()
	var details vaultDetailsResponse
	err := h.post(ctx, infoRequest{Type: "vaultDetails", VaultAddress: vaultAddress}, &details)
	metrics.RecordAPIRequest("hyperliquid", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	for _, period := range details.Portfolio {
		if len(period) < 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(period[0], &name); err != nil || name != "day" {
			continue
		}

		var data portfolioPeriod
		if err := json.Unmarshal(period[1], &data); err != nil {
			return nil, fmt.Errorf("parse portfolio period: %w", err)
		}

		points := make([]vault.PortfolioPoint, 0, len(data.AccountValueHistory))
		for _, entry := range data.AccountValueHistory {
			if len(entry) < 2 {
				continue
			}
			var ms int64
			if err := json.Unmarshal(entry[0], &ms); err != nil {
				continue
			}
			var valueStr string
			if err := json.Unmarshal(entry[1], &valueStr); err != nil {
				continue
			}
			value := parseFloat(valueStr)
			if value <= 0 {
				continue
			}
			points = append(points, vault.PortfolioPoint{
				Timestamp:    time.UnixMilli(ms).UTC(),
				AccountValue: value,
			})
		}

		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Timestamp.Before(points[j].Timestamp)
		})
		h.logger.Debug().Str("vault", vaultAddress).Int("points", len(points)).Msg("fetched portfolio history")
		return points, nil
	}

	return nil, nil
}

// FetchLiquidations returns liquidation events inferred from the user's
// recent fills, oldest first.
func (h *Hyperliquid) FetchLiquidations(ctx context.Context, user string) ([]security.LiquidationEvent, error) {
	start := time.Now()
	var fills []userFill
	err := h.post(ctx, infoRequest{Type: "userFills", User: user}, &fills)
	metrics.RecordAPIRequest("hyperliquid", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	var events []security.LiquidationEvent
	for _, fill := range fills {
		ev, ok := liquidationFromFill(user, fill)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (h *Hyperliquid) post(ctx context.Context, payload infoRequest, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := h.baseURL + infoPath

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		} else {
			req.Header.Set("User-Agent", "hlsentry/1.0")
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payloadBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseHTTPError("hyperliquid", resp.StatusCode, payloadBytes)
			// 4xx other than 429 will not heal on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		return json.Unmarshal(payloadBytes, out)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second

	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func liquidationFromFill(user string, fill userFill) (security.LiquidationEvent, bool) {
	size := math.Abs(parseFloat(fill.Sz))
	closedPnl := parseFloat(fill.ClosedPnl)
	if !strings.Contains(fill.Dir, "Close") || size <= minLiquidationSize || closedPnl >= 0 {
		return security.LiquidationEvent{}, false
	}

	side := "SHORT"
	if strings.Contains(fill.Dir, "Long") {
		side = "LONG"
	}

	return security.LiquidationEvent{
		ID:               fmt.Sprintf("liq-%d", fill.Oid),
		User:             user,
		Asset:            fill.Coin,
		Side:             side,
		Size:             size,
		LiquidationPrice: parseFloat(fill.Px),
		AmountUSD:        math.Abs(closedPnl),
		Timestamp:        time.UnixMilli(fill.Time).UTC(),
	}, true
}

type infoRequest struct {
	Type         string `json:"type"`
	User         string `json:"user,omitempty"`
	VaultAddress string `json:"vaultAddress,omitempty"`
}

type vaultDetailsResponse struct {
	Portfolio [][]jsoniter.RawMessage `json:"portfolio"`
}

type portfolioPeriod struct {
	AccountValueHistory [][]jsoniter.RawMessage `json:"accountValueHistory"`
}

type userFill struct {
	Coin        string `json:"coin"`
	Px          string `json:"px"`
	Sz          string `json:"sz"`
	Side        string `json:"side"`
	Time        int64  `json:"time"`
	Dir         string `json:"dir"`
	ClosedPnl   string `json:"closedPnl"`
	Oid         int64  `json:"oid"`
	Tid         int64  `json:"tid"`
	Hash        string `json:"hash"`
	Liquidation bool   `json:"liquidation"`
}
