package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/logging"
	"hyperliquid-sentry/internal/metrics"
)

// ReferenceOptions parameterise one external price API. Symbols maps venue
// asset symbols to the source's own instrument names.
type ReferenceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Symbols   map[string]string
}

// Binance fetches spot ticker prices from the Binance public API.
type Binance struct {
	opts    ReferenceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

var _ PriceSource = (*Binance)(nil)

// NewBinance constructs a Binance price source.
func NewBinance(opts ReferenceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}

	return &Binance{
		opts:    opts,
		logger:  logging.Component(logger, "binance"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the source in deviation reports and metrics.
func (b *Binance) Name() string { return "binance" }

// FetchPrices returns spot prices for every mapped asset the API can quote.
// Individual misses are logged and skipped so one delisted pair does not
// blind the rest of the check.
func (b *Binance) FetchPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(b.opts.Symbols))
	for _, asset := range sortedSymbolKeys(b.opts.Symbols) {
		price, err := b.fetchOne(ctx, b.opts.Symbols[asset])
		if err != nil {
			if ctx.Err() != nil {
				return prices, ctx.Err()
			}
			b.logger.Debug().Err(err).Str("asset", asset).Msg("price unavailable")
			continue
		}
		prices[asset] = price
	}
	return prices, nil
}

func (b *Binance) fetchOne(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, url.QueryEscape(symbol))

	start := time.Now()
	payload, err := getJSON(ctx, b.client, b.opts.UserAgent, "binance", endpoint)
	metrics.RecordAPIRequest("binance", time.Since(start), err)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(payload, &ticker); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for %s", symbol)
	}
	return price, nil
}

// Coinbase fetches spot prices from the Coinbase public API.
type Coinbase struct {
	opts    ReferenceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

var _ PriceSource = (*Coinbase)(nil)

// NewCoinbase constructs a Coinbase price source.
func NewCoinbase(opts ReferenceOptions, logger zerolog.Logger) *Coinbase {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}

	return &Coinbase{
		opts:    opts,
		logger:  logging.Component(logger, "coinbase"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the source in deviation reports and metrics.
func (c *Coinbase) Name() string { return "coinbase" }

// FetchPrices returns spot prices for every mapped asset the API can quote.
func (c *Coinbase) FetchPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(c.opts.Symbols))
	for _, asset := range sortedSymbolKeys(c.opts.Symbols) {
		price, err := c.fetchOne(ctx, c.opts.Symbols[asset])
		if err != nil {
			if ctx.Err() != nil {
				return prices, ctx.Err()
			}
			c.logger.Debug().Err(err).Str("asset", asset).Msg("price unavailable")
			continue
		}
		prices[asset] = price
	}
	return prices, nil
}

func (c *Coinbase) fetchOne(ctx context.Context, pair string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v2/prices/%s/spot", c.baseURL, url.PathEscape(pair))

	start := time.Now()
	payload, err := getJSON(ctx, c.client, c.opts.UserAgent, "coinbase", endpoint)
	metrics.RecordAPIRequest("coinbase", time.Since(start), err)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var spot struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &spot); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := decimal.NewFromString(spot.Data.Amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price for %s: %w", pair, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for %s", pair)
	}
	return price, nil
}

func getJSON(ctx context.Context, client *http.Client, userAgent, source, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "hlsentry/1.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(source, resp.StatusCode, payload)
	}
	return payload, nil
}

func sortedSymbolKeys(symbols map[string]string) []string {
	keys := make([]string, 0, len(symbols))
	for key := range symbols {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
