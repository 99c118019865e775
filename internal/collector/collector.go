// Package collector pulls market data from the venue and from external
// reference exchanges. The venue client covers mid prices, vault portfolio
// history and user fills over the info API; reference clients return spot
// quotes for cross-checking the venue oracle.
package collector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/vault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PriceSource returns spot quotes from one external exchange, keyed by venue
// asset symbol. A partial map is fine; assets the source cannot quote are
// simply absent.
type PriceSource interface {
	Name() string
	FetchPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

// VenueSource provides the venue's own market and account data.
type VenueSource interface {
	FetchMids(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchPortfolio(ctx context.Context, vaultAddress string) ([]vault.PortfolioPoint, error)
	FetchLiquidations(ctx context.Context, user string) ([]security.LiquidationEvent, error)
}

type errorResponse struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Msg != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Msg)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", source, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}
