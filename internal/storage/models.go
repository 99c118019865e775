// Package storage persists fetched observations as JSONL capture files and
// reads them back for offline replay. One record per line, append-only; the
// file is the only persistence this system owns.
package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sentry/internal/security"
	"hyperliquid-sentry/internal/vault"
)

// Kind discriminates capture records.
type Kind string

const (
	KindVault       Kind = "vault"
	KindPrices      Kind = "prices"
	KindLiquidation Kind = "liquidation"
)

// Record is one captured observation. Exactly one payload field is set,
// matching Kind.
type Record struct {
	Kind        Kind                       `json:"kind"`
	Timestamp   time.Time                  `json:"timestamp"`
	Vault       *VaultCapture              `json:"vault,omitempty"`
	Prices      *PriceCapture              `json:"prices,omitempty"`
	Liquidation *security.LiquidationEvent `json:"liquidation,omitempty"`
}

// VaultCapture is one fetched portfolio series for a vault.
type VaultCapture struct {
	Address string                 `json:"address"`
	Points  []vault.PortfolioPoint `json:"points"`
}

// PriceCapture is one oracle pass worth of quotes: the venue map plus every
// reference source's map.
type PriceCapture struct {
	Venue   map[string]decimal.Decimal            `json:"venue"`
	Sources map[string]map[string]decimal.Decimal `json:"sources"`
}

// VaultRecord builds a vault series record.
func VaultRecord(ts time.Time, address string, points []vault.PortfolioPoint) Record {
	return Record{
		Kind:      KindVault,
		Timestamp: ts.UTC(),
		Vault:     &VaultCapture{Address: address, Points: points},
	}
}

// PricesRecord builds a price observation record.
func PricesRecord(ts time.Time, venue map[string]decimal.Decimal, sources map[string]map[string]decimal.Decimal) Record {
	return Record{
		Kind:      KindPrices,
		Timestamp: ts.UTC(),
		Prices:    &PriceCapture{Venue: venue, Sources: sources},
	}
}

// LiquidationRecord builds a liquidation event record.
func LiquidationRecord(ev security.LiquidationEvent) Record {
	return Record{
		Kind:        KindLiquidation,
		Timestamp:   ev.Timestamp.UTC(),
		Liquidation: &ev,
	}
}

// Validate checks the kind/payload pairing.
func (r Record) Validate() error {
	switch r.Kind {
	case KindVault:
		if r.Vault == nil {
			return fmt.Errorf("vault record without payload")
		}
	case KindPrices:
		if r.Prices == nil {
			return fmt.Errorf("prices record without payload")
		}
	case KindLiquidation:
		if r.Liquidation == nil {
			return fmt.Errorf("liquidation record without payload")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}
