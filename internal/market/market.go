// internal/market/market.go
package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable means a symbol has no usable price in the current
// snapshot. Callers skip the symbol for the cycle; they never treat it as
// zero.
var ErrPriceUnavailable = errors.New("price unavailable for symbol")

// DefaultCoins is the tracked perp universe.
var DefaultCoins = []string{"BTC", "ETH", "BNB", "XRP", "DOGE"}

// CoinData is one coin's slice of a market snapshot. Indicator fields are
// informational context for the oracle; the trade engine reads only
// CurrentPrice.
type CoinData struct {
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	EMA20        decimal.Decimal `json:"current_ema20,omitempty"`
	MACD         decimal.Decimal `json:"current_macd,omitempty"`
	RSI7         decimal.Decimal `json:"current_rsi,omitempty"`
	FundingRate  decimal.Decimal `json:"funding_rate,omitempty"`
	OpenInterest decimal.Decimal `json:"open_interest_latest,omitempty"`
}

// Snapshot is one cycle's view of the market, keyed by uppercase symbol.
type Snapshot struct {
	Coins map[string]CoinData `json:"coins"`
	Taken time.Time           `json:"taken"`
}

// PriceMap maps uppercase symbols to their last price.
type PriceMap map[string]decimal.Decimal

// Prices extracts the per-symbol price map from the snapshot, dropping
// coins whose price is missing or non-positive.
func (s Snapshot) Prices() PriceMap {
	out := make(PriceMap, len(s.Coins))
	for sym, cd := range s.Coins {
		if cd.CurrentPrice.IsPositive() {
			out[strings.ToUpper(sym)] = cd.CurrentPrice
		}
	}
	return out
}

// Resolve returns the price for symbol or ErrPriceUnavailable when the
// symbol is missing or its price is not positive.
func (pm PriceMap) Resolve(symbol string) (decimal.Decimal, error) {
	px, ok := pm[strings.ToUpper(symbol)]
	if !ok || !px.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}
	return px, nil
}

// Source supplies one market snapshot per cycle.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}
