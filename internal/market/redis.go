// internal/market/redis.go
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Redis key layout: one hash per coin, "market:<SYMBOL>", with the fields
// parsed by parseCoinData. The websocket stream writes current_price;
// indicator fields are written by the out-of-process data populator.
const keyPrefix = "market:"

// RedisSource reads the latest per-coin market state out of Redis.
type RedisSource struct {
	client *redis.Client
	coins  []string
	logger *zap.Logger
}

func NewRedisSource(client *redis.Client, coins []string, logger *zap.Logger) *RedisSource {
	if len(coins) == 0 {
		coins = DefaultCoins
	}
	return &RedisSource{
		client: client,
		coins:  coins,
		logger: logger.Named("market_redis"),
	}
}

// Snapshot reads all tracked coins. Coins with no hash or an unparsable
// price are omitted from the snapshot rather than reported as zero.
func (s *RedisSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Coins: make(map[string]CoinData, len(s.coins)),
		Taken: time.Now().UTC(),
	}

	for _, coin := range s.coins {
		sym := strings.ToUpper(coin)
		fields, err := s.client.HGetAll(ctx, keyPrefix+sym).Result()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read market hash for %s: %w", sym, err)
		}
		if len(fields) == 0 {
			s.logger.Debug("No market data for coin", zap.String("symbol", sym))
			continue
		}

		cd, ok := parseCoinData(sym, fields)
		if !ok {
			s.logger.Warn("Dropping coin with unusable price",
				zap.String("symbol", sym),
				zap.String("raw_price", fields["current_price"]))
			continue
		}
		snap.Coins[sym] = cd
	}

	return snap, nil
}

// SetPrice writes the live price field for one coin. Used by the Binance
// stream; leaves the populator-owned indicator fields alone.
func (s *RedisSource) SetPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	sym := strings.ToUpper(symbol)
	return s.client.HSet(ctx, keyPrefix+sym, "current_price", price.String()).Err()
}

// parseCoinData builds CoinData from a raw redis hash. Returns ok=false
// when the price field is missing or not a positive number; indicator
// fields degrade to zero individually.
func parseCoinData(symbol string, fields map[string]string) (CoinData, bool) {
	px, err := decimal.NewFromString(fields["current_price"])
	if err != nil || !px.IsPositive() {
		return CoinData{}, false
	}

	cd := CoinData{Symbol: symbol, CurrentPrice: px}
	cd.EMA20 = parseField(fields, "current_ema20")
	cd.MACD = parseField(fields, "current_macd")
	cd.RSI7 = parseField(fields, "current_rsi")
	cd.FundingRate = parseField(fields, "funding_rate")
	cd.OpenInterest = parseField(fields, "open_interest_latest")
	return cd, true
}

func parseField(fields map[string]string, name string) decimal.Decimal {
	raw, ok := fields[name]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
