// internal/market/binance.go
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBinanceWSURL is the Binance USD-M futures websocket endpoint.
const DefaultBinanceWSURL = "wss://fstream.binance.com/ws"

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsReadLimit    = 1 << 20
)

// PriceWriter receives live prices from the stream. RedisSource satisfies
// it; tests substitute an in-memory writer.
type PriceWriter interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal) error
}

// BinanceStream keeps the per-coin current_price fresh by consuming the
// mark-price feed for the tracked universe and writing each update through
// a PriceWriter.
type BinanceStream struct {
	url    string
	coins  []string
	writer PriceWriter
	logger *zap.Logger
}

func NewBinanceStream(url string, coins []string, writer PriceWriter, logger *zap.Logger) *BinanceStream {
	if url == "" {
		url = DefaultBinanceWSURL
	}
	if len(coins) == 0 {
		coins = DefaultCoins
	}
	return &BinanceStream{
		url:    url,
		coins:  coins,
		writer: writer,
		logger: logger.Named("binance_stream"),
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff after any connection failure.
func (s *BinanceStream) Run(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second

	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := expo.NextBackOff()
		s.logger.Warn("Stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume runs a single connection: dial, subscribe, then read until the
// connection drops or ctx ends.
func (s *BinanceStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	if err := s.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("Connected to mark price stream",
		zap.String("url", s.url),
		zap.Strings("coins", s.coins))

	// Close the connection on ctx cancel so ReadMessage unblocks, and ping
	// periodically so the server keeps the session alive.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		s.handleMessage(ctx, raw)
	}
}

func (s *BinanceStream) subscribe(conn *websocket.Conn) error {
	params := make([]string, 0, len(s.coins))
	for _, coin := range s.coins {
		params = append(params, strings.ToLower(coin)+"usdt@markPrice@1s")
	}
	payload := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     time.Now().Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// markPriceEvent is the markPriceUpdate payload. Binance sends prices as
// strings.
type markPriceEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

func (s *BinanceStream) handleMessage(ctx context.Context, raw []byte) {
	var ev markPriceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if ev.Event != "markPriceUpdate" {
		// Subscription acks and other control frames.
		return
	}

	coin, ok := coinFromPair(ev.Symbol)
	if !ok {
		return
	}
	px, err := decimal.NewFromString(ev.Price)
	if err != nil || !px.IsPositive() {
		s.logger.Warn("Unusable mark price",
			zap.String("symbol", ev.Symbol),
			zap.String("raw_price", ev.Price))
		return
	}

	if err := s.writer.SetPrice(ctx, coin, px); err != nil {
		s.logger.Error("Failed to store price",
			zap.String("symbol", coin),
			zap.Error(err))
	}
}

// coinFromPair maps "BTCUSDT" back to "BTC".
func coinFromPair(pair string) (string, bool) {
	coin, found := strings.CutSuffix(strings.ToUpper(pair), "USDT")
	if !found || coin == "" {
		return "", false
	}
	return coin, true
}
