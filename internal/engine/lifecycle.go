// internal/engine/lifecycle.go
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/notify"
	"github.com/deltaquant/perpbot/internal/oracle"
)

// Lifecycle drives positions through open, mark and close against the
// ledger store. It owns all derived-field math so the store stays a dumb
// persistence layer.
type Lifecycle struct {
	store  ledger.Store
	sink   notify.Sink
	logger *zap.Logger
}

func NewLifecycle(store ledger.Store, sink notify.Sink, logger *zap.Logger) *Lifecycle {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Lifecycle{
		store:  store,
		sink:   sink,
		logger: logger.Named("lifecycle"),
	}
}

// LiquidationPrice estimates where a long at entry with the given
// leverage gets liquidated. Zero leverage has no liquidation level.
func LiquidationPrice(entry decimal.Decimal, leverage int) decimal.Decimal {
	if leverage == 0 {
		return decimal.Zero
	}
	lev := decimal.NewFromInt(int64(leverage))
	return entry.Mul(lev.Sub(decimal.NewFromInt(1))).Div(lev)
}

// RiskUSD is the loss taken if the stop fills exactly: |entry−stop| ×
// quantity × leverage. Zero when no stop is set.
func RiskUSD(entry, stop, quantity decimal.Decimal, leverage int) decimal.Decimal {
	if !stop.IsPositive() {
		return decimal.Zero
	}
	return entry.Sub(stop).Abs().Mul(quantity).Mul(decimal.NewFromInt(int64(leverage)))
}

// Open builds the full position record from an accepted recommendation
// and persists it. The store debits the notional in the same transaction;
// a failed debit surfaces as ledger.ErrInsufficientCash.
func (l *Lifecycle) Open(ctx context.Context, kind string, rec oracle.Recommendation, currentPrice decimal.Decimal) (ledger.Position, error) {
	entry := rec.EntryPrice
	if !entry.IsPositive() {
		entry = currentPrice
	}
	leverage := int(rec.Leverage.IntPart())
	if leverage <= 0 {
		leverage = 1
	}

	pos := ledger.Position{
		Symbol:       rec.Symbol,
		Quantity:     rec.Quantity,
		EntryPrice:   entry,
		CurrentPrice: currentPrice,
		Leverage:     leverage,
		ExitPlan: ledger.ExitPlan{
			ProfitTarget:          rec.ExitPlan.ProfitTarget,
			StopLoss:              rec.ExitPlan.StopLoss,
			InvalidationCondition: rec.ExitPlan.InvalidationCondition,
		},
		LiquidationPrice: LiquidationPrice(entry, leverage),
		UnrealizedPnL:    ledger.UnrealizedPnL(entry, currentPrice, rec.Quantity, leverage),
		Confidence:       rec.Confidence,
		RiskUSD:          RiskUSD(entry, rec.ExitPlan.StopLoss, rec.Quantity, leverage),
		NotionalUSD:      ledger.Notional(entry, rec.Quantity, leverage),
		EntryOID:         uuid.New().String(),
		StopLossOID:      uuid.New().String(),
		TakeProfitOID:    uuid.New().String(),
		OpenedAt:         time.Now().UTC(),
	}

	reason := rec.Reason
	if reason == "" {
		reason = "No reasoning provided"
	}
	pos.AddReasoning(reason)

	if err := l.store.OpenPosition(ctx, kind, pos); err != nil {
		return ledger.Position{}, fmt.Errorf("open %s for %s: %w", pos.Symbol, kind, err)
	}

	l.logger.Info("Position opened",
		zap.String("kind", kind),
		zap.String("symbol", pos.Symbol),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("entry_price", pos.EntryPrice.String()),
		zap.Int("leverage", pos.Leverage),
		zap.String("notional_usd", pos.NotionalUSD.String()))

	l.sink.PositionOpened(ctx, kind, pos)
	return pos, nil
}

// MarkToMarket refreshes current price and unrealized PnL on every open
// position that has a usable price this cycle. Symbols without a price
// are left untouched.
func (l *Lifecycle) MarkToMarket(ctx context.Context, kind string, prices market.PriceMap) error {
	open, err := l.store.OpenPositions(ctx, kind)
	if err != nil {
		return fmt.Errorf("load open positions for %s: %w", kind, err)
	}

	for _, pos := range open {
		px, err := prices.Resolve(pos.Symbol)
		if err != nil {
			l.logger.Debug("No price for open position this cycle",
				zap.String("kind", kind),
				zap.String("symbol", pos.Symbol))
			continue
		}

		upd := ledger.PositionUpdate{
			CurrentPrice:  px,
			UnrealizedPnL: ledger.UnrealizedPnL(pos.EntryPrice, px, pos.Quantity, pos.Leverage),
		}
		if err := l.store.UpdatePosition(ctx, kind, pos.Symbol, upd); err != nil {
			return fmt.Errorf("mark %s for %s: %w", pos.Symbol, kind, err)
		}
	}
	return nil
}

// CheckExits closes every open position whose last marked price breaches
// its exit plan and returns the settled records. Take profit takes
// priority over stop loss when both are breached in the same cycle.
func (l *Lifecycle) CheckExits(ctx context.Context, kind string) ([]ledger.ClosedPosition, error) {
	open, err := l.store.OpenPositions(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load open positions for %s: %w", kind, err)
	}

	var settled []ledger.ClosedPosition
	for _, pos := range open {
		px := pos.CurrentPrice
		if !px.IsPositive() {
			continue
		}

		target := pos.ExitPlan.ProfitTarget
		stop := pos.ExitPlan.StopLoss

		var reason string
		switch {
		case target.IsPositive() && px.GreaterThanOrEqual(target):
			reason = fmt.Sprintf("Take profit triggered at %s", px.String())
		case stop.IsPositive() && px.LessThanOrEqual(stop):
			reason = fmt.Sprintf("Stop loss triggered at %s", px.String())
		default:
			continue
		}

		closed, err := l.Close(ctx, kind, pos.Symbol, px, reason)
		if err != nil {
			return settled, err
		}
		settled = append(settled, closed)
	}
	return settled, nil
}

// Close settles one position at exitPrice. The store credits notional
// plus realized PnL in the same transaction that retires the record.
func (l *Lifecycle) Close(ctx context.Context, kind, symbol string, exitPrice decimal.Decimal, reason string) (ledger.ClosedPosition, error) {
	closed, err := l.store.ClosePosition(ctx, kind, symbol, exitPrice, reason)
	if err != nil {
		return ledger.ClosedPosition{}, fmt.Errorf("close %s for %s: %w", symbol, kind, err)
	}

	l.logger.Info("Position closed",
		zap.String("kind", kind),
		zap.String("symbol", symbol),
		zap.String("exit_price", exitPrice.String()),
		zap.String("realized_pnl", closed.RealizedPnL.String()),
		zap.String("reason", reason))

	l.sink.PositionClosed(ctx, kind, closed)
	return closed, nil
}
