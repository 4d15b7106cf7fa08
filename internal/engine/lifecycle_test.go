// internal/engine/lifecycle_test.go
package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/oracle"
)

const testKind = "alpha"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLifecycle(t *testing.T) (*Lifecycle, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore(dec("10000"))
	return NewLifecycle(store, nil, zaptest.NewLogger(t)), store
}

func btcBuy() oracle.Recommendation {
	return oracle.Recommendation{
		Action:     oracle.ActionBuy,
		Symbol:     "BTC",
		Quantity:   dec("0.0001"),
		EntryPrice: dec("100000"),
		Leverage:   dec("5"),
		ExitPlan: oracle.ExitPlan{
			ProfitTarget: dec("110000"),
			StopLoss:     dec("95000"),
		},
		Confidence: 0.8,
		Reason:     "momentum building",
	}
}

func TestLiquidationPrice(t *testing.T) {
	require.Equal(t, "80000", LiquidationPrice(dec("100000"), 5).String())
	require.Equal(t, "0", LiquidationPrice(dec("100000"), 1).String())
	require.True(t, LiquidationPrice(dec("100000"), 0).IsZero())
}

func TestRiskUSD(t *testing.T) {
	// |100000-95000| * 0.0001 * 5 = 2.5
	require.Equal(t, "2.5", RiskUSD(dec("100000"), dec("95000"), dec("0.0001"), 5).String())
	require.True(t, RiskUSD(dec("100000"), decimal.Zero, dec("0.0001"), 5).IsZero())
}

func TestOpenComputesDerivedFields(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	pos, err := lc.Open(ctx, testKind, btcBuy(), dec("100000"))
	require.NoError(t, err)

	require.Equal(t, "50", pos.NotionalUSD.String())
	require.Equal(t, "80000", pos.LiquidationPrice.String())
	require.Equal(t, "2.5", pos.RiskUSD.String())
	require.True(t, pos.UnrealizedPnL.IsZero())
	require.NotEmpty(t, pos.EntryOID)
	require.Len(t, pos.Reasoning, 1)
	require.Equal(t, "momentum building", pos.Reasoning[0].Text)

	acct, err := store.Account(ctx, testKind)
	require.NoError(t, err)
	require.Equal(t, "9950", acct.AvailableCash.String())
}

func TestOpenDefaultsEntryToCurrentPrice(t *testing.T) {
	lc, _ := newLifecycle(t)

	rec := btcBuy()
	rec.EntryPrice = decimal.Zero
	pos, err := lc.Open(context.Background(), testKind, rec, dec("101000"))
	require.NoError(t, err)
	require.Equal(t, "101000", pos.EntryPrice.String())
}

func TestOpenDefaultsLeverageToOne(t *testing.T) {
	lc, _ := newLifecycle(t)

	rec := btcBuy()
	rec.Leverage = decimal.Zero
	pos, err := lc.Open(context.Background(), testKind, rec, dec("100000"))
	require.NoError(t, err)
	require.Equal(t, 1, pos.Leverage)
}

func TestMarkToMarket(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	_, err := lc.Open(ctx, testKind, btcBuy(), dec("100000"))
	require.NoError(t, err)

	// (110000-100000) * 0.0001 * 5 = 5
	prices := market.PriceMap{"BTC": dec("109999")}
	require.NoError(t, lc.MarkToMarket(ctx, testKind, prices))

	prices["BTC"] = dec("110000")
	require.NoError(t, lc.MarkToMarket(ctx, testKind, prices))

	open, err := store.OpenPositions(ctx, testKind)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "110000", open[0].CurrentPrice.String())
	require.Equal(t, "5", open[0].UnrealizedPnL.String())

	// No cash movement on a mark tick.
	acct, err := store.Account(ctx, testKind)
	require.NoError(t, err)
	require.Equal(t, "9950", acct.AvailableCash.String())
}

func TestMarkToMarketSkipsUnknownSymbols(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	_, err := lc.Open(ctx, testKind, btcBuy(), dec("100000"))
	require.NoError(t, err)

	require.NoError(t, lc.MarkToMarket(ctx, testKind, market.PriceMap{"ETH": dec("4000")}))

	open, err := store.OpenPositions(ctx, testKind)
	require.NoError(t, err)
	require.Equal(t, "100000", open[0].CurrentPrice.String())
}

func TestCheckExitsTakeProfit(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	_, err := lc.Open(ctx, testKind, btcBuy(), dec("100000"))
	require.NoError(t, err)
	require.NoError(t, lc.MarkToMarket(ctx, testKind, market.PriceMap{"BTC": dec("110500")}))

	_, err = lc.CheckExits(ctx, testKind)
	require.NoError(t, err)

	open, err := store.OpenPositions(ctx, testKind)
	require.NoError(t, err)
	require.Empty(t, open)

	closed, err := store.ClosedPositions(ctx, testKind)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, "Take profit triggered at 110500", closed[0].Reason)
	// (110500-100000) * 0.0001 * 5 = 5.25
	require.Equal(t, "5.25", closed[0].RealizedPnL.String())
}

func TestCheckExitsStopLoss(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	rec := oracle.Recommendation{
		Action:     oracle.ActionBuy,
		Symbol:     "ETH",
		Quantity:   dec("0.001"),
		EntryPrice: dec("4000"),
		Leverage:   dec("5"),
		ExitPlan: oracle.ExitPlan{
			ProfitTarget: dec("4400"),
			StopLoss:     dec("3750"),
		},
		Reason: "dip buy",
	}
	_, err := lc.Open(ctx, testKind, rec, dec("4000"))
	require.NoError(t, err)
	require.NoError(t, lc.MarkToMarket(ctx, testKind, market.PriceMap{"ETH": dec("3750")}))

	_, err = lc.CheckExits(ctx, testKind)
	require.NoError(t, err)

	closed, err := store.ClosedPositions(ctx, testKind)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, "Stop loss triggered at 3750", closed[0].Reason)
	require.Equal(t, "-1.25", closed[0].RealizedPnL.String())

	// 10000 - 20 notional + 20 notional - 1.25 loss
	acct, err := store.Account(ctx, testKind)
	require.NoError(t, err)
	require.Equal(t, "9998.75", acct.AvailableCash.String())
}

func TestCheckExitsTakeProfitPriority(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	// A stop above the target makes both conditions true at once; take
	// profit wins.
	rec := btcBuy()
	rec.ExitPlan.ProfitTarget = dec("99000")
	rec.ExitPlan.StopLoss = dec("101000")
	_, err := lc.Open(ctx, testKind, rec, dec("100000"))
	require.NoError(t, err)

	_, err = lc.CheckExits(ctx, testKind)
	require.NoError(t, err)

	closed, err := store.ClosedPositions(ctx, testKind)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Contains(t, closed[0].Reason, "Take profit")
}

func TestCheckExitsIgnoresUnsetLevels(t *testing.T) {
	lc, store := newLifecycle(t)
	ctx := context.Background()

	rec := btcBuy()
	rec.ExitPlan = oracle.ExitPlan{}
	_, err := lc.Open(ctx, testKind, rec, dec("100000"))
	require.NoError(t, err)

	_, err = lc.CheckExits(ctx, testKind)
	require.NoError(t, err)

	open, err := store.OpenPositions(ctx, testKind)
	require.NoError(t, err)
	require.Len(t, open, 1)
}
