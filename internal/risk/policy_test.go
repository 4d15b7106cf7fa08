// internal/risk/policy_test.go
package risk

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deltaquant/perpbot/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	return NewPolicy(DefaultConfig(), zaptest.NewLogger(t))
}

func account(cash, value string) ledger.Account {
	return ledger.Account{
		AvailableCash: dec(cash),
		AccountValue:  dec(value),
	}
}

func openPositions(n int, notionalEach string) []ledger.Position {
	out := make([]ledger.Position, n)
	for i := range out {
		out[i] = ledger.Position{NotionalUSD: dec(notionalEach)}
	}
	return out
}

// Small candidate: notional 50 on a 10k account, stop 1% away.
func smallCandidate() Candidate {
	return Candidate{
		Symbol:     "BTC",
		Quantity:   dec("0.0001"),
		EntryPrice: dec("100000"),
		StopLoss:   dec("99000"),
		Leverage:   dec("5"),
	}
}

func TestEvaluateOpenAllows(t *testing.T) {
	v := testPolicy(t).EvaluateOpen(account("10000", "10000"), nil, smallCandidate())
	require.True(t, v.Allowed)
	require.Empty(t, v.Clause)
}

func TestEvaluateOpenMaxPositions(t *testing.T) {
	p := testPolicy(t)
	acct := account("10000", "10000")

	v := p.EvaluateOpen(acct, openPositions(5, "10"), smallCandidate())
	require.False(t, v.Allowed)
	require.Equal(t, " (Overridden: Max 5 active trades reached)", v.Clause)

	v = p.EvaluateOpen(acct, openPositions(4, "10"), smallCandidate())
	require.True(t, v.Allowed)
}

func TestEvaluateOpenTradeRiskCeiling(t *testing.T) {
	p := testPolicy(t)
	// Stop 10% below entry at 5x on 0.005 BTC: risk 250 on 10k capital,
	// 2.50% of capital.
	cand := Candidate{
		Symbol:     "BTC",
		Quantity:   dec("0.005"),
		EntryPrice: dec("100000"),
		StopLoss:   dec("90000"),
		Leverage:   dec("5"),
	}

	v := p.EvaluateOpen(account("10000", "10000"), nil, cand)
	require.False(t, v.Allowed)
	require.Equal(t, " (Overridden: Risk 2.50% > 2% max)", v.Clause)
}

func TestEvaluateOpenRiskSkippedWithoutStop(t *testing.T) {
	cand := smallCandidate()
	cand.StopLoss = decimal.Zero

	v := testPolicy(t).EvaluateOpen(account("10000", "10000"), nil, cand)
	require.True(t, v.Allowed)
}

func TestEvaluateOpenExposureCeiling(t *testing.T) {
	p := testPolicy(t)
	// 900 already deployed on 10k cash (9%), adding 200 notional breaches
	// the 10% cap.
	cand := Candidate{
		Symbol:     "ETH",
		Quantity:   dec("0.01"),
		EntryPrice: dec("4000"),
		StopLoss:   dec("3990"),
		Leverage:   dec("5"),
	}

	v := p.EvaluateOpen(account("10000", "10000"), openPositions(1, "900"), cand)
	require.False(t, v.Allowed)
	require.Contains(t, v.Clause, "Overridden: Exposure")

	v = p.EvaluateOpen(account("10000", "10000"), nil, cand)
	require.True(t, v.Allowed)
}

func TestEvaluateOpenZeroCashIsFullyExposed(t *testing.T) {
	v := testPolicy(t).EvaluateOpen(account("0", "500"), openPositions(1, "100"), smallCandidate())
	require.False(t, v.Allowed)
	require.Contains(t, v.Clause, "Overridden: Exposure")
}

func TestCurrentExposure(t *testing.T) {
	require.Equal(t, 0.05, CurrentExposure(openPositions(1, "500"), 10000))
	require.Equal(t, 1.0, CurrentExposure(openPositions(1, "500"), 0))
	require.Equal(t, 0.0, CurrentExposure(nil, 0))
}

func TestGateConfidence(t *testing.T) {
	p := testPolicy(t)

	ok, clause := p.GateConfidence(0.5)
	require.False(t, ok)
	require.Equal(t, " (Overridden: Confidence 0.50 < 0.70 minimum)", clause)

	ok, clause = p.GateConfidence(0.7)
	require.True(t, ok)
	require.Empty(t, clause)
}

func TestScaleQuantity(t *testing.T) {
	p := testPolicy(t)

	got := p.ScaleQuantity(dec("0.001"), 0.8)
	require.Equal(t, "0.0008", got.String())

	// Higher confidence keeps more of the requested size.
	low := p.ScaleQuantity(dec("0.001"), 0.71)
	high := p.ScaleQuantity(dec("0.001"), 0.99)
	require.True(t, high.GreaterThan(low))
}

func TestScaleQuantityNeverUpscales(t *testing.T) {
	p := testPolicy(t)

	require.Equal(t, "0.001", p.ScaleQuantity(dec("0.001"), 1).String())
	require.Equal(t, "0.001", p.ScaleQuantity(dec("0.001"), 5.0).String())
	require.True(t, p.ScaleQuantity(dec("0.001"), -1).IsZero())
	require.True(t, p.ScaleQuantity(dec("0.001"), math.NaN()).IsZero())
}
