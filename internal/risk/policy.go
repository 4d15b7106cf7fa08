// internal/risk/policy.go
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/ledger"
)

// Config holds the hard limits applied to every open attempt.
type Config struct {
	MaxOpenPositions int
	MaxRiskPerTrade  float64
	MaxExposure      float64
	MinConfidence    float64
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions: 5,
		MaxRiskPerTrade:  0.02,
		MaxExposure:      0.10,
		MinConfidence:    0.70,
	}
}

// Candidate is a proposed open, already normalized and priced.
type Candidate struct {
	Symbol     string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	Leverage   decimal.Decimal
}

// Verdict reports whether an open is allowed. When it is not, Clause
// carries the human-readable override suffix appended to the decision
// reason.
type Verdict struct {
	Allowed bool
	Clause  string
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(clause string) Verdict { return Verdict{Clause: clause} }

// Policy applies the risk limits. All checks are pure; the store performs
// the final solvency debit atomically.
type Policy struct {
	cfg    Config
	logger *zap.Logger
}

func NewPolicy(cfg Config, logger *zap.Logger) *Policy {
	return &Policy{cfg: cfg, logger: logger.Named("risk")}
}

// GateConfidence reports whether the oracle's confidence clears the
// minimum threshold for acting at all.
func (p *Policy) GateConfidence(confidence float64) (bool, string) {
	if confidence < p.cfg.MinConfidence {
		return false, fmt.Sprintf(" (Overridden: Confidence %.2f < %.2f minimum)", confidence, p.cfg.MinConfidence)
	}
	return true, ""
}

// ScaleQuantity shrinks a buy quantity in proportion to the oracle's
// confidence. Applied only after the confidence gate passes. The result
// never exceeds the input, whatever confidence claims.
func (p *Policy) ScaleQuantity(quantity decimal.Decimal, confidence float64) decimal.Decimal {
	if confidence >= 1 {
		return quantity
	}
	if confidence <= 0 || math.IsNaN(confidence) {
		return decimal.Zero
	}
	return quantity.Mul(decimal.NewFromFloat(confidence))
}

// EvaluateOpen runs the open-side checks in order: position count, per-
// trade risk, aggregate exposure. The first failing check decides the
// verdict.
func (p *Policy) EvaluateOpen(acct ledger.Account, open []ledger.Position, cand Candidate) Verdict {
	if v := p.EvaluateAction(acct, open, cand); !v.Allowed {
		return v
	}
	return p.EvaluateExposure(acct, open, cand)
}

// EvaluateAction runs the checks that apply to any trade action, buy or
// sell: position count and per-trade risk.
func (p *Policy) EvaluateAction(acct ledger.Account, open []ledger.Position, cand Candidate) Verdict {
	if len(open) >= p.cfg.MaxOpenPositions {
		return deny(fmt.Sprintf(" (Overridden: Max %d active trades reached)", p.cfg.MaxOpenPositions))
	}
	return p.checkTradeRisk(acct, cand)
}

// checkTradeRisk caps the loss a single position can take at its stop
// against total capital. Skipped when entry or stop is unset.
func (p *Policy) checkTradeRisk(acct ledger.Account, cand Candidate) Verdict {
	if !cand.EntryPrice.IsPositive() || !cand.StopLoss.IsPositive() {
		return allow()
	}
	capital, _ := acct.AccountValue.Float64()
	if capital <= 0 {
		return allow()
	}

	stopDistance := cand.StopLoss.Sub(cand.EntryPrice).Abs().Div(cand.EntryPrice)
	riskUSD := cand.Quantity.Mul(cand.EntryPrice).Mul(cand.Leverage).Mul(stopDistance)
	risk, _ := riskUSD.Float64()
	riskPct := risk / capital

	if riskPct > p.cfg.MaxRiskPerTrade {
		return deny(fmt.Sprintf(" (Overridden: Risk %.2f%% > %.0f%% max)",
			riskPct*100, p.cfg.MaxRiskPerTrade*100))
	}
	return allow()
}

// EvaluateExposure bounds the sum of open notionals relative to
// available cash. Zero cash with open notional counts as fully exposed;
// negative or zero cash makes any new open infinitely exposed. Applied
// to buys only.
func (p *Policy) EvaluateExposure(acct ledger.Account, open []ledger.Position, cand Candidate) Verdict {
	cash, _ := acct.AvailableCash.Float64()
	current := CurrentExposure(open, cash)

	newNotional, _ := cand.EntryPrice.Mul(cand.Quantity).Mul(cand.Leverage).Float64()
	projected := math.Inf(1)
	if cash > 0 {
		projected = current + newNotional/cash
	}

	if projected > p.cfg.MaxExposure {
		p.logger.Info("Open rejected by exposure limit",
			zap.String("symbol", cand.Symbol),
			zap.Float64("current_exposure", current),
			zap.Float64("projected_exposure", projected))
		return deny(fmt.Sprintf(" (Overridden: Exposure %.2f%% > %.0f%% limit)",
			projected*100, p.cfg.MaxExposure*100))
	}
	return allow()
}

// CurrentExposure is the ratio of open notional to available cash.
func CurrentExposure(open []ledger.Position, availableCash float64) float64 {
	total := decimal.Zero
	for _, pos := range open {
		total = total.Add(pos.NotionalUSD)
	}
	notional, _ := total.Float64()

	if availableCash == 0 {
		if notional > 0 {
			return 1.0
		}
		return 0.0
	}
	return notional / availableCash
}
