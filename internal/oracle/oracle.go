// internal/oracle/oracle.go
package oracle

import (
	"context"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
)

// Recommendation actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// DefaultInvalidation is the exit-plan invalidation text used when the
// model omits one.
const DefaultInvalidation = "Manual close"

// ExitPlan is the advisory exit bracket attached to a buy recommendation.
type ExitPlan struct {
	ProfitTarget          decimal.Decimal `json:"profit_target"`
	StopLoss              decimal.Decimal `json:"stop_loss"`
	InvalidationCondition string          `json:"invalidation_condition"`
}

// Recommendation is one advisory trade decision. Quantity is in coin
// units, prices in USD.
type Recommendation struct {
	Action     string          `json:"action"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   decimal.Decimal `json:"leverage"`
	ExitPlan   ExitPlan        `json:"exit_plan"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
}

// Hold builds the safe fallback recommendation used when no actionable
// decision is available.
func Hold(reason string) Recommendation {
	return Recommendation{Action: ActionHold, Reason: reason}
}

// Normalized returns a copy with the action lowercased, the symbol
// uppercased, confidence clamped to [0, 1] and missing exit-plan fields
// defaulted.
func (r Recommendation) Normalized() Recommendation {
	out := r
	out.Action = strings.ToLower(strings.TrimSpace(r.Action))
	out.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	switch {
	case math.IsNaN(out.Confidence) || out.Confidence < 0:
		out.Confidence = 0
	case out.Confidence > 1:
		out.Confidence = 1
	}
	if out.ExitPlan.InvalidationCondition == "" {
		out.ExitPlan.InvalidationCondition = DefaultInvalidation
	}
	if out.Action == ActionSell && out.Reason == "" {
		out.Reason = "API recommended sell"
	}
	return out
}

// Oracle produces one recommendation per cycle. Implementations never
// fail the cycle: on any upstream error they return a hold carrying the
// failure reason.
type Oracle interface {
	Recommend(ctx context.Context, snap market.Snapshot, acct ledger.Account, open []ledger.Position) Recommendation
}
