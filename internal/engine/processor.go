// internal/engine/processor.go
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/metrics"
	"github.com/deltaquant/perpbot/internal/oracle"
	"github.com/deltaquant/perpbot/internal/risk"
)

// Processing outcomes.
const (
	OutcomeOpened = "opened"
	OutcomeClosed = "closed"
	OutcomeHeld   = "held"
	OutcomeNoop   = "noop"
)

// Result is the final annotated decision. When a risk check overrides
// the action, Final carries the hold with the override clause appended
// to its reason.
type Result struct {
	Final   oracle.Recommendation
	Outcome string
}

// Processor turns an untrusted recommendation into at most one ledger
// mutation. It is total over malformed input: bad recommendations
// degrade to no-ops, only store failures surface as errors.
type Processor struct {
	store     ledger.Store
	policy    *risk.Policy
	lifecycle *Lifecycle
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewProcessor(store ledger.Store, policy *risk.Policy, lifecycle *Lifecycle, collector *metrics.Collector, logger *zap.Logger) *Processor {
	return &Processor{
		store:     store,
		policy:    policy,
		lifecycle: lifecycle,
		collector: collector,
		logger:    logger.Named("processor"),
	}
}

// Process applies the risk policy to one recommendation and executes
// whatever survives it.
func (p *Processor) Process(ctx context.Context, kind string, rec oracle.Recommendation, prices market.PriceMap) (Result, error) {
	rec = rec.Normalized()
	res := Result{Final: rec, Outcome: OutcomeHeld}

	switch rec.Action {
	case oracle.ActionHold:
		p.logger.Info("Holding",
			zap.String("kind", kind),
			zap.String("reason", rec.Reason))
		return res, nil
	case oracle.ActionBuy, oracle.ActionSell:
	default:
		p.logger.Warn("Unknown action in recommendation",
			zap.String("kind", kind),
			zap.String("action", rec.Action))
		res.Outcome = OutcomeNoop
		return res, nil
	}

	if rec.Symbol == "" {
		p.logger.Warn("Trade action without symbol",
			zap.String("kind", kind),
			zap.String("action", rec.Action))
		res.Outcome = OutcomeNoop
		return res, nil
	}

	acct, err := p.store.Account(ctx, kind)
	if err != nil {
		return res, err
	}
	open, err := p.store.OpenPositions(ctx, kind)
	if err != nil {
		return res, err
	}

	cand := p.candidate(rec, prices)

	if v := p.policy.EvaluateAction(acct, open, cand); !v.Allowed {
		return p.override(kind, rec, v.Clause, "action_limits"), nil
	}
	if ok, clause := p.policy.GateConfidence(rec.Confidence); !ok {
		return p.override(kind, rec, clause, "confidence"), nil
	}

	switch rec.Action {
	case oracle.ActionBuy:
		return p.processBuy(ctx, kind, rec, acct, open, prices)
	default:
		return p.processSell(ctx, kind, rec, open, prices)
	}
}

func (p *Processor) processBuy(ctx context.Context, kind string, rec oracle.Recommendation, acct ledger.Account, open []ledger.Position, prices market.PriceMap) (Result, error) {
	res := Result{Final: rec, Outcome: OutcomeNoop}

	if !rec.Quantity.IsPositive() {
		p.logger.Warn("Buy with non-positive quantity",
			zap.String("kind", kind),
			zap.String("symbol", rec.Symbol),
			zap.String("quantity", rec.Quantity.String()))
		return res, nil
	}

	px, err := prices.Resolve(rec.Symbol)
	if err != nil {
		p.logger.Warn("No current price for buy, skipping",
			zap.String("kind", kind),
			zap.String("symbol", rec.Symbol))
		return res, nil
	}

	rec.Quantity = p.policy.ScaleQuantity(rec.Quantity, rec.Confidence)
	res.Final = rec

	cand := p.candidate(rec, prices)
	if v := p.policy.EvaluateExposure(acct, open, cand); !v.Allowed {
		return p.override(kind, rec, v.Clause, "exposure"), nil
	}

	if _, err := p.lifecycle.Open(ctx, kind, rec, px); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCash):
			return p.override(kind, rec, " (Overridden: Insufficient available cash)", "solvency"), nil
		case errors.Is(err, ledger.ErrPositionExists):
			p.logger.Warn("Buy for symbol already open, skipping",
				zap.String("kind", kind),
				zap.String("symbol", rec.Symbol))
			return res, nil
		default:
			return res, err
		}
	}

	res.Outcome = OutcomeOpened
	return res, nil
}

func (p *Processor) processSell(ctx context.Context, kind string, rec oracle.Recommendation, open []ledger.Position, prices market.PriceMap) (Result, error) {
	res := Result{Final: rec, Outcome: OutcomeNoop}

	if !hasOpen(open, rec.Symbol) {
		p.logger.Info("No active position to sell",
			zap.String("kind", kind),
			zap.String("symbol", rec.Symbol))
		return res, nil
	}

	px, err := prices.Resolve(rec.Symbol)
	if err != nil {
		p.logger.Warn("No current price for sell, skipping",
			zap.String("kind", kind),
			zap.String("symbol", rec.Symbol))
		return res, nil
	}

	closed, err := p.lifecycle.Close(ctx, kind, rec.Symbol, px, rec.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrPositionNotFound) {
			return res, nil
		}
		return res, err
	}

	if p.collector != nil {
		p.collector.RecordClose(kind, closed.RealizedPnL)
	}
	res.Outcome = OutcomeClosed
	return res, nil
}

// override flips the recommendation to a hold with the clause appended,
// the way every risk rejection is surfaced.
func (p *Processor) override(kind string, rec oracle.Recommendation, clause, check string) Result {
	p.logger.Info("Recommendation overridden",
		zap.String("kind", kind),
		zap.String("symbol", rec.Symbol),
		zap.String("action", rec.Action),
		zap.String("clause", strings.TrimSpace(clause)))

	if p.collector != nil {
		p.collector.RecordRejection(kind, check)
	}

	rec.Action = oracle.ActionHold
	rec.Reason += clause
	return Result{Final: rec, Outcome: OutcomeHeld}
}

// candidate shapes a recommendation for the policy checks, defaulting
// the entry to the live price when the oracle omitted one.
func (p *Processor) candidate(rec oracle.Recommendation, prices market.PriceMap) risk.Candidate {
	entry := rec.EntryPrice
	if !entry.IsPositive() {
		if px, err := prices.Resolve(rec.Symbol); err == nil {
			entry = px
		}
	}
	leverage := rec.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return risk.Candidate{
		Symbol:     rec.Symbol,
		Quantity:   rec.Quantity,
		EntryPrice: entry,
		StopLoss:   rec.ExitPlan.StopLoss,
		Leverage:   leverage,
	}
}

func hasOpen(open []ledger.Position, symbol string) bool {
	for _, pos := range open {
		if pos.Symbol == symbol {
			return true
		}
	}
	return false
}
