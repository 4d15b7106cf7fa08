// internal/agent/session.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/engine"
	"github.com/deltaquant/perpbot/internal/events"
	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/metrics"
	"github.com/deltaquant/perpbot/internal/oracle"
)

// DefaultCooldown is the minimum gap between decision cycles per agent.
const DefaultCooldown = 300 * time.Second

// Session runs the decision loop for one agent kind. It is not safe for
// concurrent use; the runner gives each session its own goroutine.
type Session struct {
	kind        string
	cooldown    time.Duration
	initialCash decimal.Decimal

	store     ledger.Store
	source    market.Source
	oracle    oracle.Oracle
	processor *engine.Processor
	lifecycle *engine.Lifecycle
	collector *metrics.Collector
	bus       *events.Bus
	logger    *zap.Logger

	lastCycle time.Time
	now       func() time.Time
}

// SessionParams collects the session dependencies.
type SessionParams struct {
	Kind        string
	Cooldown    time.Duration
	InitialCash decimal.Decimal
	Store       ledger.Store
	Source      market.Source
	Oracle      oracle.Oracle
	Processor   *engine.Processor
	Lifecycle   *engine.Lifecycle
	Collector   *metrics.Collector
	Bus         *events.Bus
	Logger      *zap.Logger
}

func NewSession(p SessionParams) *Session {
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	return &Session{
		kind:        p.Kind,
		cooldown:    p.Cooldown,
		initialCash: p.InitialCash,
		store:       p.Store,
		source:      p.Source,
		oracle:      p.Oracle,
		processor:   p.Processor,
		lifecycle:   p.Lifecycle,
		collector:   p.Collector,
		bus:         p.Bus,
		logger:      p.Logger.Named("agent").With(zap.String("kind", p.Kind)),
		now:         time.Now,
	}
}

// Kind returns the agent identity this session trades as.
func (s *Session) Kind() string { return s.kind }

// RunCycle executes one decision cycle: mark open positions against a
// fresh snapshot, settle any exit-plan breaches, ask the oracle, process
// the decision and persist the account summary. The cooldown advances
// only when the whole cycle succeeds, so a failed cycle is retried on
// the next tick.
func (s *Session) RunCycle(ctx context.Context) error {
	if since := s.now().Sub(s.lastCycle); !s.lastCycle.IsZero() && since < s.cooldown {
		s.logger.Debug("Cooldown active, skipping cycle",
			zap.Duration("since_last", since),
			zap.Duration("cooldown", s.cooldown))
		return nil
	}

	started := s.now()
	err := s.runCycle(ctx, started)
	if s.collector != nil {
		s.collector.RecordCycle(s.kind, err, s.now().Sub(started))
	}
	if err != nil {
		return err
	}

	s.lastCycle = s.now()
	return nil
}

func (s *Session) runCycle(ctx context.Context, started time.Time) error {
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("market snapshot: %w", err)
	}
	prices := snap.Prices()

	// Marks must land before exit checks so breaches are evaluated
	// against this cycle's prices.
	if err := s.lifecycle.MarkToMarket(ctx, s.kind, prices); err != nil {
		return err
	}
	settled, err := s.lifecycle.CheckExits(ctx, s.kind)
	if err != nil {
		return err
	}
	if s.collector != nil {
		for _, closed := range settled {
			s.collector.RecordClose(s.kind, closed.RealizedPnL)
		}
	}

	acct, err := s.store.Account(ctx, s.kind)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	open, err := s.store.OpenPositions(ctx, s.kind)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	rec := s.oracle.Recommend(ctx, snap, acct, open)
	result, err := s.processor.Process(ctx, s.kind, rec, prices)
	if err != nil {
		return fmt.Errorf("process recommendation: %w", err)
	}

	openCount, err := s.updateSummary(ctx, result.Final)
	if err != nil {
		return err
	}

	s.logger.Info("Cycle completed",
		zap.String("action", result.Final.Action),
		zap.String("outcome", result.Outcome))
	if s.bus != nil {
		_ = s.bus.Publish(events.NewCycleCompleted(s.kind, result.Final.Action, openCount, s.now().Sub(started)))
	}
	return nil
}

// updateSummary recomputes the derived account fields after the cycle's
// mutations, records the final decision for audit and returns the open
// position count.
func (s *Session) updateSummary(ctx context.Context, final oracle.Recommendation) (int, error) {
	acct, err := s.store.Account(ctx, s.kind)
	if err != nil {
		return 0, fmt.Errorf("reload account: %w", err)
	}
	open, err := s.store.OpenPositions(ctx, s.kind)
	if err != nil {
		return 0, fmt.Errorf("reload open positions: %w", err)
	}

	value := acct.AvailableCash
	for _, pos := range open {
		value = value.Add(pos.NotionalUSD).Add(pos.UnrealizedPnL)
	}

	upd := ledger.SummaryUpdate{AccountValue: &value}
	if s.initialCash.IsPositive() {
		ret := value.Sub(s.initialCash).
			Div(s.initialCash).
			Mul(decimal.NewFromInt(100))
		upd.TotalReturnPct = &ret
	}
	if data, err := json.Marshal(final); err == nil {
		latest := string(data)
		upd.LatestResponse = &latest
	}

	if err := s.store.UpdateSummary(ctx, s.kind, upd); err != nil {
		return 0, fmt.Errorf("update summary: %w", err)
	}

	if s.collector != nil {
		s.collector.SetOpenPositions(s.kind, len(open))
		s.collector.SetAccount(s.kind, acct.AvailableCash, value)
	}
	if s.bus != nil {
		_ = s.bus.Publish(events.NewAccountUpdated(s.kind, acct.AvailableCash, value))
	}
	return len(open), nil
}
