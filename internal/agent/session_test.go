// internal/agent/session_test.go
package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deltaquant/perpbot/internal/engine"
	"github.com/deltaquant/perpbot/internal/events"
	"github.com/deltaquant/perpbot/internal/ledger"
	"github.com/deltaquant/perpbot/internal/market"
	"github.com/deltaquant/perpbot/internal/oracle"
	"github.com/deltaquant/perpbot/internal/risk"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type staticSource struct {
	snap market.Snapshot
	err  error
}

func (s *staticSource) Snapshot(context.Context) (market.Snapshot, error) {
	return s.snap, s.err
}

// scriptedOracle returns its recommendations in order and records the
// open positions it was shown.
type scriptedOracle struct {
	recs     []oracle.Recommendation
	calls    int
	seenOpen [][]ledger.Position
}

func (o *scriptedOracle) Recommend(_ context.Context, _ market.Snapshot, _ ledger.Account, open []ledger.Position) oracle.Recommendation {
	o.seenOpen = append(o.seenOpen, open)
	rec := oracle.Hold("script exhausted")
	if o.calls < len(o.recs) {
		rec = o.recs[o.calls]
	}
	o.calls++
	return rec
}

// flakyStore fails UpdateSummary until healed.
type flakyStore struct {
	ledger.Store
	failSummary bool
}

func (f *flakyStore) UpdateSummary(ctx context.Context, kind string, upd ledger.SummaryUpdate) error {
	if f.failSummary {
		return errors.New("summary write failed")
	}
	return f.Store.UpdateSummary(ctx, kind, upd)
}

func btcSnapshot(price string) market.Snapshot {
	return market.Snapshot{
		Coins: map[string]market.CoinData{
			"BTC": {Symbol: "BTC", CurrentPrice: dec(price)},
		},
		Taken: time.Now().UTC(),
	}
}

type sessionEnv struct {
	session *Session
	store   ledger.Store
	source  *staticSource
	oracle  *scriptedOracle
	clock   *time.Time
}

func newEnv(t *testing.T, store ledger.Store, recs ...oracle.Recommendation) *sessionEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	policy := risk.NewPolicy(risk.DefaultConfig(), logger)
	lc := engine.NewLifecycle(store, nil, logger)
	proc := engine.NewProcessor(store, policy, lc, nil, logger)
	src := &staticSource{snap: btcSnapshot("100000")}
	orc := &scriptedOracle{recs: recs}

	s := NewSession(SessionParams{
		Kind:        "alpha",
		Cooldown:    300 * time.Second,
		InitialCash: dec("10000"),
		Store:       store,
		Source:      src,
		Oracle:      orc,
		Processor:   proc,
		Lifecycle:   lc,
		Logger:      logger,
	})

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	return &sessionEnv{session: s, store: store, source: src, oracle: orc, clock: &now}
}

func TestRunCycleCooldownSkips(t *testing.T) {
	env := newEnv(t, ledger.NewMemoryStore(dec("10000")))
	ctx := context.Background()

	require.NoError(t, env.session.RunCycle(ctx))
	require.Equal(t, 1, env.oracle.calls)

	// Within the cooldown window nothing runs.
	*env.clock = env.clock.Add(100 * time.Second)
	require.NoError(t, env.session.RunCycle(ctx))
	require.Equal(t, 1, env.oracle.calls)

	// Past the window the next cycle runs.
	*env.clock = env.clock.Add(250 * time.Second)
	require.NoError(t, env.session.RunCycle(ctx))
	require.Equal(t, 2, env.oracle.calls)
}

func TestRunCycleNoCooldownAdvanceOnFailure(t *testing.T) {
	store := &flakyStore{
		Store:       ledger.NewMemoryStore(dec("10000")),
		failSummary: true,
	}
	env := newEnv(t, store)
	ctx := context.Background()

	require.Error(t, env.session.RunCycle(ctx))

	// The failed cycle did not start a cooldown; the next tick retries
	// immediately.
	store.failSummary = false
	*env.clock = env.clock.Add(time.Second)
	require.NoError(t, env.session.RunCycle(ctx))
	require.Equal(t, 2, env.oracle.calls)
}

func TestRunCycleSnapshotErrorFailsCycle(t *testing.T) {
	env := newEnv(t, ledger.NewMemoryStore(dec("10000")))
	env.source.err = errors.New("redis down")

	err := env.session.RunCycle(context.Background())
	require.Error(t, err)
	require.Zero(t, env.oracle.calls)
}

func TestRunCycleMarksAndSettlesBeforeOracle(t *testing.T) {
	store := ledger.NewMemoryStore(dec("10000"))
	env := newEnv(t, store)
	ctx := context.Background()

	// Seed a position whose take profit triggers at this cycle's price.
	require.NoError(t, store.OpenPosition(ctx, "alpha", ledger.Position{
		Symbol:       "BTC",
		Quantity:     dec("0.0001"),
		EntryPrice:   dec("90000"),
		CurrentPrice: dec("90000"),
		Leverage:     5,
		ExitPlan:     ledger.ExitPlan{ProfitTarget: dec("95000")},
		NotionalUSD:  dec("45"),
	}))

	require.NoError(t, env.session.RunCycle(ctx))

	// The oracle saw the book after the mark and the settlement.
	require.Len(t, env.oracle.seenOpen, 1)
	require.Empty(t, env.oracle.seenOpen[0])

	closed, err := store.ClosedPositions(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, "Take profit triggered at 100000", closed[0].Reason)
}

func TestRunCyclePublishesCycleAndAccountEvents(t *testing.T) {
	store := ledger.NewMemoryStore(dec("10000"))
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 16)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	cycleCh := make(chan events.Event, 1)
	acctCh := make(chan events.Event, 1)
	bus.SubscribeFunc(events.CycleCompleted, func(_ context.Context, e events.Event) error {
		cycleCh <- e
		return nil
	})
	bus.SubscribeFunc(events.AccountUpdated, func(_ context.Context, e events.Event) error {
		acctCh <- e
		return nil
	})

	policy := risk.NewPolicy(risk.DefaultConfig(), logger)
	lc := engine.NewLifecycle(store, nil, logger)
	s := NewSession(SessionParams{
		Kind:      "alpha",
		Store:     store,
		Source:    &staticSource{snap: btcSnapshot("100000")},
		Oracle:    &scriptedOracle{},
		Processor: engine.NewProcessor(store, policy, lc, nil, logger),
		Lifecycle: lc,
		Bus:       bus,
		Logger:    logger,
	})

	require.NoError(t, s.RunCycle(context.Background()))

	select {
	case e := <-cycleCh:
		evt, ok := e.(events.CycleCompletedEvent)
		require.True(t, ok)
		require.Equal(t, "alpha", evt.AgentKind)
		require.Equal(t, oracle.ActionHold, evt.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle completed event not published")
	}

	select {
	case e := <-acctCh:
		evt, ok := e.(events.AccountUpdatedEvent)
		require.True(t, ok)
		require.Equal(t, "alpha", evt.AgentKind)
		require.Equal(t, "10000", evt.AvailableCash.String())
	case <-time.After(2 * time.Second):
		t.Fatal("account updated event not published")
	}
}

func TestRunCycleExecutesBuyAndUpdatesSummary(t *testing.T) {
	store := ledger.NewMemoryStore(dec("10000"))
	buy := oracle.Recommendation{
		Action:     oracle.ActionBuy,
		Symbol:     "BTC",
		Quantity:   dec("0.0001"),
		EntryPrice: dec("100000"),
		Leverage:   dec("5"),
		Confidence: 1.0,
		Reason:     "trend continuation",
	}
	env := newEnv(t, store, buy)
	ctx := context.Background()

	require.NoError(t, env.session.RunCycle(ctx))

	open, err := store.OpenPositions(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, open, 1)

	acct, err := store.Account(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "9950", acct.AvailableCash.String())
	// cash 9950 + notional 50 + zero unrealized
	require.Equal(t, "10000", acct.AccountValue.String())
	require.Contains(t, acct.LatestResponse, `"action":"buy"`)
	require.True(t, acct.TotalReturnPct.IsZero())
}
