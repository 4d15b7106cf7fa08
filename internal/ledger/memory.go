// internal/ledger/memory.go
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory with one lock per agent
// kind. It backs paper-trading runs and tests; the postgres store provides
// the same contract durably.
type MemoryStore struct {
	mu          sync.Mutex // guards the agents map itself
	agents      map[string]*agentState
	initialCash decimal.Decimal
}

type agentState struct {
	mu      sync.Mutex
	account Account
	open    []Position
	closed  []ClosedPosition
}

// NewMemoryStore creates an empty store. Agents are created lazily with
// initialCash on first access.
func NewMemoryStore(initialCash decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*agentState),
		initialCash: initialCash,
	}
}

func (s *MemoryStore) agent(kind string) *agentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[kind]
	if !ok {
		st = &agentState{
			account: Account{
				Kind:          kind,
				AvailableCash: s.initialCash,
				AccountValue:  s.initialCash,
				UpdatedAt:     time.Now().UTC(),
			},
		}
		s.agents[kind] = st
	}
	return st
}

func (s *MemoryStore) Account(_ context.Context, kind string) (Account, error) {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account, nil
}

func (s *MemoryStore) OpenPositions(_ context.Context, kind string) ([]Position, error) {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Position, len(st.open))
	copy(out, st.open)
	return out, nil
}

func (s *MemoryStore) ClosedPositions(_ context.Context, kind string) ([]ClosedPosition, error) {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]ClosedPosition, len(st.closed))
	copy(out, st.closed)
	return out, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, kind string, pos Position) error {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.open {
		if st.open[i].Symbol == pos.Symbol {
			return ErrPositionExists
		}
	}
	if pos.NotionalUSD.GreaterThan(st.account.AvailableCash) {
		return ErrInsufficientCash
	}

	st.open = append(st.open, pos)
	st.account.AvailableCash = st.account.AvailableCash.Sub(pos.NotionalUSD)
	st.account.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, kind, symbol string, upd PositionUpdate) error {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.open {
		if st.open[i].Symbol != symbol {
			continue
		}
		st.open[i].CurrentPrice = upd.CurrentPrice
		st.open[i].UnrealizedPnL = upd.UnrealizedPnL
		if upd.Reasoning != "" {
			st.open[i].AddReasoning(upd.Reasoning)
		}
		return nil
	}
	return ErrPositionNotFound
}

func (s *MemoryStore) ClosePosition(_ context.Context, kind, symbol string, exitPrice decimal.Decimal, reason string) (ClosedPosition, error) {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.open {
		if st.open[i].Symbol != symbol {
			continue
		}
		pos := st.open[i]
		if reason != "" {
			pos.AddReasoning(reason)
		}

		pnl := RealizedPnL(pos.EntryPrice, exitPrice, pos.Quantity, pos.Leverage)
		closed := ClosedPosition{
			Position:    pos,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			Reason:      reason,
			ClosedAt:    time.Now().UTC(),
		}

		st.open = append(st.open[:i], st.open[i+1:]...)
		st.closed = append(st.closed, closed)
		st.account.AvailableCash = st.account.AvailableCash.Add(pos.NotionalUSD).Add(pnl)
		st.account.UpdatedAt = time.Now().UTC()
		return closed, nil
	}
	return ClosedPosition{}, ErrPositionNotFound
}

func (s *MemoryStore) AdjustCash(_ context.Context, kind string, delta decimal.Decimal) error {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.account.AvailableCash = st.account.AvailableCash.Add(delta)
	st.account.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateSummary(_ context.Context, kind string, upd SummaryUpdate) error {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	if upd.AccountValue != nil {
		st.account.AccountValue = *upd.AccountValue
	}
	if upd.TotalReturnPct != nil {
		st.account.TotalReturnPct = *upd.TotalReturnPct
	}
	if upd.SharpeRatio != nil {
		st.account.SharpeRatio = *upd.SharpeRatio
	}
	if upd.LatestResponse != nil {
		st.account.LatestResponse = *upd.LatestResponse
	}
	st.account.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClearTrades(_ context.Context, kind string) error {
	st := s.agent(kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.open = nil
	st.closed = nil
	st.account.AvailableCash = s.initialCash
	st.account.AccountValue = s.initialCash
	st.account.UpdatedAt = time.Now().UTC()
	return nil
}

var _ Store = (*MemoryStore)(nil)
