// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionExists is returned when an open is attempted for a symbol
	// that already has an open position on the same agent.
	ErrPositionExists = errors.New("position already open for symbol")

	// ErrPositionNotFound is returned when an update or close targets a
	// symbol with no open position.
	ErrPositionNotFound = errors.New("no open position for symbol")

	// ErrInsufficientCash is returned when the notional debit of an open
	// would push available cash below zero.
	ErrInsufficientCash = errors.New("insufficient available cash")
)

// ReasoningEntry is one item of a position's append-only audit trail.
type ReasoningEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"reasoning"`
}

// ExitPlan holds the exit levels attached to a position at open time.
type ExitPlan struct {
	ProfitTarget          decimal.Decimal `json:"profit_target"`
	StopLoss              decimal.Decimal `json:"stop_loss"`
	InvalidationCondition string          `json:"invalidation_condition"`
}

// Position is one open leveraged exposure to a symbol.
type Position struct {
	Symbol           string           `json:"symbol"`
	Quantity         decimal.Decimal  `json:"quantity"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	Leverage         int              `json:"leverage"`
	ExitPlan         ExitPlan         `json:"exit_plan"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	Confidence       float64          `json:"confidence"`
	RiskUSD          decimal.Decimal  `json:"risk_usd"`
	NotionalUSD      decimal.Decimal  `json:"notional_usd"`
	EntryOID         string           `json:"entry_oid"`
	StopLossOID      string           `json:"sl_oid"`
	TakeProfitOID    string           `json:"tp_oid"`
	OpenedAt         time.Time        `json:"opened_at"`
	Reasoning        []ReasoningEntry `json:"reasoning"`
}

// AddReasoning appends a timestamped entry to the audit trail, newest last.
func (p *Position) AddReasoning(text string) {
	p.Reasoning = append(p.Reasoning, ReasoningEntry{
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
}

// ClosedPosition is an immutable snapshot of a position at close time.
type ClosedPosition struct {
	Position
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"close_reason"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Account is the per-agent summary record. AvailableCash is the only field
// the trade lifecycle mutates; the rest are derived metrics written through
// UpdateSummary.
type Account struct {
	Kind           string          `json:"kind"`
	AvailableCash  decimal.Decimal `json:"available_cash"`
	AccountValue   decimal.Decimal `json:"current_account_value"`
	TotalReturnPct decimal.Decimal `json:"total_return"`
	SharpeRatio    decimal.Decimal `json:"sharpe_ratio"`
	LatestResponse string          `json:"latest_response,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PositionUpdate carries the mutable fields of a mark-to-market tick.
// Reasoning, when non-empty, is appended to the trail.
type PositionUpdate struct {
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Reasoning     string
}

// SummaryUpdate updates derived account fields; nil pointers leave the
// stored value untouched.
type SummaryUpdate struct {
	AccountValue   *decimal.Decimal
	TotalReturnPct *decimal.Decimal
	SharpeRatio    *decimal.Decimal
	LatestResponse *string
}

// Store is the durable ledger contract. All operations are keyed by agent
// kind and are atomic per kind: a concurrent reader never observes a
// position inserted without its cash debit, or removed without its credit.
type Store interface {
	// Account returns the summary record for the agent, creating it with
	// the store's initial cash on first access.
	Account(ctx context.Context, kind string) (Account, error)

	OpenPositions(ctx context.Context, kind string) ([]Position, error)
	ClosedPositions(ctx context.Context, kind string) ([]ClosedPosition, error)

	// OpenPosition persists pos and debits its notional from available
	// cash in one transaction. Fails with ErrPositionExists when the
	// symbol already has an open position and ErrInsufficientCash when
	// the debit would take cash negative.
	OpenPosition(ctx context.Context, kind string, pos Position) error

	// UpdatePosition overwrites the mark-to-market fields of one open
	// position. No cash moves.
	UpdatePosition(ctx context.Context, kind, symbol string, upd PositionUpdate) error

	// ClosePosition settles one open position at exitPrice: computes the
	// realized PnL, credits notional + PnL back to available cash, moves
	// the record to the closed list and returns it. The credit and the
	// move are one transaction.
	ClosePosition(ctx context.Context, kind, symbol string, exitPrice decimal.Decimal, reason string) (ClosedPosition, error)

	// AdjustCash applies a raw cash delta. Used by operational tooling,
	// not by the trade lifecycle.
	AdjustCash(ctx context.Context, kind string, delta decimal.Decimal) error

	UpdateSummary(ctx context.Context, kind string, upd SummaryUpdate) error

	// ClearTrades removes all open and closed positions for the agent and
	// resets cash to the initial amount.
	ClearTrades(ctx context.Context, kind string) error
}

// RealizedPnL settles (exit − entry) × quantity × leverage for a long
// position. The engine opens longs only, so no sign flip is needed here.
func RealizedPnL(entry, exit, quantity decimal.Decimal, leverage int) decimal.Decimal {
	return exit.Sub(entry).Mul(quantity).Mul(decimal.NewFromInt(int64(leverage)))
}

// UnrealizedPnL marks (current − entry) × quantity × leverage.
func UnrealizedPnL(entry, current, quantity decimal.Decimal, leverage int) decimal.Decimal {
	return current.Sub(entry).Mul(quantity).Mul(decimal.NewFromInt(int64(leverage)))
}

// Notional is entry × quantity × leverage, the economic size of a position.
func Notional(entry, quantity decimal.Decimal, leverage int) decimal.Decimal {
	return entry.Mul(quantity).Mul(decimal.NewFromInt(int64(leverage)))
}
