// internal/events/types.go
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents the type of event.
type EventType string

const (
	// Trade lifecycle events
	PositionOpened EventType = "position.opened"
	PositionClosed EventType = "position.closed"

	// Agent cycle events
	CycleCompleted EventType = "cycle.completed"
	CycleFailed    EventType = "cycle.failed"

	// Account events
	AccountUpdated EventType = "account.updated"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

func (e BaseEvent) Type() EventType { return e.EventType }

func (e BaseEvent) Timestamp() time.Time { return e.EventTime }

func newBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now().UTC()}
}

// PositionOpenedEvent is emitted after an open has been persisted.
type PositionOpenedEvent struct {
	BaseEvent
	AgentKind string
	Symbol    string
	Quantity  decimal.Decimal
	Entry     decimal.Decimal
	Leverage  int
	Notional  decimal.Decimal
	Reason    string
}

// PositionClosedEvent is emitted after a close has been persisted.
type PositionClosedEvent struct {
	BaseEvent
	AgentKind   string
	Symbol      string
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
}

// CycleCompletedEvent is emitted after each successful agent cycle.
type CycleCompletedEvent struct {
	BaseEvent
	AgentKind     string
	Action        string
	OpenPositions int
	Duration      time.Duration
}

// CycleFailedEvent is emitted when a cycle aborts on a store or market
// error. The cooldown is not advanced for failed cycles.
type CycleFailedEvent struct {
	BaseEvent
	AgentKind string
	Err       string
}

// AccountUpdatedEvent carries the recomputed account summary.
type AccountUpdatedEvent struct {
	BaseEvent
	AgentKind     string
	AvailableCash decimal.Decimal
	AccountValue  decimal.Decimal
}

// NewPositionOpened builds a PositionOpenedEvent stamped now.
func NewPositionOpened(kind, symbol string, qty, entry decimal.Decimal, lev int, notional decimal.Decimal, reason string) PositionOpenedEvent {
	return PositionOpenedEvent{
		BaseEvent: newBase(PositionOpened),
		AgentKind: kind,
		Symbol:    symbol,
		Quantity:  qty,
		Entry:     entry,
		Leverage:  lev,
		Notional:  notional,
		Reason:    reason,
	}
}

// NewPositionClosed builds a PositionClosedEvent stamped now.
func NewPositionClosed(kind, symbol string, exit, pnl decimal.Decimal, reason string) PositionClosedEvent {
	return PositionClosedEvent{
		BaseEvent:   newBase(PositionClosed),
		AgentKind:   kind,
		Symbol:      symbol,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		Reason:      reason,
	}
}

// NewCycleCompleted builds a CycleCompletedEvent stamped now.
func NewCycleCompleted(kind, action string, open int, dur time.Duration) CycleCompletedEvent {
	return CycleCompletedEvent{
		BaseEvent:     newBase(CycleCompleted),
		AgentKind:     kind,
		Action:        action,
		OpenPositions: open,
		Duration:      dur,
	}
}

// NewCycleFailed builds a CycleFailedEvent stamped now.
func NewCycleFailed(kind string, err error) CycleFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return CycleFailedEvent{
		BaseEvent: newBase(CycleFailed),
		AgentKind: kind,
		Err:       msg,
	}
}

// NewAccountUpdated builds an AccountUpdatedEvent stamped now.
func NewAccountUpdated(kind string, cash, value decimal.Decimal) AccountUpdatedEvent {
	return AccountUpdatedEvent{
		BaseEvent:     newBase(AccountUpdated),
		AgentKind:     kind,
		AvailableCash: cash,
		AccountValue:  value,
	}
}
