// internal/notify/notify.go
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/events"
	"github.com/deltaquant/perpbot/internal/ledger"
)

// Sink receives trade lifecycle notifications. Delivery is advisory:
// the engine fires and forgets, a failing sink never blocks or fails a
// trade.
type Sink interface {
	PositionOpened(ctx context.Context, kind string, pos ledger.Position)
	PositionClosed(ctx context.Context, kind string, closed ledger.ClosedPosition)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) PositionOpened(context.Context, string, ledger.Position)       {}
func (NopSink) PositionClosed(context.Context, string, ledger.ClosedPosition) {}

// BusSink forwards lifecycle notifications onto the event bus, where the
// dashboard and metrics subscribers pick them up.
type BusSink struct {
	bus    *events.Bus
	logger *zap.Logger
}

func NewBusSink(bus *events.Bus, logger *zap.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.Named("notify")}
}

func (s *BusSink) PositionOpened(_ context.Context, kind string, pos ledger.Position) {
	reason := ""
	if n := len(pos.Reasoning); n > 0 {
		reason = pos.Reasoning[n-1].Text
	}
	ev := events.NewPositionOpened(kind, pos.Symbol,
		pos.Quantity, pos.EntryPrice, pos.Leverage, pos.NotionalUSD, reason)
	if err := s.bus.Publish(ev); err != nil {
		s.logger.Warn("Dropped open notification",
			zap.String("kind", kind),
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
	}
}

func (s *BusSink) PositionClosed(_ context.Context, kind string, closed ledger.ClosedPosition) {
	ev := events.NewPositionClosed(kind, closed.Symbol,
		closed.ExitPrice, closed.RealizedPnL, closed.Reason)
	if err := s.bus.Publish(ev); err != nil {
		s.logger.Warn("Dropped close notification",
			zap.String("kind", kind),
			zap.String("symbol", closed.Symbol),
			zap.Error(err))
	}
}
