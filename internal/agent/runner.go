// internal/agent/runner.go
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deltaquant/perpbot/internal/events"
)

// Runner drives a set of sessions concurrently, one goroutine each,
// ticking every interval. A failed cycle is logged and retried on the
// next tick; it never stops the runner.
type Runner struct {
	sessions []*Session
	interval time.Duration
	bus      *events.Bus
	logger   *zap.Logger
}

func NewRunner(sessions []*Session, interval time.Duration, bus *events.Bus, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Runner{
		sessions: sessions,
		interval: interval,
		bus:      bus,
		logger:   logger.Named("runner"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, session := range r.sessions {
		g.Go(func() error {
			return r.runSession(ctx, session)
		})
	}

	r.logger.Info("Agent runner started",
		zap.Int("sessions", len(r.sessions)),
		zap.Duration("interval", r.interval))
	return g.Wait()
}

func (r *Runner) runSession(ctx context.Context, session *Session) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run once at startup rather than waiting a full interval.
	r.tick(ctx, session)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx, session)
		}
	}
}

func (r *Runner) tick(ctx context.Context, session *Session) {
	if ctx.Err() != nil {
		return
	}
	if err := session.RunCycle(ctx); err != nil {
		r.logger.Error("Cycle failed",
			zap.String("kind", session.Kind()),
			zap.Error(err))
		if r.bus != nil {
			_ = r.bus.Publish(events.NewCycleFailed(session.Kind(), err))
		}
	}
}
