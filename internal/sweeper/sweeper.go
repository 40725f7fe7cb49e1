// Package sweeper drives time-based expiry independent of event
// traffic, so stalled users are reaped even when the chat goes quiet.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/gate"
)

type Sweeper struct {
	gate     *gate.Gate
	interval time.Duration
	logger   *zap.Logger
	cron     *cron.Cron
}

func New(g *gate.Gate, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		gate:     g,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start schedules the periodic pass. Each tick is bounded by the sweep
// interval so a hung store call cannot pile up overlapping sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		if err := s.gate.SweepExpired(tickCtx, time.Now()); err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}
