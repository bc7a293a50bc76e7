// Package scheduler runs the nightly decay batch as a background job.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/decay"
)

// decaySpec fires hourly; the engine's own maintenance-hour gate decides
// whether the run proceeds.
const decaySpec = "0 * * * *"

// Scheduler owns the cron instance driving background maintenance.
type Scheduler struct {
	cron   *cron.Cron
	engine *decay.Engine
	logger *zap.Logger
}

// New creates a scheduler around the decay engine.
func New(engine *decay.Engine, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		engine: engine,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(decaySpec, s.runDecay); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.String("spec", decaySpec))
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) runDecay() {
	report, err := s.engine.Run(context.Background(), false)
	if err != nil {
		s.logger.Error("scheduled decay run failed", zap.Error(err))
		return
	}
	if report.Ran {
		s.logger.Info("scheduled decay run finished",
			zap.Int("examined", report.Examined),
			zap.Int("lowered", report.Lowered),
			zap.Int("stamped", report.Stamped),
		)
	}
}
