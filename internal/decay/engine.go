// Package decay lowers the confidence of under-used memories on a nightly
// schedule and flags the ones that have faded out.
package decay

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/memory"
)

const (
	// BaseRate is the confidence lost per daily run before jitter.
	BaseRate = 0.0005

	// Jitter bounds model variable system load.
	jitterMin = 0.8
	jitterMax = 1.2

	// MaintenanceHour is the only local hour an unforced run executes in.
	MaintenanceHour = 3

	// BatchSize bounds how many memories one run touches. The batch is
	// taken lowest-confidence first.
	BatchSize = 100
)

// Report summarizes one decay run.
type Report struct {
	Ran      bool    `json:"ran"`
	Rate     float64 `json:"rate,omitempty"`
	Examined int     `json:"examined"`
	Lowered  int     `json:"lowered"`
	Stamped  int     `json:"stamped"`
}

// Engine runs the decay batch. The random source and clock are injectable
// so tests can assert exact amounts.
type Engine struct {
	repo   memory.Repository
	logger *zap.Logger
	rng    *rand.Rand
	now    func() time.Time
}

// NewEngine creates a decay engine with its own seeded random source.
func NewEngine(repo memory.Repository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Run executes one decay pass. Outside the maintenance hour it is a no-op
// unless force is set. Per-memory store failures are logged and skipped so
// a transient database hiccup never kills the job.
func (e *Engine) Run(ctx context.Context, force bool) (*Report, error) {
	now := e.now()
	if !force && now.Hour() != MaintenanceHour {
		e.logger.Debug("decay skipped outside maintenance hour",
			zap.Int("hour", now.Hour()))
		return &Report{}, nil
	}

	rate := BaseRate * (jitterMin + e.rng.Float64()*(jitterMax-jitterMin))

	batch, err := e.repo.LowestConfidence(ctx, BatchSize)
	if err != nil {
		e.logger.Error("decay batch query failed", zap.Error(err))
		return nil, err
	}

	report := &Report{Ran: true, Rate: rate, Examined: len(batch)}
	for _, m := range batch {
		next := m.Confidence - rate
		if next < memory.ConfidenceFloor {
			next = memory.ConfidenceFloor
		}
		if next == m.Confidence {
			continue
		}
		if err := e.repo.UpdateConfidence(ctx, m.ID, next); err != nil {
			e.logger.Warn("decay update failed",
				zap.String("memory_id", m.ID),
				zap.Error(err))
			continue
		}
		report.Lowered++
	}

	stamped, err := e.repo.MarkDecayed(ctx, memory.ForgetThreshold, now)
	if err != nil {
		e.logger.Warn("decayed_at stamping failed", zap.Error(err))
	} else {
		report.Stamped = stamped
	}

	e.logger.Info("decay run complete",
		zap.Float64("rate", rate),
		zap.Int("examined", report.Examined),
		zap.Int("lowered", report.Lowered),
		zap.Int("stamped", report.Stamped),
	)
	return report, nil
}
