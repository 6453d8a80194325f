package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 15 * time.Minute

// Syncer runs one sync pass.
type Syncer interface {
	Sync(ctx context.Context) (Result, error)
}

// RunnerConfig describes the periodic trigger.
type RunnerConfig struct {
	Syncer   Syncer
	Interval time.Duration
	Logger   *zap.Logger
}

// Runner calls Sync immediately and then on every tick until its context ends.
// Failed passes are logged and retried on the next tick.
type Runner struct {
	syncer   Syncer
	interval time.Duration
	logger   *zap.Logger
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Syncer == nil {
		return nil, newServiceError(opNew, "missing_syncer", errors.New("sync: syncer is required"))
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{syncer: cfg.Syncer, interval: interval, logger: loggerOrNop(cfg.Logger)}, nil
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sync runner started", zap.Duration("interval", r.interval))
	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopped")
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	result, err := r.syncer.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logError(r.logger, opSync, "pass_failed", err, zap.String("sync_run", result.RunID))
		return
	}
	if result.Skipped {
		r.logger.Debug("sync pass skipped")
	}
}
