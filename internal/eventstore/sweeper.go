package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs SweepExpired on a cron schedule, outside the write path.
type Sweeper struct {
	store     Store
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewSweeper schedules retention sweeps. schedule accepts standard cron
// expressions and descriptors such as "@every 5m". Overlapping runs are skipped.
func NewSweeper(store Store, retention time.Duration, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		timeout:   time.Minute,
		logger:    logger,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

// RunOnce performs one sweep and records metrics.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.store.SweepExpired(ctx, s.retention)
	SweepDuration.Observe(time.Since(start).Seconds())
	SweptEventsTotal.Add(float64(n))

	if err != nil {
		SweepErrorsTotal.Inc()
		s.logger.Warn("retention sweep failed", zap.Int("deleted", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		s.logger.Info("retention sweep complete",
			zap.Int("deleted", n),
			zap.Duration("retention", s.retention),
			zap.Duration("took", time.Since(start)))
	}
	return n, nil
}
