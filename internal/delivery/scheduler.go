package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers ProcessDue on a cron schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	cron      *cron.Cron
	processor *Processor
	spec      string
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler for a cron spec such as "@every 1m"
func NewScheduler(processor *Processor, spec string, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		processor: processor,
		spec:      spec,
		now:       time.Now,
		logger:    logger,
	}
}

// Start registers the delivery job and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		s.cancel()
		return fmt.Errorf("invalid delivery schedule %q: %w", s.spec, err)
	}

	// Recover claims left by a previous process before the first run
	if released, err := s.processor.ReleaseStale(s.ctx, s.now()); err != nil {
		s.logger.Error("failed to release stale claims", "error", err)
	} else if released > 0 {
		s.logger.Warn("released stale claims", "count", released)
	}

	s.cron.Start()
	s.logger.Info("delivery scheduler started", "schedule", s.spec)
	return nil
}

// Stop cancels a running batch and waits for it to finish
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("delivery scheduler stopped")
}

func (s *Scheduler) run() {
	result, err := s.processor.ProcessDue(s.ctx, s.now())
	if err != nil {
		s.logger.Error("delivery run failed", "error", err, "processed", result.Processed)
	}
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
