package syncer

import (
	"context"
	"time"
)

// Task is one periodic job: a single run-one-tick capability. The
// scheduler holds a collection of tasks rather than anything subclass-like,
// so future jobs (delivery confirmation, audits) slot in beside the flash
// sync.
type Task interface {
	Name() string
	RunTick(ctx context.Context) error
}

// Scheduler drives its tasks on a fixed interval. Tasks within one pass
// run sequentially and a pass must finish before the next interval fires,
// so ticks are externally serialized as the pipeline requires.
type Scheduler struct {
	interval time.Duration
	tasks    []Task
	logger   Logger
}

func NewScheduler(interval time.Duration, logger Logger, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		interval: interval,
		tasks:    tasks,
		logger:   logger,
	}
}

// Run executes one pass immediately, then one per interval, until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runPass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		if err := task.RunTick(ctx); err != nil {
			s.logf("task %s: %v", task.Name(), err)
		}
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
