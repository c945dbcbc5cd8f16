package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler is a thin wrapper around gocron/v2 used by Serve to run the
// orchestrator's drain loop on a cron schedule in-process. It carries
// exactly the surface Serve needs: a single named, described cron job and a
// clean shutdown. It is not a general-purpose job tracker; that concern
// belongs to whatever process supervises deployment.
type Scheduler struct {
	mu           sync.Mutex
	scheduler    gocron.Scheduler
	jobs         map[string]gocron.Job
	descriptions map[string]string
	logger       *slog.Logger
}

func newScheduler(logger *slog.Logger, maxConcurrent int) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	sched := &Scheduler{
		scheduler:    s,
		jobs:         make(map[string]gocron.Job),
		descriptions: make(map[string]string),
		logger:       logger,
	}
	s.Start()
	return sched, nil
}

// AddJob registers a named cron job running taskFn on every tick matching
// cronExpr. The name must be unique.
func (s *Scheduler) AddJob(name, cronExpr string, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// Describe records a human-readable description for a named job. The
// Scheduler keeps it in memory only; no method of this type reads it back.
func (s *Scheduler) Describe(name, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptions[name] = description
}

// Stop shuts down the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
