// Package housekeeping runs the periodic maintenance around the job queue:
// returning stranded broadcast targets to pending and pruning finished jobs.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type TargetReaper interface {
	ReleaseStaleTargets(ctx context.Context, maxAge time.Duration) (int64, error)
}

type JobPruner interface {
	PruneFinished(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Config struct {
	// ReapInterval is how often stale broadcast targets are released.
	ReapInterval time.Duration
	// TargetStaleAfter is how long a target may stay sending.
	TargetStaleAfter time.Duration
	// Retention is how long done and failed jobs are kept. Zero disables
	// pruning.
	Retention time.Duration
	// PruneSpec is the cron spec for pruning, hourly by default.
	PruneSpec   string
	TaskTimeout time.Duration
}

type Service struct {
	targets TargetReaper
	jobs    JobPruner
	cfg     Config
	log     zerolog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(targets TargetReaper, jobs JobPruner, cfg Config, log zerolog.Logger) *Service {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.TargetStaleAfter <= 0 {
		cfg.TargetStaleAfter = 10 * time.Minute
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = "@hourly"
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	return &Service{targets: targets, jobs: jobs, cfg: cfg, log: log}
}

// Start registers the tasks and starts the scheduler. Tasks run with ctx as
// their parent; cancel it or call Stop to end them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("housekeeping already started")
	}

	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	reapSpec := fmt.Sprintf("@every %s", s.cfg.ReapInterval)
	if _, err := c.AddFunc(reapSpec, func() { s.run(ctx, "release_stale_targets", s.releaseTargets) }); err != nil {
		return fmt.Errorf("schedule target reaper: %w", err)
	}
	if s.jobs != nil && s.cfg.Retention > 0 {
		if _, err := c.AddFunc(s.cfg.PruneSpec, func() { s.run(ctx, "prune_jobs", s.pruneJobs) }); err != nil {
			return fmt.Errorf("schedule job pruning: %w", err)
		}
	}

	c.Start()
	s.c = c
	s.log.Info().Str("reap", reapSpec).Str("prune", s.cfg.PruneSpec).Dur("retention", s.cfg.Retention).Msg("housekeeping started")
	return nil
}

// Stop stops scheduling and waits for running tasks to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info().Msg("housekeeping stopped")
}

// RunOnce runs every task once, in order, and returns the first error.
func (s *Service) RunOnce(ctx context.Context) error {
	if err := s.releaseTargets(ctx); err != nil {
		return err
	}
	if s.jobs != nil && s.cfg.Retention > 0 {
		return s.pruneJobs(ctx)
	}
	return nil
}

func (s *Service) run(parent context.Context, name string, task func(context.Context) error) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.TaskTimeout)
	defer cancel()
	if err := task(ctx); err != nil {
		s.log.Error().Err(err).Str("task", name).Msg("housekeeping task failed")
	}
}

func (s *Service) releaseTargets(ctx context.Context) error {
	if s.targets == nil {
		return nil
	}
	_, err := s.targets.ReleaseStaleTargets(ctx, s.cfg.TargetStaleAfter)
	return err
}

func (s *Service) pruneJobs(ctx context.Context) error {
	n, err := s.jobs.PruneFinished(ctx, s.cfg.Retention)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("pruned finished jobs")
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
