// Package scheduler runs periodic maintenance: routing cache rebuilds,
// retention pruning and recovery of runs orphaned by a crashed worker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Options are cron specs and windows. An empty spec disables the job.
type Options struct {
	CacheRebuild string
	Prune        string
	Recover      string
	Retention    time.Duration
	StaleAfter   time.Duration
}

// Deps are the maintenance targets. Pruners is keyed by a name used in
// logs.
type Deps struct {
	Routes  RouteRebuilder
	Runs    Recoverer
	Pruners map[string]Pruner
}

// Scheduler manages the maintenance jobs.
type Scheduler struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	jobs   []job
}

type job struct {
	name     string
	schedule cron.Schedule
	run      func(ctx context.Context) error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates every spec up front so a typo fails at startup.
func New(opts Options, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		opts:   opts,
		deps:   deps,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
	specs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"cache_rebuild", opts.CacheRebuild, s.rebuildRoutes},
		{"prune", opts.Prune, s.prune},
		{"recover", opts.Recover, s.recoverStale},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		sched, err := parser.Parse(sp.spec)
		if err != nil {
			return nil, fmt.Errorf("parse %s schedule %q: %w", sp.name, sp.spec, err)
		}
		s.jobs = append(s.jobs, job{name: sp.name, schedule: sched, run: sp.run})
	}
	return s, nil
}

// Start recovers stale runs once, then runs the cron loop until ctx is
// cancelled. It waits for running jobs before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "jobs", len(s.jobs))

	if err := s.recoverStale(ctx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
	}

	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() {
			start := s.now()
			if err := j.run(ctx); err != nil {
				s.logger.Error("maintenance job failed", "job", j.name, "error", err)
				return
			}
			s.logger.Debug("maintenance job finished", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
		}))
	}
	c.Start()

	<-ctx.Done()
	s.logger.Info("Stopping scheduler")
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) rebuildRoutes(ctx context.Context) error {
	if s.deps.Routes == nil {
		return nil
	}
	n, err := s.deps.Routes.RebuildRoutes(ctx)
	if err != nil {
		return fmt.Errorf("rebuild routes: %w", err)
	}
	s.logger.Info("routing cache rebuilt", "routes", n)
	return nil
}

// prune runs every pruner even if one fails and reports the first error.
func (s *Scheduler) prune(ctx context.Context) error {
	if s.opts.Retention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.opts.Retention)

	names := make([]string, 0, len(s.deps.Pruners))
	for name := range s.deps.Pruners {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		n, err := s.deps.Pruners[name].Prune(ctx, cutoff)
		if err != nil {
			s.logger.Error("prune failed", "target", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("prune %s: %w", name, err)
			}
			continue
		}
		if n > 0 {
			s.logger.Info("pruned", "target", name, "rows", n, "cutoff", cutoff)
		}
	}
	return firstErr
}

func (s *Scheduler) recoverStale(ctx context.Context) error {
	if s.deps.Runs == nil || s.opts.StaleAfter <= 0 {
		return nil
	}
	n, err := s.deps.Runs.RequeueStale(ctx, s.now().Add(-s.opts.StaleAfter))
	if err != nil {
		return fmt.Errorf("requeue stale runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("re-queued orphaned runs", "count", n)
	}
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
