package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/queue"
)

const maxBackoff = time.Hour

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, run *queue.Run) (string, error)
	Exhausted(ctx context.Context, run *queue.Run, cause error) error
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	BackoffBase  time.Duration
}

// Dispatcher dequeues runs and executes them on a worker pool.
type Dispatcher struct {
	queue  *queue.Queue
	runner Runner
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(q *queue.Queue, r Runner, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	return &Dispatcher{
		queue:  q,
		runner: r,
		opts:   opts,
		logger: log.WithComponent("dispatch"),
		now:    time.Now,
	}
}

// Start runs the worker pool until ctx is cancelled. In-flight runs finish
// before Start returns.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch started", "workers", d.opts.Workers)
	defer d.logger.Info("dispatch stopped")

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything that is due before waiting for the next tick.
			for ctx.Err() == nil {
				ran, err := d.processNext(ctx)
				if err != nil {
					d.logger.Error("failed to process run", "worker", worker, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// processNext executes at most one due run. ran is false when the queue had
// nothing due.
func (d *Dispatcher) processNext(ctx context.Context) (ran bool, err error) {
	run, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if run == nil {
		return false, nil
	}
	d.execute(ctx, run)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, run *queue.Run) {
	runLogger := log.WithDelivery(d.logger, run.Provider, run.DeliveryID).With("run_id", run.ID, "attempt", run.Attempt)

	outcome, err := d.runner.Run(ctx, run)
	if err == nil {
		runLogger.Debug("run completed", "outcome", outcome)
		d.complete(ctx, run.ID, queue.StatusSucceeded, nil)
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown mid-run; RequeueStale picks it up on the next start.
		runLogger.Warn("run interrupted by shutdown")
		return
	}

	msg := err.Error()
	if run.Attempt >= run.MaxAttempts {
		runLogger.Error("run failed on final attempt", "error", err)
		if xerr := d.runner.Exhausted(ctx, run, err); xerr != nil {
			// Leave the run in place for RequeueStale rather than lose the payload.
			runLogger.Error("failed to dead-letter exhausted run", "error", xerr)
			return
		}
		d.complete(ctx, run.ID, queue.StatusDead, &msg)
		return
	}

	delay := Backoff(d.opts.BackoffBase, run.Attempt)
	runLogger.Warn("run failed, retrying", "error", err, "retry_in", delay)
	if rerr := d.queue.Retry(ctx, run.ID, d.now().Add(delay), msg); rerr != nil {
		runLogger.Error("failed to schedule retry", "error", rerr)
	}
}

// Backoff returns base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (d *Dispatcher) complete(ctx context.Context, runID string, status queue.Status, lastError *string) {
	if err := d.queue.Complete(ctx, runID, status, lastError); err != nil {
		d.logger.Error("failed to complete run", "run_id", runID, "error", err)
	}
}
