// Package schedule triggers pipeline runs periodically and on demand.
package schedule

import (
	"buonacaccia-notifier/poll"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Trigger classes.
const (
	ClassPeriodic  = "periodic"
	ClassManual    = "manual"
	ClassBootstrap = "bootstrap"
)

// ErrStopped is returned for triggers arriving after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger string) (poll.Outcome, error)
}

// Scheduler owns the periodic jobs. Each job name is unique: registering a name
// again replaces its schedule. At most one run per name is in flight; concurrent
// triggers of the same name share its result.
type Scheduler struct {
	runner     Runner
	logger     *slog.Logger
	cron       *cron.Cron
	entries    map[string]cron.EntryID
	baseCtx    context.Context
	cancel     context.CancelFunc
	group      singleflight.Group
	attempts   uint
	retryDelay time.Duration
	mu         sync.Mutex // guards entries and stopped
	stopped    bool
	wg         sync.WaitGroup
}

// New creates a scheduler evaluating cron expressions in loc.
func New(runner Runner, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:     runner,
		logger:     logger,
		cron:       cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger})),
		entries:    make(map[string]cron.EntryID),
		baseCtx:    ctx,
		cancel:     cancel,
		attempts:   3,
		retryDelay: time.Minute,
	}
}

// WithRetry sets how many times a run reporting OutcomeRetry is attempted, and the initial delay between attempts.
func (s *Scheduler) WithRetry(attempts uint, delay time.Duration) *Scheduler {
	if attempts > 0 {
		s.attempts = attempts
	}
	if delay > 0 {
		s.retryDelay = delay
	}
	return s
}

// Every registers or replaces the job name with a cron schedule.
func (s *Scheduler) Every(name, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		s.logger.Info("Replacing scheduled job", "name", name, "schedule", expr)
	}
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Trigger(s.baseCtx, name); err != nil {
			s.logger.Warn("Scheduled run failed", "name", name, "error", err)
		}
	}))
	return nil
}

// Next returns the next activation of the named job, or the zero time if it is not scheduled.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Trigger runs the named class now. Periodic and bootstrap runs reporting OutcomeRetry
// are retried; manual runs are attempted once so the caller gets a prompt answer.
// If a run of the same class is already in flight, Trigger joins it. The run itself
// is bound to the scheduler, not to ctx: a caller giving up stops waiting but does
// not cancel the run for the other callers.
func (s *Scheduler) Trigger(ctx context.Context, name string) (poll.Outcome, error) {
	type result struct {
		outcome poll.Outcome
		err     error
	}
	ch := s.group.DoChan(name, func() (any, error) {
		if !s.track() {
			return result{outcome: poll.OutcomeCancelled, err: ErrStopped}, nil
		}
		defer s.wg.Done()
		outcome, err := s.runWithRetry(s.baseCtx, name, s.attemptsFor(name))
		return result{outcome: outcome, err: err}, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Joined in-flight run", "name", name)
		}
		r, _ := res.Val.(result)
		return r.outcome, r.err
	case <-ctx.Done():
		return poll.OutcomeCancelled, fmt.Errorf("waiting for %s run: %w", name, ctx.Err())
	}
}

func (s *Scheduler) attemptsFor(name string) uint {
	if name == ClassManual {
		return 1
	}
	return s.attempts
}

// track registers a run with the stop barrier. It reports false once Stop has begun.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) runWithRetry(ctx context.Context, name string, attempts uint) (poll.Outcome, error) {
	outcome := poll.OutcomeRetry
	err := retry.Do(
		func() error {
			var runErr error
			outcome, runErr = s.runner.Run(ctx, name)
			switch outcome {
			case poll.OutcomeSuccess:
				return nil
			case poll.OutcomeCancelled:
				return retry.Unrecoverable(runErr)
			default:
				if runErr == nil {
					runErr = errors.New("run asked to be retried")
				}
				return runErr
			}
		},
		retry.Attempts(attempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(30*time.Minute),
		retry.MaxJitter(s.retryDelay/2+time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying run after failure", "name", name, "attempt", n, "error", err)
		}),
	)
	if err != nil && ctx.Err() != nil {
		outcome = poll.OutcomeCancelled
	}
	return outcome, err
}

// Bootstrap starts a one-off run in the background when needed, for example on a cold cache.
// The returned channel is closed once that run has finished, or immediately when no run is needed.
func (s *Scheduler) Bootstrap(needed bool) <-chan struct{} {
	done := make(chan struct{})
	if !needed {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		s.logger.Info("Starting bootstrap run")
		outcome, err := s.Trigger(context.Background(), ClassBootstrap)
		s.logger.Info("Bootstrap run finished", "outcome", outcome.String(), "error", err)
	}()
	return done
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels in-flight runs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to stop: %w", ctx.Err())
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
