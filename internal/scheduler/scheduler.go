package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loanpipe/internal/model"
	"loanpipe/internal/repository"
	"loanpipe/pkg/logger"
)

// OutcomeCode is what a handler reports back for one task run.
type OutcomeCode int

const (
	OutcomeSuccess OutcomeCode = iota
	OutcomeRetry
	OutcomeFailure
)

// Outcome carries the handler verdict. Delay, when set on a retry, overrides
// the task's exponential backoff (used for short "waiting on documents"
// re-checks).
type Outcome struct {
	Code  OutcomeCode
	Delay time.Duration
	Err   error
}

func Succeed() Outcome                           { return Outcome{Code: OutcomeSuccess} }
func Retry(err error) Outcome                    { return Outcome{Code: OutcomeRetry, Err: err} }
func RetryIn(d time.Duration, err error) Outcome { return Outcome{Code: OutcomeRetry, Delay: d, Err: err} }
func Fail(err error) Outcome                     { return Outcome{Code: OutcomeFailure, Err: err} }

// Handler executes one leased task and reports the outcome.
type Handler func(ctx context.Context, task model.ScheduledTask) Outcome

// Options controls how a task is enqueued.
type Options struct {
	RequiresNetwork bool
	Uniqueness      repository.Uniqueness
	BackoffBase     time.Duration
	RunAt           time.Time // zero means now
}

// Config tunes the polling worker pool.
type Config struct {
	Tick       time.Duration // poll interval
	Workers    int           // max concurrent task runs
	LeaseFor   time.Duration // lease duration before a crashed run is reaped
	MaxBackoff time.Duration // backoff cap for handler retries
}

func (c *Config) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = 10 * time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 24 * time.Hour
	}
}

// Scheduler is a durable task runner backed by the scheduled_tasks table.
// Tasks survive restarts; per-key exclusivity comes from row leasing; tasks
// that need the network are held while the connectivity probe reports
// offline.
type Scheduler struct {
	tasks repository.TaskRepository
	probe ConnectivityProbe
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

// New returns a scheduler polling the given task repository.
func New(tasks repository.TaskRepository, probe ConnectivityProbe, cfg Config) *Scheduler {
	cfg.withDefaults()
	if probe == nil {
		probe = AlwaysOnline{}
	}
	return &Scheduler{
		tasks:    tasks,
		probe:    probe,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a task kind. Must be called before Run.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Enqueue persists a task for the given logical key. How an existing active
// task for the same key is treated depends on opts.Uniqueness.
func (s *Scheduler) Enqueue(ctx context.Context, key, kind string, payload any, opts Options) error {
	raw := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
		raw = string(b)
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = s.now()
	}

	task := &model.ScheduledTask{
		Key:             key,
		Kind:            kind,
		Payload:         raw,
		NextRunAt:       runAt,
		RequiresNetwork: opts.RequiresNetwork,
		BackoffBase:     opts.BackoffBase,
	}
	if err := s.tasks.Upsert(ctx, task, opts.Uniqueness); err != nil {
		return fmt.Errorf("enqueue task %s/%s: %w", kind, key, err)
	}
	logger.Debug(ctx, "task enqueued", "key", key, "kind", kind, "run_at", runAt)
	return nil
}

// CancelKey drops all active tasks for a key.
func (s *Scheduler) CancelKey(ctx context.Context, key string) error {
	return s.tasks.DeleteByKey(ctx, key)
}

// Run polls for due tasks until ctx is cancelled. Blocks; call in a
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.sweep(ctx, sem, &wg)
		}
	}
}

// sweep performs a single poll: reap dead leases, lease due work, dispatch.
func (s *Scheduler) sweep(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	now := s.now()

	if reaped, err := s.tasks.ReapExpired(ctx, now); err != nil {
		logger.Warn(ctx, "failed to reap expired leases", "error", err)
	} else if reaped > 0 {
		logger.Info(ctx, "requeued tasks with expired leases", "count", reaped)
	}

	online := s.probe.Online(ctx)

	due, err := s.tasks.LeaseDue(ctx, now, s.cfg.Workers*2, online, s.cfg.LeaseFor)
	if err != nil {
		logger.Warn(ctx, "failed to lease due tasks", "error", err)
		return
	}

	for _, task := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(task model.ScheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTask(ctx, task)
		}(task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task model.ScheduledTask) {
	taskCtx := context.WithValue(ctx, logger.TaskKey, task.Key)

	s.mu.RLock()
	handler, ok := s.handlers[task.Kind]
	s.mu.RUnlock()
	if !ok {
		logger.Error(taskCtx, "no handler registered for task kind", "kind", task.Kind)
		_ = s.tasks.Fail(taskCtx, task.ID, "no handler for kind "+task.Kind)
		return
	}

	outcome := handler(taskCtx, task)
	switch outcome.Code {
	case OutcomeSuccess:
		if err := s.tasks.Complete(taskCtx, task.ID); err != nil {
			logger.Warn(taskCtx, "failed to complete task", "error", err)
		}
	case OutcomeRetry:
		attempts := task.Attempts + 1
		delay := outcome.Delay
		if delay <= 0 {
			delay = ExponentialBackoff(task.BackoffBase, attempts, s.cfg.MaxBackoff)
		}
		reason := ""
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if err := s.tasks.Reschedule(taskCtx, task.ID, s.now().Add(delay), attempts, reason); err != nil {
			logger.Warn(taskCtx, "failed to reschedule task", "error", err)
		}
		logger.Info(taskCtx, "task rescheduled", "kind", task.Kind, "attempts", attempts, "delay", delay)
	case OutcomeFailure:
		reason := ""
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if err := s.tasks.Fail(taskCtx, task.ID, reason); err != nil {
			logger.Warn(taskCtx, "failed to mark task failed", "error", err)
		}
		logger.Warn(taskCtx, "task failed terminally", "kind", task.Kind, "reason", reason)
	}
}

// ExponentialBackoff returns base * 2^(attempts-1) capped at max.
func ExponentialBackoff(base time.Duration, attempts int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
