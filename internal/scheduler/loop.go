// Package scheduler runs due scheduled tasks: it polls the store, claims
// leases within a concurrency limit, executes, renews and releases.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/basket/go-schedd/internal/bus"
	"github.com/basket/go-schedd/internal/executor"
	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/otel"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/shared"
	"github.com/basket/go-schedd/internal/telemetry"
)

const (
	DefaultPollInterval    = time.Second
	DefaultBatchSize       = 16
	DefaultConcurrency     = 4
	DefaultDispatchTimeout = 50 * time.Millisecond
	shutdownGrace          = time.Second

	releaseRetryInitial = 50 * time.Millisecond
	releaseRetryMax     = 2 * time.Second
)

type Config struct {
	Store    *persistence.Store
	Leases   *lease.Manager
	Executor executor.Executor
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	PollInterval time.Duration
	BatchSize    int
	// Concurrency caps executions in flight in this process.
	Concurrency int
	// RenewInterval defaults to a third of the lease duration.
	RenewInterval time.Duration
	// ExecuteTimeout bounds one attempt; zero means no limit.
	ExecuteTimeout time.Duration
	// DispatchTimeout is how long a poll cycle waits for a free slot before
	// leaving the rest of the batch for the next cycle.
	DispatchTimeout time.Duration
}

type Status struct {
	WorkerID    string    `json:"worker_id"`
	Concurrency int       `json:"concurrency"`
	InFlight    int32     `json:"in_flight"`
	Claimed     int64     `json:"claimed"`
	Completed   int64     `json:"completed"`
	Retried     int64     `json:"retried"`
	Failed      int64     `json:"failed"`
	Cancelled   int64     `json:"cancelled"`
	LeaseLost   int64     `json:"lease_lost"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type Loop struct {
	store    *persistence.Store
	leases   *lease.Manager
	exec     executor.Executor
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	wake     chan struct{}
	settings Config

	tunMu        sync.RWMutex
	pollInterval time.Duration
	batchSize    int

	startOnce sync.Once
	stopOnce  sync.Once
	stopPoll  context.CancelFunc
	pollWG    sync.WaitGroup
	sub       *bus.Subscription

	// Executions run under execCtx so that stopping the poller does not
	// interrupt them; Drain cancels it once its timeout passes.
	execCtx    context.Context
	cancelExec context.CancelFunc
	execWG     sync.WaitGroup

	inFlight  atomic.Int32
	claimed   atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	leaseLost atomic.Int64
	lastPoll  atomic.Int64
	lastError atomic.Pointer[string]
}

func New(cfg Config) (*Loop, error) {
	if cfg.Store == nil || cfg.Leases == nil || cfg.Executor == nil {
		return nil, errors.New("scheduler: store, lease manager and executor are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.Leases.LeaseDuration() / 3
	}
	if cfg.RenewInterval >= cfg.Leases.LeaseDuration() {
		return nil, fmt.Errorf("scheduler: renew interval %s must be shorter than lease duration %s",
			cfg.RenewInterval, cfg.Leases.LeaseDuration())
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Noop().Tracer
	}
	execCtx, cancelExec := context.WithCancel(context.Background())
	return &Loop{
		store:        cfg.Store,
		leases:       cfg.Leases,
		exec:         cfg.Executor,
		bus:          cfg.Bus,
		logger:       telemetry.Component(cfg.Logger, "scheduler").With("worker_id", cfg.Leases.WorkerID()),
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		sem:          semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:      rate.NewLimiter(rate.Every(cfg.PollInterval/10+time.Millisecond), 1),
		wake:         make(chan struct{}, 1),
		settings:     cfg,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		execCtx:      execCtx,
		cancelExec:   cancelExec,
	}, nil
}

// Start launches the poller. It logs orphaned leases left by a previous run;
// those are reclaimed by ordinary polling once they are due.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		if report, err := l.store.RecoveryReport(ctx, l.store.Now()); err != nil {
			l.logger.Error("recovery report failed", "error", err)
		} else if report.Orphaned > 0 {
			l.logger.Warn("found orphaned leases on startup",
				"running", report.Running, "orphaned", report.Orphaned, "oldest_orphaned", report.OldestOrphaned)
		}

		pollCtx, cancel := context.WithCancel(ctx)
		l.stopPoll = cancel

		if l.bus != nil {
			l.sub = l.bus.Subscribe(bus.TopicScheduledCreated)
			l.pollWG.Add(1)
			go func() {
				defer l.pollWG.Done()
				l.watchCreated(pollCtx)
			}()
		}

		l.pollWG.Add(1)
		go func() {
			defer l.pollWG.Done()
			l.poll(pollCtx)
		}()
		l.logger.Info("scheduler started",
			"poll_interval", l.settings.PollInterval, "concurrency", l.settings.Concurrency,
			"lease_duration", l.leases.LeaseDuration(), "renew_interval", l.settings.RenewInterval)
	})
}

// Stop stops polling and waits for the poller to exit. Executions already
// dispatched keep running; use Drain to wait for them.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.stopPoll != nil {
			l.stopPoll()
		}
		if l.sub != nil {
			l.bus.Unsubscribe(l.sub)
		}
		l.pollWG.Wait()
	})
}

// Drain stops polling and waits up to timeout for in-flight executions. On
// timeout the remaining executions are cancelled. Those that stop with a
// cancellation error leave their leases to expire for another worker to
// reclaim; those that return anything else are still released. It reports
// whether everything finished in time.
func (l *Loop) Drain(timeout time.Duration) bool {
	l.Stop()
	done := make(chan struct{})
	go func() {
		l.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("scheduler drained cleanly")
		l.cancelExec()
		return true
	case <-time.After(timeout):
	}
	l.logger.Warn("drain timeout; cancelling in-flight executions",
		"timeout", timeout, "in_flight", l.inFlight.Load())
	l.cancelExec()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
	}
	return false
}

// SetTunables applies hot-reloadable settings. Non-positive values keep the
// current setting.
func (l *Loop) SetTunables(pollInterval time.Duration, batchSize int) {
	l.tunMu.Lock()
	if pollInterval > 0 {
		l.pollInterval = pollInterval
	}
	if batchSize > 0 {
		l.batchSize = batchSize
	}
	l.tunMu.Unlock()
	l.signal()
}

func (l *Loop) tunables() (time.Duration, int) {
	l.tunMu.RLock()
	defer l.tunMu.RUnlock()
	return l.pollInterval, l.batchSize
}

func (l *Loop) Status() Status {
	s := Status{
		WorkerID:    l.leases.WorkerID(),
		Concurrency: l.settings.Concurrency,
		InFlight:    l.inFlight.Load(),
		Claimed:     l.claimed.Load(),
		Completed:   l.completed.Load(),
		Retried:     l.retried.Load(),
		Failed:      l.failed.Load(),
		Cancelled:   l.cancelled.Load(),
		LeaseLost:   l.leaseLost.Load(),
	}
	if ns := l.lastPoll.Load(); ns != 0 {
		s.LastPoll = time.Unix(0, ns).UTC()
	}
	if msg := l.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) poll(ctx context.Context) {
	for {
		if _, err := l.PollOnce(ctx); err != nil && ctx.Err() == nil {
			l.setLastError(err)
			l.logger.Error("poll cycle failed", "error", err)
		}
		interval, _ := l.tunables()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-l.wake:
			timer.Stop()
		}
	}
}

// watchCreated wakes the poller when a task is scheduled to run now, at most
// as often as the limiter allows. Anything skipped is found by the next
// regular poll.
func (l *Loop) watchCreated(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.sub.Ch():
			if !ok {
				return
			}
			created, isCreated := ev.Payload.(bus.ScheduledCreatedEvent)
			if !isCreated || created.ExecuteAt.After(l.store.Now()) {
				continue
			}
			if l.limiter.Allow() {
				l.signal()
			}
		}
	}
}

// PollOnce runs one poll cycle and returns how many executions it started.
// A task is claimed only after a concurrency slot is secured, so a busy
// worker never holds leases it cannot run.
func (l *Loop) PollOnce(ctx context.Context) (int, error) {
	_, batch := l.tunables()
	l.lastPoll.Store(time.Now().UnixNano())
	if l.metrics != nil {
		l.metrics.PollCycles.Add(ctx, 1)
	}

	due, err := l.store.ListDueScheduledTasks(ctx, l.store.Now(), batch)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	started := 0
	for _, st := range due {
		if ctx.Err() != nil {
			return started, nil
		}
		if !l.acquireSlot(ctx) {
			l.logger.Debug("no free execution slot; leaving remaining tasks for next cycle",
				"remaining", len(due)-started)
			break
		}
		res, held, err := l.leases.Claim(ctx, st.ID, 0)
		if err != nil {
			l.sem.Release(1)
			l.setLastError(err)
			l.logger.Error("claim failed", "scheduled_task_id", st.ID, "error", err)
			continue
		}
		if res != lease.ClaimClaimed {
			l.sem.Release(1)
			l.logger.Debug("claim skipped", "scheduled_task_id", st.ID, "result", string(res))
			continue
		}
		l.claimed.Add(1)
		started++
		l.execWG.Add(1)
		go func() {
			defer l.execWG.Done()
			defer l.sem.Release(1)
			l.execute(held)
		}()
	}
	return started, nil
}

func (l *Loop) acquireSlot(ctx context.Context) bool {
	if l.sem.TryAcquire(1) {
		return true
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.settings.DispatchTimeout)
	defer cancel()
	return l.sem.Acquire(waitCtx, 1) == nil
}

func (l *Loop) execute(held *lease.Lease) {
	ctx := shared.WithTraceID(l.execCtx, shared.NewTraceID())
	ctx = shared.WithWorkerID(ctx, l.leases.WorkerID())
	ctx = shared.WithScheduledTaskID(ctx, held.ScheduledTaskID)
	ctx, span := otel.StartSpan(ctx, l.tracer, "scheduler.execute",
		otel.AttrScheduledTaskID.String(held.ScheduledTaskID),
		otel.AttrTaskID.String(held.TaskID),
		otel.AttrSessionID.String(held.SessionID),
		otel.AttrWorkerID.String(l.leases.WorkerID()),
		otel.AttrAttempt.Int(held.Attempt),
	)
	defer span.End()

	logger := telemetry.WithTrace(ctx, l.logger).With(
		"scheduled_task_id", held.ScheduledTaskID, "task_id", held.TaskID, "session_id", held.SessionID)
	logger.Info("executing scheduled task", "attempt", held.Attempt, "reclaimed", held.Reclaimed)

	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	if l.metrics != nil {
		l.metrics.InFlight.Add(ctx, 1)
		defer l.metrics.InFlight.Add(context.WithoutCancel(ctx), -1)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if l.settings.ExecuteTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.settings.ExecuteTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	renewDone := make(chan lease.RenewResult, 1)
	go func() {
		renewDone <- l.renew(runCtx, cancel, held, logger)
	}()

	clientCtx, clientSpan := otel.StartClientSpan(runCtx, l.tracer, "executor.execute")
	start := time.Now()
	execErr := l.exec.Execute(clientCtx, executor.Request{
		ScheduledTaskID: held.ScheduledTaskID,
		TaskID:          held.TaskID,
		SessionID:       held.SessionID,
		Attempt:         held.Attempt,
	})
	elapsed := time.Since(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if execErr != nil {
		clientSpan.RecordError(execErr)
		clientSpan.SetStatus(codes.Error, execErr.Error())
	}
	clientSpan.End()
	cancel()
	stopped := <-renewDone

	releaseCtx := context.WithoutCancel(ctx)
	switch stopped {
	case lease.RenewCancelled:
		logger.Info("execution stopped: scheduled task was cancelled")
		l.record(releaseCtx, lease.ReleaseCancelled, elapsed)
		span.SetAttributes(attribute.String("schedd.release", string(lease.ReleaseCancelled)))
		return
	case lease.RenewLeaseLost:
		logger.Warn("execution result dropped: lease lost")
		l.record(releaseCtx, lease.ReleaseLeaseLost, elapsed)
		span.SetAttributes(attribute.Bool("schedd.lease_lost", true))
		return
	}
	// Only an execution that gave up because of shutdown is left to expire.
	if execErr != nil && l.execCtx.Err() != nil && errors.Is(execErr, context.Canceled) {
		logger.Warn("execution interrupted by shutdown; lease left to expire")
		return
	}

	outcome := lease.Succeeded()
	if execErr != nil {
		msg := execErr.Error()
		if timedOut {
			msg = fmt.Sprintf("execution timed out after %s: %s", l.settings.ExecuteTimeout, msg)
		}
		outcome = lease.Failed(msg)
		span.SetStatus(codes.Error, msg)
	}

	res, err := l.release(releaseCtx, held, outcome, logger)
	if err != nil {
		// The lease stays in place and expires; the task is then reclaimed.
		l.setLastError(err)
		logger.Error("release failed", "error", err)
		return
	}
	l.record(releaseCtx, res, elapsed)
	span.SetAttributes(attribute.String("schedd.release", string(res)))
}

// release retries store errors with backoff until one renew interval before
// the lease expires.
func (l *Loop) release(ctx context.Context, held *lease.Lease, outcome lease.Outcome, logger *slog.Logger) (lease.ReleaseResult, error) {
	window := held.LockedUntil().Sub(l.store.Now()) - l.settings.RenewInterval
	if window <= 0 {
		return l.leases.Release(ctx, held, outcome)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = releaseRetryInitial
	b.MaxInterval = releaseRetryMax
	op := func() (lease.ReleaseResult, error) {
		return l.leases.Release(ctx, held, outcome)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(window),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.setLastError(err)
			logger.Warn("release failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

// renew keeps the lease alive while the executor runs. A cancelled task or a
// lost lease cancels the executor and is reported as the return value.
func (l *Loop) renew(ctx context.Context, cancel context.CancelFunc, held *lease.Lease, logger *slog.Logger) lease.RenewResult {
	ticker := time.NewTicker(l.settings.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
			res, err := l.leases.Renew(ctx, held, 0)
			if err != nil {
				if ctx.Err() != nil {
					return ""
				}
				l.setLastError(err)
				logger.Warn("lease renewal failed", "error", err)
				continue
			}
			if res == lease.RenewCancelled || res == lease.RenewLeaseLost {
				cancel()
				return res
			}
		}
	}
}

func (l *Loop) record(ctx context.Context, res lease.ReleaseResult, elapsed time.Duration) {
	var outcome string
	switch res {
	case lease.ReleaseCompleted:
		l.completed.Add(1)
		outcome = otel.OutcomeCompleted
	case lease.ReleaseRetryScheduled:
		l.retried.Add(1)
		outcome = otel.OutcomeRetry
	case lease.ReleaseFailed:
		l.failed.Add(1)
		outcome = otel.OutcomeFailed
	case lease.ReleaseCancelled:
		l.cancelled.Add(1)
		outcome = otel.OutcomeCancelled
	case lease.ReleaseLeaseLost:
		l.leaseLost.Add(1)
		outcome = otel.OutcomeLeaseLost
	}
	l.metrics.RecordExecution(ctx, outcome, elapsed.Seconds())
}

func (l *Loop) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	l.lastError.Store(&msg)
}
