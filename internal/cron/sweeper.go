// Package cron runs periodic store maintenance on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/telemetry"
)

const DefaultSpec = "17 3 * * *"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	Policy persistence.RetentionPolicy
	// Spec is the cron expression for retention runs; defaults to DefaultSpec.
	Spec string
	// Interval is how often the sweeper checks whether a run is due; defaults
	// to 1 minute.
	Interval time.Duration
}

// Sweeper purges old notifications, terminal scheduled tasks and events
// whenever its cron expression comes due. Time is read from the store's clock.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	policy   persistence.RetentionPolicy
	schedule cronlib.Schedule
	spec     string
	interval time.Duration

	mu   sync.Mutex
	next time.Time
	last persistence.RetentionResult
	runs atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   telemetry.Component(cfg.Logger, "cron"),
		policy:   cfg.Policy,
		schedule: schedule,
		spec:     spec,
		interval: interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine. The first run
// happens at the next time matching the schedule, not immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.next = s.schedule.Next(s.store.Now())
	next := s.next
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "schedule", s.spec, "next_run_at", next)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := s.store.Now()
	s.mu.Lock()
	due := !now.Before(s.next)
	if due {
		s.next = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}
}

// RunNow runs one retention pass immediately.
func (s *Sweeper) RunNow(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := s.store.RunRetention(ctx, s.policy)
	if err != nil {
		return res, err
	}
	s.runs.Add(1)
	s.mu.Lock()
	s.last = res
	next := s.next
	s.mu.Unlock()
	s.logger.Info("retention sweep finished",
		"purged_notifications", res.PurgedNotifications,
		"purged_scheduled_tasks", res.PurgedScheduledTasks,
		"purged_events", res.PurgedEvents,
		"next_run_at", next,
	)
	return res, nil
}

// Runs reports how many retention passes completed.
func (s *Sweeper) Runs() int64 { return s.runs.Load() }

func (s *Sweeper) LastResult() persistence.RetentionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
