package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/telemetry"
)

// Service is the caller-facing API for declaring and inspecting scheduled
// tasks. Execution happens in Loop.
type Service struct {
	store             *persistence.Store
	leases            *lease.Manager
	defaultMaxRetries int
	logger            *slog.Logger
}

// NewService returns a Service. defaultMaxRetries < 0 selects
// persistence.DefaultMaxRetries.
func NewService(store *persistence.Store, leases *lease.Manager, defaultMaxRetries int, logger *slog.Logger) *Service {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = persistence.DefaultMaxRetries
	}
	return &Service{
		store:             store,
		leases:            leases,
		defaultMaxRetries: defaultMaxRetries,
		logger:            telemetry.Component(logger, "scheduler.service"),
	}
}

type ScheduleRequest struct {
	TaskID    string
	SessionID string
	ExecuteAt time.Time
	// MaxRetries overrides the configured default when set.
	MaxRetries *int
}

// Schedule declares that TaskID should run at ExecuteAt. A time in the past
// makes the task due immediately.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*persistence.ScheduledTask, error) {
	if req.ExecuteAt.IsZero() {
		return nil, errors.New("execute_at is required")
	}
	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must be >= 0, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}
	st, err := s.store.CreateScheduledTask(ctx, persistence.NewScheduledTask{
		TaskID:     req.TaskID,
		SessionID:  req.SessionID,
		ExecuteAt:  req.ExecuteAt,
		MaxRetries: &maxRetries,
	})
	if err != nil {
		return nil, err
	}
	telemetry.WithTrace(ctx, s.logger).Info("task scheduled",
		"scheduled_task_id", st.ID, "task_id", st.TaskID, "session_id", st.SessionID,
		"execute_at", st.ExecuteAt, "max_retries", st.MaxRetries)
	return st, nil
}

func (s *Service) Cancel(ctx context.Context, scheduledTaskID string) (lease.CancelResult, error) {
	return s.leases.Cancel(ctx, scheduledTaskID)
}

func (s *Service) Get(ctx context.Context, scheduledTaskID string) (*persistence.ScheduledTask, error) {
	return s.store.GetScheduledTask(ctx, scheduledTaskID)
}

// ListDue returns tasks that a poll cycle would consider right now.
func (s *Service) ListDue(ctx context.Context, limit int) ([]persistence.ScheduledTask, error) {
	return s.store.ListDueScheduledTasks(ctx, s.store.Now(), limit)
}

func (s *Service) ListBySession(ctx context.Context, sessionID string, limit int) ([]persistence.ScheduledTask, error) {
	return s.store.ListScheduledTasksBySession(ctx, sessionID, limit)
}

func (s *Service) ListByTask(ctx context.Context, taskID string) ([]persistence.ScheduledTask, error) {
	return s.store.ListScheduledTasksByTask(ctx, taskID)
}

func (s *Service) List(ctx context.Context, status persistence.ScheduledTaskStatus, limit, offset int) ([]persistence.ScheduledTask, int, error) {
	return s.store.ListScheduledTasks(ctx, status, limit, offset)
}

func (s *Service) Counts(ctx context.Context) (map[persistence.ScheduledTaskStatus]int, error) {
	return s.store.ScheduledTaskCounts(ctx)
}

// Events returns the attempt log of a scheduled task, oldest first.
func (s *Service) Events(ctx context.Context, scheduledTaskID string) ([]persistence.ScheduledTaskEvent, error) {
	return s.store.ListScheduledTaskEvents(ctx, scheduledTaskID)
}

// Delete removes a scheduled task and its attempt log. A running task must be
// cancelled first so its worker sees the cancellation on release.
func (s *Service) Delete(ctx context.Context, scheduledTaskID string) error {
	st, err := s.store.GetScheduledTask(ctx, scheduledTaskID)
	if err != nil {
		return err
	}
	if st.Status == persistence.StatusRunning {
		return fmt.Errorf("scheduled task %s is running; cancel it first", scheduledTaskID)
	}
	return s.store.DeleteScheduledTask(ctx, scheduledTaskID)
}
