// Package lease turns "this task is due" into "exactly one worker is running
// it" using lease timestamps stored on the scheduled task row.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-schedd/internal/bus"
	"github.com/basket/go-schedd/internal/notify"
	"github.com/basket/go-schedd/internal/otel"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/shared"
	"github.com/basket/go-schedd/internal/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	maxErrorMessageLen   = 2000
)

type ClaimResult string

const (
	ClaimClaimed        ClaimResult = "claimed"
	ClaimAlreadyClaimed ClaimResult = "already_claimed"
	ClaimNotFound       ClaimResult = "not_found"
	ClaimNotClaimable   ClaimResult = "not_claimable"
	ClaimNotDue         ClaimResult = "not_due"
)

type RenewResult string

const (
	RenewRenewed   RenewResult = "renewed"
	RenewCancelled RenewResult = "cancelled"
	RenewLeaseLost RenewResult = "lease_lost"
)

type ReleaseResult string

const (
	ReleaseCompleted      ReleaseResult = "completed"
	ReleaseRetryScheduled ReleaseResult = "retry_scheduled"
	ReleaseFailed         ReleaseResult = "failed"
	ReleaseCancelled      ReleaseResult = "cancelled"
	ReleaseLeaseLost      ReleaseResult = "lease_lost"
)

type CancelResult string

const (
	CancelCancelled       CancelResult = "cancelled"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Outcome is what the executor reported for one attempt.
type Outcome struct {
	Success bool
	Message string
}

func Succeeded() Outcome { return Outcome{Success: true} }

func Failed(message string) Outcome { return Outcome{Message: message} }

// Lease is a held claim on one scheduled task. It is safe to renew from one
// goroutine while another reads it.
type Lease struct {
	ScheduledTaskID string
	TaskID          string
	SessionID       string
	Owner           string
	Attempt         int
	MaxRetries      int
	Reclaimed       bool

	mu          sync.Mutex
	lockedUntil time.Time
}

func (l *Lease) LockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedUntil
}

func (l *Lease) ref() persistence.LeaseRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return persistence.LeaseRef{ScheduledTaskID: l.ScheduledTaskID, Owner: l.Owner, LockedUntil: l.lockedUntil}
}

type Config struct {
	Store    *persistence.Store
	WorkerID string
	// LeaseDuration is used when Claim or Renew is given a non-positive
	// duration. It must exceed the worst-case execution time between renewals.
	LeaseDuration   time.Duration
	Policy          RetryPolicy
	NotifyOnFailure bool
	Inbox           *notify.Inbox
	Bus             *bus.Bus
	Logger          *slog.Logger
	Metrics         *otel.Metrics
}

type Manager struct {
	store           *persistence.Store
	workerID        string
	leaseDuration   time.Duration
	policy          RetryPolicy
	notifyOnFailure bool
	inbox           *notify.Inbox
	bus             *bus.Bus
	logger          *slog.Logger
	metrics         *otel.Metrics
}

func NewManager(cfg Config) *Manager {
	if cfg.WorkerID == "" {
		cfg.WorkerID = shared.NewWorkerID("")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Policy == (RetryPolicy{}) {
		cfg.Policy = DefaultRetryPolicy()
	}
	return &Manager{
		store:           cfg.Store,
		workerID:        cfg.WorkerID,
		leaseDuration:   cfg.LeaseDuration,
		policy:          cfg.Policy,
		notifyOnFailure: cfg.NotifyOnFailure,
		inbox:           cfg.Inbox,
		bus:             cfg.Bus,
		logger:          telemetry.Component(cfg.Logger, "lease").With("worker_id", cfg.WorkerID),
		metrics:         cfg.Metrics,
	}
}

func (m *Manager) WorkerID() string { return m.workerID }

func (m *Manager) LeaseDuration() time.Duration { return m.leaseDuration }

func (m *Manager) failureNotification() persistence.NotificationFunc {
	if !m.notifyOnFailure {
		return nil
	}
	return notify.Failed
}

// Claim tries to take a lease on the scheduled task for leaseDuration (the
// configured default when non-positive). Conflicts are results, not errors;
// the Lease is non-nil only for ClaimClaimed.
func (m *Manager) Claim(ctx context.Context, scheduledTaskID string, leaseDuration time.Duration) (ClaimResult, *Lease, error) {
	if leaseDuration <= 0 {
		leaseDuration = m.leaseDuration
	}
	owner := m.workerID + "/" + uuid.NewString()
	rec, err := m.store.ClaimScheduledTask(ctx, persistence.ClaimParams{
		ScheduledTaskID: scheduledTaskID,
		Owner:           owner,
		WorkerID:        m.workerID,
		LeaseDuration:   leaseDuration,
		OnExpired:       m.failureNotification(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("claim %s: %w", scheduledTaskID, err)
	}
	logger := telemetry.WithTrace(ctx, m.logger).With("scheduled_task_id", scheduledTaskID)

	if rec.Claimed {
		st := rec.Task
		l := &Lease{
			ScheduledTaskID: st.ID,
			TaskID:          st.TaskID,
			SessionID:       st.SessionID,
			Owner:           st.LeaseOwner,
			Attempt:         st.Attempt,
			MaxRetries:      st.MaxRetries,
			Reclaimed:       rec.Reclaimed,
			lockedUntil:     *st.LockedUntil,
		}
		if m.metrics != nil {
			m.metrics.Claims.Add(ctx, 1)
			if rec.Reclaimed {
				m.metrics.LeasesReclaimed.Add(ctx, 1)
			}
		}
		if rec.Reclaimed {
			logger.Warn("reclaimed expired lease", "task_id", st.TaskID, "attempt", st.Attempt)
		} else {
			logger.Debug("claimed scheduled task", "task_id", st.TaskID, "locked_until", l.lockedUntil)
		}
		return ClaimClaimed, l, nil
	}

	if m.metrics != nil {
		m.metrics.ClaimConflicts.Add(ctx, 1)
	}
	if rec.Expired {
		logger.Warn("scheduled task failed: lease expired with no retries left",
			"task_id", rec.Task.TaskID, "attempt", rec.Task.Attempt)
		return ClaimNotClaimable, nil, nil
	}
	return classifyClaim(rec.Task), nil, nil
}

func classifyClaim(st *persistence.ScheduledTask) ClaimResult {
	if st == nil {
		return ClaimNotFound
	}
	switch st.Status {
	case persistence.StatusRunning:
		return ClaimAlreadyClaimed
	case persistence.StatusPending:
		return ClaimNotDue
	}
	return ClaimNotClaimable
}

// Renew extends the lease by extension (the configured lease duration when
// non-positive). RenewCancelled means the task was cancelled while running;
// RenewLeaseLost means another worker owns the task now. In both cases the
// caller must stop working on it.
func (m *Manager) Renew(ctx context.Context, l *Lease, extension time.Duration) (RenewResult, error) {
	if extension <= 0 {
		extension = m.leaseDuration
	}
	next, ok, err := m.store.RenewScheduledTaskLease(ctx, l.ref(), extension)
	if err != nil {
		return "", fmt.Errorf("renew %s: %w", l.ScheduledTaskID, err)
	}
	if !ok {
		st, err := m.store.GetScheduledTask(ctx, l.ScheduledTaskID)
		if err == nil && st.Status == persistence.StatusCancelled {
			telemetry.WithTrace(ctx, m.logger).Info("renew stopped: scheduled task was cancelled",
				"scheduled_task_id", l.ScheduledTaskID, "owner", l.Owner)
			return RenewCancelled, nil
		}
		m.leaseLost(ctx, l, "renew")
		return RenewLeaseLost, nil
	}
	l.mu.Lock()
	l.lockedUntil = next.LockedUntil
	l.mu.Unlock()
	return RenewRenewed, nil
}

// Release reports the outcome of the attempt held by l. Success completes the
// task. Failure schedules a retry with backoff while the task's budget lasts
// and fails it permanently after that. Nothing is written when the task was
// cancelled meanwhile (ReleaseCancelled) or another worker holds it now
// (ReleaseLeaseLost).
func (m *Manager) Release(ctx context.Context, l *Lease, outcome Outcome) (ReleaseResult, error) {
	var (
		rec persistence.ReleaseRecord
		err error
	)
	if outcome.Success {
		rec, err = m.store.CompleteScheduledTask(ctx, l.ref(), m.workerID, notify.Completed)
	} else {
		var retryAt *time.Time
		next := l.Attempt + 1
		if next <= l.MaxRetries {
			at := m.store.Now().Add(m.policy.Delay(l.ScheduledTaskID, next))
			retryAt = &at
		}
		rec, err = m.store.FailScheduledTask(ctx, l.ref(), persistence.FailParams{
			WorkerID: m.workerID,
			Error:    errorMessage(outcome.Message),
			RetryAt:  retryAt,
			Notify:   m.failureNotification(),
		})
	}
	if err != nil {
		return "", fmt.Errorf("release %s: %w", l.ScheduledTaskID, err)
	}

	logger := telemetry.WithTrace(ctx, m.logger).With("scheduled_task_id", l.ScheduledTaskID, "task_id", l.TaskID, "session_id", l.SessionID)
	if !rec.Applied {
		if rec.Task != nil && rec.Task.Status == persistence.StatusCancelled {
			logger.Info("release skipped: scheduled task was cancelled")
			return ReleaseCancelled, nil
		}
		m.leaseLost(ctx, l, "release")
		return ReleaseLeaseLost, nil
	}
	if m.inbox != nil {
		m.inbox.Observe(ctx, rec.Notification)
	}

	switch {
	case outcome.Success:
		logger.Info("scheduled task completed", "attempt", rec.Task.Attempt)
		return ReleaseCompleted, nil
	case rec.Retried:
		logger.Warn("scheduled task failed, retry scheduled",
			"attempt", rec.Task.Attempt, "max_retries", rec.Task.MaxRetries,
			"execute_at", rec.Task.ExecuteAt, "error", outcome.Message)
		return ReleaseRetryScheduled, nil
	default:
		logger.Error("scheduled task failed permanently",
			"attempt", rec.Task.Attempt, "max_retries", rec.Task.MaxRetries, "error", outcome.Message)
		return ReleaseFailed, nil
	}
}

// Cancel moves a pending or running task to cancelled. An unknown id returns
// an error wrapping persistence.ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, scheduledTaskID string) (CancelResult, error) {
	rec, err := m.store.CancelScheduledTask(ctx, scheduledTaskID, "")
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("cancel %s: %w", scheduledTaskID, err)
	}
	if !rec.Applied {
		return CancelAlreadyTerminal, nil
	}
	telemetry.WithTrace(ctx, m.logger).Info("scheduled task cancelled",
		"scheduled_task_id", scheduledTaskID, "from", string(rec.From))
	return CancelCancelled, nil
}

func (m *Manager) leaseLost(ctx context.Context, l *Lease, during string) {
	if m.metrics != nil {
		m.metrics.LeasesLost.Add(ctx, 1)
	}
	telemetry.WithTrace(ctx, m.logger).Warn("lease lost",
		"scheduled_task_id", l.ScheduledTaskID, "owner", l.Owner, "during", during)
	m.bus.Publish(bus.TopicScheduledLeaseLost, bus.LeaseLostEvent{ScheduledTaskID: l.ScheduledTaskID, Owner: l.Owner})
}

func errorMessage(msg string) string {
	msg = shared.Redact(msg)
	if msg == "" {
		msg = "execution failed"
	}
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
