package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-schedd/internal/bus"
)

// LeaseExpiredMessage is the error_message recorded when a task is failed because
// its lease ran out with no retries left.
const LeaseExpiredMessage = "lease expired"

// LeaseRef identifies one specific lease. Every lease mutation compares all
// three fields, so a stale holder can never touch a reclaimed task.
type LeaseRef struct {
	ScheduledTaskID string
	Owner           string
	LockedUntil     time.Time
}

type ClaimParams struct {
	ScheduledTaskID string
	Owner           string
	WorkerID        string
	LeaseDuration   time.Duration
	// OnExpired builds the error notification when an exhausted orphan is
	// failed instead of reclaimed.
	OnExpired NotificationFunc
}

// ClaimRecord is the raw result of a claim attempt. When Claimed is false,
// Task is the row as it stood (nil if it does not exist) so the caller can
// classify the conflict.
type ClaimRecord struct {
	Task      *ScheduledTask
	Claimed   bool
	Reclaimed bool
	Expired   bool
}

type FailParams struct {
	WorkerID string
	Error    string
	// RetryAt schedules the failed->pending hop. Nil fails permanently.
	RetryAt *time.Time
	// Notify builds the notification for a permanent failure.
	Notify NotificationFunc
}

// ReleaseRecord is the raw result of a release. When Applied is false, Task
// is the current row (nil if deleted).
type ReleaseRecord struct {
	Task         *ScheduledTask
	Applied      bool
	Retried      bool
	Notification *Notification
}

type CancelRecord struct {
	Task    *ScheduledTask
	Applied bool
	From    ScheduledTaskStatus
}

// txEffects collects post-commit publications so that a retried transaction
// does not publish twice.
type txEffects struct {
	transitions   []bus.ScheduledStateChangedEvent
	notifications []*Notification
}

func (e *txEffects) reset() {
	e.transitions = e.transitions[:0]
	e.notifications = e.notifications[:0]
}

func (s *Store) publishEffects(e *txEffects) {
	for _, ev := range e.transitions {
		s.bus.Publish(bus.TopicScheduledStateChanged, ev)
	}
	for _, n := range e.notifications {
		s.publishNotification(n, bus.TopicNotificationCreated)
	}
}

func updateReturningTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (*ScheduledTask, error) {
	var st ScheduledTask
	err := scanScheduledTask(tx.QueryRowContext(ctx, query+` RETURNING `+scheduledTaskColumns+`;`, args...).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func getScheduledTaskTx(ctx context.Context, tx *sql.Tx, id string) (*ScheduledTask, error) {
	var st ScheduledTask
	err := scanScheduledTask(tx.QueryRowContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?;`, id).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select scheduled task: %w", err)
	}
	return &st, nil
}

// transitionTx applies a guarded UPDATE that moves a row from -> to and logs
// the hop. It returns nil when the guard did not match.
func (s *Store) transitionTx(
	ctx context.Context,
	tx *sql.Tx,
	effects *txEffects,
	from, to ScheduledTaskStatus,
	ev eventRecord,
	query string,
	args ...any,
) (*ScheduledTask, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	st, err := updateReturningTx(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update scheduled task %s -> %s: %w", from, to, err)
	}
	if st == nil {
		return nil, nil
	}
	if st.Status != to {
		return nil, fmt.Errorf("%w: update left row in %s, want %s", ErrIllegalTransition, st.Status, to)
	}
	ev.taskID = st.ID
	ev.from = from
	ev.to = to
	ev.attempt = st.Attempt
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	effects.transitions = append(effects.transitions, bus.ScheduledStateChangedEvent{
		ScheduledTaskID: st.ID,
		TaskID:          st.TaskID,
		SessionID:       st.SessionID,
		OldStatus:       string(from),
		NewStatus:       string(to),
		Attempt:         st.Attempt,
	})
	return st, nil
}

func (s *Store) notifyTx(ctx context.Context, tx *sql.Tx, effects *txEffects, build NotificationFunc, st *ScheduledTask) (*Notification, error) {
	if build == nil || st == nil || st.SessionID == "" {
		return nil, nil
	}
	req := build(*st)
	if req == nil {
		return nil, nil
	}
	n, err := s.insertNotificationTx(ctx, tx, *req)
	if err != nil {
		return nil, err
	}
	effects.notifications = append(effects.notifications, n)
	return n, nil
}

// ClaimScheduledTask takes an exclusive lease on a scheduled task. A pending
// task is claimable once due. A running task is reclaimable once its lease has
// expired, which counts as a failed attempt; when that attempt would exceed
// the retry budget the task is failed with "lease expired" instead. Each path
// is one conditional UPDATE, so racing claimers cannot both succeed.
func (s *Store) ClaimScheduledTask(ctx context.Context, p ClaimParams) (ClaimRecord, error) {
	if p.ScheduledTaskID == "" || p.Owner == "" {
		return ClaimRecord{}, fmt.Errorf("scheduled task id and lease owner are required")
	}
	if p.LeaseDuration <= 0 {
		return ClaimRecord{}, fmt.Errorf("lease duration must be positive")
	}

	var rec ClaimRecord
	var effects txEffects
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec = ClaimRecord{}
		effects.reset()

		now := s.Now()
		nowText := formatTime(now)
		lockedUntil := formatTime(now.Add(p.LeaseDuration))

		st, err := s.transitionTx(ctx, tx, &effects, StatusPending, StatusRunning,
			eventRecord{kind: EventClaimed, workerID: p.WorkerID, payload: map[string]any{"locked_until": lockedUntil}},
			`UPDATE scheduled_tasks
			SET status = 'running', locked_until = ?, lease_owner = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND execute_at <= ?`,
			lockedUntil, p.Owner, nowText, p.ScheduledTaskID, nowText)
		if err != nil {
			return err
		}
		if st != nil {
			rec.Task, rec.Claimed = st, true
			return nil
		}

		st, err = updateReturningTx(ctx, tx, `
			UPDATE scheduled_tasks
			SET locked_until = ?, lease_owner = ?, attempt = attempt + 1, updated_at = ?
			WHERE id = ? AND status = 'running' AND locked_until < ? AND attempt < max_retries`,
			lockedUntil, p.Owner, nowText, p.ScheduledTaskID, nowText)
		if err != nil {
			return fmt.Errorf("reclaim scheduled task: %w", err)
		}
		if st != nil {
			if err := s.appendEventTx(ctx, tx, eventRecord{
				taskID:   st.ID,
				kind:     EventLeaseReclaimed,
				from:     StatusRunning,
				to:       StatusRunning,
				workerID: p.WorkerID,
				attempt:  st.Attempt,
				payload:  map[string]any{"locked_until": lockedUntil, "reason": LeaseExpiredMessage},
			}); err != nil {
				return err
			}
			rec.Task, rec.Claimed, rec.Reclaimed = st, true, true
			return nil
		}

		st, err = s.transitionTx(ctx, tx, &effects, StatusRunning, StatusFailed,
			eventRecord{kind: EventLeaseExpired, workerID: p.WorkerID, payload: map[string]any{"error": LeaseExpiredMessage}},
			`UPDATE scheduled_tasks
			SET status = 'failed', locked_until = NULL, lease_owner = NULL, attempt = attempt + 1,
				error_message = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND locked_until < ? AND attempt >= max_retries`,
			LeaseExpiredMessage, nowText, p.ScheduledTaskID, nowText)
		if err != nil {
			return err
		}
		if st != nil {
			if _, err := s.notifyTx(ctx, tx, &effects, p.OnExpired, st); err != nil {
				return err
			}
			rec.Task, rec.Expired = st, true
			return nil
		}

		rec.Task, err = getScheduledTaskTx(ctx, tx, p.ScheduledTaskID)
		return err
	})
	if err != nil {
		return ClaimRecord{}, err
	}
	s.publishEffects(&effects)
	return rec, nil
}

// RenewScheduledTaskLease pushes locked_until forward for the holder of ref.
// It returns the new lease, or ok=false when the row no longer carries ref.
func (s *Store) RenewScheduledTaskLease(ctx context.Context, ref LeaseRef, extension time.Duration) (LeaseRef, bool, error) {
	if extension <= 0 {
		return ref, false, fmt.Errorf("lease extension must be positive")
	}
	next := ref
	var ok bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := s.Now()
		next.LockedUntil = now.Add(extension)
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET locked_until = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_owner = ? AND locked_until = ?;
		`, formatTime(next.LockedUntil), formatTime(now), ref.ScheduledTaskID, ref.Owner, formatTime(ref.LockedUntil))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = affected == 1
		return nil
	})
	if err != nil {
		return ref, false, fmt.Errorf("renew lease: %w", err)
	}
	if !ok {
		return ref, false, nil
	}
	next.LockedUntil = next.LockedUntil.UTC().Round(0)
	return next, true, nil
}

// CompleteScheduledTask moves the leased task to completed and stores the
// completion notification in the same transaction.
func (s *Store) CompleteScheduledTask(ctx context.Context, ref LeaseRef, workerID string, notify NotificationFunc) (ReleaseRecord, error) {
	var rec ReleaseRecord
	var effects txEffects
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec = ReleaseRecord{}
		effects.reset()

		st, err := s.transitionTx(ctx, tx, &effects, StatusRunning, StatusCompleted,
			eventRecord{kind: EventCompleted, workerID: workerID},
			`UPDATE scheduled_tasks
			SET status = 'completed', locked_until = NULL, lease_owner = NULL, error_message = NULL, updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_owner = ? AND locked_until = ?`,
			formatTime(s.Now()), ref.ScheduledTaskID, ref.Owner, formatTime(ref.LockedUntil))
		if err != nil {
			return err
		}
		if st == nil {
			rec.Task, err = getScheduledTaskTx(ctx, tx, ref.ScheduledTaskID)
			return err
		}
		rec.Task, rec.Applied = st, true
		rec.Notification, err = s.notifyTx(ctx, tx, &effects, notify, st)
		return err
	})
	if err != nil {
		return ReleaseRecord{}, err
	}
	s.publishEffects(&effects)
	return rec, nil
}

// FailScheduledTask records a failed attempt for the leased task. With
// RetryAt set the row continues to pending at that time with the error
// cleared; the event log keeps the error. Otherwise the failure is permanent.
func (s *Store) FailScheduledTask(ctx context.Context, ref LeaseRef, p FailParams) (ReleaseRecord, error) {
	var rec ReleaseRecord
	var effects txEffects
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec = ReleaseRecord{}
		effects.reset()
		nowText := formatTime(s.Now())

		st, err := s.transitionTx(ctx, tx, &effects, StatusRunning, StatusFailed,
			eventRecord{kind: EventFailed, workerID: p.WorkerID, payload: map[string]any{"error": p.Error}},
			`UPDATE scheduled_tasks
			SET status = 'failed', locked_until = NULL, lease_owner = NULL, attempt = attempt + 1,
				error_message = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_owner = ? AND locked_until = ?`,
			p.Error, nowText, ref.ScheduledTaskID, ref.Owner, formatTime(ref.LockedUntil))
		if err != nil {
			return err
		}
		if st == nil {
			rec.Task, err = getScheduledTaskTx(ctx, tx, ref.ScheduledTaskID)
			return err
		}
		rec.Task, rec.Applied = st, true

		if p.RetryAt != nil {
			retryAt := formatTime(*p.RetryAt)
			retried, err := s.transitionTx(ctx, tx, &effects, StatusFailed, StatusPending,
				eventRecord{kind: EventRetryScheduled, workerID: p.WorkerID, payload: map[string]any{"execute_at": retryAt, "error": p.Error}},
				`UPDATE scheduled_tasks
				SET status = 'pending', execute_at = ?, error_message = NULL, updated_at = ?
				WHERE id = ? AND status = 'failed' AND attempt <= max_retries`,
				retryAt, nowText, st.ID)
			if err != nil {
				return err
			}
			if retried != nil {
				rec.Task, rec.Retried = retried, true
				return nil
			}
		}
		rec.Notification, err = s.notifyTx(ctx, tx, &effects, p.Notify, st)
		return err
	})
	if err != nil {
		return ReleaseRecord{}, err
	}
	s.publishEffects(&effects)
	return rec, nil
}

// CancelScheduledTask cancels a pending or running task and drops any lease.
// A worker still executing it finds the row cancelled when it releases.
func (s *Store) CancelScheduledTask(ctx context.Context, id, reason string) (CancelRecord, error) {
	var rec CancelRecord
	var effects txEffects
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec = CancelRecord{}
		effects.reset()
		nowText := formatTime(s.Now())

		var payload map[string]any
		if reason != "" {
			payload = map[string]any{"reason": reason}
		}
		for _, from := range []ScheduledTaskStatus{StatusPending, StatusRunning} {
			st, err := s.transitionTx(ctx, tx, &effects, from, StatusCancelled,
				eventRecord{kind: EventCancelled, payload: payload},
				`UPDATE scheduled_tasks
				SET status = 'cancelled', locked_until = NULL, lease_owner = NULL, updated_at = ?
				WHERE id = ? AND status = ?`,
				nowText, id, from)
			if err != nil {
				return err
			}
			if st != nil {
				rec.Task, rec.Applied, rec.From = st, true, from
				return nil
			}
		}
		st, err := getScheduledTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
		}
		rec.Task = st
		return nil
	})
	if err != nil {
		return CancelRecord{}, err
	}
	s.publishEffects(&effects)
	return rec, nil
}
