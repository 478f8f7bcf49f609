package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedNotifications  int64 `json:"purged_notifications"`
	PurgedScheduledTasks int64 `json:"purged_scheduled_tasks"`
	PurgedEvents         int64 `json:"purged_events"`
}

// RetentionPolicy holds per-category windows in days. Zero disables a category.
type RetentionPolicy struct {
	ReadNotificationDays int
	TerminalTaskDays     int
	EventDays            int
}

// RunRetention deletes old read notifications, old terminal scheduled tasks
// (completed, cancelled, or failed with no retries left) and old events.
// Unread notifications and live tasks are never purged. Running it twice is
// harmless.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	now := s.Now()

	purge := func(days int, query string, dst *int64, what string) error {
		if days <= 0 {
			return nil
		}
		cutoff := formatTime(now.AddDate(0, 0, -days))
		return retryOnBusy(ctx, busyRetries, func() error {
			res, err := s.db.ExecContext(ctx, query, cutoff)
			if err != nil {
				return fmt.Errorf("purge %s: %w", what, err)
			}
			*dst, _ = res.RowsAffected()
			return nil
		})
	}

	if err := purge(p.EventDays, `DELETE FROM scheduled_task_events WHERE created_at < ?;`,
		&result.PurgedEvents, "scheduled_task_events"); err != nil {
		return result, err
	}
	if err := purge(p.ReadNotificationDays, `DELETE FROM notifications WHERE read_at IS NOT NULL AND created_at < ?;`,
		&result.PurgedNotifications, "notifications"); err != nil {
		return result, err
	}
	if err := purge(p.TerminalTaskDays, `
		DELETE FROM scheduled_tasks
		WHERE updated_at < ?
			AND (status IN ('completed', 'cancelled') OR (status = 'failed' AND attempt > max_retries));
	`, &result.PurgedScheduledTasks, "scheduled_tasks"); err != nil {
		return result, err
	}
	return result, nil
}
