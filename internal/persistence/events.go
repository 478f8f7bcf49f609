package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-schedd/internal/shared"
)

// Event types recorded in scheduled_task_events.
const (
	EventCreated        = "created"
	EventClaimed        = "claimed"
	EventLeaseReclaimed = "lease_reclaimed"
	EventLeaseExpired   = "lease_expired"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventRetryScheduled = "retry_scheduled"
	EventCancelled      = "cancelled"
)

// ScheduledTaskEvent is one row of the append-only attempt log.
type ScheduledTaskEvent struct {
	EventID         int64               `json:"event_id"`
	ScheduledTaskID string              `json:"scheduled_task_id"`
	EventType       string              `json:"event_type"`
	StateFrom       ScheduledTaskStatus `json:"state_from,omitempty"`
	StateTo         ScheduledTaskStatus `json:"state_to"`
	WorkerID        string              `json:"worker_id,omitempty"`
	TraceID         string              `json:"trace_id,omitempty"`
	Attempt         int                 `json:"attempt"`
	Payload         string              `json:"payload"`
	CreatedAt       time.Time           `json:"created_at"`
}

type eventRecord struct {
	taskID   string
	kind     string
	from     ScheduledTaskStatus
	to       ScheduledTaskStatus
	workerID string
	attempt  int
	payload  map[string]any
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev eventRecord) error {
	payload := "{}"
	if len(ev.payload) > 0 {
		raw, err := json.Marshal(ev.payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(raw)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scheduled_task_events (scheduled_task_id, event_type, state_from, state_to, worker_id, trace_id, attempt, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
	`, ev.taskID, ev.kind, string(ev.from), string(ev.to), ev.workerID, traceID, ev.attempt, payload, formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("insert scheduled_task_event: %w", err)
	}
	return nil
}

// ListScheduledTaskEvents returns the attempt log for one scheduled task in
// insertion order.
func (s *Store) ListScheduledTaskEvents(ctx context.Context, scheduledTaskID string) ([]ScheduledTaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, scheduled_task_id, event_type, COALESCE(state_from, ''), state_to,
			COALESCE(worker_id, ''), COALESCE(trace_id, ''), attempt, payload_json, created_at
		FROM scheduled_task_events
		WHERE scheduled_task_id = ?
		ORDER BY event_id ASC;
	`, scheduledTaskID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled task events: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTaskEvent
	for rows.Next() {
		var ev ScheduledTaskEvent
		var from, to, created string
		if err := rows.Scan(&ev.EventID, &ev.ScheduledTaskID, &ev.EventType, &from, &to,
			&ev.WorkerID, &ev.TraceID, &ev.Attempt, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan scheduled task event: %w", err)
		}
		if from != "" {
			if ev.StateFrom, err = ParseStatus(from); err != nil {
				return nil, err
			}
		}
		if ev.StateTo, err = ParseStatus(to); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled task events: %w", err)
	}
	return out, nil
}
