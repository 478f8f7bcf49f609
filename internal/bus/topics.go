package bus

import "time"

// Scheduled task lifecycle topics.
const (
	TopicScheduledCreated      = "scheduled.created"
	TopicScheduledStateChanged = "scheduled.state_changed"
	TopicScheduledLeaseLost    = "scheduled.lease_lost"
)

// Inbox topics.
const (
	TopicNotificationCreated = "notification.created"
	TopicNotificationRead    = "notification.read"
)

// ScheduledCreatedEvent is published after a scheduled task row commits.
type ScheduledCreatedEvent struct {
	ScheduledTaskID string
	TaskID          string
	SessionID       string
	ExecuteAt       time.Time
}

// ScheduledStateChangedEvent is published after a status transition commits.
type ScheduledStateChangedEvent struct {
	ScheduledTaskID string
	TaskID          string
	SessionID       string
	OldStatus       string
	NewStatus       string
	Attempt         int
}

// LeaseLostEvent is published when a worker discovers another owner took its lease.
type LeaseLostEvent struct {
	ScheduledTaskID string
	Owner           string
}

// NotificationEvent is published when a notification is created or read.
type NotificationEvent struct {
	NotificationID string
	SessionID      string
	Type           string
}
