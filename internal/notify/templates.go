package notify

import (
	"encoding/json"
	"fmt"

	"github.com/basket/go-schedd/internal/persistence"
)

// lifecyclePayload is the payload attached to scheduler-produced
// notifications. Consumers may rely on these keys.
type lifecyclePayload struct {
	ScheduledTaskID string `json:"scheduled_task_id"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Attempt         int    `json:"attempt"`
	Error           string `json:"error,omitempty"`
}

func payloadFor(task persistence.ScheduledTask) json.RawMessage {
	raw, err := json.Marshal(lifecyclePayload{
		ScheduledTaskID: task.ID,
		TaskID:          task.TaskID,
		Status:          string(task.Status),
		Attempt:         task.Attempt,
		Error:           task.ErrorMessage,
	})
	if err != nil {
		return nil
	}
	return raw
}

// Completed builds the task_complete notification for a task that just
// finished. Tasks without a session produce none.
func Completed(task persistence.ScheduledTask) *persistence.NewNotification {
	if task.SessionID == "" {
		return nil
	}
	return &persistence.NewNotification{
		SessionID: task.SessionID,
		Type:      persistence.NotificationTaskComplete,
		Title:     "Scheduled task completed",
		Message:   fmt.Sprintf("Task %s ran at %s and completed.", task.TaskID, task.ExecuteAt.Format("2006-01-02 15:04:05Z07:00")),
		Payload:   payloadFor(task),
	}
}

// Failed builds the error notification for a task that failed for good.
func Failed(task persistence.ScheduledTask) *persistence.NewNotification {
	if task.SessionID == "" {
		return nil
	}
	msg := fmt.Sprintf("Task %s failed after %d attempt(s)", task.TaskID, task.Attempt)
	if task.ErrorMessage != "" {
		msg += ": " + task.ErrorMessage
	}
	return &persistence.NewNotification{
		SessionID: task.SessionID,
		Type:      persistence.NotificationError,
		Title:     "Scheduled task failed",
		Message:   msg,
		Payload:   payloadFor(task),
	}
}
