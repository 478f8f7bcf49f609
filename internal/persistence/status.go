package persistence

import "fmt"

type ScheduledTaskStatus string

const (
	StatusPending   ScheduledTaskStatus = "pending"
	StatusRunning   ScheduledTaskStatus = "running"
	StatusCompleted ScheduledTaskStatus = "completed"
	StatusFailed    ScheduledTaskStatus = "failed"
	StatusCancelled ScheduledTaskStatus = "cancelled"
)

// failed is terminal only once the retry budget is spent; see IsTerminal.
// A lease reclaim keeps the row in running and is not a transition.
var allowedTransitions = map[ScheduledTaskStatus]map[ScheduledTaskStatus]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusFailed: {
		StatusPending: {},
	},
}

// AllStatuses lists every valid status in lifecycle order.
func AllStatuses() []ScheduledTaskStatus {
	return []ScheduledTaskStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
}

func (s ScheduledTaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus validates a stored or user-supplied status.
func ParseStatus(v string) (ScheduledTaskStatus, error) {
	s := ScheduledTaskStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to ScheduledTaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether a task in this state will never run again.
// attempt counts recorded failures, so a failed row whose count exceeds
// maxRetries has used every retry.
func IsTerminal(status ScheduledTaskStatus, attempt, maxRetries int) bool {
	switch status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return attempt > maxRetries
	}
	return false
}

func checkTransition(from, to ScheduledTaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
