// Package executor runs the work behind a scheduled task. The scheduler only
// sees success or an error; what "running a task" means belongs here.
package executor

import "context"

// Request identifies one execution attempt.
type Request struct {
	ScheduledTaskID string
	TaskID          string
	SessionID       string
	Attempt         int
}

// Executor runs one attempt. It must return when ctx is cancelled; the
// scheduler cancels ctx when the lease is lost or the task is cancelled.
type Executor interface {
	Execute(ctx context.Context, req Request) error
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) error

func (f Func) Execute(ctx context.Context, req Request) error { return f(ctx, req) }
