package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type workerIDKey struct{}
type scheduledTaskIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithWorkerID attaches the id of the worker process acting on the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithScheduledTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scheduledTaskIDKey{}, id)
}

// ScheduledTaskID extracts scheduled_task_id from context. Returns "" if absent.
func ScheduledTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(scheduledTaskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewWorkerID returns a process-unique worker id of the form host-xxxxxxxx.
func NewWorkerID(host string) string {
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
