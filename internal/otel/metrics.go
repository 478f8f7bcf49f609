package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome attribute values for executions.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry_scheduled"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeLeaseLost = "lease_lost"
)

var attrOutcome = attribute.Key("schedd.outcome")

// Metrics holds the scheduler's instruments.
type Metrics struct {
	Claims            metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	LeasesReclaimed   metric.Int64Counter
	LeasesLost        metric.Int64Counter
	Executions        metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	InFlight          metric.Int64UpDownCounter
	Notifications     metric.Int64Counter
	PollCycles        metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Claims, err = meter.Int64Counter("schedd.claims",
		metric.WithDescription("Successful lease claims")); err != nil {
		return nil, err
	}
	if m.ClaimConflicts, err = meter.Int64Counter("schedd.claim.conflicts",
		metric.WithDescription("Claims rejected because another worker or state won")); err != nil {
		return nil, err
	}
	if m.LeasesReclaimed, err = meter.Int64Counter("schedd.lease.reclaimed",
		metric.WithDescription("Expired leases taken over from another worker")); err != nil {
		return nil, err
	}
	if m.LeasesLost, err = meter.Int64Counter("schedd.lease.lost",
		metric.WithDescription("Leases this worker lost before releasing")); err != nil {
		return nil, err
	}
	if m.Executions, err = meter.Int64Counter("schedd.executions",
		metric.WithDescription("Finished executions by outcome")); err != nil {
		return nil, err
	}
	if m.ExecutionDuration, err = meter.Float64Histogram("schedd.execution.duration",
		metric.WithDescription("Executor call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.InFlight, err = meter.Int64UpDownCounter("schedd.executions.in_flight",
		metric.WithDescription("Executions currently holding a lease in this worker")); err != nil {
		return nil, err
	}
	if m.Notifications, err = meter.Int64Counter("schedd.notifications",
		metric.WithDescription("Notifications emitted")); err != nil {
		return nil, err
	}
	if m.PollCycles, err = meter.Int64Counter("schedd.poll.cycles",
		metric.WithDescription("Scheduler poll cycles")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordExecution counts one finished execution and its duration.
func (m *Metrics) RecordExecution(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(attrOutcome.String(outcome))
	m.Executions.Add(ctx, 1, opt)
	m.ExecutionDuration.Record(ctx, seconds, opt)
}
