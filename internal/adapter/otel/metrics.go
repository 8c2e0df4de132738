package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "warden"

// Metrics holds all Warden metric instruments.
type Metrics struct {
	DispatchesStarted   metric.Int64Counter
	DispatchesCompleted metric.Int64Counter
	DispatchesFailed    metric.Int64Counter
	RetriesScheduled    metric.Int64Counter
	ToolCalls           metric.Int64Counter
	SweepRepairs        metric.Int64Counter
	LoopIterations      metric.Int64Histogram
	DispatchDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.DispatchesStarted, err = meter.Int64Counter("warden.dispatches.started",
		metric.WithDescription("Number of dispatches started"))
	if err != nil {
		return nil, err
	}

	m.DispatchesCompleted, err = meter.Int64Counter("warden.dispatches.completed",
		metric.WithDescription("Number of dispatches completed"))
	if err != nil {
		return nil, err
	}

	m.DispatchesFailed, err = meter.Int64Counter("warden.dispatches.failed",
		metric.WithDescription("Number of dispatches that failed"))
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("warden.retries.scheduled",
		metric.WithDescription("Number of delayed retries scheduled"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("warden.toolcalls",
		metric.WithDescription("Number of tool calls executed"))
	if err != nil {
		return nil, err
	}

	m.SweepRepairs, err = meter.Int64Counter("warden.sweep.repairs",
		metric.WithDescription("Number of repairs made by the health sweep"))
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Histogram("warden.loop.iterations",
		metric.WithDescription("Loop iterations per dispatch"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("warden.dispatch.duration_seconds",
		metric.WithDescription("Dispatch duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
