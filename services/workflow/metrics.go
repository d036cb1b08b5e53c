package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crm-workflow/engine"

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	executions metric.Int64Counter
	steps      metric.Int64Counter
	dropped    metric.Int64Counter
}

// NewMetrics registers the engine counters on meter. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	executions, err := meter.Int64Counter("workflow.executions",
		metric.WithDescription("Workflow executions by final status"))
	if err != nil {
		return nil, fmt.Errorf("create executions counter: %w", err)
	}
	steps, err := meter.Int64Counter("workflow.step_executions",
		metric.WithDescription("Step executions by action type and status"))
	if err != nil {
		return nil, fmt.Errorf("create steps counter: %w", err)
	}
	dropped, err := meter.Int64Counter("workflow.firings_dropped",
		metric.WithDescription("Matched workflows that were not run, by reason"))
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	return &Metrics{executions: executions, steps: steps, dropped: dropped}, nil
}

func (m *Metrics) executionFinished(ctx context.Context, status Status) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *Metrics) stepFinished(ctx context.Context, action ActionType, status Status) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", string(action)),
		attribute.String("status", string(status)),
	))
}

func (m *Metrics) firingDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
