package workflow

import (
	"context"
	"fmt"
)

// RunContext holds the state shared between the steps of one workflow run.
type RunContext struct {
	Trigger ChangeEvent
	// Results maps step id to the result of every step completed so far.
	Results map[string]map[string]any
	// Changes collects the entity writes of the run, in order.
	Changes []ChangeEvent
}

// NewRunContext starts the context of a run fired by event.
func NewRunContext(event ChangeEvent) *RunContext {
	return &RunContext{Trigger: event, Results: make(map[string]map[string]any)}
}

func (rc *RunContext) record(ev ChangeEvent) {
	rc.Changes = append(rc.Changes, ev)
}

// ActionExecutor runs one decoded action inside the run's transaction.
type ActionExecutor interface {
	Execute(ctx context.Context, tx Tx, action Action, rc *RunContext, companyID string) (map[string]any, error)
}

// Registry maps action types to their executor implementation.
type Registry map[ActionType]ActionExecutor

// NewRegistry creates a registry populated with all built-in action types.
func NewRegistry(webhooks WebhookClient) Registry {
	return Registry{
		ActionUpdateField:  &UpdateFieldExecutor{},
		ActionCreateEntity: &CreateEntityExecutor{},
		ActionHTTPRequest:  &HTTPRequestExecutor{client: webhooks},
	}
}

// Run decodes the step's action config and executes it for companyID.
func (r Registry) Run(ctx context.Context, tx Tx, step Step, rc *RunContext, companyID string) (map[string]any, error) {
	action, err := DecodeAction(step.ActionType, step.ActionConfig)
	if err != nil {
		return nil, err
	}
	exec, ok := r[action.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, step.ActionType)
	}
	return exec.Execute(ctx, tx, action, rc, companyID)
}
