package workflow

import (
	"encoding/json"
	"time"
)

// EventType is the kind of entity mutation a trigger reacts to.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// ActionType selects the interpreter used for a step.
type ActionType string

const (
	ActionUpdateField  ActionType = "UPDATE_FIELD"
	ActionCreateEntity ActionType = "CREATE_ENTITY"
	ActionHTTPRequest  ActionType = "HTTP_REQUEST"
)

// Status is the lifecycle state of an execution or a step execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusSkipped is reserved for steps cut off by an upstream failure.
	StatusSkipped Status = "SKIPPED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Workflow is a tenant-owned automation: triggers that fire it and a DAG of steps.
type Workflow struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	Triggers    []Trigger `json:"triggers"`
	Steps       []Step    `json:"steps"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trigger pairs a resource type and event type with an optional field condition.
type Trigger struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	ResourceType    string          `json:"resource_type"`
	EventType       EventType       `json:"event_type"`
	FieldConditions *FieldCondition `json:"field_conditions"`
	CreatedAt       time.Time       `json:"created_at"`
}

// FieldCondition is the declarative predicate evaluated against a change.
// Example: {"field": "status", "operator": "changed_to", "value": "CANCELLED"}.
type FieldCondition struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Step is one node of a workflow's DAG.
type Step struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ActionType   ActionType      `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config"`
	Position     Position        `json:"position"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Position holds x/y coordinates for rendering the step on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed arc between two steps of the same workflow.
type Edge struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	FromStepID string    `json:"from_step_id"`
	ToStepID   string    `json:"to_step_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeEvent describes a committed mutation of a business entity.
// Before and After are plain field snapshots; either may be nil.
type ChangeEvent struct {
	CompanyID    string         `json:"company_id"`
	ResourceType string         `json:"resource_type"`
	EventType    EventType      `json:"event_type"`
	ResourceID   string         `json:"resource_id"`
	Before       map[string]any `json:"before"`
	After        map[string]any `json:"after"`
}

// Execution is one firing of a workflow.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         Status          `json:"status"`
	TriggerEvent   ChangeEvent     `json:"trigger_event"`
	Error          string          `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StepExecutions []StepExecution `json:"step_executions,omitempty"`

	// Changes are the entity mutations committed by this run. They feed the
	// recursion guard and are not persisted.
	Changes []ChangeEvent `json:"-"`
}

// StepExecution records the outcome of one step within an execution.
type StepExecution struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Seq         int            `json:"seq"`
	Status      Status         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// GraphUpdate is the bulk replacement of a workflow's steps and edges sent by
// the visual editor. Edges reference steps by their index in Steps.
type GraphUpdate struct {
	Steps []GraphStep `json:"steps"`
	Edges []GraphEdge `json:"edges"`
}

// GraphStep is a step inside a GraphUpdate. An empty ID creates a new step.
type GraphStep struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ActionType   ActionType      `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config"`
	PositionX    float64         `json:"position_x"`
	PositionY    float64         `json:"position_y"`
}

// GraphEdge connects two steps of a GraphUpdate by index.
type GraphEdge struct {
	FromStepIndex int `json:"from_step_index"`
	ToStepIndex   int `json:"to_step_index"`
}
