package workflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Action is the decoded configuration of a step. The set of implementations
// is closed: UpdateFieldAction, CreateEntityAction and HTTPRequestAction.
type Action interface {
	Type() ActionType
	isAction()
}

// IDSource selects how an UPDATE_FIELD step resolves its target rows.
type IDSource string

const (
	SourceTrigger    IDSource = "trigger"
	SourceCustom     IDSource = "custom"
	SourceMatchField IDSource = "match_field"
)

// UpdateFieldAction sets fields on one entity, or on every entity whose
// MatchField equals the triggering entity's id.
type UpdateFieldAction struct {
	ResourceType     string         `json:"resource_type"`
	Updates          map[string]any `json:"updates"`
	ResourceIDSource IDSource       `json:"resource_id_source,omitempty"`
	ResourceID       string         `json:"resource_id,omitempty"`
	MatchField       string         `json:"match_field,omitempty"`
}

// CreateEntityAction inserts a new entity in the triggering tenant.
type CreateEntityAction struct {
	ResourceType string         `json:"resource_type"`
	Data         map[string]any `json:"data"`
}

// HTTPRequestAction calls an outbound webhook.
type HTTPRequestAction struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	// IncludeContext sends the trigger event and earlier step results as the
	// body when Body is empty.
	IncludeContext bool `json:"include_context,omitempty"`
}

func (UpdateFieldAction) Type() ActionType  { return ActionUpdateField }
func (CreateEntityAction) Type() ActionType { return ActionCreateEntity }
func (HTTPRequestAction) Type() ActionType  { return ActionHTTPRequest }

func (UpdateFieldAction) isAction()  {}
func (CreateEntityAction) isAction() {}
func (HTTPRequestAction) isAction()  {}

// DecodeAction parses a step's action config according to its action type
// and checks the keys every variant requires.
func DecodeAction(actionType ActionType, raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch actionType {
	case ActionUpdateField:
		var a UpdateFieldAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if a.ResourceType == "" {
			return nil, fmt.Errorf("%w: resource_type", ErrMissingConfig)
		}
		if a.ResourceIDSource == "" {
			a.ResourceIDSource = SourceTrigger
		}
		switch a.ResourceIDSource {
		case SourceTrigger, SourceCustom, SourceMatchField:
		default:
			return nil, fmt.Errorf("%w: resource_id_source %q", ErrInvalidConfig, a.ResourceIDSource)
		}
		return a, nil

	case ActionCreateEntity:
		var a CreateEntityAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if a.ResourceType == "" {
			return nil, fmt.Errorf("%w: resource_type", ErrMissingConfig)
		}
		return a, nil

	case ActionHTTPRequest:
		var a HTTPRequestAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if a.URL == "" {
			return nil, fmt.Errorf("%w: url", ErrMissingConfig)
		}
		if a.Method == "" {
			a.Method = http.MethodPost
		}
		a.Method = strings.ToUpper(a.Method)
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, actionType)
}
