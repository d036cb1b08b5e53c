package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Condition operators understood by MatchesFieldConditions.
const (
	OpChanged     = "changed"
	OpChangedTo   = "changed_to"
	OpChangedFrom = "changed_from"
	OpEquals      = "equals"
)

// WorkflowFinder returns the active workflows of a tenant that own at least
// one trigger for the given resource/event pair, with their triggers loaded.
type WorkflowFinder interface {
	FindCandidateWorkflows(ctx context.Context, companyID, resourceType string, eventType EventType) ([]*Workflow, error)
}

// Matcher selects the workflows that a change event fires.
type Matcher struct {
	finder WorkflowFinder
}

// NewMatcher creates a Matcher backed by finder.
func NewMatcher(finder WorkflowFinder) *Matcher {
	return &Matcher{finder: finder}
}

// Match returns every candidate workflow with at least one trigger of the
// event's resource/event pair whose field condition holds.
func (m *Matcher) Match(ctx context.Context, companyID, resourceType string, eventType EventType, before, after map[string]any) ([]*Workflow, error) {
	candidates, err := m.finder.FindCandidateWorkflows(ctx, companyID, resourceType, eventType)
	if err != nil {
		return nil, fmt.Errorf("find candidate workflows: %w", err)
	}

	var matched []*Workflow
	for _, wf := range candidates {
		for _, tr := range wf.Triggers {
			if tr.ResourceType != resourceType || tr.EventType != eventType {
				continue
			}
			if MatchesFieldConditions(tr.FieldConditions, before, after) {
				matched = append(matched, wf)
				break
			}
		}
	}
	return matched, nil
}

// MatchesFieldConditions evaluates a trigger condition against a change.
// Values are compared in their string form. Incomplete conditions and
// unknown operators match.
func MatchesFieldConditions(cond *FieldCondition, before, after map[string]any) bool {
	if cond == nil || cond.Field == "" || cond.Operator == "" {
		return true
	}
	field := cond.Field

	switch cond.Operator {
	case OpChanged:
		if len(before) > 0 && len(after) > 0 {
			return stringify(before[field]) != stringify(after[field])
		}
		return true
	case OpChangedTo, OpEquals:
		if len(after) > 0 {
			return stringify(after[field]) == stringify(cond.Value)
		}
		return false
	case OpChangedFrom:
		if len(before) > 0 {
			return stringify(before[field]) == stringify(cond.Value)
		}
		return false
	}
	return true
}

// stringify renders a JSON-decoded value for string comparison. A missing
// value and an explicit null both render as "null".
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
