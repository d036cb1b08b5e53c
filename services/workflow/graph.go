package workflow

import (
	"errors"
	"fmt"

	"github.com/begmaroman/go-dag"
	"github.com/google/uuid"
)

// graphInputError marks a malformed step graph sent by a caller.
type graphInputError struct{ msg string }

func (e *graphInputError) Error() string { return e.msg }

func graphErrorf(format string, args ...any) error {
	return &graphInputError{msg: fmt.Sprintf(format, args...)}
}

func isGraphInputError(err error) bool {
	var gie *graphInputError
	return errors.As(err, &gie)
}

// IndexEdge is an arc between two nodes addressed by position.
type IndexEdge struct {
	From int
	To   int
}

// DetectCycle reports whether the graph of nodeCount nodes contains a cycle.
// It runs the same Kahn sweep as the executor: a cycle exists when fewer
// nodes are visited than there are nodes.
func DetectCycle(nodeCount int, edges []IndexEdge) bool {
	if nodeCount == 0 {
		return false
	}

	adj := make([][]int, nodeCount)
	inDeg := make([]int, nodeCount)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		inDeg[e.To]++
	}

	queue := make([]int, 0, nodeCount)
	for i, d := range inDeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != nodeCount
}

// BuildGraph turns an editor graph update into persisted steps and edges of
// workflowID. It rejects out-of-range edge indices, invalid action configs
// and cyclic graphs.
func BuildGraph(workflowID string, update GraphUpdate) ([]Step, []Edge, error) {
	steps := make([]Step, len(update.Steps))
	for i, gs := range update.Steps {
		if gs.Name == "" {
			return nil, nil, graphErrorf("step %d: name is required", i)
		}
		if _, err := DecodeAction(gs.ActionType, gs.ActionConfig); err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", i, err)
		}
		id := gs.ID
		if id == "" {
			id = uuid.NewString()
		} else if _, err := uuid.Parse(id); err != nil {
			return nil, nil, graphErrorf("step %d: id %q is not a uuid", i, id)
		}
		steps[i] = Step{
			ID:           id,
			WorkflowID:   workflowID,
			Name:         gs.Name,
			Description:  gs.Description,
			ActionType:   gs.ActionType,
			ActionConfig: gs.ActionConfig,
			Position:     Position{X: gs.PositionX, Y: gs.PositionY},
		}
	}

	idx := make([]IndexEdge, len(update.Edges))
	edges := make([]Edge, len(update.Edges))
	for i, ge := range update.Edges {
		if ge.FromStepIndex < 0 || ge.FromStepIndex >= len(steps) || ge.ToStepIndex < 0 || ge.ToStepIndex >= len(steps) {
			return nil, nil, graphErrorf("edge %d: step index out of range", i)
		}
		idx[i] = IndexEdge{From: ge.FromStepIndex, To: ge.ToStepIndex}
		edges[i] = Edge{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			FromStepID: steps[ge.FromStepIndex].ID,
			ToStepID:   steps[ge.ToStepIndex].ID,
		}
	}

	if DetectCycle(len(steps), idx) {
		return nil, nil, ErrCyclicGraph
	}
	return steps, edges, nil
}

// stepVertex is hashed by its exported fields, so StepID must stay exported
// for distinct steps to be distinct vertices.
type stepVertex struct {
	StepID string
}

func (v *stepVertex) ID() string { return v.StepID }

// ValidateGraph checks an ID-addressed step graph before it is saved: step
// ids must be unique, every edge must connect two steps of the graph, and
// the graph must be acyclic.
func ValidateGraph(steps []Step, edges []Edge) error {
	d := dag.NewDAG[*stepVertex]()
	for _, s := range steps {
		if s.ID == "" {
			return graphErrorf("step %q has no id", s.Name)
		}
		if _, err := d.AddVertex(&stepVertex{StepID: s.ID}); err != nil {
			return graphErrorf("step %s: %v", s.ID, err)
		}
	}

	for _, e := range edges {
		if _, err := d.GetVertex(e.FromStepID); err != nil {
			return graphErrorf("edge %s: unknown from step %s", e.ID, e.FromStepID)
		}
		if _, err := d.GetVertex(e.ToStepID); err != nil {
			return graphErrorf("edge %s: unknown to step %s", e.ID, e.ToStepID)
		}
		if e.FromStepID == e.ToStepID {
			return fmt.Errorf("%w: step %s depends on itself", ErrCyclicGraph, e.FromStepID)
		}
		if isEdge, _ := d.IsEdge(e.FromStepID, e.ToStepID); isEdge {
			continue
		}
		if err := d.AddEdge(e.FromStepID, e.ToStepID); err != nil {
			return fmt.Errorf("%w: %s -> %s: %v", ErrCyclicGraph, e.FromStepID, e.ToStepID, err)
		}
	}
	return nil
}
