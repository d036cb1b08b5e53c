package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EngineConfig bounds a single workflow run.
type EngineConfig struct {
	// RunTimeout caps the whole run. Zero means no limit.
	RunTimeout time.Duration
	// StepTimeout caps each step. Zero means no limit.
	StepTimeout time.Duration
	// StrictGraph fails runs whose graph leaves steps unreachable because of
	// a cycle. By default those steps are skipped and the run completes.
	StrictGraph bool
}

// Engine executes a workflow's step graph in topological order.
type Engine struct {
	store    Store
	registry Registry
	cfg      EngineConfig
	metrics  *Metrics
}

// NewEngine creates an Engine running steps through registry.
func NewEngine(store Store, registry Registry, cfg EngineConfig, metrics *Metrics) *Engine {
	return &Engine{store: store, registry: registry, cfg: cfg, metrics: metrics}
}

// Execute runs wf for the triggering event. The Execution row is committed
// before the first step runs; step writes and audit rows share one
// transaction that is committed at the end whether the run succeeded or not.
// A failing step is rolled back to its savepoint before its failure is
// recorded. The returned error reports infrastructure problems only; a failed
// run comes back as an Execution with status FAILED.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, event ChangeEvent) (*Execution, error) {
	now := time.Now().UTC()
	exec := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		Status:       StatusRunning,
		TriggerEvent: event,
		StartedAt:    &now,
		CreatedAt:    now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.markFailed(ctx, exec, err)
		return exec, err
	}

	runCtx := ctx
	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	rc := NewRunContext(event)
	runErr := e.walk(runCtx, tx, wf, exec, rc)
	return exec, e.finish(ctx, tx, exec, rc, runErr)
}

// walk runs the steps whose dependencies have all completed, in declaration
// order among the ready steps, and stops at the first failure.
func (e *Engine) walk(ctx context.Context, tx Tx, wf *Workflow, exec *Execution, rc *RunContext) error {
	n := len(wf.Steps)
	if n == 0 {
		return nil
	}

	index := make(map[string]int, n)
	for i, s := range wf.Steps {
		index[s.ID] = i
	}
	adj := make([][]int, n)
	inDeg := make([]int, n)
	for _, edge := range wf.Edges {
		from, okFrom := index[edge.FromStepID]
		to, okTo := index[edge.ToStepID]
		if !okFrom || !okTo {
			continue
		}
		adj[from] = append(adj[from], to)
		inDeg[to]++
	}

	queue := make([]int, 0, n)
	for i, d := range inDeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++

		if err := e.runStep(ctx, tx, wf.Steps[i], exec, visited, rc, wf.CompanyID); err != nil {
			return fmt.Errorf("step %q failed: %w", wf.Steps[i].Name, err)
		}

		for _, next := range adj[i] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited < n {
		if e.cfg.StrictGraph {
			return fmt.Errorf("%w: %d of %d steps unreachable", ErrCyclicGraph, n-visited, n)
		}
		slog.Warn("Workflow graph has a cycle, skipping unreachable steps",
			"workflow_id", wf.ID, "execution_id", exec.ID, "skipped", n-visited)
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, tx Tx, step Step, exec *Execution, seq int, rc *RunContext, companyID string) error {
	// Audit writes must survive a step that ran out of time.
	auditCtx := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	se := &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Seq:         seq,
		Status:      StatusRunning,
		StartedAt:   &started,
		CreatedAt:   started,
	}
	if err := tx.InsertStepExecution(auditCtx, se); err != nil {
		return err
	}

	savepoint := fmt.Sprintf("step_%d", seq)
	if err := tx.Savepoint(auditCtx, savepoint); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	stepCtx := ctx
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
	}

	changes := len(rc.Changes)
	result, runErr := e.registry.Run(stepCtx, stepTx{tx}, step, rc, companyID)
	if runErr == nil && stepCtx.Err() != nil {
		runErr = stepCtx.Err()
	}

	completed := time.Now().UTC()
	se.CompletedAt = &completed
	if runErr != nil {
		rc.Changes = rc.Changes[:changes]
		if err := tx.RollbackToSavepoint(auditCtx, savepoint); err != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", runErr, err)
		}
		se.Status = StatusFailed
		se.Error = runErr.Error()
	} else {
		if err := tx.ReleaseSavepoint(auditCtx, savepoint); err != nil {
			return fmt.Errorf("release savepoint: %w", err)
		}
		se.Status = StatusCompleted
		se.Result = result
		rc.Results[step.ID] = result
	}

	if err := tx.UpdateStepExecution(auditCtx, se); err != nil {
		return err
	}
	exec.StepExecutions = append(exec.StepExecutions, *se)
	e.metrics.stepFinished(auditCtx, step.ActionType, se.Status)

	if runErr != nil {
		slog.Warn("Workflow step failed",
			"execution_id", exec.ID, "step_id", step.ID, "action_type", step.ActionType, "error", runErr)
	}
	return runErr
}

// stepTx is the Tx handed to action executors. A pgx query interrupted by
// its context closes the connection and loses the run transaction, so entity
// SQL runs detached and the step deadline is checked before each statement
// instead. A single slow statement can overrun the deadline by its own
// duration.
type stepTx struct {
	Tx
}

func (t stepTx) GetEntity(ctx context.Context, tbl *Table, companyID, id string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Tx.GetEntity(context.WithoutCancel(ctx), tbl, companyID, id)
}

func (t stepTx) FindEntities(ctx context.Context, tbl *Table, companyID, column string, value any) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Tx.FindEntities(context.WithoutCancel(ctx), tbl, companyID, column, value)
}

func (t stepTx) UpdateEntity(ctx context.Context, tbl *Table, companyID, id string, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.Tx.UpdateEntity(context.WithoutCancel(ctx), tbl, companyID, id, values)
}

func (t stepTx) InsertEntity(ctx context.Context, tbl *Table, companyID string, values map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.Tx.InsertEntity(context.WithoutCancel(ctx), tbl, companyID, values)
}

// finish records the terminal status and commits the run. When the commit
// itself fails the run's writes are lost and the execution is marked FAILED
// outside the transaction.
func (e *Engine) finish(ctx context.Context, tx Tx, exec *Execution, rc *RunContext, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = StatusCompleted
	}

	err := tx.UpdateExecution(ctx, exec)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		exec.StepExecutions = nil
		e.markFailed(ctx, exec, fmt.Errorf("commit run: %w", err))
		return err
	}

	exec.Changes = rc.Changes
	e.metrics.executionFinished(ctx, exec.Status)
	slog.Info("Workflow execution finished",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "status", exec.Status,
		"steps", len(exec.StepExecutions), "changes", len(exec.Changes))
	return nil
}

func (e *Engine) markFailed(ctx context.Context, exec *Execution, cause error) {
	ctx = context.WithoutCancel(ctx)
	completed := time.Now().UTC()
	exec.Status = StatusFailed
	exec.Error = cause.Error()
	exec.CompletedAt = &completed
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		slog.Error("Failed to record execution failure", "execution_id", exec.ID, "error", err)
	}
	e.metrics.executionFinished(ctx, exec.Status)
}
