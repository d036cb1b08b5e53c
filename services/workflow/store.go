package workflow

import "context"

// Store is the engine's view of the relational schema. Each Begin opens an
// independent transaction so concurrent runs never share state.
type Store interface {
	WorkflowFinder

	// GetWorkflow loads a workflow with triggers, steps and edges.
	// Returns nil, nil if not found.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	ReplaceGraph(ctx context.Context, workflowID string, steps []Step, edges []Edge) error
	DeleteWorkflow(ctx context.Context, id string) error

	// CreateExecution persists a new execution outside of any run
	// transaction so it is visible while the run is in progress.
	CreateExecution(ctx context.Context, exec *Execution) error
	// UpdateExecution writes the status of an execution outside of any run
	// transaction. Used when the run transaction is lost.
	UpdateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error)

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work for one workflow run. Entity access is always scoped
// by company id.
type Tx interface {
	UpdateExecution(ctx context.Context, exec *Execution) error
	InsertStepExecution(ctx context.Context, se *StepExecution) error
	UpdateStepExecution(ctx context.Context, se *StepExecution) error

	// GetEntity returns nil, nil if no row of the tenant has this id.
	GetEntity(ctx context.Context, t *Table, companyID, id string) (map[string]any, error)
	FindEntities(ctx context.Context, t *Table, companyID, column string, value any) ([]map[string]any, error)
	UpdateEntity(ctx context.Context, t *Table, companyID, id string, values map[string]any) error
	InsertEntity(ctx context.Context, t *Table, companyID string, values map[string]any) (string, error)

	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
