package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// Repository persists workflow definitions, executions and the CRM entity
// tables the step interpreter writes to. It runs on PostgreSQL through pgx
// or on SQLite through sqlx.
type Repository struct {
	db      sqlDB
	dialect Dialect
}

// NewRepository creates a Repository backed by a PostgreSQL connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pgxDB{pool: pool}, dialect: PostgresDialect}
}

// NewSQLiteRepository creates a Repository backed by a SQLite database.
func NewSQLiteRepository(db *sqlx.DB) *Repository {
	return &Repository{db: sqlxDB{db: db}, dialect: SQLiteDialect}
}

// Dialect returns the SQL dialect the repository was created with.
func (r *Repository) Dialect() Dialect { return r.dialect }

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflow (
	id          {uuid} PRIMARY KEY,
	company_id  {uuid} NOT NULL,
	name        TEXT NOT NULL,
	description TEXT,
	is_active   {bool} NOT NULL DEFAULT TRUE,
	created_at  {ts} NOT NULL DEFAULT {now},
	updated_at  {ts} NOT NULL DEFAULT {now}
);
CREATE INDEX IF NOT EXISTS idx_workflow_company ON workflow(company_id, is_active);

CREATE TABLE IF NOT EXISTS workflow_trigger (
	id               {uuid} PRIMARY KEY,
	workflow_id      {uuid} NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	resource_type    TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	field_conditions {json},
	created_at       {ts} NOT NULL DEFAULT {now}
);
CREATE INDEX IF NOT EXISTS idx_workflow_trigger_pair ON workflow_trigger(resource_type, event_type);

CREATE TABLE IF NOT EXISTS workflow_step (
	id            {uuid} PRIMARY KEY,
	workflow_id   {uuid} NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	description   TEXT,
	action_type   TEXT NOT NULL,
	action_config {json} NOT NULL,
	position_x    {float} DEFAULT 0,
	position_y    {float} DEFAULT 0,
	created_at    {ts} NOT NULL DEFAULT {now}
);

CREATE TABLE IF NOT EXISTS workflow_step_edge (
	id           {uuid} PRIMARY KEY,
	workflow_id  {uuid} NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	from_step_id {uuid} NOT NULL REFERENCES workflow_step(id) ON DELETE CASCADE,
	to_step_id   {uuid} NOT NULL REFERENCES workflow_step(id) ON DELETE CASCADE,
	created_at   {ts} NOT NULL DEFAULT {now}
);

CREATE TABLE IF NOT EXISTS workflow_execution (
	id            {uuid} PRIMARY KEY,
	workflow_id   {uuid} NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	trigger_event {json} NOT NULL,
	error         TEXT,
	started_at    {ts},
	completed_at  {ts},
	created_at    {ts} NOT NULL DEFAULT {now}
);
CREATE INDEX IF NOT EXISTS idx_workflow_execution_workflow ON workflow_execution(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_step_execution (
	id           {uuid} PRIMARY KEY,
	execution_id {uuid} NOT NULL REFERENCES workflow_execution(id) ON DELETE CASCADE,
	step_id      {uuid} NOT NULL REFERENCES workflow_step(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'PENDING',
	result       {json},
	error        TEXT,
	started_at   {ts},
	completed_at {ts},
	created_at   {ts} NOT NULL DEFAULT {now}
);
CREATE INDEX IF NOT EXISTS idx_workflow_step_execution_execution ON workflow_step_execution(execution_id, seq);
`

// InitSchema creates the workflow tables and the entity tables described by
// the field registry if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(r.dialect.expand(workflowSchema)) {
		if _, err := r.db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	for _, rt := range KnownResourceTypes() {
		t, _ := LookupTable(rt)
		cols := []string{
			"id " + r.dialect.UUIDType + " PRIMARY KEY",
			"company_id " + r.dialect.UUIDType + " NOT NULL",
			"created_at " + r.dialect.TimeType + " NOT NULL DEFAULT " + r.dialect.Now,
		}
		for _, f := range t.Fields {
			cols = append(cols, quote(f.Name)+" "+r.dialect.columnType(f.Type))
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(cols, ",\n\t"))
		if _, err := r.db.exec(ctx, ddl); err != nil {
			return fmt.Errorf("init %s table: %w", t.Name, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(company_id)", quote("idx_"+t.Name+"_company"), quote(t.Name))
		if _, err := r.db.exec(ctx, idx); err != nil {
			return fmt.Errorf("init %s index: %w", t.Name, err)
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FindCandidateWorkflows returns the tenant's active workflows owning at least
// one trigger of the resource/event pair, with all their triggers loaded.
func (r *Repository) FindCandidateWorkflows(ctx context.Context, companyID, resourceType string, eventType EventType) ([]*Workflow, error) {
	rows, err := r.db.query(ctx, `
		SELECT w.id, w.company_id, w.name, COALESCE(w.description, ''), w.is_active, w.created_at, w.updated_at
		FROM workflow w
		WHERE w.company_id = ? AND w.is_active = TRUE
		  AND EXISTS (
			SELECT 1 FROM workflow_trigger t
			WHERE t.workflow_id = w.id AND t.resource_type = ? AND t.event_type = ?
		  )
		ORDER BY w.created_at, w.id
	`, companyID, resourceType, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("query candidate workflows: %w", err)
	}
	workflows, err := scanWorkflows(rows)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, nil
	}

	byID := make(map[string]*Workflow, len(workflows))
	ids := make([]any, len(workflows))
	for i, wf := range workflows {
		byID[wf.ID] = wf
		ids[i] = wf.ID
	}
	triggers, err := r.loadTriggers(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for _, tr := range triggers {
		if wf, ok := byID[tr.WorkflowID]; ok {
			wf.Triggers = append(wf.Triggers, tr)
		}
	}
	return workflows, nil
}

func scanWorkflows(rows sqlRows) ([]*Workflow, error) {
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		var wf Workflow
		if err := rows.Scan(&wf.ID, &wf.CompanyID, &wf.Name, &wf.Description, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

func (r *Repository) loadTriggers(ctx context.Context, c sqlConn, workflowIDs []any) ([]Trigger, error) {
	rows, err := c.query(ctx, `
		SELECT id, workflow_id, resource_type, event_type, field_conditions, created_at
		FROM workflow_trigger WHERE workflow_id IN (`+placeholders(len(workflowIDs))+`)
		ORDER BY created_at, id
	`, workflowIDs...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var tr Trigger
		var event string
		var cond []byte
		if err := rows.Scan(&tr.ID, &tr.WorkflowID, &tr.ResourceType, &event, &cond, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		tr.EventType = EventType(event)
		if len(cond) > 0 {
			if err := json.Unmarshal(cond, &tr.FieldConditions); err != nil {
				return nil, fmt.Errorf("unmarshal field conditions of trigger %s: %w", tr.ID, err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// GetWorkflow retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, company_id, name, COALESCE(description, ''), is_active, created_at, updated_at
		FROM workflow WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	workflows, err := scanWorkflows(rows)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, nil
	}
	wf := workflows[0]

	if wf.Triggers, err = r.loadTriggers(ctx, r.db, []any{wf.ID}); err != nil {
		return nil, err
	}
	if wf.Steps, err = r.loadSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	if wf.Edges, err = r.loadEdges(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *Repository) loadSteps(ctx context.Context, workflowID string) ([]Step, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, workflow_id, name, COALESCE(description, ''), action_type, action_config,
		       COALESCE(position_x, 0), COALESCE(position_y, 0), created_at
		FROM workflow_step WHERE workflow_id = ?
		ORDER BY created_at, id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var s Step
		var action string
		var cfg []byte
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Name, &s.Description, &action, &cfg, &s.Position.X, &s.Position.Y, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.ActionType = ActionType(action)
		s.ActionConfig = json.RawMessage(cfg)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) loadEdges(ctx context.Context, workflowID string) ([]Edge, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, workflow_id, from_step_id, to_step_id, created_at
		FROM workflow_step_edge WHERE workflow_id = ?
		ORDER BY created_at, id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.FromStepID, &e.ToStepID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveWorkflow inserts or updates a workflow together with its triggers and
// step graph. Cyclic graphs are rejected before anything is written.
func (r *Repository) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for i := range wf.Steps {
		if wf.Steps[i].ID == "" {
			wf.Steps[i].ID = uuid.NewString()
		}
	}
	if err := ValidateGraph(wf.Steps, wf.Edges); err != nil {
		return err
	}

	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	return r.inTx(ctx, func(tx sqlTx) error {
		if _, err := tx.exec(ctx, `
			INSERT INTO workflow (id, company_id, name, description, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at
		`, wf.ID, wf.CompanyID, wf.Name, nullString(wf.Description), wf.IsActive, wf.CreatedAt, wf.UpdatedAt); err != nil {
			return fmt.Errorf("save workflow: %w", err)
		}

		if _, err := tx.exec(ctx, `DELETE FROM workflow_trigger WHERE workflow_id = ?`, wf.ID); err != nil {
			return fmt.Errorf("clear triggers: %w", err)
		}
		for i := range wf.Triggers {
			tr := &wf.Triggers[i]
			if tr.ID == "" {
				tr.ID = uuid.NewString()
			}
			tr.WorkflowID = wf.ID
			if tr.CreatedAt.IsZero() {
				tr.CreatedAt = now
			}
			var cond []byte
			if tr.FieldConditions != nil {
				b, err := json.Marshal(tr.FieldConditions)
				if err != nil {
					return fmt.Errorf("marshal field conditions: %w", err)
				}
				cond = b
			}
			if _, err := tx.exec(ctx, `
				INSERT INTO workflow_trigger (id, workflow_id, resource_type, event_type, field_conditions, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, tr.ID, tr.WorkflowID, tr.ResourceType, string(tr.EventType), cond, tr.CreatedAt); err != nil {
				return fmt.Errorf("save trigger: %w", err)
			}
		}

		return r.replaceGraph(ctx, tx, wf.ID, wf.Steps, wf.Edges)
	})
}

// ReplaceGraph swaps the steps and edges of a workflow. Steps whose id is
// kept are updated in place so their execution history survives.
func (r *Repository) ReplaceGraph(ctx context.Context, workflowID string, steps []Step, edges []Edge) error {
	if err := ValidateGraph(steps, edges); err != nil {
		return err
	}
	return r.inTx(ctx, func(tx sqlTx) error {
		return r.replaceGraph(ctx, tx, workflowID, steps, edges)
	})
}

func (r *Repository) replaceGraph(ctx context.Context, tx sqlTx, workflowID string, steps []Step, edges []Edge) error {
	now := time.Now().UTC()

	if _, err := tx.exec(ctx, `DELETE FROM workflow_step_edge WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}

	keep := make([]any, 0, len(steps)+1)
	keep = append(keep, workflowID)
	for _, s := range steps {
		keep = append(keep, s.ID)
	}
	del := `DELETE FROM workflow_step WHERE workflow_id = ?`
	if len(steps) > 0 {
		del += ` AND id NOT IN (` + placeholders(len(steps)) + `)`
	}
	if _, err := tx.exec(ctx, del, keep...); err != nil {
		return fmt.Errorf("remove steps: %w", err)
	}

	for i := range steps {
		s := &steps[i]
		s.WorkflowID = workflowID
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		cfg := []byte(s.ActionConfig)
		if len(cfg) == 0 {
			cfg = []byte("{}")
		}
		n, err := tx.exec(ctx, `
			INSERT INTO workflow_step (id, workflow_id, name, description, action_type, action_config, position_x, position_y, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				action_type = excluded.action_type,
				action_config = excluded.action_config,
				position_x = excluded.position_x,
				position_y = excluded.position_y
			WHERE workflow_step.workflow_id = excluded.workflow_id
		`, s.ID, workflowID, s.Name, nullString(s.Description), string(s.ActionType), cfg, s.Position.X, s.Position.Y, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("save step %s: %w", s.ID, err)
		}
		if n == 0 {
			return graphErrorf("step %s belongs to another workflow", s.ID)
		}
	}

	for i := range edges {
		e := &edges[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.WorkflowID = workflowID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := tx.exec(ctx, `
			INSERT INTO workflow_step_edge (id, workflow_id, from_step_id, to_step_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.ID, workflowID, e.FromStepID, e.ToStepID, e.CreatedAt); err != nil {
			return fmt.Errorf("save edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// DeleteWorkflow removes a workflow and everything it owns.
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx sqlTx) error {
		stmts := []string{
			`DELETE FROM workflow_step_execution WHERE execution_id IN (SELECT id FROM workflow_execution WHERE workflow_id = ?)`,
			`DELETE FROM workflow_execution WHERE workflow_id = ?`,
			`DELETE FROM workflow_step_edge WHERE workflow_id = ?`,
			`DELETE FROM workflow_step WHERE workflow_id = ?`,
			`DELETE FROM workflow_trigger WHERE workflow_id = ?`,
			`DELETE FROM workflow WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.exec(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete workflow: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) inTx(ctx context.Context, fn func(tx sqlTx) error) error {
	tx, err := r.db.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.rollback(ctx)
		return err
	}
	return tx.commit(ctx)
}

// CreateExecution inserts an execution row and commits it right away.
func (r *Repository) CreateExecution(ctx context.Context, exec *Execution) error {
	event, err := json.Marshal(exec.TriggerEvent)
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.exec(ctx, `
		INSERT INTO workflow_execution (id, workflow_id, status, trigger_event, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.WorkflowID, string(exec.Status), event, nullString(exec.Error), exec.StartedAt, exec.CompletedAt, exec.CreatedAt); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution with its step executions in run order.
// Returns nil, nil if not found.
func (r *Repository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	rows, err := r.db.query(ctx, executionColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	execs, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	exec := execs[0]

	srows, err := r.db.query(ctx, `
		SELECT id, execution_id, step_id, seq, status, result, COALESCE(error, ''), started_at, completed_at, created_at
		FROM workflow_step_execution WHERE execution_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var se StepExecution
		var status string
		var result []byte
		if err := srows.Scan(&se.ID, &se.ExecutionID, &se.StepID, &se.Seq, &status, &result, &se.Error, &se.StartedAt, &se.CompletedAt, &se.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		se.Status = Status(status)
		if len(result) > 0 {
			if err := json.Unmarshal(result, &se.Result); err != nil {
				return nil, fmt.Errorf("unmarshal step result: %w", err)
			}
		}
		exec.StepExecutions = append(exec.StepExecutions, se)
	}
	return exec, srows.Err()
}

// ListExecutions returns the most recent executions of a workflow.
func (r *Repository) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.query(ctx, executionColumns+` WHERE workflow_id = ? ORDER BY created_at DESC, id LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return scanExecutions(rows)
}

const executionColumns = `
	SELECT id, workflow_id, status, trigger_event, COALESCE(error, ''), started_at, completed_at, created_at
	FROM workflow_execution`

func scanExecutions(rows sqlRows) ([]*Execution, error) {
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		var exec Execution
		var status string
		var event []byte
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &event, &exec.Error, &exec.StartedAt, &exec.CompletedAt, &exec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Status = Status(status)
		if err := json.Unmarshal(event, &exec.TriggerEvent); err != nil {
			return nil, fmt.Errorf("unmarshal trigger event: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// Begin opens a run transaction.
func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin run transaction: %w", err)
	}
	return &runTx{tx: tx}, nil
}

// runTx implements Tx on top of a dialect-neutral transaction.
type runTx struct {
	tx sqlTx
}

// UpdateExecution writes the status fields of an execution.
func (r *Repository) UpdateExecution(ctx context.Context, exec *Execution) error {
	return updateExecution(ctx, r.db, exec)
}

func (t *runTx) UpdateExecution(ctx context.Context, exec *Execution) error {
	return updateExecution(ctx, t.tx, exec)
}

func updateExecution(ctx context.Context, c sqlConn, exec *Execution) error {
	if _, err := c.exec(ctx, `
		UPDATE workflow_execution SET status = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?
	`, string(exec.Status), nullString(exec.Error), exec.StartedAt, exec.CompletedAt, exec.ID); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func (t *runTx) InsertStepExecution(ctx context.Context, se *StepExecution) error {
	if se.CreatedAt.IsZero() {
		se.CreatedAt = time.Now().UTC()
	}
	result, err := marshalResult(se.Result)
	if err != nil {
		return err
	}
	if _, err := t.tx.exec(ctx, `
		INSERT INTO workflow_step_execution (id, execution_id, step_id, seq, status, result, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, se.ID, se.ExecutionID, se.StepID, se.Seq, string(se.Status), result, nullString(se.Error), se.StartedAt, se.CompletedAt, se.CreatedAt); err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

func (t *runTx) UpdateStepExecution(ctx context.Context, se *StepExecution) error {
	result, err := marshalResult(se.Result)
	if err != nil {
		return err
	}
	if _, err := t.tx.exec(ctx, `
		UPDATE workflow_step_execution SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ?
	`, string(se.Status), result, nullString(se.Error), se.CompletedAt, se.ID); err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	return nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal step result: %w", err)
	}
	return b, nil
}

func (t *runTx) GetEntity(ctx context.Context, tbl *Table, companyID, id string) (map[string]any, error) {
	rows, err := t.tx.query(ctx, entitySelect(tbl)+` WHERE "id" = ? AND "company_id" = ?`, id, companyID)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", tbl.Name, err)
	}
	entities, err := scanEntities(tbl, rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

func (t *runTx) FindEntities(ctx context.Context, tbl *Table, companyID, column string, value any) ([]map[string]any, error) {
	if _, ok := tbl.Field(column); !ok {
		return nil, fmt.Errorf("%s has no field %q", tbl.Name, column)
	}
	rows, err := t.tx.query(ctx, entitySelect(tbl)+` WHERE `+quote(column)+` = ? AND "company_id" = ? ORDER BY "id"`, value, companyID)
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", tbl.Name, column, err)
	}
	return scanEntities(tbl, rows)
}

func (t *runTx) UpdateEntity(ctx context.Context, tbl *Table, companyID, id string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		if _, ok := tbl.Field(c); !ok || c == "id" {
			return fmt.Errorf("%s has no field %q", tbl.Name, c)
		}
		sets[i] = quote(c) + " = ?"
		args = append(args, values[c])
	}
	args = append(args, id, companyID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ? AND "company_id" = ?`, quote(tbl.Name), strings.Join(sets, ", "))
	if _, err := t.tx.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s %s: %w", tbl.Name, id, err)
	}
	return nil
}

func (t *runTx) InsertEntity(ctx context.Context, tbl *Table, companyID string, values map[string]any) (string, error) {
	id := uuid.NewString()
	cols := []string{`"id"`, `"company_id"`, `"created_at"`}
	args := []any{id, companyID, time.Now().UTC()}
	for _, c := range sortedKeys(values) {
		if _, ok := tbl.Field(c); !ok || c == "id" {
			return "", fmt.Errorf("%s has no field %q", tbl.Name, c)
		}
		cols = append(cols, quote(c))
		args = append(args, values[c])
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quote(tbl.Name), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := t.tx.exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert %s: %w", tbl.Name, err)
	}
	return id, nil
}

func entitySelect(tbl *Table) string {
	cols := []string{`"id"`}
	for _, c := range tbl.Columns() {
		cols = append(cols, quote(c))
	}
	return fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(cols, ", "), quote(tbl.Name))
}

func scanEntities(tbl *Table, rows sqlRows) ([]map[string]any, error) {
	defer rows.Close()
	fields := append([]Field{{Name: "id", Type: FieldUUID}}, tbl.Fields...)

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", tbl.Name, err)
		}
		entity := make(map[string]any, len(fields))
		for i, f := range fields {
			entity[f.Name] = f.Normalize(vals[i])
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (t *runTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.exec(ctx, "SAVEPOINT "+name)
	return err
}

func (t *runTx) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (t *runTx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (t *runTx) Commit(ctx context.Context) error   { return t.tx.commit(ctx) }
func (t *runTx) Rollback(ctx context.Context) error { return t.tx.rollback(ctx) }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InitDB creates the schema and seeds initial data. Called on startup.
func InitDB(ctx context.Context, repo *Repository, seed bool) error {
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	if !seed {
		return nil
	}
	return repo.Seed(ctx)
}

// Sample tenant and workflow inserted by Seed.
const (
	SampleCompanyID  = "0b6f7d4e-3c1a-4f62-9a57-1d2c3b4a5e60"
	SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"
)

// Seed inserts the sample "order paid" workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	existing, err := r.GetWorkflow(ctx, SampleWorkflowID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	wf := &Workflow{
		ID:          SampleWorkflowID,
		CompanyID:   SampleCompanyID,
		Name:        "Order paid follow-up",
		Description: "Validate the invoices of a paid order and open a follow-up task",
		IsActive:    true,
		Triggers: []Trigger{{
			ResourceType:    "order",
			EventType:       EventUpdated,
			FieldConditions: &FieldCondition{Field: "paid", Operator: OpChangedTo, Value: "true"},
		}},
		Steps: []Step{
			{
				ID:           "6a0c1a50-1f33-4a8e-b5a5-8c1f0f4a0001",
				Name:         "Validate order invoices",
				ActionType:   ActionUpdateField,
				ActionConfig: json.RawMessage(`{"resource_type":"invoice","resource_id_source":"match_field","match_field":"order_id","updates":{"is_valid":true}}`),
				Position:     Position{X: 0, Y: 0},
			},
			{
				ID:           "6a0c1a50-1f33-4a8e-b5a5-8c1f0f4a0002",
				Name:         "Open follow-up task",
				ActionType:   ActionCreateEntity,
				ActionConfig: json.RawMessage(`{"resource_type":"task","data":{"name":"Thank the client for the payment","position":0}}`),
				Position:     Position{X: 300, Y: 0},
			},
		},
	}
	wf.Edges = []Edge{{FromStepID: wf.Steps[0].ID, ToStepID: wf.Steps[1].ID}}

	if err := r.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}
