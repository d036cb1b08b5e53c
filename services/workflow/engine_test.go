package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderEvent(companyID, orderID string) ChangeEvent {
	return ChangeEvent{
		CompanyID:    companyID,
		ResourceType: "order",
		EventType:    EventUpdated,
		ResourceID:   orderID,
		Before:       map[string]any{"status": "OPEN"},
		After:        map[string]any{"status": "CANCELLED"},
	}
}

func createTask(name string) Step {
	return step(name, ActionCreateEntity, `{"resource_type":"task","data":{"name":"`+name+`"}}`)
}

func stepIDs(execs []StepExecution) []string {
	ids := make([]string, len(execs))
	for i, se := range execs {
		ids[i] = se.StepID
	}
	return ids
}

func TestEngine_EmptyWorkflow(t *testing.T) {
	repo := newTestRepo(t)
	wf := saveWorkflow(t, repo, companyA, []Trigger{{ResourceType: "order", EventType: EventUpdated}}, nil, nil)

	exec, err := newTestEngine(repo, nil, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Empty(t, exec.StepExecutions)
	assert.Empty(t, exec.Changes)

	stored, err := repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.StepExecutions)
}

func TestEngine_TopologicalOrder(t *testing.T) {
	repo := newTestRepo(t)
	// Declared out of dependency order: c depends on b, b on a, d is free.
	a, b, c, d := createTask("a"), createTask("b"), createTask("c"), createTask("d")
	wf := saveWorkflow(t, repo, companyA, nil, []Step{c, b, a, d}, []Edge{edge(a, b), edge(b, c)})

	exec, err := newTestEngine(repo, nil, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)

	ids := stepIDs(exec.StepExecutions)
	require.Len(t, ids, 4)
	pos := make(map[string]int)
	for i, id := range ids {
		pos[id] = i
	}
	assert.Less(t, pos[a.ID], pos[b.ID])
	assert.Less(t, pos[b.ID], pos[c.ID])
	assert.Len(t, exec.Changes, 4)

	stored, err := repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, stepIDs(stored.StepExecutions))
	for i, se := range stored.StepExecutions {
		assert.Equal(t, i+1, se.Seq)
		assert.Equal(t, StatusCompleted, se.Status)
		assert.Equal(t, "task", se.Result["created_resource_type"])
	}
}

func TestEngine_ResultsVisibleToLaterSteps(t *testing.T) {
	repo := newTestRepo(t)
	client := &stubWebhookClient{}
	first := createTask("first")
	hook := step("hook", ActionHTTPRequest, `{"url":"https://hooks.example.com/done","include_context":true}`)
	wf := saveWorkflow(t, repo, companyA, nil, []Step{first, hook}, []Edge{edge(first, hook)})

	exec, err := newTestEngine(repo, client, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)

	require.Len(t, client.requests, 1)
	assert.Contains(t, string(client.requests[0].Body), first.ID)
	assert.Contains(t, string(client.requests[0].Body), `"created_resource_type":"task"`)
}

func TestEngine_CycleSkippedByDefault(t *testing.T) {
	repo := newTestRepo(t)
	root, x, y := createTask("root"), createTask("x"), createTask("y")
	// Stored graphs are acyclic, so the cycle is added after saving.
	wf := saveWorkflow(t, repo, companyA, nil, []Step{root, x, y}, nil)
	wf.Edges = []Edge{edge(x, y), edge(y, x)}

	exec, err := newTestEngine(repo, nil, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, []string{root.ID}, stepIDs(exec.StepExecutions))
}

func TestEngine_CycleFailsWhenStrict(t *testing.T) {
	repo := newTestRepo(t)
	root, x, y := createTask("root"), createTask("x"), createTask("y")
	wf := saveWorkflow(t, repo, companyA, nil, []Step{root, x, y}, nil)
	wf.Edges = []Edge{edge(x, y), edge(y, x)}

	exec, err := newTestEngine(repo, nil, EngineConfig{StrictGraph: true}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, ErrCyclicGraph.Error())
	assert.Len(t, exec.StepExecutions, 1)
}

func TestEngine_FailureStopsRun(t *testing.T) {
	repo := newTestRepo(t)
	orderID := insertEntity(t, repo, "order", companyA, map[string]any{"status": "OPEN", "total": 10})

	settle := step("settle", ActionUpdateField, `{"resource_type":"order","updates":{"status":"SETTLED"}}`)
	broken := step("broken", ActionUpdateField, `{"resource_type":"order","updates":{"total":"many"}}`)
	never := createTask("never")
	wf := saveWorkflow(t, repo, companyA, nil, []Step{settle, broken, never}, []Edge{edge(settle, broken), edge(broken, never)})

	exec, err := newTestEngine(repo, nil, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, orderID))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, `step "broken" failed`)

	require.Len(t, exec.StepExecutions, 2)
	assert.Equal(t, StatusCompleted, exec.StepExecutions[0].Status)
	assert.Equal(t, StatusFailed, exec.StepExecutions[1].Status)
	assert.NotEmpty(t, exec.StepExecutions[1].Error)

	// Writes of steps that completed before the failure are kept.
	assert.Equal(t, "SETTLED", getEntity(t, repo, "order", companyA, orderID)["status"])
	require.Len(t, exec.Changes, 1)
	assert.Equal(t, orderID, exec.Changes[0].ResourceID)

	stored, err := repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	require.Len(t, stored.StepExecutions, 2)
	assert.Equal(t, StatusFailed, stored.StepExecutions[1].Status)
}

func TestEngine_EarlierStepWritesSurviveFailure(t *testing.T) {
	repo := newTestRepo(t)
	clientID := insertEntity(t, repo, "client", companyA, map[string]any{"name": "Acme"})
	o1 := insertEntity(t, repo, "order", companyA, map[string]any{"client_id": clientID, "paid": false})

	// A failing step only undoes its own writes.
	pay := step("pay", ActionUpdateField,
		`{"resource_type":"order","resource_id_source":"match_field","match_field":"client_id","updates":{"paid":true}}`)
	hook := step("hook", ActionHTTPRequest, `{"url":"https://hooks.example.com/x"}`)
	wf := saveWorkflow(t, repo, companyA, nil, []Step{pay, hook}, []Edge{edge(pay, hook)})

	client := &stubWebhookClient{err: errors.New("connection refused")}
	event := ChangeEvent{CompanyID: companyA, ResourceType: "client", EventType: EventUpdated, ResourceID: clientID}
	exec, err := newTestEngine(repo, client, EngineConfig{}).Execute(context.Background(), wf, event)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, true, getEntity(t, repo, "order", companyA, o1)["paid"])
}

func TestEngine_StepTimeout(t *testing.T) {
	repo := newTestRepo(t)
	hook := step("slow hook", ActionHTTPRequest, `{"url":"https://hooks.example.com/slow"}`)
	wf := saveWorkflow(t, repo, companyA, nil, []Step{hook}, nil)

	engine := newTestEngine(repo, blockingWebhookClient{}, EngineConfig{StepTimeout: 50 * time.Millisecond})
	start := time.Now()
	exec, err := engine.Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StatusFailed, exec.Status)
	require.Len(t, exec.StepExecutions, 1)
	assert.Contains(t, exec.StepExecutions[0].Error, context.DeadlineExceeded.Error())

	stored, err := repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestEngine_RunTimeout(t *testing.T) {
	repo := newTestRepo(t)
	first := createTask("first")
	hook := step("slow hook", ActionHTTPRequest, `{"url":"https://hooks.example.com/slow"}`)
	wf := saveWorkflow(t, repo, companyA, nil, []Step{first, hook}, []Edge{edge(first, hook)})

	engine := newTestEngine(repo, blockingWebhookClient{}, EngineConfig{RunTimeout: 100 * time.Millisecond})
	exec, err := engine.Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	require.Len(t, exec.StepExecutions, 2)
	assert.Equal(t, StatusCompleted, exec.StepExecutions[0].Status)
}

func TestEngine_ExecutionListed(t *testing.T) {
	repo := newTestRepo(t)
	wf := saveWorkflow(t, repo, companyA, nil, nil, nil)

	exec, err := newTestEngine(repo, nil, EngineConfig{}).Execute(context.Background(), wf, orderEvent(companyA, uuid.NewString()))
	require.NoError(t, err)

	list, err := repo.ListExecutions(context.Background(), wf.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, exec.ID, list[0].ID)
	assert.Equal(t, "order", list[0].TriggerEvent.ResourceType)
}

// writeThenFail inserts a task and then reports a failure.
type writeThenFail struct{}

func (writeThenFail) Execute(ctx context.Context, tx Tx, _ Action, rc *RunContext, companyID string) (map[string]any, error) {
	tbl, _ := LookupTable("task")
	id, err := tx.InsertEntity(ctx, tbl, companyID, map[string]any{"name": "half done"})
	if err != nil {
		return nil, err
	}
	rc.record(ChangeEvent{CompanyID: companyID, ResourceType: "task", EventType: EventCreated, ResourceID: id})
	return nil, errors.New("downstream refused")
}

func TestEngine_FailedStepWritesRolledBack(t *testing.T) {
	repo := newTestRepo(t)
	orderID := insertEntity(t, repo, "order", companyA, map[string]any{"status": "OPEN"})

	settle := step("settle", ActionUpdateField, `{"resource_type":"order","updates":{"status":"SETTLED"}}`)
	partial := step("partial", ActionCreateEntity, `{"resource_type":"task","data":{}}`)
	wf := saveWorkflow(t, repo, companyA, nil, []Step{settle, partial}, []Edge{edge(settle, partial)})

	registry := NewRegistry(nil)
	registry[ActionCreateEntity] = writeThenFail{}
	exec, err := NewEngine(repo, registry, EngineConfig{}, nil).Execute(context.Background(), wf, orderEvent(companyA, orderID))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "downstream refused")

	// Only the settle step's change survives.
	require.Len(t, exec.Changes, 1)
	assert.Equal(t, "order", exec.Changes[0].ResourceType)
	assert.Equal(t, "SETTLED", getEntity(t, repo, "order", companyA, orderID)["status"])

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background())
	tbl, _ := LookupTable("task")
	tasks, err := tx.FindEntities(context.Background(), tbl, companyA, "name", "half done")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

// ctxRecordingTx records whether entity calls saw a cancellable context.
type ctxRecordingTx struct {
	Tx
	calls       int
	cancellable bool
}

func (r *ctxRecordingTx) record(ctx context.Context) {
	r.calls++
	if ctx.Done() != nil {
		r.cancellable = true
	}
}

func (r *ctxRecordingTx) GetEntity(ctx context.Context, _ *Table, _, _ string) (map[string]any, error) {
	r.record(ctx)
	return nil, nil
}

func (r *ctxRecordingTx) FindEntities(ctx context.Context, _ *Table, _, _ string, _ any) ([]map[string]any, error) {
	r.record(ctx)
	return nil, nil
}

func (r *ctxRecordingTx) UpdateEntity(ctx context.Context, _ *Table, _, _ string, _ map[string]any) error {
	r.record(ctx)
	return nil
}

func (r *ctxRecordingTx) InsertEntity(ctx context.Context, _ *Table, _ string, _ map[string]any) (string, error) {
	r.record(ctx)
	return "id", nil
}

func TestStepTx_DetachesEntitySQL(t *testing.T) {
	tbl, err := LookupTable("task")
	require.NoError(t, err)

	inner := &ctxRecordingTx{}
	tx := stepTx{inner}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err = tx.GetEntity(ctx, tbl, companyA, "x")
	require.NoError(t, err)
	_, err = tx.FindEntities(ctx, tbl, companyA, "name", "x")
	require.NoError(t, err)
	require.NoError(t, tx.UpdateEntity(ctx, tbl, companyA, "x", nil))
	_, err = tx.InsertEntity(ctx, tbl, companyA, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, inner.calls)
	assert.False(t, inner.cancellable, "entity SQL must not be interruptible by the step deadline")
}

func TestStepTx_ExpiredDeadlineStopsSQL(t *testing.T) {
	tbl, err := LookupTable("task")
	require.NoError(t, err)

	inner := &ctxRecordingTx{}
	tx := stepTx{inner}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tx.GetEntity(ctx, tbl, companyA, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = tx.FindEntities(ctx, tbl, companyA, "name", "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, tx.UpdateEntity(ctx, tbl, companyA, "x", nil), context.Canceled)
	_, err = tx.InsertEntity(ctx, tbl, companyA, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inner.calls)
}
