package workflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"crm-workflow/api/pkg/db"
)

const (
	companyA = "11111111-1111-4111-8111-111111111111"
	companyB = "22222222-2222-4222-8222-222222222222"
)

// newTestRepo opens a schema-initialised SQLite repository in a temp dir.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewSQLiteRepository(sqlDB)
	require.NoError(t, repo.InitSchema(ctx))
	return repo
}

// insertEntity writes an entity row directly and returns its id.
func insertEntity(t *testing.T, repo *Repository, resourceType, companyID string, values map[string]any) string {
	t.Helper()

	ctx := context.Background()
	tbl, err := LookupTable(resourceType)
	require.NoError(t, err)

	coerced := make(map[string]any, len(values))
	for k, v := range values {
		f, ok := tbl.Field(k)
		require.True(t, ok, "unknown field %s", k)
		c, err := f.Coerce(v)
		require.NoError(t, err)
		coerced[k] = c
	}

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.InsertEntity(ctx, tbl, companyID, coerced)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return id
}

// getEntity reads an entity row of companyID, or nil.
func getEntity(t *testing.T, repo *Repository, resourceType, companyID, id string) map[string]any {
	t.Helper()

	ctx := context.Background()
	tbl, err := LookupTable(resourceType)
	require.NoError(t, err)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entity, err := tx.GetEntity(ctx, tbl, companyID, id)
	require.NoError(t, err)
	return entity
}

func step(name string, action ActionType, config string) Step {
	return Step{ID: uuid.NewString(), Name: name, ActionType: action, ActionConfig: json.RawMessage(config)}
}

func edge(from, to Step) Edge {
	return Edge{FromStepID: from.ID, ToStepID: to.ID}
}

// saveWorkflow persists an active workflow of companyID.
func saveWorkflow(t *testing.T, repo *Repository, companyID string, triggers []Trigger, steps []Step, edges []Edge) *Workflow {
	t.Helper()

	wf := &Workflow{
		CompanyID: companyID,
		Name:      "test workflow",
		IsActive:  true,
		Triggers:  triggers,
		Steps:     steps,
		Edges:     edges,
	}
	require.NoError(t, repo.SaveWorkflow(context.Background(), wf))
	return wf
}

// stubWebhookClient records requests and replies with a fixed response.
type stubWebhookClient struct {
	mu       sync.Mutex
	requests []WebhookRequest
	response *WebhookResponse
	err      error
}

func (c *stubWebhookClient) Send(_ context.Context, req WebhookRequest) (*WebhookResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if c.response != nil {
		return c.response, nil
	}
	return &WebhookResponse{StatusCode: 200}, nil
}

// blockingWebhookClient waits for the context to end.
type blockingWebhookClient struct{}

func (blockingWebhookClient) Send(ctx context.Context, _ WebhookRequest) (*WebhookResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestEngine(repo *Repository, webhooks WebhookClient, cfg EngineConfig) *Engine {
	return NewEngine(repo, NewRegistry(webhooks), cfg, nil)
}
