package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/executors/log"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence/file"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/running"
	"github.com/weftlab/weft/pkg/services"
	"github.com/weftlab/weft/pkg/testutil"
	"github.com/weftlab/weft/pkg/web"
)

type testEnv struct {
	app     *fiber.App
	store   *file.Persistence
	running *running.Registry
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(logger)
	reg.RegisterExecutor(log.NewFactory())

	runReg := running.NewRegistry()
	eng := engine.New(logger, store, reg, runReg, nil, engine.Config{})

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(store),
		services.NewExecution(eng, store, runReg),
		validator.New(validator.WithRequiredStructEnabled()),
		reg,
	)

	app := fiber.New()

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)
	w.Get("/:id/executions", handlers.GetWorkflowExecutions)

	e := app.Group("/executions")
	e.Get("/running", handlers.GetRunningExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return &testEnv{app: app, store: store, running: runReg}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req
}

func decodeBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dest))
}

func saveWorkflow(t *testing.T, env *testEnv) *models.Workflow {
	t.Helper()

	wf := testutil.LinearWorkflow("trigger", "a")
	require.NoError(t, env.store.WorkflowRepository().Save(t.Context(), wf))

	return wf
}

func TestCreateWorkflow(t *testing.T) {
	env := setupTestApp(t)

	req := jsonRequest(t, http.MethodPost, "/workflows/", web.CreateWorkflowRequest{
		Name:  "Order Pipeline",
		Owner: "test-user",
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Type: "trigger:webhook", Enabled: true},
			{ID: "step", Kind: models.NodeKindAction, Type: "log", Enabled: true},
		},
		Connections: []*models.Connection{
			{ID: "c1", FromNodeID: "trigger", ToNodeID: "step"},
		},
	})

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Workflow

	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Order Pipeline", created.Name)
}

func TestCreateWorkflow_ValidationFailure(t *testing.T) {
	env := setupTestApp(t)

	// Name too short and no nodes.
	req := jsonRequest(t, http.MethodPost, "/workflows/", web.CreateWorkflowRequest{Name: "ab"})

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkflow_InvalidGraph(t *testing.T) {
	env := setupTestApp(t)

	req := jsonRequest(t, http.MethodPost, "/workflows/", web.CreateWorkflowRequest{
		Name: "No Trigger",
		Nodes: []*models.Node{
			{ID: "step", Kind: models.NodeKindAction, Type: "log", Enabled: true},
		},
	})

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkflow_NodeFieldsValidated(t *testing.T) {
	env := setupTestApp(t)

	// Per-node tags apply to every element, so a node without a type is
	// rejected before the graph is examined.
	req := jsonRequest(t, http.MethodPost, "/workflows/", web.CreateWorkflowRequest{
		Name: "Broken Nodes",
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Type: "trigger:webhook", Enabled: true},
			{ID: "step", Kind: models.NodeKindAction, Enabled: true},
		},
	})

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkflow_NodesDefaultToEnabled(t *testing.T) {
	env := setupTestApp(t)

	// Raw JSON with no "enabled" fields; the stored nodes must come back
	// enabled rather than silently disabled.
	raw := []byte(`{
		"name": "Order Pipeline",
		"owner": "alice",
		"nodes": [
			{"id": "trigger", "kind": "trigger", "type": "trigger:webhook"},
			{"id": "step", "kind": "action", "type": "log"}
		],
		"connections": [
			{"id": "c1", "from_node_id": "trigger", "to_node_id": "step"}
		]
	}`)

	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Workflow

	decodeBody(t, resp, &created)
	require.Len(t, created.Nodes, 2)
	assert.True(t, created.Nodes[0].Enabled)
	assert.True(t, created.Nodes[1].Enabled)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	env := setupTestApp(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodGet, "/workflows/ghost", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteWorkflow(t *testing.T) {
	env := setupTestApp(t)
	wf := saveWorkflow(t, env)

	req := jsonRequest(t, http.MethodPost, "/workflows/"+wf.ID+"/execute", web.ExecuteWorkflowRequest{
		TriggerData: map[string]any{"order_id": "42"},
	})
	req.Header.Set("X-User-ID", "alice")

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result services.ExecuteResponse

	decodeBody(t, resp, &result)
	require.NotNil(t, result.Execution)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, wf.ID, result.Execution.WorkflowID)
	assert.Equal(t, "alice", result.Execution.Owner)
}

func TestExecuteWorkflow_Deduplicated(t *testing.T) {
	env := setupTestApp(t)
	wf := saveWorkflow(t, env)

	body := web.ExecuteWorkflowRequest{IdempotencyKey: "retry-1"}

	first, err := env.app.Test(jsonRequest(t, http.MethodPost, "/workflows/"+wf.ID+"/execute", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second, err := env.app.Test(jsonRequest(t, http.MethodPost, "/workflows/"+wf.ID+"/execute", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, second.StatusCode)

	var result services.ExecuteResponse

	decodeBody(t, second, &result)
	assert.True(t, result.Deduplicated)
}

func TestExecuteWorkflow_UnknownWorkflow(t *testing.T) {
	env := setupTestApp(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/workflows/ghost/execute", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExecution(t *testing.T) {
	env := setupTestApp(t)

	exec := &models.Execution{
		ID:          "exec-1",
		WorkflowID:  "wf-1",
		Status:      models.ExecutionStatusSuccess,
		NodeResults: []models.NodeResult{},
		StartedAt:   time.Now().UTC(),
	}

	_, _, err := env.store.ExecutionRepository().CreateOrGet(t.Context(), exec)
	require.NoError(t, err)

	resp, err := env.app.Test(jsonRequest(t, http.MethodGet, "/executions/exec-1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stored models.Execution

	decodeBody(t, resp, &stored)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
}

func TestGetExecution_NotFound(t *testing.T) {
	env := setupTestApp(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodGet, "/executions/ghost", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelExecution_Running(t *testing.T) {
	env := setupTestApp(t)

	env.running.Register("exec-1", "wf-1")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/executions/exec-1/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ExecutionID string `json:"execution_id"`
		Accepted    bool   `json:"accepted"`
	}

	decodeBody(t, resp, &body)
	assert.Equal(t, "exec-1", body.ExecutionID)
	assert.True(t, body.Accepted)
	assert.True(t, env.running.CancelRequested("exec-1"))
}

func TestCancelExecution_Terminal(t *testing.T) {
	env := setupTestApp(t)

	now := time.Now().UTC()
	exec := &models.Execution{
		ID:          "exec-done",
		WorkflowID:  "wf-1",
		Status:      models.ExecutionStatusSuccess,
		NodeResults: []models.NodeResult{},
		StartedAt:   now,
		CompletedAt: &now,
	}

	_, _, err := env.store.ExecutionRepository().CreateOrGet(t.Context(), exec)
	require.NoError(t, err)

	// Cancelling a finished execution is reported, not rejected.
	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/executions/exec-done/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ExecutionID string `json:"execution_id"`
		Accepted    bool   `json:"accepted"`
	}

	decodeBody(t, resp, &body)
	assert.False(t, body.Accepted)
}

func TestCancelExecution_Unknown(t *testing.T) {
	env := setupTestApp(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/executions/ghost/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunningExecutions(t *testing.T) {
	env := setupTestApp(t)

	env.running.Register("exec-1", "wf-1")
	env.running.Register("exec-2", "wf-2")

	resp, err := env.app.Test(jsonRequest(t, http.MethodGet, "/executions/running", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Executions []web.RunningExecutionResponse `json:"executions"`
		Count      int                            `json:"count"`
	}

	decodeBody(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Executions, 2)
}

func TestHealthCheck(t *testing.T) {
	env := setupTestApp(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
