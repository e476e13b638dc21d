package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/pkg/eventbus"
	"github.com/weftlab/weft/pkg/events"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence/file"
	"github.com/weftlab/weft/pkg/protocol"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/running"
	"github.com/weftlab/weft/pkg/testutil"
)

// stubFactory builds executors backed by a per-node function.
type stubFactory struct {
	id string
	fn func(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error)
}

func (f *stubFactory) ID() string             { return f.id }
func (f *stubFactory) Schema() map[string]any { return nil }

func (f *stubFactory) Create(_ map[string]any, _ *slog.Logger) (protocol.NodeExecutor, error) {
	return stubExecutor(f.fn), nil
}

type stubExecutor func(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error)

func (e stubExecutor) Execute(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
	return e(ctx, req)
}

// recordingBus captures published events in order.
type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *recordingBus) types() []events.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	types := make([]events.EventType, 0, len(b.events))
	for _, event := range b.events {
		types = append(types, event.GetType())
	}

	return types
}

type harness struct {
	engine  *Engine
	store   *file.Persistence
	running *running.Registry
	bus     *recordingBus
}

func newHarness(t *testing.T, cfg Config, factories ...protocol.ExecutorFactory) *harness {
	t.Helper()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)

	for _, factory := range factories {
		reg.RegisterExecutor(factory)
	}

	runReg := running.NewRegistry()
	bus := &recordingBus{}

	return &harness{
		engine:  New(logger, store, reg, runReg, bus, cfg),
		store:   store,
		running: runReg,
		bus:     bus,
	}
}

func (h *harness) saveWorkflow(t *testing.T, workflow *models.Workflow) {
	t.Helper()
	require.NoError(t, h.store.WorkflowRepository().Save(t.Context(), workflow))
}

func (h *harness) await(t *testing.T, handle *Handle) *models.Execution {
	t.Helper()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish in time")
	}

	stored, err := h.store.ExecutionRepository().GetByID(t.Context(), handle.Execution.ID)
	require.NoError(t, err)

	return stored
}

func echoFactory() *stubFactory {
	return &stubFactory{id: "log", fn: func(_ context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
		return map[string]any{"node": req.NodeID}, nil
	}}
}

func TestExecute_LinearSuccess(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.LinearWorkflow("trigger", "a", "b")
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{
		WorkflowID:  wf.ID,
		TriggerData: map[string]any{"input": 1},
	})
	require.NoError(t, err)
	assert.False(t, handle.Deduplicated)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// Trigger nodes leave no log entry.
	require.Len(t, stored.NodeResults, 2)
	assert.Equal(t, "a", stored.NodeResults[0].NodeID)
	assert.Equal(t, "b", stored.NodeResults[1].NodeID)
	assert.Equal(t, models.NodeResultSuccess, stored.NodeResults[0].Status)
	assert.Equal(t, models.NodeResultSuccess, stored.NodeResults[1].Status)

	// The running registry is drained on completion.
	assert.Empty(t, h.running.ListRunning())
}

func TestExecute_RunsNodesWithoutExplicitEnabled(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	// A definition submitted as JSON with no "enabled" fields must still
	// dispatch every node, not silently skip the whole graph.
	raw := `{
		"id": "wf-json",
		"name": "Submitted Pipeline",
		"owner": "alice",
		"nodes": [
			{"id": "trigger", "kind": "trigger", "type": "trigger:webhook"},
			{"id": "a", "kind": "action", "type": "log"}
		],
		"connections": [
			{"id": "c1", "from_node_id": "trigger", "to_node_id": "a"}
		]
	}`

	var wf models.Workflow

	require.NoError(t, json.Unmarshal([]byte(raw), &wf))
	h.saveWorkflow(t, &wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	require.Len(t, stored.NodeResults, 1)
	assert.Equal(t, "a", stored.NodeResults[0].NodeID)
	assert.Equal(t, models.NodeResultSuccess, stored.NodeResults[0].Status)
}

func TestExecute_WorkflowNotFound(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	_, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: "ghost"})
	assert.Error(t, err)
}

func TestExecute_InvalidGraphCreatesNoExecution(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.CreateTestWorkflow(testutil.WithNodes(
		testutil.CreateTestNode(testutil.WithID("only-action")),
	))
	h.saveWorkflow(t, wf)

	_, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.Error(t, err)

	list, err := h.store.ExecutionRepository().ListByWorkflow(t.Context(), wf.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestExecute_UnhandledFailureHaltsScheduling(t *testing.T) {
	failing := &stubFactory{id: "boom", fn: func(context.Context, protocol.ExecuteRequest) (map[string]any, error) {
		return nil, errors.New("exploded")
	}}

	h := newHarness(t, Config{}, echoFactory(), failing)

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("boom")),
			testutil.CreateTestNode(testutil.WithID("b")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.Connect("a", "b"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "a")
	assert.Contains(t, stored.ErrorMessage, "exploded")

	// Nodes after the failure point get no log entry at all.
	require.Len(t, stored.NodeResults, 1)
	assert.Equal(t, "a", stored.NodeResults[0].NodeID)
	assert.Equal(t, models.NodeResultError, stored.NodeResults[0].Status)
}

func TestExecute_ErrorHandlerAbsorbsFailure(t *testing.T) {
	failing := &stubFactory{id: "boom", fn: func(context.Context, protocol.ExecuteRequest) (map[string]any, error) {
		return nil, errors.New("exploded")
	}}

	var handlerReq protocol.ExecuteRequest

	var mu sync.Mutex

	capture := &stubFactory{id: "capture", fn: func(_ context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
		mu.Lock()
		handlerReq = req
		mu.Unlock()

		return map[string]any{"handled": true}, nil
	}}

	h := newHarness(t, Config{}, echoFactory(), failing, capture)

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("boom")),
			testutil.CreateTestNode(testutil.WithErrorHandler(), testutil.WithID("handler"), testutil.WithType("capture")),
			testutil.CreateTestNode(testutil.WithID("b")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.Connect("a", "handler"),
			testutil.Connect("a", "b"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	// The handler absorbed the failure, so the run completes.
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	byNode := map[string]models.NodeResultStatus{}
	for _, result := range stored.NodeResults {
		byNode[result.NodeID] = result.Status
	}

	assert.Equal(t, models.NodeResultError, byNode["a"])
	assert.Equal(t, models.NodeResultSuccess, byNode["handler"])
	assert.Equal(t, models.NodeResultSkipped, byNode["b"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "exploded", handlerReq.UpstreamError)
}

func TestExecute_ErrorHandlerSkippedWhenNoFailure(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a")),
			testutil.CreateTestNode(testutil.WithErrorHandler(), testutil.WithID("handler")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.Connect("a", "handler"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	handlerResult := stored.ResultFor("handler")
	require.NotNil(t, handlerResult)
	assert.Equal(t, models.NodeResultSkipped, handlerResult.Status)
}

func TestExecute_FalseConditionSkips(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a")),
			testutil.CreateTestNode(testutil.WithID("gated")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.ConnectIf("a", "gated", "a.node == something-else"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	gated := stored.ResultFor("gated")
	require.NotNil(t, gated)
	assert.Equal(t, models.NodeResultSkipped, gated.Status)
}

func TestExecute_AnyPassingInboundConditionRuns(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	// Two conditional edges converge on "join"; one passes, one does not.
	// A single open edge is enough to run the node.
	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a")),
			testutil.CreateTestNode(testutil.WithID("b")),
			testutil.CreateTestNode(testutil.WithID("join")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.Connect("trigger", "b"),
			testutil.ConnectIf("a", "join", "a.node == a"),
			testutil.ConnectIf("b", "join", "b.node == something-else"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	join := stored.ResultFor("join")
	require.NotNil(t, join)
	assert.Equal(t, models.NodeResultSuccess, join.Status)
}

func TestExecute_DisabledNodeSkips(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("off"), testutil.WithEnabled(false)),
		),
		testutil.WithConnections(testutil.Connect("trigger", "off")),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	off := stored.ResultFor("off")
	require.NotNil(t, off)
	assert.Equal(t, models.NodeResultSkipped, off.Status)
}

func TestExecute_IdempotencyKeyDeduplicates(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.LinearWorkflow("trigger", "a")
	h.saveWorkflow(t, wf)

	first, err := h.engine.Execute(t.Context(), ExecuteRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "submit-1",
	})
	require.NoError(t, err)

	second, err := h.engine.Execute(t.Context(), ExecuteRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "submit-1",
	})
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)

	// The deduplicated handle is already done.
	select {
	case <-second.Done():
	default:
		t.Fatal("deduplicated handle should be closed")
	}

	h.await(t, first)

	list, err := h.store.ExecutionRepository().ListByWorkflow(t.Context(), wf.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecute_ConcurrentDuplicateSubmissions(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.LinearWorkflow("trigger", "a")
	h.saveWorkflow(t, wf)

	const submissions = 10

	var wg sync.WaitGroup

	handles := make([]*Handle, submissions)

	for i := range submissions {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()

			handle, err := h.engine.Execute(context.Background(), ExecuteRequest{
				WorkflowID:     wf.ID,
				IdempotencyKey: "same-key",
			})
			if err == nil {
				handles[slot] = handle
			}
		}(i)
	}

	wg.Wait()

	created := 0

	for _, handle := range handles {
		require.NotNil(t, handle)

		if !handle.Deduplicated {
			created++
			h.await(t, handle)
		}
	}

	assert.Equal(t, 1, created)

	list, err := h.store.ExecutionRepository().ListByWorkflow(t.Context(), wf.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecute_CancellationAtGroupBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := &stubFactory{id: "slow", fn: func(ctx context.Context, _ protocol.ExecuteRequest) (map[string]any, error) {
		close(started)

		select {
		case <-release:
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	h := newHarness(t, Config{}, echoFactory(), blocking)

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("slow")),
			testutil.CreateTestNode(testutil.WithID("b")),
		),
		testutil.WithConnections(
			testutil.Connect("trigger", "a"),
			testutil.Connect("a", "b"),
		),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	// Cancel while node a is in flight, then let it finish.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("node a never started")
	}

	require.True(t, h.running.RequestCancel(handle.Execution.ID))
	close(release)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)

	// The in-flight node completed; the next group never ran.
	require.Len(t, stored.NodeResults, 1)
	assert.Equal(t, "a", stored.NodeResults[0].NodeID)
	assert.Equal(t, models.NodeResultSuccess, stored.NodeResults[0].Status)
	assert.Empty(t, h.running.ListRunning())
}

func TestExecute_NodeTimeoutIsFailure(t *testing.T) {
	slow := &stubFactory{id: "slow", fn: func(ctx context.Context, _ protocol.ExecuteRequest) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	h := newHarness(t, Config{NodeTimeout: 50 * time.Millisecond}, slow)

	wf := testutil.CreateTestWorkflow(
		testutil.WithNodes(
			testutil.CreateTestNode(testutil.WithTriggerNode(), testutil.WithID("trigger")),
			testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("slow")),
		),
		testutil.WithConnections(testutil.Connect("trigger", "a")),
	)
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	stored := h.await(t, handle)

	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)

	result := stored.ResultFor("a")
	require.NotNil(t, result)
	assert.Equal(t, models.NodeResultError, result.Status)
	assert.Contains(t, result.Error, "timed out")
}

func TestExecute_EventOrdering(t *testing.T) {
	h := newHarness(t, Config{}, echoFactory())

	wf := testutil.LinearWorkflow("trigger", "a", "b")
	h.saveWorkflow(t, wf)

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	h.await(t, handle)

	types := h.bus.types()
	require.NotEmpty(t, types)

	assert.Equal(t, events.ExecutionStartedEvent, types[0])
	assert.Equal(t, events.ExecutionCompletedEvent, types[len(types)-1])

	nodeUpdates := 0

	for _, eventType := range types {
		if eventType == events.NodeUpdateEvent {
			nodeUpdates++
		}
	}

	assert.Equal(t, 2, nodeUpdates)
}

func TestExecute_UpstreamOutputsFlow(t *testing.T) {
	var mu sync.Mutex

	captured := map[string]protocol.ExecuteRequest{}

	capture := &stubFactory{id: "log", fn: func(_ context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
		mu.Lock()
		captured[req.NodeID] = req
		mu.Unlock()

		return map[string]any{"from": req.NodeID}, nil
	}}

	h := newHarness(t, Config{}, capture)

	wf := testutil.LinearWorkflow("trigger", "a", "b")
	h.saveWorkflow(t, wf)

	trigger := map[string]any{"payload": "hello"}

	handle, err := h.engine.Execute(t.Context(), ExecuteRequest{
		WorkflowID:  wf.ID,
		TriggerData: trigger,
	})
	require.NoError(t, err)

	h.await(t, handle)

	mu.Lock()
	defer mu.Unlock()

	// a's upstream is the trigger payload under the trigger node id.
	require.Contains(t, captured, "a")
	assert.Equal(t, trigger, captured["a"].UpstreamOutputs["trigger"])

	// b sees a's output.
	require.Contains(t, captured, "b")
	assert.Equal(t, map[string]any{"from": "a"}, captured["b"].UpstreamOutputs["a"])
}
