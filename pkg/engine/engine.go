// Package engine drives workflow executions: it plans the graph, dispatches
// node groups with bounded parallelism, applies failure routing and
// cooperative cancellation, and emits lifecycle events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/weftlab/weft/pkg/eventbus"
	"github.com/weftlab/weft/pkg/events"
	"github.com/weftlab/weft/pkg/execution"
	"github.com/weftlab/weft/pkg/graph"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/running"
)

const (
	defaultMaxParallelism = 4
	defaultNodeTimeout    = 60 * time.Second
)

// Config bounds one execution's resource usage.
type Config struct {
	// MaxParallelism caps concurrent node dispatches inside one group.
	MaxParallelism int
	// NodeTimeout bounds a single node executor call. A timeout is
	// recorded as a node failure.
	NodeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = defaultMaxParallelism
	}

	if c.NodeTimeout <= 0 {
		c.NodeTimeout = defaultNodeTimeout
	}

	return c
}

// ExecuteRequest is one submission entering the engine.
type ExecuteRequest struct {
	WorkflowID     string
	TriggerData    map[string]any
	IdempotencyKey string
	Initiator      string
}

// Handle is what a submission returns: the execution row as of dispatch
// plus a completion signal for callers that need to wait.
type Handle struct {
	Execution *models.Execution
	// Deduplicated is true when an idempotency key matched an existing
	// execution and no new run was started.
	Deduplicated bool

	done chan struct{}
}

// Done is closed when the execution reaches a terminal state. For
// deduplicated handles it is closed immediately.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type Engine struct {
	logger   *slog.Logger
	store    persistence.Persistence
	registry *registry.Registry
	running  *running.Registry
	bus      eventbus.EventPublisher
	cfg      Config
}

func New(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	run *running.Registry,
	bus eventbus.EventPublisher,
	cfg Config,
) *Engine {
	return &Engine{
		logger:   logger.With("module", "engine"),
		store:    store,
		registry: reg,
		running:  run,
		bus:      bus,
		cfg:      cfg.withDefaults(),
	}
}

// Execute validates the graph, creates the execution row, and starts the
// run in the background. It returns as soon as the execution is running.
//
// When an idempotency key is supplied and an execution with the same
// workflow id and key already exists (in any state), that execution's
// handle is returned instead of starting a new run. The check-and-create
// is a single conditional insert in the store, so concurrent duplicate
// submissions cannot both start.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Handle, error) {
	workflow, err := e.store.WorkflowRepository().GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	plan, err := graph.BuildPlan(workflow)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}

	pending := &models.Execution{
		ID:             uuid.New().String(),
		WorkflowID:     workflow.ID,
		Owner:          req.Initiator,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.ExecutionStatusPending,
		TriggerData:    req.TriggerData,
		Variables:      workflow.Variables,
		NodeResults:    []models.NodeResult{},
		StartedAt:      time.Now().UTC(),
	}

	stored, created, err := e.store.ExecutionRepository().CreateOrGet(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	if !created {
		e.logger.InfoContext(ctx, "duplicate submission deduplicated",
			"workflow_id", workflow.ID,
			"idempotency_key", req.IdempotencyKey,
			"execution_id", stored.ID)

		done := make(chan struct{})
		close(done)

		return &Handle{Execution: stored, Deduplicated: true, done: done}, nil
	}

	sm := execution.New(stored)
	if err := sm.Start(); err != nil {
		return nil, err
	}

	if err := e.store.ExecutionRepository().Update(ctx, sm.Execution()); err != nil {
		return nil, fmt.Errorf("failed to persist running execution: %w", err)
	}

	e.running.Register(stored.ID, workflow.ID)

	e.publish(ctx, events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID, stored.ID),
		WorkflowName: workflow.Name,
		TriggerData:  req.TriggerData,
		Initiator:    req.Initiator,
	})

	handle := &Handle{Execution: stored, done: make(chan struct{})}

	// The run outlives the submission request.
	go func() {
		defer close(handle.done)
		e.run(context.WithoutCancel(ctx), plan, sm, req)
	}()

	snapshot := sm.Snapshot()
	handle.Execution = &snapshot

	return handle, nil
}

func (e *Engine) publish(ctx context.Context, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, e.eventKey(event), event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) eventKey(event eventbus.Event) string {
	type keyed interface{ GetWorkflowID() string }
	if k, ok := event.(keyed); ok {
		return k.GetWorkflowID()
	}

	return string(event.GetType())
}
