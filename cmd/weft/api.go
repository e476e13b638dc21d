// Package main provides the Weft API server implementation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/weftlab/weft/pkg/broadcast"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/eventbus"
	"github.com/weftlab/weft/pkg/persistence"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/running"
	"github.com/weftlab/weft/pkg/services"
	"github.com/weftlab/weft/pkg/sources/queue"
	"github.com/weftlab/weft/pkg/sources/schedule"
	"github.com/weftlab/weft/pkg/web"
)

type APIConfig struct {
	MaxParallelism int
	NodeTimeout    time.Duration
	QueueURL       string
	QueueName      string
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
	config      APIConfig

	running          *running.Registry
	engine           *engine.Engine
	executionService *services.Execution
	workflowService  *services.Workflow
	manager          *broadcast.Manager
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
	config APIConfig,
) *API {
	runReg := running.NewRegistry()

	eng := engine.New(logger, store, reg, runReg, eventBus, engine.Config{
		MaxParallelism: config.MaxParallelism,
		NodeTimeout:    config.NodeTimeout,
	})

	return &API{
		logger:           logger,
		persistence:      store,
		registry:         reg,
		eventBus:         eventBus,
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		config:           config,
		running:          runReg,
		engine:           eng,
		executionService: services.NewExecution(eng, store, runReg),
		workflowService:  services.NewWorkflow(store),
		manager:          broadcast.NewManager(logger),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.workflowService, a.executionService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Weft API")
	})

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

	return app
}

// Start wires the event stream and trigger sources, then serves the REST
// API. It blocks until the listener stops.
func (a *API) Start(ctx context.Context, port, wsPort int) error {
	bridge := broadcast.NewBridge(a.logger, a.manager)
	bridge.Attach(a.eventBus)

	if err := a.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe event bus: %w", err)
	}

	if err := a.startSources(ctx); err != nil {
		return err
	}

	go a.serveWebSocket(wsPort)

	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

func (a *API) startSources(ctx context.Context) error {
	callback := func(ctx context.Context, workflowID string, triggerData map[string]any) error {
		_, err := a.executionService.Execute(ctx, services.ExecuteRequest{
			WorkflowID:  workflowID,
			TriggerData: triggerData,
		})

		return err
	}

	scheduler := schedule.NewProvider(a.logger)
	if err := scheduler.Start(ctx, callback); err != nil {
		return fmt.Errorf("failed to start schedule source: %w", err)
	}

	workflows, err := a.workflowService.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows for schedule registration: %w", err)
	}

	for _, wf := range workflows {
		for _, entry := range schedule.EntriesFor(wf) {
			if err := scheduler.Add(entry); err != nil {
				a.logger.Warn("Skipping invalid schedule",
					"workflow_id", wf.ID, "expression", entry.Expression, "error", err)
			}
		}
	}

	if a.config.QueueURL != "" {
		queueSource, err := queue.NewProvider(a.logger, a.config.QueueURL, a.config.QueueName)
		if err != nil {
			return fmt.Errorf("failed to create queue source: %w", err)
		}

		if err := queueSource.Start(ctx, callback); err != nil {
			return fmt.Errorf("failed to start queue source: %w", err)
		}
	}

	return nil
}

func (a *API) serveWebSocket(port int) {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.manager)

	a.logger.Info("WebSocket event stream listening", "port", port)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		a.logger.Error("WebSocket listener stopped", "error", err)
	}
}
