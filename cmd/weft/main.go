package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	wcmd "github.com/weftlab/weft/pkg/cmd"
	"github.com/weftlab/weft/pkg/log"
	"github.com/weftlab/weft/pkg/otelhelper"
)

const (
	defaultPort   = 9090
	defaultWSPort = 9091
)

func main() {
	logger := log.WithModule("weft")

	command := &cli.Command{
		Name:                  "weft",
		Usage:                 "Workflow execution engine with a REST API and WebSocket event stream",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "ws-port",
				Usage:   "Port to run the WebSocket event stream on",
				Value:   defaultWSPort,
				Sources: cli.EnvVars("WS_PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres://... or a file path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.IntFlag{
				Name:    "max-parallelism",
				Usage:   "Maximum concurrent node dispatches per execution",
				Value:   4,
				Sources: cli.EnvVars("MAX_PARALLELISM"),
			},
			&cli.DurationFlag{
				Name:    "node-timeout",
				Usage:   "Timeout for a single node execution",
				Value:   60 * time.Second,
				Sources: cli.EnvVars("NODE_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Redis URL for the queue trigger source (disabled when empty)",
				Sources: cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Redis list consumed by the queue trigger source",
				Value:   "weft:triggers",
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger.InfoContext(ctx, "Initializing Weft")

			if command.Bool("tracing") {
				shutdown, err := otelhelper.Setup(ctx, "weft")
				if err != nil {
					return err
				}

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("Failed to shut down tracing", "error", err)
					}
				}()
			}

			store, err := wcmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := wcmd.NewEventBus(command.String("event-bus"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(logger, store, wcmd.NewRegistry(logger), eventBus, APIConfig{
				MaxParallelism: command.Int("max-parallelism"),
				NodeTimeout:    command.Duration("node-timeout"),
				QueueURL:       command.String("queue-url"),
				QueueName:      command.String("queue-name"),
			})

			return api.Start(ctx, command.Int("port"), command.Int("ws-port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}
