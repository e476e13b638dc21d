// Package log provides the built-in log node executor.
package log

import (
	"context"
	"log/slog"

	"github.com/weftlab/weft/pkg/protocol"
)

// Factory builds log executors.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "log"
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log.",
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "error"},
			},
		},
		"required": []string{"message"},
	}
}

func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.NodeExecutor, error) {
	message, _ := config["message"].(string)
	level, _ := config["level"].(string)

	return &Executor{message: message, level: level, logger: logger}, nil
}

// Executor writes a configured message to the process log and echoes it as
// node output.
type Executor struct {
	message string
	level   string
	logger  *slog.Logger
}

func (e *Executor) Execute(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
	logger := e.logger.With("execution_id", req.ExecutionID, "node_id", req.NodeID)

	switch e.level {
	case "debug":
		logger.DebugContext(ctx, e.message)
	case "warn":
		logger.WarnContext(ctx, e.message)
	case "error":
		logger.ErrorContext(ctx, e.message)
	default:
		logger.InfoContext(ctx, e.message)
	}

	return map[string]any{"message": e.message, "level": e.level}, nil
}
