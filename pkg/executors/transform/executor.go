// Package transform provides the built-in transform node executor. It picks
// fields out of upstream outputs and reshapes them into a new output map.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weftlab/weft/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "transform"
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mapping": map[string]any{
				"type": "object",
				"description": "Output field -> source reference. References use " +
					"\"node_id.field\" against upstream outputs or \"trigger.field\".",
			},
		},
		"required": []string{"mapping"},
	}
}

func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.NodeExecutor, error) {
	rawMapping, ok := config["mapping"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform requires a mapping object")
	}

	mapping := make(map[string]string, len(rawMapping))

	for field, ref := range rawMapping {
		refStr, ok := ref.(string)
		if !ok {
			return nil, fmt.Errorf("mapping value for %q must be a string reference", field)
		}

		mapping[field] = refStr
	}

	return &Executor{mapping: mapping, logger: logger}, nil
}

type Executor struct {
	mapping map[string]string
	logger  *slog.Logger
}

func (e *Executor) Execute(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
	output := make(map[string]any, len(e.mapping))

	for field, ref := range e.mapping {
		value, err := resolve(ref, req)
		if err != nil {
			return nil, err
		}

		output[field] = value
	}

	e.logger.DebugContext(ctx, "transform produced output",
		"execution_id", req.ExecutionID, "node_id", req.NodeID, "fields", len(output))

	return output, nil
}

func resolve(ref string, req protocol.ExecuteRequest) (any, error) {
	source, field, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("reference %q must be of the form source.field", ref)
	}

	if source == "trigger" {
		value, exists := req.TriggerData[field]
		if !exists {
			return nil, fmt.Errorf("trigger data has no field %q", field)
		}

		return value, nil
	}

	upstream, exists := req.UpstreamOutputs[source]
	if !exists {
		return nil, fmt.Errorf("reference %q points at a node that has not produced output", ref)
	}

	value, exists := upstream[field]
	if !exists {
		return nil, fmt.Errorf("upstream output of %q has no field %q", source, field)
	}

	return value, nil
}
