// Package registry maps node types to their executor factories and
// validates node configs against each factory's JSON schema.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weftlab/weft/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.ExecutorFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.ExecutorFactory),
	}
}

// RegisterExecutor adds a factory. Registering the same type twice replaces
// the earlier factory.
func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.factories[factory.ID()] = factory
}

// CreateExecutor validates the config against the factory schema and builds
// an executor for the given node type.
func (r *Registry) CreateExecutor(nodeType string, config map[string]any) (protocol.NodeExecutor, error) {
	factory, ok := r.factories[nodeType]
	if !ok {
		return nil, fmt.Errorf("node type %q not registered", nodeType)
	}

	if err := r.validateConfig(factory, config); err != nil {
		return nil, fmt.Errorf("invalid config for node type %q: %w", nodeType, err)
	}

	return factory.Create(config, r.logger.With("node_type", nodeType))
}

// AvailableTypes returns the registered node types.
func (r *Registry) AvailableTypes() []string {
	types := make([]string, 0, len(r.factories))
	for nodeType := range r.factories {
		types = append(types, nodeType)
	}

	return types
}

// HealthCheck reports whether the registry is usable.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.factories) == 0 {
		return "no executor factories registered", false
	}

	return fmt.Sprintf("%d executor factories registered", len(r.factories)), true
}

func (r *Registry) validateConfig(factory protocol.ExecutorFactory, config map[string]any) error {
	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("config does not match schema: %v", result.Errors())
	}

	return nil
}
