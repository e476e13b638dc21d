package cmd

import (
	"log/slog"

	"github.com/weftlab/weft/pkg/executors/httprequest"
	logexec "github.com/weftlab/weft/pkg/executors/log"
	"github.com/weftlab/weft/pkg/executors/transform"
	"github.com/weftlab/weft/pkg/registry"
)

// NewRegistry builds the executor registry with the built-in node types.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterExecutor(logexec.NewFactory())
	reg.RegisterExecutor(transform.NewFactory())
	reg.RegisterExecutor(httprequest.NewFactory())

	return reg
}
