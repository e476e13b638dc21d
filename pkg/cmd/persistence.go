// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weftlab/weft/pkg/persistence"
	"github.com/weftlab/weft/pkg/persistence/file"
	"github.com/weftlab/weft/pkg/persistence/postgresql"
)

// NewPersistence picks the store from the database URL scheme: postgres for
// postgres:// and postgresql://, the file store for everything else.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgresql: %w", err)
		}

		return store, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}
