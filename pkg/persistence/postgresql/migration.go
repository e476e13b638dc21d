package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// The unique index on (workflow_id, idempotency_key) is what makes
// ExecutionRepository.CreateOrGet a single atomic conditional insert.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner VARCHAR(255) NOT NULL,
				nodes JSONB NOT NULL DEFAULT '[]',
				connections JSONB NOT NULL DEFAULT '[]',
				variables JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_owner ON workflows(owner);
		`,
		2: `
			CREATE TABLE executions (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				idempotency_key VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed', 'cancelled')),
				trigger_data JSONB,
				variables JSONB,
				node_results JSONB NOT NULL DEFAULT '[]',
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE UNIQUE INDEX idx_executions_idempotency
				ON executions(workflow_id, idempotency_key)
				WHERE idempotency_key IS NOT NULL;
		`,
	}
}

func runMigrations(ctx context.Context, logger *slog.Logger, db *sql.DB) error {
	createMigrationsSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.ExecContext(ctx, createMigrationsSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	all := migrations()

	versions := make([]int, 0, len(all))
	for version := range all {
		versions = append(versions, version)
	}

	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		logger.InfoContext(ctx, "Applying migration", "version", version)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, all[version]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}
