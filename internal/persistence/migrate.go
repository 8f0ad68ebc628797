package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; schema version N means migrations[:N] ran.
var migrations = [][]string{
	{
		`CREATE TABLE deploy_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NULL,
			kind TEXT NOT NULL,
			host TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			planned INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			aborted INTEGER NOT NULL DEFAULT 0,
			progress_available INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NULL
		);`,
		`CREATE INDEX deploy_sessions_started_at_idx ON deploy_sessions(started_at DESC);`,
		`CREATE TABLE deploy_files (
			session_id INTEGER NOT NULL REFERENCES deploy_sessions(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			name TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			status_code INTEGER NULL,
			error_text TEXT NULL,
			PRIMARY KEY(session_id, idx)
		);`,
	},
	{
		`ALTER TABLE deploy_sessions ADD COLUMN restart_restarted INTEGER NULL;`,
		`ALTER TABLE deploy_sessions ADD COLUMN restart_saw_offline INTEGER NULL;`,
		`ALTER TABLE deploy_sessions ADD COLUMN restart_attempts INTEGER NULL;`,
		`ALTER TABLE deploy_sessions ADD COLUMN restart_elapsed_ms INTEGER NULL;`,
		`ALTER TABLE deploy_sessions ADD COLUMN restart_total_ms INTEGER NULL;`,
		`ALTER TABLE deploy_sessions ADD COLUMN restart_error_text TEXT NULL;`,
	},
}

// SchemaVersion is the user_version a fully migrated database reports.
func SchemaVersion() int {
	return len(migrations)
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		if err := applyMigration(ctx, db, v+1, migrations[v]); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}

	return nil
}
