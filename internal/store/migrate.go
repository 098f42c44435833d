package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jobcore/jobcore/internal/clock"
	"github.com/sirupsen/logrus"
)

// StatementHook is invoked after each migration statement executes
// successfully, before the next one runs. Production code passes nil; tests
// use it to inject a failure after a specific statement to exercise
// rollback on a crash mid-migration.
type StatementHook func(version, stmtIndex int, stmt string) error

// runMigrations brings the schema up to SchemaVersion(), applying any
// pending migration inside its own explicit transaction. Each migration's
// statements run one at a time — never as a single multi-statement batch —
// so a mid-migration failure rolls back cleanly via ROLLBACK and leaves the
// schema_version table at the prior version.
func runMigrations(ctx context.Context, db *sql.DB, clk clock.Clock, logger *logrus.Logger, hook StatementHook) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_version table: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.WithField("version", m.Version).Info("applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.Version, err)
		}

		if err := applyMigration(ctx, tx, m, hook); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.WithError(rbErr).Error("rollback after failed migration also failed")
			}
			return fmt.Errorf("store: migration %d failed, rolled back: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.Version, clk.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.Version, err)
		}

		logger.WithField("version", m.Version).Info("migration applied")
	}

	return nil
}

func applyMigration(ctx context.Context, tx *sql.Tx, m migration, hook StatementHook) error {
	for i, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
		if hook != nil {
			if err := hook(m.Version, i, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}
