package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version int
	SQL     string
}

// migrations is the ordered list of schema migrations for the job index.
// Version 1 creates the initial layout; later entries add incremental
// changes without touching workspace manifests.
var migrations = []migration{
	{Version: 1, SQL: ""}, // handled specially: applies allSchemas
}

// Migrate brings the index database up to the latest schema version.
func (idx *Index) Migrate() error {
	if _, err := idx.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("manifest store: create migrations table: %w", err)
	}

	current, err := idx.currentVersion()
	if err != nil {
		return fmt.Errorf("manifest store: read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := idx.applyMigration(m); err != nil {
			return fmt.Errorf("manifest store: migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func (idx *Index) currentVersion() (int, error) {
	var version int
	err := idx.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (idx *Index) applyMigration(m migration) error {
	tx, err := idx.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if m.Version == 1 {
		if err := applyInitialSchema(tx); err != nil {
			return err
		}
	} else if m.SQL != "" {
		if _, err := tx.Exec(m.SQL); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		"INSERT INTO migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func applyInitialSchema(tx *sql.Tx) error {
	for _, ddl := range allSchemas {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
