// Package store implements the SQLite-backed cross-workspace job index.
// It is a derived secondary index only: each workspace's manifest.json
// remains authoritative, and this database exists so a CLI or API server
// can list/search jobs without walking the filesystem.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// JobRecord is one row of the cross-workspace index.
type JobRecord struct {
	JobID         string
	WorkspacePath string
	LastPhase     string
	LastStatus    string
	UpdatedAt     string
}

// Index provides the SQLite-backed job index. It follows the writer/reader
// split: a single-connection writer serializes upserts, and a small reader
// pool serves concurrent listings.
type Index struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// Open opens (or creates) the job index database at path, enabling WAL mode
// and running any pending migrations.
func Open(path string) (*Index, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("manifest store: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("manifest store: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("manifest store: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("manifest store: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(0)

	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("manifest store: ping reader: %w", err)
	}

	idx := &Index{writer: writer, reader: reader, path: path}

	if err := idx.Migrate(); err != nil {
		idx.Close()
		return nil, fmt.Errorf("manifest store: migrate: %w", err)
	}

	return idx, nil
}

// Close closes both connections. Safe to call more than once.
func (idx *Index) Close() error {
	var firstErr error
	idx.closeOnce.Do(func() {
		if idx.writer != nil {
			if err := idx.writer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if idx.reader != nil {
			if err := idx.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Path returns the index database's filesystem path.
func (idx *Index) Path() string { return idx.path }

// Upsert records the current (job_id, workspace_path) pointer and its most
// recently observed phase/status, overwriting any prior row for job_id.
func (idx *Index) Upsert(jobID, workspacePath, lastPhase, lastStatus string) error {
	_, err := idx.writer.Exec(`
INSERT INTO jobs (job_id, workspace_path, last_phase, last_status, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
    workspace_path = excluded.workspace_path,
    last_phase = excluded.last_phase,
    last_status = excluded.last_status,
    updated_at = excluded.updated_at
`, jobID, workspacePath, lastPhase, lastStatus, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("manifest store: upsert job %s: %w", jobID, err)
	}
	return nil
}

// Get returns the indexed record for jobID, or ok=false if not present.
func (idx *Index) Get(jobID string) (JobRecord, bool, error) {
	var r JobRecord
	err := idx.reader.QueryRow(
		"SELECT job_id, workspace_path, last_phase, last_status, updated_at FROM jobs WHERE job_id = ?",
		jobID,
	).Scan(&r.JobID, &r.WorkspacePath, &r.LastPhase, &r.LastStatus, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("manifest store: get job %s: %w", jobID, err)
	}
	return r, true, nil
}

// List returns every indexed job, most recently updated first.
func (idx *Index) List() ([]JobRecord, error) {
	rows, err := idx.reader.Query(
		"SELECT job_id, workspace_path, last_phase, last_status, updated_at FROM jobs ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("manifest store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.JobID, &r.WorkspacePath, &r.LastPhase, &r.LastStatus, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("manifest store: scan job row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest store: list jobs: %w", err)
	}
	return out, nil
}

// Remove deletes the indexed row for jobID, if any. Removing a job from the
// index never touches its workspace manifest.
func (idx *Index) Remove(jobID string) error {
	if _, err := idx.writer.Exec("DELETE FROM jobs WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("manifest store: remove job %s: %w", jobID, err)
	}
	return nil
}
