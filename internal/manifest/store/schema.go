package store

// SQL schema for the cross-workspace job index. This index is a derived,
// rebuildable cache: the manifest JSON file in each workspace remains the
// single source of truth, and rows here exist purely to answer
// "what jobs exist and what's their status" without a filesystem walk.

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    workspace_path TEXT NOT NULL,
    last_phase TEXT NOT NULL DEFAULT '',
    last_status TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_path);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

var allSchemas = []string{
	schemaJobs,
	schemaMigrations,
}
