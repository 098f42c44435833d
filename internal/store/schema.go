package store

// migration is one schema version. Statements run one at a time inside a
// single explicit transaction (see runMigrations) — never as one bulk
// script, so a mid-migration failure leaves either all of Statements
// applied or none of them.
type migration struct {
	Version    int
	Statements []string
}

// migrations is the ordered, append-only list of schema migrations. Never
// edit an already-released migration's Statements; add a new version
// instead.
var migrations = []migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE clusters (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				name           TEXT NOT NULL UNIQUE,
				kind           TEXT NOT NULL,
				hostname       TEXT NOT NULL,
				port           INTEGER NOT NULL,
				username       TEXT NOT NULL,
				conn_config    TEXT NOT NULL DEFAULT '{}',
				active         INTEGER NOT NULL DEFAULT 1,
				max_concurrent INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE jobs (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				name         TEXT NOT NULL UNIQUE,
				work_dir     TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL,
				code_kind    TEXT NOT NULL DEFAULT '',
				runner_kind  TEXT NOT NULL,
				cluster_id   INTEGER REFERENCES clusters(id) ON DELETE SET NULL,
				parallelism  TEXT NOT NULL DEFAULT '{}',
				created_at   DATETIME NOT NULL,
				started_at   DATETIME,
				ended_at     DATETIME,
				handle       TEXT NOT NULL DEFAULT '',
				input        TEXT NOT NULL DEFAULT '',
				results      TEXT NOT NULL DEFAULT '',
				results_kv   TEXT NOT NULL DEFAULT '{}',
				error        TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX idx_jobs_status ON jobs(status)`,
			`CREATE INDEX idx_jobs_cluster ON jobs(cluster_id)`,
			`CREATE TABLE remote_jobs (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id          INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
				cluster_id      INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
				remote_handle   TEXT NOT NULL DEFAULT '',
				submitted_at    DATETIME NOT NULL,
				queue_name      TEXT NOT NULL DEFAULT '',
				nodes           TEXT NOT NULL DEFAULT '[]',
				remote_work_dir TEXT NOT NULL DEFAULT '',
				stdout_path     TEXT NOT NULL DEFAULT '',
				stderr_path     TEXT NOT NULL DEFAULT '',
				metadata        TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE dependency_edges (
				from_job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				to_job_id   INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				gate_kind   TEXT NOT NULL,
				PRIMARY KEY (from_job_id, to_job_id)
			)`,
			`CREATE INDEX idx_dependency_edges_to ON dependency_edges(to_job_id)`,
		},
	},
	{
		Version: 2,
		Statements: []string{
			`CREATE TABLE workflows (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				name       TEXT NOT NULL,
				dag        TEXT NOT NULL,
				policy     TEXT NOT NULL DEFAULT 'fail-fast',
				status     TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				ended_at   DATETIME
			)`,
			`CREATE TABLE workflow_steps (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id   INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				name          TEXT NOT NULL,
				kind          TEXT NOT NULL,
				params        TEXT NOT NULL DEFAULT '{}',
				predecessors  TEXT NOT NULL DEFAULT '[]',
				gate_kind     TEXT NOT NULL DEFAULT 'after-success',
				job_id        INTEGER REFERENCES jobs(id) ON DELETE SET NULL,
				status        TEXT NOT NULL DEFAULT 'pending',
				UNIQUE(workflow_id, name)
			)`,
			`CREATE INDEX idx_workflow_steps_workflow ON workflow_steps(workflow_id)`,
		},
	},
	{
		Version: 3,
		Statements: []string{
			`CREATE TABLE job_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id      INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				ts          DATETIME NOT NULL,
				from_status TEXT NOT NULL,
				to_status   TEXT NOT NULL,
				detail      TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX idx_job_events_job ON job_events(job_id)`,
			`CREATE TABLE cluster_health (
				cluster_id           INTEGER PRIMARY KEY REFERENCES clusters(id) ON DELETE CASCADE,
				last_probe_at        DATETIME,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				last_error           TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
}

// SchemaVersion is the version the code expects after all migrations have
// been applied.
func SchemaVersion() int {
	return migrations[len(migrations)-1].Version
}
