// Package store is the durable, transactional home of every entity in
// internal/domain (spec §4.1). No other component touches the database file
// directly; everything goes through Store's typed operations.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current migration level. Checked on open per spec §6
// ("Schema version is stored in the database and checked on open").
const schemaVersion = 1

var migrations = []string{migration1}

const migration1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	slug TEXT PRIMARY KEY,
	workspace_path TEXT NOT NULL,
	spec_method TEXT NOT NULL,
	app_spec TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_slug TEXT NOT NULL REFERENCES projects(slug),
	category TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL,
	passes INTEGER NOT NULL DEFAULT 0,
	source_spec TEXT NOT NULL DEFAULT 'generated',
	last_run_id INTEGER NOT NULL DEFAULT 0,
	needs_review INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(project_slug, name)
);
CREATE INDEX IF NOT EXISTS idx_features_project_state ON features(project_slug, state);

CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id INTEGER NOT NULL REFERENCES features(id),
	session_id TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	outcome TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_feature ON runs(feature_id);

CREATE TABLE IF NOT EXISTS events (
	project_slug TEXT NOT NULL REFERENCES projects(slug),
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL,
	PRIMARY KEY (project_slug, seq)
);

CREATE TABLE IF NOT EXISTS spec_update_analyses (
	id TEXT PRIMARY KEY,
	project_slug TEXT NOT NULL REFERENCES projects(slug),
	created_at DATETIME NOT NULL,
	input_text TEXT NOT NULL,
	coverage_map TEXT NOT NULL DEFAULT '{}',
	proposed_app_spec TEXT NOT NULL DEFAULT '',
	diff TEXT NOT NULL DEFAULT '[]',
	feature_candidates TEXT NOT NULL DEFAULT '[]',
	match_candidates TEXT NOT NULL DEFAULT '{}',
	target_count TEXT
);

CREATE TABLE IF NOT EXISTS reference_sessions (
	id TEXT PRIMARY KEY,
	project_slug TEXT NOT NULL REFERENCES projects(slug),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reference_descriptors (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES reference_sessions(id),
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
`

// DB wraps the opened sqlite handle plus the per-project write-serialization
// locks described in SPEC_FULL.md §4.1.
type DB struct {
	sql *sql.DB

	projectLocksMu sync.Mutex
	projectLocks   map[string]*sync.Mutex
}

// Open creates the database directory if needed, opens the file with WAL and
// foreign-key pragmas, and brings the schema up to schemaVersion.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc's sqlite driver is not safe for concurrent writers across conns

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	db := &DB{sql: sqlDB, projectLocks: make(map[string]*sync.Mutex)}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	var current int
	row := db.sql.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	err := row.Scan(&current)
	if err == sql.ErrNoRows || err == sql.ErrConnDone {
		current = 0
	} else if err != nil {
		// schema_meta may not exist yet on a brand-new database.
		current = 0
	}

	for i := current; i < len(migrations); i++ {
		if _, err := db.sql.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}

	if current == 0 {
		if _, err := db.sql.Exec(`DELETE FROM schema_meta`); err != nil {
			return fmt.Errorf("reset schema_meta: %w", err)
		}
		if _, err := db.sql.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("write schema_meta: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// lockFor returns the exclusive mutex serializing writes for one project.
func (db *DB) lockFor(slug string) *sync.Mutex {
	db.projectLocksMu.Lock()
	defer db.projectLocksMu.Unlock()
	m, ok := db.projectLocks[slug]
	if !ok {
		m = &sync.Mutex{}
		db.projectLocks[slug] = m
	}
	return m
}
