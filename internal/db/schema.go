// Package db provides SQLite database management for the Bouncer gateway.
// Two databases: bouncer.db (requests, sessions, accounts, pages, counters)
// and bouncer-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MetadataDBFile = "bouncer.db"
	AuditDBFile    = "bouncer-audit.db"
)

// MetadataSchema defines all tables for the main gateway database.
const MetadataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- Approval requests (the central record)
CREATE TABLE IF NOT EXISTS approval_requests (
    request_id        TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    status            TEXT NOT NULL,
    display_summary   TEXT NOT NULL,
    source            TEXT NOT NULL DEFAULT '',
    trust_scope       TEXT NOT NULL DEFAULT '',
    account_id        TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    command           TEXT DEFAULT '',
    files             TEXT DEFAULT '[]',  -- JSON array of file entries
    project_id        TEXT DEFAULT '',
    account_spec      TEXT DEFAULT '',    -- JSON Account, add/remove_account only
    commands          TEXT DEFAULT '[]',  -- JSON array, grant kind only
    result            TEXT DEFAULT '',
    exit_code         INTEGER,
    execution_time_ms INTEGER DEFAULT 0,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    expires_at        TEXT NOT NULL,
    ttl               INTEGER NOT NULL DEFAULT 0,
    message_id        INTEGER DEFAULT 0,
    approver_id       TEXT DEFAULT '',
    decision_type     TEXT DEFAULT '',
    latency_ms        INTEGER DEFAULT 0,
    idempotency_key   TEXT DEFAULT '',
    compliance_findings TEXT DEFAULT '[]',
    risk_score        INTEGER DEFAULT 0,
    hits              TEXT DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_requests_status_created ON approval_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_source_created ON approval_requests(source, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_scope ON approval_requests(trust_scope, account_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_idem ON approval_requests(idempotency_key) WHERE idempotency_key != '';

-- Trust sessions (auto-approve envelopes keyed by trust_scope + account)
CREATE TABLE IF NOT EXISTS trust_sessions (
    trust_id       TEXT PRIMARY KEY,
    trust_scope    TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    approved_by    TEXT NOT NULL DEFAULT '',
    commands_used  INTEGER NOT NULL DEFAULT 0,
    commands_max   INTEGER NOT NULL DEFAULT 0,
    uploads_used   INTEGER NOT NULL DEFAULT 0,
    uploads_max    INTEGER NOT NULL DEFAULT 0,
    bytes_used     INTEGER NOT NULL DEFAULT 0,
    bytes_max      INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    expires_at     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trust_scope_active ON trust_sessions(trust_scope, account_id) WHERE status = 'active';

-- Grant sessions (pre-approved command bundles)
CREATE TABLE IF NOT EXISTS grant_sessions (
    grant_id         TEXT PRIMARY KEY,
    source           TEXT NOT NULL,
    account_id       TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    reason           TEXT NOT NULL DEFAULT '',
    commands_detail  TEXT NOT NULL DEFAULT '[]',  -- JSON array of precheck results
    granted_commands TEXT NOT NULL DEFAULT '[]',  -- JSON array of normalized entries
    ttl_minutes      INTEGER NOT NULL DEFAULT 30,
    allow_repeat     INTEGER NOT NULL DEFAULT 0,
    executions_used  INTEGER NOT NULL DEFAULT 0,
    max_executions   INTEGER NOT NULL DEFAULT 50,
    approved_by      TEXT DEFAULT '',
    created_at       TEXT NOT NULL,
    approved_at      TEXT,
    expires_at       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_grants_source ON grant_sessions(source, status);

-- Per-entry execution counters for grants (conditional updates live here)
CREATE TABLE IF NOT EXISTS grant_uses (
    grant_id  TEXT NOT NULL REFERENCES grant_sessions(grant_id),
    command   TEXT NOT NULL,
    uses      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (grant_id, command)
);

-- Account registry
CREATE TABLE IF NOT EXISTS accounts (
    account_id    TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    role_arn      TEXT NOT NULL DEFAULT '',
    upload_bucket TEXT NOT NULL DEFAULT '',
    sensitivity   TEXT NOT NULL DEFAULT ''
);

-- Result pages (short TTL)
CREATE TABLE IF NOT EXISTS pages (
    page_id     TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL,
    page        INTEGER NOT NULL,
    total_pages INTEGER NOT NULL,
    content     TEXT NOT NULL,
    expires_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_request ON pages(request_id);

-- Fixed-window rate counters, increment-only within a window
CREATE TABLE IF NOT EXISTS rate_counters (
    source       TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    count        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (source, window_start)
);

-- Running deploys, one per project
CREATE TABLE IF NOT EXISTS deploys (
    deploy_id      TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'running',
    commit_sha     TEXT NOT NULL DEFAULT '',
    commit_message TEXT NOT NULL DEFAULT '',
    started_at     TEXT NOT NULL,
    finished_at    TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_deploys_running ON deploys(project_id) WHERE status = 'running';
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     TEXT NOT NULL,
    request_id    TEXT DEFAULT '',
    kind          TEXT DEFAULT '',
    decision_type TEXT NOT NULL,
    source        TEXT DEFAULT '',
    trust_scope   TEXT DEFAULT '',
    account_id    TEXT DEFAULT '',
    score         INTEGER DEFAULT 0,
    reasons       TEXT DEFAULT '[]',
    latency_ms    INTEGER DEFAULT 0,
    record_hash   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_log(decision_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

// OpenMetadataDB opens or creates the main gateway database.
func OpenMetadataDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, MetadataDBFile)
	d, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	if _, err := d.Exec(MetadataSchema); err != nil {
		d.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return d, nil
}

// OpenAuditDB opens or creates the append-only audit database.
func OpenAuditDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, AuditDBFile)
	d, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := d.Exec(AuditSchema); err != nil {
		d.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return d, nil
}

// EnsureDataDir creates the gateway data directory.
func EnsureDataDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", path, err)
	}
	return nil
}
