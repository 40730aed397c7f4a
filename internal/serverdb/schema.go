package serverdb

// ServerSchemaVersion is the current server database schema version
const ServerSchemaVersion = 1

const serverSchema = `
-- Current committed document per id
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    client_id TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    body BLOB NOT NULL,
    committed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- One row per accepted write
CREATE TABLE IF NOT EXISTS document_writes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    client_id TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL,
    committed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_document_writes_doc ON document_writes(doc_id, version);

CREATE TABLE IF NOT EXISTS rate_limit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key_id TEXT,
    ip TEXT NOT NULL,
    endpoint_class TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_created ON rate_limit_events(created_at);

-- Schema info table
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration defines a server database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists schema changes after version 1, in order. Version 1 is
// serverSchema.
var Migrations []Migration
