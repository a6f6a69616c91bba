package connectivity

import (
	"database/sql"

	"github.com/hazyhaar/domsteer/dbopen"
)

// Schema defines the action_routes table that drives the router.
// Each row maps an action name to a dispatch strategy.
//
// Strategies:
//   - "local": dispatch to an in-memory Handler registered via RegisterLocal.
//   - "http":  dispatch via the HTTP transport factory.
//   - "mcp":   dispatch via the MCP-over-QUIC transport factory.
//   - "noop":  silently succeed without doing anything (disable an action).
//
// The config column holds per-route JSON (timeouts, retry policy, etc.).
// Any UPDATE to this table automatically increments PRAGMA data_version,
// which the Watch loop detects to trigger a hot-reload.
const Schema = `
CREATE TABLE IF NOT EXISTS action_routes (
    action     TEXT PRIMARY KEY,
    strategy   TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'mcp', 'noop')),
    endpoint   TEXT,
    config     TEXT DEFAULT '{}',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_action_routes_strategy ON action_routes(strategy);

CREATE TRIGGER IF NOT EXISTS trg_action_routes_updated_at
AFTER UPDATE ON action_routes
FOR EACH ROW
BEGIN
    UPDATE action_routes SET updated_at = strftime('%s', 'now') WHERE action = NEW.action;
END;
`

// OpenDB opens a SQLite database at path with production-safe pragmas:
//   - journal_mode=WAL: concurrent reads during writes
//   - busy_timeout=5000: wait up to 5s for locks instead of immediate SQLITE_BUSY
//   - foreign_keys=ON: enforce FK constraints
//
// The caller must blank-import the SQLite driver:
//
//	import _ "modernc.org/sqlite"
//
// Use this instead of sql.Open for any database that will be shared between
// Admin writes, Router.Reload reads, and Watch polling.
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithBusyTimeout(5000))
}

// Init creates the action_routes table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
