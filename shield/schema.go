package shield

import "database/sql"

// Schema defines the SQLite table used by MaintenanceMode. Rate limit
// rules live in the rategate package's rate_rules table.
//
// Apply with Init(db) or execute manually. All statements are idempotent
// (CREATE IF NOT EXISTS).
const Schema = `
CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO maintenance (id, active, message)
VALUES (1, 0, '');
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
