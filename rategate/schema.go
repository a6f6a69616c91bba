package rategate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/domsteer/watch"
)

// Schema defines the rate_rules table the gate loads its rule set from.
// Patterns are exact keys or globs; window_seconds and max_count bound the
// sliding window. Any write to the table bumps PRAGMA data_version, which
// the watch loop uses to trigger a hot reload.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_rules (
    pattern        TEXT PRIMARY KEY,
    max_count      INTEGER NOT NULL CHECK(max_count > 0),
    window_seconds INTEGER NOT NULL CHECK(window_seconds > 0),
    enabled        INTEGER NOT NULL DEFAULT 1,
    updated_at     INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TRIGGER IF NOT EXISTS trg_rate_rules_updated_at
AFTER UPDATE ON rate_rules
FOR EACH ROW
BEGIN
    UPDATE rate_rules SET updated_at = strftime('%s', 'now') WHERE pattern = NEW.pattern;
END;
`

// Init creates the rate_rules table if it does not exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Reload replaces the in-memory rule set from the rate_rules table.
// Rowid order is kept, so earlier rows win glob precedence.
func (g *Gate) Reload(ctx context.Context) error {
	if g.db == nil {
		return fmt.Errorf("rategate: no database attached")
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT pattern, max_count, window_seconds, enabled FROM rate_rules ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("rategate: load rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var windowSeconds int64
		var enabled int
		if err := rows.Scan(&r.Pattern, &r.MaxCount, &windowSeconds, &enabled); err != nil {
			return fmt.Errorf("rategate: scan rule: %w", err)
		}
		r.Window = time.Duration(windowSeconds) * time.Second
		r.Enabled = enabled == 1
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rategate: load rules: %w", err)
	}
	if err := g.SetRules(rules); err != nil {
		return err
	}
	g.logger.Debug("rategate: rules reloaded", "count", len(rules))
	return nil
}

// Watch reloads rules whenever the attached database changes, using the
// data_version poll loop. Blocks until ctx is cancelled; callers run it in
// a goroutine. Run's periodic reload is a fallback; Watch reacts within
// one poll interval.
func (g *Gate) Watch(ctx context.Context, interval time.Duration) error {
	if g.db == nil {
		return fmt.Errorf("rategate: no database attached")
	}
	w := watch.New(g.db, watch.Options{Interval: interval, Logger: g.logger})
	w.OnChange(ctx, func() error { return g.Reload(ctx) })
	return nil
}

// UpsertRule writes one rule row; the running gate picks it up on the next
// Reload or watch cycle.
func UpsertRule(ctx context.Context, db *sql.DB, r Rule) error {
	if r.Pattern == "" {
		return fmt.Errorf("rategate: upsert rule with empty pattern")
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_rules (pattern, max_count, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
		    max_count = excluded.max_count,
		    window_seconds = excluded.window_seconds,
		    enabled = excluded.enabled`,
		r.Pattern, r.MaxCount, int64(r.Window/time.Second), enabled)
	return err
}

// DeleteRule removes one rule row.
func DeleteRule(ctx context.Context, db *sql.DB, pattern string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM rate_rules WHERE pattern = ?`, pattern)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rategate: rule %q not found", pattern)
	}
	return nil
}
