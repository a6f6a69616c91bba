package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Admin provides CRUD operations on the action_routes table, suitable for
// exposure through the control surface so an operator can re-route actions
// at runtime.
//
// All mutations go through SQLite, so the Watch loop picks up changes
// automatically; no need to call Reload manually.
type Admin struct {
	db *sql.DB
}

// NewAdmin creates an Admin backed by the given routes database.
// The database must have the action_routes schema applied (via Init).
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// RouteRow represents a single row from the action_routes table.
type RouteRow struct {
	Action    string          `json:"action"`
	Strategy  string          `json:"strategy"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
}

// ListRoutes returns all routes from the SQLite table.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT action, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at FROM action_routes ORDER BY action`)
	if err != nil {
		return nil, fmt.Errorf("admin: list routes: %w", err)
	}
	defer rows.Close()

	var result []RouteRow
	for rows.Next() {
		var r RouteRow
		var cfgStr string
		if err := rows.Scan(&r.Action, &r.Strategy, &r.Endpoint, &cfgStr, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("admin: scan route: %w", err)
		}
		r.Config = json.RawMessage(cfgStr)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetRoute returns a single route by action name, or nil if absent.
func (a *Admin) GetRoute(ctx context.Context, action string) (*RouteRow, error) {
	var r RouteRow
	var cfgStr string
	err := a.db.QueryRowContext(ctx,
		`SELECT action, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at FROM action_routes WHERE action = ?`,
		action).Scan(&r.Action, &r.Strategy, &r.Endpoint, &cfgStr, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("admin: get route: %w", err)
	}
	r.Config = json.RawMessage(cfgStr)
	return &r, nil
}

// UpsertRoute inserts or updates a route in the action_routes table.
// On conflict (same action), strategy, endpoint, and config are updated;
// updated_at is refreshed by the trigger.
// The watcher will detect the change and trigger a Reload automatically.
func (a *Admin) UpsertRoute(ctx context.Context, action, strategy, endpoint string, config json.RawMessage) error {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO action_routes (action, strategy, endpoint, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(action) DO UPDATE SET
		     strategy = excluded.strategy,
		     endpoint = excluded.endpoint,
		     config   = excluded.config`,
		action, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("admin: upsert route: %w", err)
	}
	return nil
}

// DeleteRoute removes a route from the action_routes table.
// The watcher will detect the change and close any associated handler.
func (a *Admin) DeleteRoute(ctx context.Context, action string) error {
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM action_routes WHERE action = ?`, action)
	if err != nil {
		return fmt.Errorf("admin: delete route: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("admin: route %q not found", action)
	}
	return nil
}

// SetStrategy changes only the strategy of an existing route.
// Useful for quick enable/disable: set to "noop" to disable, "local" to
// re-enable with zero downtime.
func (a *Admin) SetStrategy(ctx context.Context, action, strategy string) error {
	result, err := a.db.ExecContext(ctx,
		`UPDATE action_routes SET strategy = ? WHERE action = ?`,
		strategy, action)
	if err != nil {
		return fmt.Errorf("admin: set strategy: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("admin: route %q not found", action)
	}
	return nil
}
