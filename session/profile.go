package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/domsteer/driver"
	"github.com/hazyhaar/domsteer/horosafe"
)

// ProfileSchema defines the profile registry. The directory on disk is the
// source of truth for cookies and fingerprint; the table tracks identity
// and usage.
const ProfileSchema = `
CREATE TABLE IF NOT EXISTS profiles (
    id           TEXT PRIMARY KEY,
    fingerprint  TEXT NOT NULL,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    last_used_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Profile is one browser identity: a user data directory plus a pinned
// fingerprint.
type Profile struct {
	ID              string
	Dir             string
	FingerprintPath string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// ProfileStore keeps profiles under a root directory with a sqlite
// registry. Layout: <root>/<id>/ is the Chrome user data dir,
// <root>/<id>/fingerprint.json the pinned identity.
type ProfileStore struct {
	root string
	db   *sql.DB
}

// NewProfileStore opens the store, creating the root dir and registry table.
func NewProfileStore(root string, db *sql.DB) (*ProfileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("session: profile root required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("session: profile root: %w", err)
	}
	if _, err := db.Exec(ProfileSchema); err != nil {
		return nil, fmt.Errorf("session: profile schema: %w", err)
	}
	return &ProfileStore{root: root, db: db}, nil
}

// Ensure returns the profile for id, creating directory, fingerprint, and
// registry row on first use. Existing fingerprints are never overwritten:
// the identity a site has seen must survive every relaunch.
func (ps *ProfileStore) Ensure(ctx context.Context, id string) (Profile, error) {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return Profile{}, fmt.Errorf("session: profile id: %w", err)
	}
	dir, err := horosafe.SafePath(ps.root, id)
	if err != nil {
		return Profile{}, fmt.Errorf("session: profile dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Profile{}, fmt.Errorf("session: profile dir: %w", err)
	}

	fpPath := filepath.Join(dir, "fingerprint.json")
	if _, err := os.Stat(fpPath); errors.Is(err, os.ErrNotExist) {
		if err := driver.DefaultFingerprint().Save(fpPath); err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, fmt.Errorf("session: fingerprint stat: %w", err)
	}

	_, err = ps.db.ExecContext(ctx,
		`INSERT INTO profiles (id, fingerprint) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, fpPath)
	if err != nil {
		return Profile{}, fmt.Errorf("session: register profile: %w", err)
	}
	return ps.Get(ctx, id)
}

// Get loads a profile from the registry.
func (ps *ProfileStore) Get(ctx context.Context, id string) (Profile, error) {
	row := ps.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, created_at, last_used_at FROM profiles WHERE id = ?`, id)

	var p Profile
	var created, used int64
	if err := row.Scan(&p.ID, &p.FingerprintPath, &created, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, fmt.Errorf("session: profile %s: not found", id)
		}
		return Profile{}, fmt.Errorf("session: load profile: %w", err)
	}
	p.Dir = filepath.Join(ps.root, p.ID)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.LastUsedAt = time.Unix(used, 0).UTC()
	return p, nil
}

// Touch bumps last_used_at.
func (ps *ProfileStore) Touch(ctx context.Context, id string) error {
	_, err := ps.db.ExecContext(ctx,
		`UPDATE profiles SET last_used_at = strftime('%s', 'now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: touch profile: %w", err)
	}
	return nil
}

// List returns all registered profiles, oldest first.
func (ps *ProfileStore) List(ctx context.Context) ([]Profile, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT id, fingerprint, created_at, last_used_at FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("session: list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		var created, used int64
		if err := rows.Scan(&p.ID, &p.FingerprintPath, &created, &used); err != nil {
			return nil, fmt.Errorf("session: scan profile: %w", err)
		}
		p.Dir = filepath.Join(ps.root, p.ID)
		p.CreatedAt = time.Unix(created, 0).UTC()
		p.LastUsedAt = time.Unix(used, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
