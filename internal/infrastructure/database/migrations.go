package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// ErrMigrationChanged is returned when an applied migration's SQL no longer
// matches what was recorded when it ran.
var ErrMigrationChanged = errors.New("database: applied migration was modified")

// Migration is one forward schema step read from a *.up.sql file. Down
// files are kept beside them for operators and are not executed here.
type Migration struct {
	// Version is YYYYMMDD_HHMMSS taken from the filename.
	Version  string
	Name     string
	SQL      string
	Checksum string
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Migrate brings the schema up to date with fsys. Migrations run oldest
// first, each in its own transaction; the first failure stops the run.
// An applied migration whose file has since changed fails with
// ErrMigrationChanged before anything new is applied.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	migrations, err := readMigrations(fsys)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		rec, done := applied[m.Version]
		if !done {
			continue
		}
		if rec.checksum != "" && rec.checksum != m.Checksum {
			return fmt.Errorf("%w: %s (%s)", ErrMigrationChanged, m.Version, m.Name)
		}
	}

	for _, m := range migrations {
		if _, done := applied[m.Version]; done {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// SchemaVersion returns the newest applied migration version, or "" on a
// fresh database.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), '') FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]appliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, checksum, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var version, appliedAt string
		var rec appliedMigration
		if err := rows.Scan(&version, &rec.checksum, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		rec.appliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // written by apply
		out[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return out, nil
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
		m.Version, m.Name, m.Checksum, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// readMigrations loads every *.up.sql file at the root of fsys, sorted by
// version. A nil fsys yields no migrations.
func readMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		version, label, ok := splitMigrationName(name)
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s", version, prev, name)
		}
		seen[version] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     label,
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// splitMigrationName parses "20260301_120000_initial_schema.up.sql" into
// ("20260301_120000", "initial_schema").
func splitMigrationName(filename string) (version, label string, ok bool) {
	base := strings.TrimSuffix(filename, ".up.sql")
	date, rest, found := strings.Cut(base, "_")
	if !found || len(date) != len("20060102") {
		return "", "", false
	}
	clock, label, _ := strings.Cut(rest, "_")
	if len(clock) != len("150405") {
		return "", "", false
	}
	return date + "_" + clock, label, true
}
