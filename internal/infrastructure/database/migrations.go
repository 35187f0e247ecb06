package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"
)

// registered is the migration set used when Config.Migrations is nil.
var registered fs.FS

// RegisterMigrations installs the default migration set. The migrations
// package calls it from init with its embedded files.
func RegisterMigrations(fsys fs.FS) {
	registered = fsys
}

// migrationFile matches <YYYYMMDD_HHMMSS>_<name>.<up|down>.sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one schema step. Down is empty for a step that cannot be
// rolled back.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// AppliedMigration is a row of the schema_versions table.
type AppliedMigration struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// SchemaStatus compares the database against its migration set.
type SchemaStatus struct {
	Applied []AppliedMigration // oldest first
	Pending []Migration        // in the order Migrate would apply them
}

// Version is the newest applied version, or "" for an empty database.
func (s SchemaStatus) Version() string {
	if len(s.Applied) == 0 {
		return ""
	}
	return s.Applied[len(s.Applied)-1].Version
}

// UpToDate reports whether no migration is pending.
func (s SchemaStatus) UpToDate() bool {
	return len(s.Pending) == 0
}

const schemaTable = `CREATE TABLE IF NOT EXISTS schema_versions (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// LoadMigrations reads the migration set at the root of fsys, sorted by
// version. Every version needs an up script; the down script is optional.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, ErrNoMigrations
	}
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, file := range files {
		m := migrationFile.FindStringSubmatch(file)
		if m == nil {
			return nil, fmt.Errorf("%w: %s: name must be YYYYMMDD_HHMMSS_name.up.sql or .down.sql", ErrBadMigration, file)
		}
		version, name, direction := m[1], m[2], m[3]

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", file, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return nil, fmt.Errorf("%w: version %s is used by %q and %q", ErrBadMigration, version, mig.Name, name)
		}
		if direction == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.Up) == "" {
			return nil, fmt.Errorf("%w: %s_%s has no up script", ErrBadMigration, mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies every pending migration in version order, each in its
// own transaction. It refuses a database carrying a version the migration
// set does not know, which happens when an older binary opens a newer file.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: If any migration fails; earlier ones stay applied
func (db *DB) Migrate(ctx context.Context) error {
	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return err
	}
	for _, m := range status.Pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_versions (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the newest steps applied migrations, newest first.
// Every one of them must have a down script; nothing is reverted otherwise.
//
// Parameters:
//   - ctx: Context for cancellation
//   - steps: Number of migrations to revert (at least 1)
//
// Returns:
//   - []AppliedMigration: The reverted migrations, newest first
//   - error: If a step is irreversible or fails
func (db *DB) Rollback(ctx context.Context, steps int) ([]AppliedMigration, error) {
	if steps < 1 {
		return nil, fmt.Errorf("rollback needs at least one step, got %d", steps)
	}
	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return nil, err
	}
	_, known, err := db.loadMigrations()
	if err != nil {
		return nil, err
	}
	if steps > len(status.Applied) {
		steps = len(status.Applied)
	}

	targets := make([]AppliedMigration, 0, steps)
	for i := len(status.Applied) - 1; i >= len(status.Applied)-steps; i-- {
		a := status.Applied[i]
		if strings.TrimSpace(known[a.Version].Down) == "" {
			return nil, fmt.Errorf("%w: %s_%s", ErrIrreversible, a.Version, a.Name)
		}
		targets = append(targets, a)
	}

	reverted := make([]AppliedMigration, 0, len(targets))
	for _, a := range targets {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, known[a.Version].Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_versions WHERE version = ?`, a.Version)
			return err
		})
		if err != nil {
			return reverted, fmt.Errorf("reverting migration %s_%s: %w", a.Version, a.Name, err)
		}
		reverted = append(reverted, a)
	}
	return reverted, nil
}

// SchemaStatus reports the applied and pending migrations.
func (db *DB) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	all, known, err := db.loadMigrations()
	if err != nil {
		return SchemaStatus{}, err
	}
	if _, err := db.ExecContext(ctx, schemaTable); err != nil {
		return SchemaStatus{}, fmt.Errorf("creating schema_versions table: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		if _, ok := known[a.Version]; !ok {
			return SchemaStatus{}, fmt.Errorf("%w: %s_%s", ErrUnknownVersion, a.Version, a.Name)
		}
		done[a.Version] = true
	}

	status := SchemaStatus{Applied: applied}
	for _, m := range all {
		if !done[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func (db *DB) loadMigrations() ([]Migration, map[string]Migration, error) {
	all, err := LoadMigrations(db.migrations)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]Migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}
	return all, known, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT version, name, applied_at FROM schema_versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading schema_versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_versions: %w", err)
		}
		a.AppliedAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing applied_at of %s: %w", a.Version, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // The original error matters more
		return err
	}
	return tx.Commit()
}
