package database

import "errors"

var (
	// ErrNoPath is returned by Open when the configuration names no file.
	ErrNoPath = errors.New("database: path is required")

	// ErrNoMigrations is returned when no migration set was configured or
	// registered.
	ErrNoMigrations = errors.New("database: no migrations registered")

	// ErrBadMigration is returned for a migration file whose name or
	// pairing is wrong.
	ErrBadMigration = errors.New("database: malformed migration")

	// ErrIrreversible is returned by Rollback for a migration without a
	// down script.
	ErrIrreversible = errors.New("database: migration has no down script")

	// ErrUnknownVersion is returned when the database records a schema
	// version the migration set does not contain.
	ErrUnknownVersion = errors.New("database: unknown schema version")
)
