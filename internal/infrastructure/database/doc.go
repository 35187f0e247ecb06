// Package database provides SQLite database connectivity for instrumental.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded from the migrations directory
//   - Connection pooling and lifecycle management
//
// The database holds saved instrument aliases, per-alias instrument state
// and the facet change history written by the telemetry history sink.
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - A single open connection matches SQLite's single-writer model
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations:
//
// A migration set is an fs.FS of YYYYMMDD_HHMMSS_name.up.sql files with
// optional .down.sql partners. The migrations package registers the
// embedded schema; Config.Migrations overrides it. Applied versions are
// recorded in schema_versions, and SchemaStatus compares that table with
// the set. Rollback only reverts steps that carry a down script.
package database
