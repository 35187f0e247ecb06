package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// historyTimeLayout is fixed width so created_at compares as text.
	historyTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLiteStore implements instrument.Store on the instrumental database.
//
// Aliases are stored in their INI literal form so the parameter order and
// value types survive a round trip.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteStore: Store ready for use
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveAlias stores ps under name.
func (s *SQLiteStore) SaveAlias(ctx context.Context, name string, ps *instrument.ParamSet, force bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	line := ps.ToINI(name)
	now := time.Now().UTC().Format(time.RFC3339)

	if force {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO saved_instruments (name, params, created_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET params = excluded.params, updated_at = excluded.updated_at`,
			name, line, now, now,
		)
		if err != nil {
			return fmt.Errorf("saving alias %q: %w", name, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO saved_instruments (name, params, created_at, updated_at) VALUES (?, ?, ?, ?)",
		name, line, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", instrument.ErrAliasExists, name)
	}
	if err != nil {
		return fmt.Errorf("saving alias %q: %w", name, err)
	}
	return nil
}

// LoadAlias returns the ParamSet saved as name.
func (s *SQLiteStore) LoadAlias(ctx context.Context, name string) (*instrument.ParamSet, error) {
	var line string
	err := s.db.QueryRowContext(ctx,
		"SELECT params FROM saved_instruments WHERE name = ?", name,
	).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", instrument.ErrAliasNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading alias %q: %w", name, err)
	}
	_, ps, err := instrument.ParseINILine(line)
	if err != nil {
		return nil, fmt.Errorf("decoding alias %q: %w", name, err)
	}
	return ps, nil
}

// ListAliases returns every saved alias.
func (s *SQLiteStore) ListAliases(ctx context.Context) (map[string]*instrument.ParamSet, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, params FROM saved_instruments ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying aliases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*instrument.ParamSet)
	for rows.Next() {
		var name, line string
		if err := rows.Scan(&name, &line); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		_, ps, err := instrument.ParseINILine(line)
		if err != nil {
			return nil, fmt.Errorf("decoding alias %q: %w", name, err)
		}
		out[name] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aliases: %w", err)
	}
	return out, nil
}

// DeleteAlias removes a saved alias and its state.
func (s *SQLiteStore) DeleteAlias(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx, "DELETE FROM saved_instruments WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting alias %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", instrument.ErrAliasNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM instrument_state WHERE alias = ?", name); err != nil {
		return fmt.Errorf("deleting state of %q: %w", name, err)
	}
	return tx.Commit()
}

// SaveState replaces the state blob of alias.
func (s *SQLiteStore) SaveState(ctx context.Context, alias string, state []byte) error {
	if err := validateName(alias); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instrument_state (alias, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(alias) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		alias, string(state), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving state of %q: %w", alias, err)
	}
	return nil
}

// LoadState returns the state blob of alias.
func (s *SQLiteStore) LoadState(ctx context.Context, alias string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM instrument_state WHERE alias = ?", alias,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", instrument.ErrStateNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("loading state of %q: %w", alias, err)
	}
	return []byte(state), nil
}

// HistoryEntry is one recorded facet change.
type HistoryEntry struct {
	ID           int64           `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Alias        string          `json:"alias,omitempty"`
	Driver       string          `json:"driver"`
	Class        string          `json:"class"`
	Facet        string          `json:"facet"`
	Value        json.RawMessage `json:"value"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RecordFacetChange appends a facet change to the history table.
func (s *SQLiteStore) RecordFacetChange(ctx context.Context, e HistoryEntry) error {
	if e.InstrumentID == "" || e.Facet == "" {
		return fmt.Errorf("instrument id and facet are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	value := string(e.Value)
	if value == "" {
		value = "null"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facet_history (instrument_id, alias, driver, class, facet, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.InstrumentID, e.Alias, e.Driver, e.Class, e.Facet, value,
		e.CreatedAt.UTC().Format(historyTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting facet history: %w", err)
	}
	return nil
}

// FacetHistory returns recent changes of one facet, newest first. key is
// matched against both the alias and the instrument id.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - key: Alias or instrument id
//   - facetName: Facet name
//   - limit: Maximum entries to return (default 50, max 500)
func (s *SQLiteStore) FacetHistory(ctx context.Context, key, facetName string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instrument_id, alias, driver, class, facet, value, created_at
		 FROM facet_history
		 WHERE (alias = ? OR instrument_id = ?) AND facet = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		key, key, facetName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying facet history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var value, createdAt string
		if err := rows.Scan(&e.ID, &e.InstrumentID, &e.Alias, &e.Driver, &e.Class, &e.Facet, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning facet history: %w", err)
		}
		e.Value = json.RawMessage(value)
		if e.CreatedAt, err = time.Parse(historyTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating facet history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes history entries older than olderThan.
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM facet_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting facet history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
