// Package store persists saved instrument aliases, per-alias instrument
// state and the facet change history.
//
// Three backends implement instrument.Store:
//   - SQLiteStore keeps everything in the instrumental database
//     (tables saved_instruments, instrument_state and facet_history).
//   - FileStore keeps aliases in the [instruments] section of an INI file,
//     one `name = {'key': value, ...}` line per alias, and state as one
//     JSON file per alias.
//   - Memory keeps everything in process, for tests and one-shot CLI runs.
//
// Saving an alias that already exists without force returns
// instrument.ErrAliasExists in every backend.
package store
