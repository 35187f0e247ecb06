package instrument

import "errors"

// Domain errors for instrument resolution and lifecycle.
var (
	// ErrConfig marks malformed or insufficient parameters. Never retried.
	ErrConfig = errors.New("instrument: configuration error")

	// ErrInstrumentNotFound means enumeration ran but no device matched.
	// Callers may retry after connecting the device.
	ErrInstrumentNotFound = errors.New("instrument: not found")

	// ErrInstrumentExists is returned under the strict reopen policy when a
	// matching instrument is already open.
	ErrInstrumentExists = errors.New("instrument: already open")

	// ErrInstrumentType means the device answered but is not the type the
	// driver class handles.
	ErrInstrumentType = errors.New("instrument: wrong instrument type")

	// ErrDriverNotIdentified means a VISA device was found but no driver claims it.
	ErrDriverNotIdentified = errors.New("instrument: no driver identified")

	// ErrAliasExists is returned when saving over an existing alias without force.
	ErrAliasExists = errors.New("instrument: alias already exists")

	// ErrAliasNotFound is returned when no saved alias has the given name.
	ErrAliasNotFound = errors.New("instrument: alias not found")

	// ErrKeyNotFound is returned by ParamSet accessors for missing keys.
	ErrKeyNotFound = errors.New("instrument: parameter not found")

	// ErrNotInitialized is returned when an instrument was not built by a Manager.
	ErrNotInitialized = errors.New("instrument: not initialized")

	// ErrNoStore is returned by persistence helpers when no Store is configured.
	ErrNoStore = errors.New("instrument: no store configured")

	// ErrInvalidClass is returned when registering an incomplete Class.
	ErrInvalidClass = errors.New("instrument: invalid class")
)

// ErrStateNotFound is returned by a Store when an alias has no saved state.
var ErrStateNotFound = errors.New("instrument: no saved state")
