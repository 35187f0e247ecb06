package facet

import "errors"

var (
	// ErrNotReadable is returned when reading a facet without a getter.
	ErrNotReadable = errors.New("facet: not readable")

	// ErrReadOnly is returned when writing a facet without a setter.
	ErrReadOnly = errors.New("facet: read-only")

	// ErrOutOfRange is returned when a value falls outside the facet limits.
	ErrOutOfRange = errors.New("facet: value out of range")

	// ErrUnknownFacet is returned when a group has no facet with the given name.
	ErrUnknownFacet = errors.New("facet: unknown facet")

	// ErrBadValue is returned when a value cannot be converted or mapped.
	ErrBadValue = errors.New("facet: invalid value")

	// ErrNoGroup is returned when the owner has not built its facet group yet.
	ErrNoGroup = errors.New("facet: owner has no facet group")
)
