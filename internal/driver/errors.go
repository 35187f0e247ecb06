package driver

import "errors"

// Domain errors for the driver registry.
var (
	// ErrDuplicateModule is returned when a module name is registered twice.
	ErrDuplicateModule = errors.New("driver: module already registered")

	// ErrDuplicateClass is returned when a class is registered twice.
	ErrDuplicateClass = errors.New("driver: class already registered")

	// ErrUnknownModule is returned for module names nobody registered.
	ErrUnknownModule = errors.New("driver: unknown module")

	// ErrUnknownClass is returned for class names a module does not declare.
	ErrUnknownClass = errors.New("driver: unknown class")

	// ErrInvalidModule is returned when registering an incomplete Module.
	ErrInvalidModule = errors.New("driver: invalid module")
)
