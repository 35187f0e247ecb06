// Package driver is the registry of instrument driver modules.
//
// Each driver package registers a Module from its init function. A Module
// lists the parameters it accepts, the instrument classes it implements
// and whichever optional hooks it provides (enumeration, custom
// construction, VISA probing, custom resource teardown). Hooks are plain
// function fields, so the set of capabilities is fixed at registration.
//
// The resolution engine walks modules in priority order; modules with a
// lower Priority are tried first and equal priorities keep registration
// order.
package driver
