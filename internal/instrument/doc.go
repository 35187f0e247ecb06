// Package instrument defines the object model shared by every driver.
//
// A ParamSet identifies a device. A Class declares a driver type: its
// accepted parameters, facets and optional *IDN? identification. Concrete
// instruments embed Base and are built only by a Manager, which runs the
// lifecycle hooks and applies the reopen policy:
//
//	strict   a second open of a matching device fails with ErrInstrumentExists
//	reuse    the open instance is returned
//	new      an independent instance is opened
//
// The Manager keeps every live instance until it is closed, and Shutdown
// closes them all before running registered cleanup functions.
//
// Saved aliases use the INI form
//
//	name = {'module': 'lockins.sr850', 'classname': 'SR850', 'visa_address': 'GPIB0::8::INSTR'}
//
// parsed by ParseINILine and produced by ParamSet.ToINI.
package instrument
