// Package units implements the physical quantities carried by facets.
//
// A Quantity is a float64 magnitude paired with a Unit. Units are parsed
// from conventional symbols with SI prefixes ("mV", "kHz", "nm", "degrees")
// and simple products or quotients ("V/s", "m*s^-2"). Conversion between
// units checks dimensions and fails with ErrDimensionality when they differ.
//
// Offset units such as degrees Celsius are not supported; temperatures are
// expressed in kelvin.
package units
