package units

import "errors"

var (
	// ErrDimensionality is returned when converting between units of different dimensions.
	ErrDimensionality = errors.New("units: incompatible dimensions")

	// ErrParse is returned when a unit or quantity string cannot be parsed.
	ErrParse = errors.New("units: cannot parse")
)
