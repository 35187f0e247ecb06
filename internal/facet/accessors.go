package facet

import (
	"fmt"

	"github.com/mabuchilab/instrumental/internal/units"
)

// Float reads the named facet of o as a float64. Quantities are returned
// by magnitude in the facet's own unit.
func Float(o Owner, name string, opts ...CallOption) (float64, error) {
	v, err := o.Facets().Get(name, opts...)
	if err != nil {
		return 0, err
	}
	if q, ok := v.(units.Quantity); ok {
		return q.Magnitude, nil
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is %T", ErrBadValue, name, v)
	}
	return f, nil
}

// Quantity reads the named facet of o as a units.Quantity. A facet
// without units yields a dimensionless quantity.
func Quantity(o Owner, name string, opts ...CallOption) (units.Quantity, error) {
	v, err := o.Facets().Get(name, opts...)
	if err != nil {
		return units.Quantity{}, err
	}
	if q, ok := v.(units.Quantity); ok {
		return q, nil
	}
	f, err := asFloat(v)
	if err != nil {
		return units.Quantity{}, fmt.Errorf("%w: %s is %T", ErrBadValue, name, v)
	}
	return units.Quantity{Magnitude: f, Unit: units.Dimensionless}, nil
}
