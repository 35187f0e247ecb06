package instrument

import (
	"fmt"
	"slices"

	"github.com/mabuchilab/instrumental/internal/facet"
)

// VisaID is the *IDN? identification table of a VISA-capable class.
type VisaID struct {
	Manufacturer string
	Models       []string
}

// Matches reports whether an IDN response identifies this class exactly.
func (v *VisaID) Matches(manufacturer, model string) bool {
	if v == nil || manufacturer != v.Manufacturer {
		return false
	}
	return slices.Contains(v.Models, model)
}

// Class describes one concrete driver class. Drivers declare a Class value
// and register it with the driver registry at init time.
type Class struct {
	// Module is the driver module short name, e.g. "lockins.sr850".
	Module string
	// Name is the class name within the module, e.g. "SR850".
	Name string
	// Params lists the parameter names the class accepts.
	Params []string
	// VisaInfo is non-nil for classes identified by their *IDN? response.
	VisaInfo *VisaID
	// Facets are shared by every instance of the class.
	Facets []*facet.Facet
	// New allocates a zero instance. It must not perform I/O; device setup
	// belongs in an Initialize hook.
	New func() Instrument
	Doc string
}

// FullName returns "module.Name".
func (c *Class) FullName() string {
	if c.Module == "" {
		return c.Name
	}
	return c.Module + "." + c.Name
}

// AcceptsParam reports whether name is one of the class parameters.
func (c *Class) AcceptsParam(name string) bool {
	return slices.Contains(c.Params, name)
}

// Validate checks that the class can be instantiated.
func (c *Class) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil class", ErrInvalidClass)
	}
	if c.Module == "" || c.Name == "" {
		return fmt.Errorf("%w: module and name are required", ErrInvalidClass)
	}
	if c.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidClass, c.FullName())
	}
	seen := make(map[string]bool, len(c.Facets))
	for i, f := range c.Facets {
		if f == nil || f.Name() == "" {
			return fmt.Errorf("%w: %s facet %d has no name", ErrInvalidClass, c.FullName(), i)
		}
		if seen[f.Name()] {
			return fmt.Errorf("%w: %s declares facet %q twice", ErrInvalidClass, c.FullName(), f.Name())
		}
		seen[f.Name()] = true
	}
	return nil
}

func (c *Class) String() string { return c.FullName() }
