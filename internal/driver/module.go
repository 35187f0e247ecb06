package driver

import (
	"context"
	"slices"
	"strings"

	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// DefaultPriority orders modules that do not set one. Lower runs first.
const DefaultPriority = 5

// Builder constructs instruments on behalf of a module's Instrument hook.
// The resolution engine implements it with the caller's reopen policy.
type Builder interface {
	Create(ctx context.Context, cls *instrument.Class, params *instrument.ParamSet, opts ...instrument.CreateOption) (instrument.Instrument, error)
	Resources() visa.ResourceManager
}

// Module is the registration record and capability set of one driver
// module. Nil hooks mean the capability is absent.
type Module struct {
	// Name is the short module name, e.g. "lockins.sr850".
	Name string
	// Priority orders resolution attempts; zero means DefaultPriority.
	Priority int
	// Params lists the accepted parameter names.
	Params []string
	// Classes are the instrument classes the module implements.
	Classes []*instrument.Class
	// Imports names the external libraries the module needs.
	Imports []string
	Doc     string

	// Available reports whether the module's external requirements are met.
	Available func() error
	// ListInstruments enumerates connectable devices.
	ListInstruments func(ctx context.Context) ([]*instrument.ParamSet, error)
	// Instrument replaces the default construction path.
	Instrument func(ctx context.Context, b Builder, params *instrument.ParamSet) (instrument.Instrument, error)
	// CheckVisaSupport returns the name of a class supporting r, or "".
	CheckVisaSupport func(r visa.Resource) string
	// CloseResource runs before an enumerated resource is closed.
	CloseResource func(r visa.Resource) error

	seq int
}

// Caps records which optional hooks a module provides.
type Caps struct {
	Available        bool
	ListInstruments  bool
	Instrument       bool
	CheckVisaSupport bool
	CloseResource    bool
}

// Caps returns the module's capability set.
func (m *Module) Caps() Caps {
	return Caps{
		Available:        m.Available != nil,
		ListInstruments:  m.ListInstruments != nil,
		Instrument:       m.Instrument != nil,
		CheckVisaSupport: m.CheckVisaSupport != nil,
		CloseResource:    m.CloseResource != nil,
	}
}

// EffectivePriority returns Priority or DefaultPriority.
func (m *Module) EffectivePriority() int {
	if m.Priority == 0 {
		return DefaultPriority
	}
	return m.Priority
}

// Group returns the category prefix, e.g. "lockins".
func (m *Module) Group() string {
	group, _, _ := strings.Cut(m.Name, ".")
	return group
}

// AcceptsParam reports whether the module declares param.
func (m *Module) AcceptsParam(param string) bool {
	return slices.Contains(m.Params, param)
}

// IsVisa reports whether the module's devices are addressed by VISA.
func (m *Module) IsVisa() bool {
	return m.AcceptsParam(instrument.KeyVisaAddress)
}

// HasVisaInfo reports whether any class carries an IDN table.
func (m *Module) HasVisaInfo() bool {
	for _, cls := range m.Classes {
		if cls.VisaInfo != nil {
			return true
		}
	}
	return false
}

// MatchIDN returns the first class whose IDN table matches exactly.
func (m *Module) MatchIDN(manufacturer, model string) *instrument.Class {
	for _, cls := range m.Classes {
		if cls.VisaInfo.Matches(manufacturer, model) {
			return cls
		}
	}
	return nil
}

// Class returns the class with the given name.
func (m *Module) Class(name string) (*instrument.Class, bool) {
	for _, cls := range m.Classes {
		if cls.Name == name {
			return cls, true
		}
	}
	return nil, false
}

// ClassNames returns the implemented class names in declaration order.
func (m *Module) ClassNames() []string {
	names := make([]string, len(m.Classes))
	for i, cls := range m.Classes {
		names[i] = cls.Name
	}
	return names
}

// CheckAvailable runs the Available hook, if any.
func (m *Module) CheckAvailable() error {
	if m.Available == nil {
		return nil
	}
	return m.Available()
}
