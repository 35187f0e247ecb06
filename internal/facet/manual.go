package facet

import (
	"context"

	"github.com/mabuchilab/instrumental/internal/units"
)

// StateSaver persists an owner's software state; manual facets declared
// with SaveOnSet call it after every write.
type StateSaver interface {
	SaveState(ctx context.Context) error
}

// WithDefault sets the initial value of a manual facet.
func WithDefault(v any) Option {
	return func(f *Facet) { f.initial = v }
}

// SaveOnSet persists the owner's state after every write of a manual facet.
func SaveOnSet() Option {
	return func(f *Facet) { f.saveOnSet = true }
}

// Manual declares a software-only facet whose value lives in the owner's
// facet state. It performs no device I/O.
func Manual(name string, opts ...Option) *Facet {
	f := New(name, opts...)
	f.manual = true
	f.fget = func(o Owner) (any, error) {
		d, err := f.Instance(o)
		if err != nil {
			return nil, err
		}
		return d.manual, nil
	}
	f.fset = func(o Owner, v any) error {
		d, err := f.Instance(o)
		if err != nil {
			return err
		}
		d.manual = v
		if !f.saveOnSet {
			return nil
		}
		if s, ok := o.(StateSaver); ok {
			return s.SaveState(context.Background())
		}
		return nil
	}
	return f
}

// initialValue is the internal starting value of a manual facet.
func (f *Facet) initialValue() any {
	if !f.manual {
		return nil
	}
	if f.initial != nil {
		internal, err := f.internalOf(f.initial)
		if err == nil {
			return internal
		}
		log().Warn("manual facet default rejected", "facet", f.name, "error", err)
	}
	if f.unit != nil {
		return 0.0
	}
	return nil
}

// internalOf converts a default without limit checks, which may need an owner.
func (f *Facet) internalOf(v any) (any, error) {
	if f.unit != nil {
		q, err := toQuantity(v)
		if err != nil {
			return nil, err
		}
		q, err = q.ToUnit(*f.unit)
		if err != nil {
			return nil, err
		}
		return q.Magnitude, nil
	}
	v = normalize(v)
	if f.typ != nil {
		converted, err := f.typ(v)
		if err != nil {
			return nil, err
		}
		v = converted
	}
	return f.convSet(v)
}

// ManualState returns the internal values of every manual facet in the group.
func (g *Group) ManualState() map[string]any {
	out := make(map[string]any)
	for _, name := range g.names {
		d := g.data[name]
		if d.facet.manual {
			out[name] = d.manual
		}
	}
	return out
}

// RestoreManualState loads internal values saved by ManualState.
// Unknown names are ignored and observers are not notified.
func (g *Group) RestoreManualState(state map[string]any) {
	for name, v := range state {
		d, ok := g.data[name]
		if !ok || !d.facet.manual {
			continue
		}
		if d.facet.unit != nil {
			if q, ok := v.(units.Quantity); ok {
				v = q.Magnitude
			}
		}
		d.manual = normalize(v)
		d.dirty = true
	}
}
