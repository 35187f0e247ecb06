package facet

import (
	"fmt"
)

// ChangeEvent describes one write to a facet.
type ChangeEvent struct {
	Name string
	Old  any
	New  any
}

// Observer is notified synchronously after each write.
type Observer func(ChangeEvent)

// Data is the per-instance state of one facet.
type Data struct {
	facet     *Facet
	owner     Owner
	dirty     bool
	hasCached bool
	cached    any
	observers []Observer
	manual    any
}

// Facet returns the declaration this state belongs to.
func (d *Data) Facet() *Facet { return d.facet }

// Name returns the facet name.
func (d *Data) Name() string { return d.facet.name }

// Get reads the facet through the cache.
func (d *Data) Get(opts ...CallOption) (any, error) {
	return d.get(collect(opts))
}

// Set writes the facet.
func (d *Data) Set(v any, opts ...CallOption) error {
	return d.set(v, collect(opts))
}

// Cached returns the last value read or written and whether there is one.
func (d *Data) Cached() (any, bool) {
	return d.cached, d.hasCached
}

// Dirty reports whether the next cached read will query the device.
func (d *Data) Dirty() bool { return d.dirty }

// Invalidate marks the cached value stale.
func (d *Data) Invalidate() { d.dirty = true }

// Observe registers fn for every subsequent write.
func (d *Data) Observe(fn Observer) {
	d.observers = append(d.observers, fn)
}

func (d *Data) get(opts callOptions) (any, error) {
	f := d.facet
	if f.fget == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, f.name)
	}
	if !f.cacheable || opts.noCache || d.dirty {
		raw, err := f.fget(d.owner)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.name, err)
		}
		v, err := f.convGet(raw)
		if err != nil {
			return nil, err
		}
		d.cached = v
		d.hasCached = true
		d.dirty = false
	}
	return d.cached, nil
}

func (d *Data) set(value any, opts callOptions) error {
	f := d.facet
	if f.fset == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, f.name)
	}

	nice, err := f.convertUserInput(d.owner, value)
	if err != nil {
		return err
	}

	if f.cacheable && !opts.noCache && d.hasCached && Equal(d.cached, nice) {
		return nil
	}

	internal, err := f.convSet(nice)
	if err != nil {
		return err
	}
	if err := f.fset(d.owner, internal); err != nil {
		return fmt.Errorf("writing %s: %w", f.name, err)
	}

	var old any
	if d.hasCached {
		old = d.cached
	}
	d.cached = nice
	d.hasCached = true

	ev := ChangeEvent{Name: f.name, Old: old, New: nice}
	for _, fn := range d.observers {
		fn(ev)
	}
	return nil
}

// Group is the read-only set of an instrument's facet state, keyed by name.
type Group struct {
	names []string
	data  map[string]*Data
}

// NewGroup builds the facet state of owner. Names must be unique.
func NewGroup(owner Owner, facets []*Facet) (*Group, error) {
	g := &Group{data: make(map[string]*Data, len(facets))}
	for _, f := range facets {
		if f == nil || f.name == "" {
			return nil, fmt.Errorf("%w: unnamed facet on %T", ErrBadValue, owner)
		}
		if _, dup := g.data[f.name]; dup {
			return nil, fmt.Errorf("%w: duplicate facet %s on %T", ErrBadValue, f.name, owner)
		}
		g.names = append(g.names, f.name)
		g.data[f.name] = &Data{
			facet:  f,
			owner:  owner,
			dirty:  true,
			manual: f.initialValue(),
		}
	}
	return g, nil
}

// Names returns facet names in declaration order.
func (g *Group) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Len returns the number of facets.
func (g *Group) Len() int { return len(g.names) }

// Lookup returns the state of the named facet.
func (g *Group) Lookup(name string) (*Data, bool) {
	d, ok := g.data[name]
	return d, ok
}

// Data returns the state of the named facet or ErrUnknownFacet.
func (g *Group) Data(name string) (*Data, error) {
	d, ok := g.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFacet, name)
	}
	return d, nil
}

// All returns every facet state in declaration order.
func (g *Group) All() []*Data {
	out := make([]*Data, 0, len(g.names))
	for _, name := range g.names {
		out = append(out, g.data[name])
	}
	return out
}

// Get reads the named facet.
func (g *Group) Get(name string, opts ...CallOption) (any, error) {
	d, err := g.Data(name)
	if err != nil {
		return nil, err
	}
	return d.Get(opts...)
}

// Set writes the named facet.
func (g *Group) Set(name string, v any, opts ...CallOption) error {
	d, err := g.Data(name)
	if err != nil {
		return err
	}
	return d.Set(v, opts...)
}

// Observe registers fn on the named facet.
func (g *Group) Observe(name string, fn Observer) error {
	d, err := g.Data(name)
	if err != nil {
		return err
	}
	d.Observe(fn)
	return nil
}

// ObserveAll registers fn on every facet.
func (g *Group) ObserveAll(fn Observer) {
	for _, name := range g.names {
		g.data[name].Observe(fn)
	}
}

// InvalidateAll marks every cached value stale.
func (g *Group) InvalidateAll() {
	for _, d := range g.data {
		d.dirty = true
	}
}
