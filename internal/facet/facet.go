package facet

import (
	"fmt"
	"sort"

	"github.com/mabuchilab/instrumental/internal/units"
)

// Owner is anything that carries a facet Group, normally an instrument.
type Owner interface {
	Facets() *Group
}

// Getter reads the internal representation of a facet from its owner.
type Getter func(o Owner) (any, error)

// Setter writes the internal representation of a facet to its owner.
type Setter func(o Owner, v any) error

// Facet is a declarative property shared by every instance of a driver type.
type Facet struct {
	name      string
	doc       string
	fget      Getter
	fset      Setter
	typ       Converter
	unit      *units.Unit
	inMap     map[any]any
	outMap    map[any]any
	limits    *limitSet
	cacheable bool

	// manual facets store their value in Data
	manual    bool
	saveOnSet bool
	initial   any

	// message facets
	convert  Converter
	readOnly bool
}

// Option configures a Facet.
type Option func(*Facet)

// WithType sets the coercion applied to values read from and written to the facet.
func WithType(c Converter) Option {
	return func(f *Facet) { f.typ = c }
}

// WithUnits attaches a physical unit. It panics on an unknown unit symbol,
// since facets are declared as package variables.
func WithUnits(unit string) Option {
	return func(f *Facet) {
		u, err := units.ParseUnit(unit)
		if err != nil {
			panic(fmt.Sprintf("facet %s: %v", f.name, err))
		}
		f.unit = &u
	}
}

// WithValues maps external symbolic values to internal codes.
func WithValues(external map[any]any) Option {
	return func(f *Facet) {
		f.inMap = make(map[any]any, len(external))
		f.outMap = make(map[any]any, len(external))
		for ext, internal := range external {
			f.inMap[normalize(ext)] = normalize(internal)
			f.outMap[normalize(internal)] = normalize(ext)
		}
	}
}

// WithValueList maps each value to its index as the internal code.
func WithValueList(values ...any) Option {
	return func(f *Facet) {
		m := make(map[any]any, len(values))
		for i, v := range values {
			m[v] = int64(i)
		}
		WithValues(m)(f)
	}
}

// WithLimits bounds numeric values. Each slot is a literal, the name of
// another attribute of the owner, or NoLimit.
func WithLimits(start, stop, step Limit) Option {
	return func(f *Facet) {
		f.limits = &limitSet{start: start, stop: stop, step: step}
	}
}

// Cacheable enables read caching and redundant-write suppression.
func Cacheable() Option {
	return func(f *Facet) { f.cacheable = true }
}

// WithDoc attaches a description shown by the CLI and the HTTP API.
func WithDoc(doc string) Option {
	return func(f *Facet) { f.doc = doc }
}

// WithGetter sets the getter.
func WithGetter(g Getter) Option {
	return func(f *Facet) { f.fget = g }
}

// WithSetter sets the setter.
func WithSetter(s Setter) Option {
	return func(f *Facet) { f.fset = s }
}

// New declares a facet.
func New(name string, opts ...Option) *Facet {
	f := &Facet{name: name}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Getter attaches fn as the getter and returns f, so a declaration can read
//
//	var power = facet.New("power", facet.WithUnits("mW")).Getter(readPower)
func (f *Facet) Getter(fn Getter) *Facet {
	f.fget = fn
	return f
}

// Setter attaches fn as the setter and returns f.
func (f *Facet) Setter(fn Setter) *Facet {
	f.fset = fn
	return f
}

// GetterOf adapts a getter written against a concrete owner type.
func GetterOf[T Owner](fn func(T) (any, error)) Getter {
	return func(o Owner) (any, error) {
		t, ok := o.(T)
		if !ok {
			return nil, fmt.Errorf("%w: owner %T", ErrBadValue, o)
		}
		return fn(t)
	}
}

// SetterOf adapts a setter written against a concrete owner type.
func SetterOf[T Owner](fn func(T, any) error) Setter {
	return func(o Owner, v any) error {
		t, ok := o.(T)
		if !ok {
			return fmt.Errorf("%w: owner %T", ErrBadValue, o)
		}
		return fn(t, v)
	}
}

// Name returns the facet name.
func (f *Facet) Name() string { return f.name }

// Doc returns the facet description.
func (f *Facet) Doc() string { return f.doc }

// Units returns the unit symbol, or "" for unitless facets.
func (f *Facet) Units() string {
	if f.unit == nil {
		return ""
	}
	return f.unit.Symbol
}

// Readable reports whether the facet has a getter.
func (f *Facet) Readable() bool { return f.fget != nil }

// Writable reports whether the facet has a setter.
func (f *Facet) Writable() bool { return f.fset != nil }

// IsCacheable reports whether reads are cached.
func (f *Facet) IsCacheable() bool { return f.cacheable }

// IsManual reports whether the facet is software-only.
func (f *Facet) IsManual() bool { return f.manual }

// Values lists the external values of a mapped facet in sorted text order.
func (f *Facet) Values() []any {
	if f.inMap == nil {
		return nil
	}
	out := make([]any, 0, len(f.inMap))
	for ext := range f.inMap {
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

// CallOption adjusts a single read or write.
type CallOption func(*callOptions)

type callOptions struct {
	noCache bool
}

// NoCache bypasses the cache for one call.
func NoCache() CallOption {
	return func(c *callOptions) { c.noCache = true }
}

func collect(opts []CallOption) callOptions {
	var c callOptions
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Instance returns the per-owner state of f.
func (f *Facet) Instance(o Owner) (*Data, error) {
	g := o.Facets()
	if g == nil {
		return nil, fmt.Errorf("%w: reading %s", ErrNoGroup, f.name)
	}
	d, ok := g.data[f.name]
	if !ok || d.facet != f {
		return nil, fmt.Errorf("%w: %s is not declared by %T", ErrUnknownFacet, f.name, o)
	}
	return d, nil
}

// GetValue reads the facet. The getter runs when the facet is not
// cacheable, the cache is bypassed, or the cached value is dirty.
func (f *Facet) GetValue(o Owner, opts ...CallOption) (any, error) {
	d, err := f.Instance(o)
	if err != nil {
		return nil, err
	}
	return d.get(collect(opts))
}

// SetValue converts, validates and writes value, notifying observers on
// every actual write.
func (f *Facet) SetValue(o Owner, value any, opts ...CallOption) error {
	d, err := f.Instance(o)
	if err != nil {
		return err
	}
	return d.set(value, collect(opts))
}

// convGet turns an internal value into the external one.
func (f *Facet) convGet(v any) (any, error) {
	v = normalize(v)
	if f.outMap != nil {
		ext, ok := f.outMap[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s got unexpected internal value %v", ErrBadValue, f.name, v)
		}
		v = ext
	}
	if f.typ != nil {
		converted, err := f.typ(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		v = converted
	}
	if f.unit != nil {
		return f.attachUnits(v)
	}
	return v, nil
}

func (f *Facet) attachUnits(v any) (any, error) {
	if q, ok := v.(units.Quantity); ok {
		c, err := q.ToUnit(*f.unit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		return c, nil
	}
	mag, err := asFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	return units.Quantity{Magnitude: mag, Unit: *f.unit}, nil
}

// convertUserInput validates an external value and returns its canonical
// external form (a Quantity in the facet unit for unit facets).
func (f *Facet) convertUserInput(o Owner, v any) (any, error) {
	if f.unit != nil {
		q, err := toQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		q, err = q.ToUnit(*f.unit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		mag, err := f.convertRawInput(o, q.Magnitude)
		if err != nil {
			return nil, err
		}
		m, err := asFloat(mag)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		return units.Quantity{Magnitude: m, Unit: *f.unit}, nil
	}
	return f.convertRawInput(o, v)
}

func (f *Facet) convertRawInput(o Owner, v any) (any, error) {
	v = normalize(v)
	if f.typ != nil {
		converted, err := f.typ(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		v = converted
	}
	return f.checkLimits(o, v)
}

// convSet turns a canonical external value into the internal one.
func (f *Facet) convSet(v any) (any, error) {
	v = normalize(v)
	if f.inMap != nil {
		internal, ok := f.inMap[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s accepts %v, got %v", ErrBadValue, f.name, f.Values(), v)
		}
		v = internal
	}
	if q, ok := v.(units.Quantity); ok {
		return q.Magnitude, nil
	}
	return v, nil
}

func toQuantity(v any) (units.Quantity, error) {
	switch x := v.(type) {
	case units.Quantity:
		return x, nil
	case string:
		return units.Parse(x)
	}
	mag, err := asFloat(v)
	if err != nil {
		return units.Quantity{}, err
	}
	return units.Quantity{Magnitude: mag, Unit: units.Dimensionless}, nil
}
