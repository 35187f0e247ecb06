package facet

import (
	"fmt"
	"math"

	"github.com/mabuchilab/instrumental/internal/units"
)

// AttrGetter lets a limit slot name a driver attribute that is not a facet.
type AttrGetter interface {
	Attr(name string) (any, error)
}

// Limit is one slot of a facet's (start, stop, step) triple.
type Limit struct {
	set  bool
	lit  float64
	attr string
}

// NoLimit leaves a slot unbounded.
var NoLimit = Limit{}

// Lit is a literal bound.
func Lit(v float64) Limit { return Limit{set: true, lit: v} }

// Attr resolves the bound from another facet or attribute of the owner at check time.
func Attr(name string) Limit { return Limit{set: true, attr: name} }

type limitSet struct {
	start, stop, step Limit
}

func (f *Facet) resolveLimit(o Owner, l Limit) (float64, bool, error) {
	if !l.set {
		return 0, false, nil
	}
	if l.attr == "" {
		return l.lit, true, nil
	}

	var v any
	if g := o.Facets(); g != nil {
		if d, ok := g.Lookup(l.attr); ok {
			got, err := d.Get()
			if err != nil {
				return 0, false, fmt.Errorf("%s: limit %s: %w", f.name, l.attr, err)
			}
			v = got
		}
	}
	if v == nil {
		ag, ok := o.(AttrGetter)
		if !ok {
			return 0, false, fmt.Errorf("%w: %s: limit attribute %s not found on %T", ErrBadValue, f.name, l.attr, o)
		}
		got, err := ag.Attr(l.attr)
		if err != nil {
			return 0, false, fmt.Errorf("%s: limit %s: %w", f.name, l.attr, err)
		}
		v = got
	}

	if q, ok := v.(units.Quantity); ok && f.unit != nil {
		c, err := q.ToUnit(*f.unit)
		if err != nil {
			return 0, false, fmt.Errorf("%s: limit %s: %w", f.name, l.attr, err)
		}
		return c.Magnitude, true, nil
	}
	if q, ok := v.(units.Quantity); ok {
		return q.Magnitude, true, nil
	}
	x, err := asFloat(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: limit %s: %w", f.name, l.attr, err)
	}
	return x, true, nil
}

// checkLimits rejects values outside [start, stop] and snaps to step.
// Integers stay integers.
func (f *Facet) checkLimits(o Owner, v any) (any, error) {
	if f.limits == nil {
		return v, nil
	}
	x, err := asFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}

	start, hasStart, err := f.resolveLimit(o, f.limits.start)
	if err != nil {
		return nil, err
	}
	stop, hasStop, err := f.resolveLimit(o, f.limits.stop)
	if err != nil {
		return nil, err
	}
	step, hasStep, err := f.resolveLimit(o, f.limits.step)
	if err != nil {
		return nil, err
	}

	if hasStart && x < start {
		return nil, fmt.Errorf("%w: %s value %v is below the lower limit %v", ErrOutOfRange, f.name, v, start)
	}
	if hasStop && x > stop {
		return nil, fmt.Errorf("%w: %s value %v is above the upper limit %v", ErrOutOfRange, f.name, v, stop)
	}
	if !hasStep || step <= 0 {
		return v, nil
	}

	snapped := start + math.Round((x-start)/step)*step
	if hasStop && snapped > stop {
		snapped -= step
	}
	if snapped == x {
		return v, nil
	}
	log().Debug("facet value coerced to step",
		"facet", f.name, "value", x, "coerced", snapped, "step", step)

	if _, isInt := v.(int64); isInt {
		return int64(math.Round(snapped)), nil
	}
	return snapped, nil
}
