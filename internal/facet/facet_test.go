package facet

import (
	"errors"
	"testing"

	"github.com/mabuchilab/instrumental/internal/units"
)

type testOwner struct {
	group *Group
	attrs map[string]any
	saves int
}

func (o *testOwner) Facets() *Group { return o.group }

func (o *testOwner) Attr(name string) (any, error) {
	v, ok := o.attrs[name]
	if !ok {
		return nil, errors.New("no such attribute")
	}
	return v, nil
}

func newOwner(t *testing.T, facets ...*Facet) *testOwner {
	t.Helper()
	o := &testOwner{attrs: map[string]any{}}
	g, err := NewGroup(o, facets)
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	o.group = g
	return o
}

// counterFacet counts getter calls and stores writes.
func counterFacet(name string, opts ...Option) (*Facet, *int, *any) {
	calls := 0
	var stored any = int64(0)
	f := New(name, opts...).
		Getter(func(Owner) (any, error) {
			calls++
			return stored, nil
		}).
		Setter(func(_ Owner, v any) error {
			stored = v
			return nil
		})
	return f, &calls, &stored
}

func TestGetValue_CachingIdempotence(t *testing.T) {
	f, calls, _ := counterFacet("count", Cacheable())
	o := newOwner(t, f)

	for i := 0; i < 2; i++ {
		if _, err := f.GetValue(o); err != nil {
			t.Fatalf("GetValue() error = %v", err)
		}
	}
	if *calls != 1 {
		t.Errorf("getter calls = %d, want 1", *calls)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.GetValue(o, NoCache()); err != nil {
			t.Fatalf("GetValue(NoCache) error = %v", err)
		}
	}
	if *calls != 4 {
		t.Errorf("getter calls after NoCache reads = %d, want 4", *calls)
	}

	d, _ := o.group.Data("count")
	d.Invalidate()
	if _, err := d.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *calls != 5 {
		t.Errorf("getter calls after Invalidate = %d, want 5", *calls)
	}
}

func TestGetValue_NotCacheable(t *testing.T) {
	f, calls, _ := counterFacet("count")
	o := newOwner(t, f)

	for i := 0; i < 3; i++ {
		if _, err := o.group.Get("count"); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if *calls != 3 {
		t.Errorf("getter calls = %d, want 3", *calls)
	}
}

func TestSetValue_Limits(t *testing.T) {
	f, _, stored := counterFacet("step", WithType(ToInt), WithLimits(Lit(0), Lit(10), Lit(2)))
	o := newOwner(t, f)

	if err := f.SetValue(o, 7); err != nil {
		t.Fatalf("SetValue(7) error = %v", err)
	}
	if !Equal(*stored, 8) {
		t.Errorf("stored = %v, want 8", *stored)
	}

	for _, bad := range []int{-1, 11} {
		err := f.SetValue(o, bad)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SetValue(%d) error = %v, want ErrOutOfRange", bad, err)
		}
	}
}

func TestCheckLimits(t *testing.T) {
	tests := []struct {
		name    string
		limits  Option
		value   any
		want    any
		wantErr bool
	}{
		{name: "float snaps", limits: WithLimits(Lit(0), Lit(10), Lit(2)), value: 7.2, want: 8.0},
		{name: "offset start", limits: WithLimits(Lit(1), Lit(9), Lit(2)), value: 4.0, want: 5.0},
		{name: "snap never passes stop", limits: WithLimits(Lit(0), Lit(9), Lit(2)), value: 9.0, want: 8.0},
		{name: "no step", limits: WithLimits(Lit(0), Lit(10), NoLimit), value: 7.3, want: 7.3},
		{name: "open upper bound", limits: WithLimits(Lit(0), NoLimit, NoLimit), value: 1e9, want: 1e9},
		{name: "open lower bound", limits: WithLimits(NoLimit, Lit(0), NoLimit), value: -5.0, want: -5.0},
		{name: "on the boundary", limits: WithLimits(Lit(0), Lit(10), NoLimit), value: 10.0, want: 10.0},
		{name: "below", limits: WithLimits(Lit(0), Lit(10), NoLimit), value: -0.1, wantErr: true},
		{name: "not a number", limits: WithLimits(Lit(0), Lit(10), NoLimit), value: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New("x", tt.limits)
			o := newOwner(t, f)
			got, err := f.checkLimits(o, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("checkLimits(%v) error = nil, want error", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("checkLimits(%v) error = %v", tt.value, err)
			}
			if !Equal(got, tt.want) {
				t.Errorf("checkLimits(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestCheckLimits_AttributeBounds(t *testing.T) {
	maxFacet := Manual("max_current", WithUnits("A"), WithDefault("2 A"))
	current, _, _ := counterFacet("current", WithUnits("mA"), WithLimits(Lit(0), Attr("max_current"), NoLimit))
	offset, _, _ := counterFacet("offset", WithLimits(Attr("min_offset"), Lit(100), NoLimit))
	o := newOwner(t, maxFacet, current, offset)
	o.attrs["min_offset"] = 10

	if err := current.SetValue(o, "1500 mA"); err != nil {
		t.Errorf("SetValue(1500 mA) error = %v", err)
	}
	if err := current.SetValue(o, "2.5 A"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetValue(2.5 A) error = %v, want ErrOutOfRange", err)
	}

	if err := offset.SetValue(o, 5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetValue(5) error = %v, want ErrOutOfRange", err)
	}
	o.attrs["min_offset"] = 0
	if err := offset.SetValue(o, 5); err != nil {
		t.Errorf("SetValue(5) after lowering bound error = %v", err)
	}

	missing, _, _ := counterFacet("y", WithLimits(Attr("nope"), NoLimit, NoLimit))
	o2 := newOwner(t, missing)
	if err := missing.SetValue(o2, 1); err == nil {
		t.Error("SetValue() with unresolvable limit attribute should fail")
	}
}

func TestSetValue_Observers(t *testing.T) {
	f, _, _ := counterFacet("level", Cacheable())
	o := newOwner(t, f)
	d, _ := o.group.Data("level")

	var order []string
	var events []ChangeEvent
	d.Observe(func(ev ChangeEvent) {
		order = append(order, "first")
		events = append(events, ev)
	})
	d.Observe(func(ChangeEvent) { order = append(order, "second") })

	if err := d.Set(3); err != nil {
		t.Fatalf("Set(3) error = %v", err)
	}
	if err := d.Set(5); err != nil {
		t.Fatalf("Set(5) error = %v", err)
	}
	if err := d.Set(5); err != nil {
		t.Fatalf("Set(5) again error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (unchanged write must not notify)", len(events))
	}
	if got := order; len(got) != 4 || got[0] != "first" || got[1] != "second" {
		t.Errorf("observer order = %v, want first before second", got)
	}
	if events[0].Name != "level" || events[0].Old != nil || !Equal(events[0].New, 3) {
		t.Errorf("first event = %+v, want {level <nil> 3}", events[0])
	}
	if !Equal(events[1].Old, 3) || !Equal(events[1].New, 5) {
		t.Errorf("second event = %+v, want {level 3 5}", events[1])
	}

	if err := d.Set(5, NoCache()); err != nil {
		t.Fatalf("Set(5, NoCache) error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events after NoCache write = %d, want 3", len(events))
	}
}

func TestSetValue_Units(t *testing.T) {
	f, _, stored := counterFacet("voltage", WithType(ToFloat), WithUnits("V"), Cacheable())
	o := newOwner(t, f)

	if err := f.SetValue(o, "1500 mV"); err != nil {
		t.Fatalf("SetValue(1500 mV) error = %v", err)
	}
	if !Equal(*stored, 1.5) {
		t.Errorf("internal value = %v, want 1.5", *stored)
	}

	if err := f.SetValue(o, units.Q(2, "V")); err != nil {
		t.Fatalf("SetValue(2 V) error = %v", err)
	}

	err := f.SetValue(o, "200 mA")
	if !errors.Is(err, units.ErrDimensionality) {
		t.Errorf("SetValue(200 mA) error = %v, want ErrDimensionality", err)
	}
	err = f.SetValue(o, 3)
	if !errors.Is(err, units.ErrDimensionality) {
		t.Errorf("SetValue(3) error = %v, want ErrDimensionality", err)
	}

	v, err := f.GetValue(o, NoCache())
	if err != nil {
		t.Fatalf("GetValue() error = %v", err)
	}
	q, ok := v.(units.Quantity)
	if !ok {
		t.Fatalf("GetValue() = %T, want units.Quantity", v)
	}
	if !q.Equal(units.Q(2, "V")) {
		t.Errorf("GetValue() = %v, want 2 V", q)
	}
}

func TestSetValue_ValueMap(t *testing.T) {
	f, _, stored := counterFacet("source", WithValues(map[any]any{
		"internal":       0,
		"internal_sweep": 1,
		"external":       2,
	}))
	o := newOwner(t, f)

	if err := f.SetValue(o, "external"); err != nil {
		t.Fatalf("SetValue(external) error = %v", err)
	}
	if !Equal(*stored, 2) {
		t.Errorf("internal value = %v, want 2", *stored)
	}

	*stored = 1
	v, err := f.GetValue(o)
	if err != nil {
		t.Fatalf("GetValue() error = %v", err)
	}
	if v != "internal_sweep" {
		t.Errorf("GetValue() = %v, want internal_sweep", v)
	}

	if err := f.SetValue(o, "bogus"); !errors.Is(err, ErrBadValue) {
		t.Errorf("SetValue(bogus) error = %v, want ErrBadValue", err)
	}
	*stored = 9
	if _, err := f.GetValue(o); !errors.Is(err, ErrBadValue) {
		t.Errorf("GetValue() with unmapped code error = %v, want ErrBadValue", err)
	}
}

func TestSetValue_ValueList(t *testing.T) {
	f, _, stored := counterFacet("time_constant", WithValueList("10us", "30us", "100us"))
	o := newOwner(t, f)

	if err := f.SetValue(o, "100us"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if !Equal(*stored, 2) {
		t.Errorf("internal value = %v, want 2", *stored)
	}
	if got := len(f.Values()); got != 3 {
		t.Errorf("Values() has %d entries, want 3", got)
	}
}

func TestAccessErrors(t *testing.T) {
	writeOnly := New("w").Setter(func(Owner, any) error { return nil })
	readOnly := New("r").Getter(func(Owner) (any, error) { return 1, nil })
	o := newOwner(t, writeOnly, readOnly)

	if _, err := writeOnly.GetValue(o); !errors.Is(err, ErrNotReadable) {
		t.Errorf("GetValue() on write-only error = %v, want ErrNotReadable", err)
	}
	if err := readOnly.SetValue(o, 1); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SetValue() on read-only error = %v, want ErrReadOnly", err)
	}
	if _, err := o.group.Get("missing"); !errors.Is(err, ErrUnknownFacet) {
		t.Errorf("Get(missing) error = %v, want ErrUnknownFacet", err)
	}

	stranger := New("r")
	if _, err := stranger.GetValue(o); !errors.Is(err, ErrUnknownFacet) {
		t.Errorf("GetValue() with foreign facet error = %v, want ErrUnknownFacet", err)
	}

	bare := &testOwner{}
	if _, err := readOnly.GetValue(bare); !errors.Is(err, ErrNoGroup) {
		t.Errorf("GetValue() without group error = %v, want ErrNoGroup", err)
	}
}

func TestGetter_PropagatesDeviceError(t *testing.T) {
	boom := errors.New("device timeout")
	f := New("broken").Getter(func(Owner) (any, error) { return nil, boom })
	o := newOwner(t, f)

	if _, err := f.GetValue(o); !errors.Is(err, boom) {
		t.Errorf("GetValue() error = %v, want wrapped device error", err)
	}
}

func TestNewGroup_RejectsDuplicates(t *testing.T) {
	o := &testOwner{}
	if _, err := NewGroup(o, []*Facet{New("a"), New("a")}); err == nil {
		t.Error("NewGroup() with duplicate names should fail")
	}
	if _, err := NewGroup(o, []*Facet{New("")}); err == nil {
		t.Error("NewGroup() with unnamed facet should fail")
	}
}

func TestGroup_Order(t *testing.T) {
	o := newOwner(t, New("b"), New("a"), New("c"))
	names := o.group.Names()
	if len(names) != 3 || names[0] != "b" || names[1] != "a" || names[2] != "c" {
		t.Errorf("Names() = %v, want declaration order [b a c]", names)
	}
	if len(o.group.All()) != 3 {
		t.Errorf("All() length = %d, want 3", len(o.group.All()))
	}
}

type typedOwner struct {
	testOwner
	level float64
}

func TestGetterOf(t *testing.T) {
	f := New("level", WithType(ToFloat)).
		Getter(GetterOf(func(o *typedOwner) (any, error) { return o.level, nil })).
		Setter(SetterOf(func(o *typedOwner, v any) error {
			o.level = v.(float64)
			return nil
		}))

	o := &typedOwner{}
	g, err := NewGroup(o, []*Facet{f})
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	o.group = g

	if err := g.Set("level", 4.5); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if o.level != 4.5 {
		t.Errorf("level = %v, want 4.5", o.level)
	}

	wrong := newOwner(t, f)
	if _, err := wrong.group.Get("level"); !errors.Is(err, ErrBadValue) {
		t.Errorf("Get() with wrong owner type error = %v, want ErrBadValue", err)
	}
}

func TestConverters(t *testing.T) {
	tests := []struct {
		name string
		conv Converter
		in   any
		want any
	}{
		{"float from string", ToFloat, " 1.5e3\n", 1500.0},
		{"float from int", ToFloat, 3, 3.0},
		{"int from string", ToInt, "42", int64(42)},
		{"int from float string", ToInt, "3.000", int64(3)},
		{"int truncates", ToInt, 7.9, int64(7)},
		{"bool from ON", ToBool, "ON", true},
		{"bool from 0", ToBool, "0", false},
		{"bool from number", ToBool, 2, true},
		{"string trims", ToString, " SR850\r\n", "SR850"},
		{"string formats", ToString, 12, "12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.conv(tt.in)
			if err != nil {
				t.Fatalf("conversion error = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}

	if _, err := ToBool("maybe"); !errors.Is(err, ErrBadValue) {
		t.Errorf("ToBool(maybe) error = %v, want ErrBadValue", err)
	}
	if _, err := ToFloat("abc"); !errors.Is(err, ErrBadValue) {
		t.Errorf("ToFloat(abc) error = %v, want ErrBadValue", err)
	}
}

func TestAccessors(t *testing.T) {
	volts, _, _ := counterFacet("voltage", WithType(ToFloat), WithUnits("V"))
	count, _, _ := counterFacet("count", WithType(ToInt))
	label := New("label", WithType(ToString)).Getter(func(Owner) (any, error) { return "ch1", nil })
	o := newOwner(t, volts, count, label)

	if err := volts.SetValue(o, "250 mV"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := count.SetValue(o, 7); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	if f, err := Float(o, "voltage"); err != nil || f != 0.25 {
		t.Errorf("Float(voltage) = %v, %v; want 0.25", f, err)
	}
	if f, err := Float(o, "count"); err != nil || f != 7 {
		t.Errorf("Float(count) = %v, %v; want 7", f, err)
	}
	if _, err := Float(o, "label"); !errors.Is(err, ErrBadValue) {
		t.Errorf("Float(label) error = %v, want ErrBadValue", err)
	}

	q, err := Quantity(o, "voltage")
	if err != nil {
		t.Fatalf("Quantity(voltage) error = %v", err)
	}
	if !q.Equal(units.Q(250, "mV")) {
		t.Errorf("Quantity(voltage) = %v, want 250 mV", q)
	}
	q, err = Quantity(o, "count")
	if err != nil || !q.Dimensionless() || q.Magnitude != 7 {
		t.Errorf("Quantity(count) = %v, %v; want dimensionless 7", q, err)
	}
	if _, err := Quantity(o, "missing"); !errors.Is(err, ErrUnknownFacet) {
		t.Errorf("Quantity(missing) error = %v, want ErrUnknownFacet", err)
	}
}
