package facet

import (
	"errors"
	"strings"
	"testing"

	"github.com/mabuchilab/instrumental/internal/units"
)

type fakeMessenger struct {
	testOwner
	responses map[string]string
	queries   []string
	writes    []string
}

func (m *fakeMessenger) Query(msg string) (string, error) {
	m.queries = append(m.queries, msg)
	resp, ok := m.responses[msg]
	if !ok {
		return "", errors.New("timeout")
	}
	return resp, nil
}

func (m *fakeMessenger) Write(msg string) error {
	m.writes = append(m.writes, msg)
	return nil
}

func newMessenger(t *testing.T, facets ...*Facet) *fakeMessenger {
	t.Helper()
	m := &fakeMessenger{responses: map[string]string{}}
	g, err := NewGroup(m, facets)
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	m.group = g
	return m
}

func TestSCPI_GetAndSet(t *testing.T) {
	voltage := SCPI("voltage", "SOURce:VOLTage", WithConvert(ToFloat), WithUnits("V"))
	m := newMessenger(t, voltage)
	m.responses["SOURce:VOLTage?"] = "1.250\n"

	v, err := m.group.Get("voltage")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if q := v.(units.Quantity); !q.Equal(units.Q(1.25, "V")) {
		t.Errorf("Get() = %v, want 1.25 V", q)
	}
	if len(m.queries) != 1 || m.queries[0] != "SOURce:VOLTage?" {
		t.Errorf("queries = %v, want [SOURce:VOLTage?]", m.queries)
	}

	if err := m.group.Set("voltage", "500 mV"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if len(m.writes) != 1 || m.writes[0] != "SOURce:VOLTage 0.5" {
		t.Errorf("writes = %v, want [SOURce:VOLTage 0.5]", m.writes)
	}
}

func TestSCPI_ReadOnly(t *testing.T) {
	f := SCPI("idn", "*IDN", ReadOnly())
	if f.Writable() {
		t.Error("read-only SCPI facet should have no setter")
	}
	if !f.Readable() {
		t.Error("read-only SCPI facet should have a getter")
	}
}

func TestSCPI_MappedState(t *testing.T) {
	output := SCPI("output", "OUTPut:STATe", WithValues(map[any]any{true: "ON", false: "OFF"}))
	m := newMessenger(t, output)
	m.responses["OUTPut:STATe?"] = "OFF"

	v, err := m.group.Get("output")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != false {
		t.Errorf("Get() = %v, want false", v)
	}

	if err := m.group.Set("output", true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := strings.Join(m.writes, "|"); got != "OUTPut:STATe ON" {
		t.Errorf("writes = %q, want %q", got, "OUTPut:STATe ON")
	}
}

func TestMessage_Templates(t *testing.T) {
	harmonic := Message("harmonic", "HARM?", "HARM %d", WithConvert(ToInt), WithLimits(Lit(1), Lit(19999), Lit(1)))
	m := newMessenger(t, harmonic)
	m.responses["HARM?"] = "3"

	v, err := m.group.Get("harmonic")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != int64(3) {
		t.Errorf("Get() = %v (%T), want int64 3", v, v)
	}

	if err := m.group.Set("harmonic", 5); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if m.writes[0] != "HARM 5" {
		t.Errorf("write = %q, want %q", m.writes[0], "HARM 5")
	}
	if err := m.group.Set("harmonic", 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Set(0) error = %v, want ErrOutOfRange", err)
	}
}

func TestMessage_GetOnly(t *testing.T) {
	f := Message("status", "STAT?", "")
	if f.Writable() {
		t.Error("facet without set message should be read-only")
	}
}

func TestMessage_OwnerWithoutMessenger(t *testing.T) {
	f := SCPI("voltage", "VOLT")
	o := newOwner(t, f)

	if _, err := o.group.Get("voltage"); !errors.Is(err, ErrBadValue) {
		t.Errorf("Get() error = %v, want ErrBadValue", err)
	}
}
