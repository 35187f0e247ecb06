package serialoven

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.bug.st/serial/enumerator"

	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/store"
	"github.com/mabuchilab/instrumental/internal/units"
)

// fakeOven answers the line protocol from memory.
type fakeOven struct {
	mu       sync.Mutex
	id       string
	temp     string
	setpoint string
	heat     string
	out      bytes.Buffer
	commands []string
	open     bool
	closed   int
}

func newFakeOven() *fakeOven {
	return &fakeOven{id: "OVEN,A1B2", temp: "24.50", setpoint: "25.00", heat: "0"}
}

func (f *fakeOven) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, io.ErrClosedPipe
	}
	cmd := strings.TrimRight(string(p), "\r\n")
	f.commands = append(f.commands, cmd)
	var reply string
	switch {
	case cmd == "ID?":
		reply = f.id
	case cmd == "TEMP?":
		reply = f.temp
	case cmd == "SETP?":
		reply = f.setpoint
	case cmd == "HEAT?":
		reply = f.heat
	case strings.HasPrefix(cmd, "SETP "):
		f.setpoint = strings.TrimPrefix(cmd, "SETP ")
		reply = "OK"
	case strings.HasPrefix(cmd, "HEAT "):
		f.heat = strings.TrimPrefix(cmd, "HEAT ")
		reply = "OK"
	default:
		reply = "ERR"
	}
	f.out.WriteString(reply + "\r\n")
	return len(p), nil
}

func (f *fakeOven) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Read(p)
}

func (f *fakeOven) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed++
	return nil
}

// connect models opening the port: the oven keeps its settings but any
// unread output is lost.
func (f *fakeOven) connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.out.Reset()
}

func (f *fakeOven) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func useFake(t *testing.T, ovens map[string]*fakeOven) {
	t.Helper()
	orig := dial
	dial = func(name string) (io.ReadWriteCloser, error) {
		o, ok := ovens[name]
		if !ok {
			return nil, errors.New("no such port")
		}
		o.connect()
		return o, nil
	}
	t.Cleanup(func() { dial = orig })
}

func open(t *testing.T, m *instrument.Manager, ps *instrument.ParamSet, opts ...instrument.CreateOption) (*Controller, error) {
	t.Helper()
	inst, err := m.Create(context.Background(), Oven, ps, instrument.PolicyNew, opts...)
	if err != nil {
		return nil, err
	}
	return inst.(*Controller), nil
}

func TestListInstruments(t *testing.T) {
	orig := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A1B2"},
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "2341", PID: "0043"},
			{Name: "/dev/ttyS0"},
		}, nil
	}
	t.Cleanup(func() { listPorts = orig })

	got, err := ListInstruments(context.Background())
	if err != nil {
		t.Fatalf("ListInstruments() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListInstruments() returned %d entries, want 1", len(got))
	}
	ps := got[0]
	if ps.GetString(KeyPort) != "/dev/ttyUSB0" || ps.GetString(KeySerial) != "A1B2" {
		t.Errorf("entry = %s", ps)
	}
	if ps.GetString(instrument.KeyModule) != ModuleName {
		t.Errorf("module = %q, want %q", ps.GetString(instrument.KeyModule), ModuleName)
	}
}

func TestListInstrumentsError(t *testing.T) {
	orig := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { listPorts = orig })

	if _, err := ListInstruments(context.Background()); err == nil {
		t.Error("ListInstruments() should report the enumeration error")
	}
}

func TestInitialize(t *testing.T) {
	oven := newFakeOven()
	stranger := newFakeOven()
	stranger.id = "ARDUINO"
	useFake(t, map[string]*fakeOven{"/dev/ttyUSB0": oven, "/dev/ttyUSB1": stranger})

	m := instrument.NewManager()
	t.Cleanup(m.Shutdown)

	c, err := open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB0"))
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	if c.SerialNumber() != "A1B2" {
		t.Errorf("SerialNumber() = %q, want A1B2", c.SerialNumber())
	}

	if _, err := open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB1")); !errors.Is(err, ErrNotOven) {
		t.Errorf("open(stranger) error = %v, want ErrNotOven", err)
	}
	if stranger.closed != 1 {
		t.Errorf("stranger closed %d times, want 1", stranger.closed)
	}

	_, err = open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB0", KeySerial, "ZZZZ"))
	if !errors.Is(err, instrument.ErrInstrumentNotFound) {
		t.Errorf("open(wrong serial) error = %v, want ErrInstrumentNotFound", err)
	}

	if _, err := open(t, m, instrument.NewParamSet()); !errors.Is(err, instrument.ErrConfig) {
		t.Errorf("open(no port) error = %v, want ErrConfig", err)
	}
}

func TestFacets(t *testing.T) {
	oven := newFakeOven()
	useFake(t, map[string]*fakeOven{"/dev/ttyUSB0": oven})
	m := instrument.NewManager()
	t.Cleanup(m.Shutdown)

	c, err := open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB0"))
	if err != nil {
		t.Fatalf("open error = %v", err)
	}

	v, err := c.Get("temperature")
	if err != nil {
		t.Fatalf("Get(temperature) error = %v", err)
	}
	if want := units.Q(297.65, "K"); !v.(units.Quantity).Equal(want) {
		t.Errorf("temperature = %v, want %v", v, want)
	}

	v, err = c.Get("setpoint")
	if err != nil {
		t.Fatalf("Get(setpoint) error = %v", err)
	}
	if want := units.Q(298.15, "K"); !v.(units.Quantity).Equal(want) {
		t.Errorf("default setpoint = %v, want %v", v, want)
	}

	if err := c.Set("setpoint", units.Q(1000, "K")); err == nil {
		t.Error("Set(setpoint, 1000 K) should fail the limit check")
	}
	if err := c.Set("heater", true); err != nil {
		t.Fatalf("Set(heater) error = %v", err)
	}
	if oven.heat != "1" {
		t.Errorf("oven heater = %q, want 1", oven.heat)
	}
}

func TestRegulate(t *testing.T) {
	oven := newFakeOven()
	useFake(t, map[string]*fakeOven{"/dev/ttyUSB0": oven})
	m := instrument.NewManager()
	t.Cleanup(m.Shutdown)

	c, err := open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB0"))
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	if err := c.Set("setpoint", units.Q(353.15, "K")); err != nil {
		t.Fatalf("Set(setpoint) error = %v", err)
	}
	// Manual facets never touch the device.
	if got := oven.Commands(); len(got) != 1 {
		t.Fatalf("commands after setpoint write = %q, want only ID?", got)
	}
	if err := c.Regulate(); err != nil {
		t.Fatalf("Regulate() error = %v", err)
	}
	if oven.setpoint != "80.00" || oven.heat != "1" {
		t.Errorf("oven setpoint=%q heat=%q, want 80.00 and 1", oven.setpoint, oven.heat)
	}
	sp, err := c.Setpoint()
	if err != nil {
		t.Fatalf("Setpoint() error = %v", err)
	}
	if math.Abs(sp-353.15) > 1e-9 {
		t.Errorf("Setpoint() = %v, want 353.15", sp)
	}
}

func TestSetpointSavedOnSet(t *testing.T) {
	oven := newFakeOven()
	useFake(t, map[string]*fakeOven{"/dev/ttyUSB0": oven})
	dir := t.TempDir()
	st := store.NewFileStore(filepath.Join(dir, "instrumental.conf"), filepath.Join(dir, "state"))

	m := instrument.NewManager()
	m.SetStore(st)
	t.Cleanup(m.Shutdown)

	ps := instrument.NewParamSet(KeyPort, "/dev/ttyUSB0")
	c, err := open(t, m, ps, instrument.WithAlias("oven"))
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	if err := c.Set("setpoint", units.Q(323.15, "K")); err != nil {
		t.Fatalf("Set(setpoint) error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	c, err = open(t, m, ps, instrument.WithAlias("oven"))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	v, err := c.Get("setpoint")
	if err != nil {
		t.Fatalf("Get(setpoint) error = %v", err)
	}
	if want := units.Q(323.15, "K"); !v.(units.Quantity).Equal(want) {
		t.Errorf("restored setpoint = %v, want %v", v, want)
	}
	if oven.closed != 1 {
		t.Errorf("port closed %d times before the reopen, want 1", oven.closed)
	}
}

func TestClose(t *testing.T) {
	oven := newFakeOven()
	useFake(t, map[string]*fakeOven{"/dev/ttyUSB0": oven})
	m := instrument.NewManager()
	t.Cleanup(m.Shutdown)

	c, err := open(t, m, instrument.NewParamSet(KeyPort, "/dev/ttyUSB0"))
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if oven.closed != 1 {
		t.Errorf("closed %d times, want 1", oven.closed)
	}
	if _, err := c.Get("temperature"); err == nil {
		t.Error("Get after Close should fail")
	}
}
