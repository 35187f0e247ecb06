package burleigh

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/resolve"
	"github.com/mabuchilab/instrumental/internal/units"
	"github.com/mabuchilab/instrumental/internal/visa/visatest"
)

const testAddr = "ASRL3::INSTR"

func newResource(status string) *visatest.Resource {
	r := visatest.NewResource(testAddr, "")
	r.Responses[setQuery] = status
	return r
}

func open(t *testing.T, rsrc *visatest.Resource) *Wavemeter {
	t.Helper()
	m := instrument.NewManager()
	t.Cleanup(m.Shutdown)

	ps := instrument.NewParamSet(instrument.KeyVisaAddress, rsrc.Addr)
	inst, err := m.Create(context.Background(), WA1000, ps, instrument.PolicyNew, instrument.WithResource(rsrc))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	w := inst.(*Wavemeter)
	w.keyDelay = 0
	return w
}

func TestCheckVisaSupport(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   string
	}{
		{"status line", " 1550.1234,0040,0000", "WA1000"},
		{"too few fields", "1550.1234,0040", ""},
		{"too many fields", "a,b,c,d", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckVisaSupport(newResource(tt.status)); got != tt.want {
				t.Errorf("CheckVisaSupport() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("silent", func(t *testing.T) {
		if got := CheckVisaSupport(visatest.NewResource(testAddr, "")); got != "" {
			t.Errorf("CheckVisaSupport() = %q, want empty", got)
		}
	})
}

func TestIdentifiedBySupportCheck(t *testing.T) {
	mod, err := driver.Default().Module(ModuleName)
	if err != nil {
		t.Fatalf("Module() error = %v", err)
	}
	if mod.HasVisaInfo() {
		t.Fatal("module should not declare IDN info")
	}

	rsrc := newResource(" 1550.1234,0040,0000")
	e := resolve.New(driver.Default(), instrument.NewManager(), visatest.NewManager(rsrc))
	cls, err := e.FindVisaDriverClass(context.Background(), rsrc, []*driver.Module{mod})
	if err != nil {
		t.Fatalf("FindVisaDriverClass() error = %v", err)
	}
	if cls != WA1000 {
		t.Errorf("FindVisaDriverClass() = %v, want WA1000", cls)
	}
}

func TestCloseResource(t *testing.T) {
	rsrc := newResource(" 1550.1234,0040,0000")
	if err := CloseResource(rsrc); err != nil {
		t.Fatalf("CloseResource() error = %v", err)
	}
	if got := rsrc.Queries(); !reflect.DeepEqual(got, []string{setQuery}) {
		t.Errorf("queries = %q, want the status query", got)
	}

	if err := CloseResource(visatest.NewResource(testAddr, "")); err == nil {
		t.Error("CloseResource() on a silent resource should fail")
	}
}

func TestWavelength(t *testing.T) {
	w := open(t, newResource(" 1550.1234,0040,0000"))

	v, err := w.Facets().Get("wavelength")
	if err != nil {
		t.Fatalf("Get(wavelength) error = %v", err)
	}
	if want := units.Q(1550.1234, "nm"); !v.(units.Quantity).Equal(want) {
		t.Errorf("wavelength = %v, want %v", v, want)
	}
	if w.Unstable() {
		t.Error("Unstable() = true for a settled reading")
	}
}

func TestDeviationSwitchesDisplay(t *testing.T) {
	rsrc := newResource("~   0.0021,0040,0000")
	w := open(t, rsrc)

	v, err := w.Facets().Get("deviation")
	if err != nil {
		t.Fatalf("Get(deviation) error = %v", err)
	}
	if want := units.Q(0.0021, "nm"); !v.(units.Quantity).Equal(want) {
		t.Errorf("deviation = %v, want %v", v, want)
	}
	if got := rsrc.Writes(); !reflect.DeepEqual(got, []string{btnDisplay}) {
		t.Errorf("writes = %q, want the display button", got)
	}
	if !w.Unstable() {
		t.Error("Unstable() = false for a flagged reading")
	}
}

func TestWavelengthLeavesSystemDisplay(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   []string
	}{
		{name: "setpoint mode", status: " 1550.1234,0040,0002", want: []string{btnSetpoint}},
		{name: "averaging count mode", status: " 1550.1234,0040,0004", want: []string{btnNumAveraged}},
		{name: "humidity mode", status: " 1550.1234,0040,0040", want: []string{btnHumidity}},
		{name: "temperature readout kept", status: " 1550.1234,0040,0020", want: nil},
		{name: "pressure readout kept", status: " 1550.1234,0040,0010", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsrc := newResource(tt.status)
			w := open(t, rsrc)

			if _, err := w.Facets().Get("wavelength"); err != nil {
				t.Fatalf("Get(wavelength) error = %v", err)
			}
			if got := rsrc.Writes(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("writes = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignalErrors(t *testing.T) {
	tests := []struct {
		display string
		want    error
	}{
		{" LO SIG", ErrLowSignal},
		{" HI SIG", ErrHighSignal},
		{" -----", ErrDisplay},
	}
	for _, tt := range tests {
		t.Run(tt.display, func(t *testing.T) {
			w := open(t, newResource(tt.display+",0040,0000"))
			_, err := w.Facets().Get("wavelength")
			if !errors.Is(err, tt.want) {
				t.Errorf("Get(wavelength) error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSystemReadings(t *testing.T) {
	w := open(t, newResource("   22.50,0040,0020"))
	v, err := w.Facets().Get("temperature")
	if err != nil {
		t.Fatalf("Get(temperature) error = %v", err)
	}
	if want := units.Q(295.65, "K"); !v.(units.Quantity).Equal(want) {
		t.Errorf("temperature = %v, want %v", v, want)
	}

	w = open(t, newResource("  760.0,0040,0010"))
	v, err = w.Facets().Get("pressure")
	if err != nil {
		t.Fatalf("Get(pressure) error = %v", err)
	}
	if want := units.Q(760, "Torr"); !v.(units.Quantity).Equal(want) {
		t.Errorf("pressure = %v, want %v", v, want)
	}
}

func TestNumAveraged(t *testing.T) {
	rsrc := newResource("     20,0040,0004")
	w := open(t, rsrc)

	v, err := w.Facets().Get("num_averaged")
	if err != nil {
		t.Fatalf("Get(num_averaged) error = %v", err)
	}
	if v != int64(20) {
		t.Errorf("num_averaged = %v, want 20", v)
	}

	if err := w.Facets().Set("num_averaged", 12); err != nil {
		t.Fatalf("Set(num_averaged) error = %v", err)
	}
	want := []string{btnClear, "@\x01", "@\x02", btnEnter}
	if got := rsrc.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}

	if err := w.Facets().Set("num_averaged", 60); err == nil {
		t.Error("Set(num_averaged, 60) should fail the limit check")
	}
}

func TestSetSetpoint(t *testing.T) {
	rsrc := newResource(" 1550.0000,0040,0002")
	w := open(t, rsrc)

	if err := w.Facets().Set("setpoint", units.Q(1550.1, "nm")); err != nil {
		t.Fatalf("Set(setpoint) error = %v", err)
	}
	want := []string{btnClear, "@\x01", "@\x05", "@\x05", "@\x00", btnDot, "@\x01", "@\x00", "@\x00", "@\x00", btnEnter}
	if got := rsrc.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}

	if err := w.Facets().Set("setpoint", units.Q(5, "mW")); err == nil {
		t.Error("Set(setpoint) with power units should fail")
	}
}

func TestLockedAndAveraging(t *testing.T) {
	rsrc := newResource(" 1550.1234,1040,0100")
	w := open(t, rsrc)

	locked, err := w.Facets().Get("locked")
	if err != nil || locked != true {
		t.Fatalf("Get(locked) = %v, %v; want true", locked, err)
	}
	avg, err := w.Facets().Get("averaging")
	if err != nil || avg != true {
		t.Fatalf("Get(averaging) = %v, %v; want true", avg, err)
	}

	// Already in the requested states.
	if err := w.Facets().Set("locked", true); err != nil {
		t.Fatalf("Set(locked) error = %v", err)
	}
	if err := w.Facets().Set("averaging", true); err != nil {
		t.Fatalf("Set(averaging) error = %v", err)
	}
	if got := rsrc.Writes(); len(got) != 0 {
		t.Errorf("writes = %q, want none", got)
	}

	if err := w.Facets().Set("locked", false); err != nil {
		t.Fatalf("Set(locked, false) error = %v", err)
	}
	if got := rsrc.Writes(); !reflect.DeepEqual(got, []string{btnRemote}) {
		t.Errorf("writes = %q, want the remote button", got)
	}
}

func TestClose(t *testing.T) {
	rsrc := newResource(" 1550.1234,0040,0000")
	w := open(t, rsrc)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if rsrc.Closed() != 1 {
		t.Errorf("Closed() = %d, want 1", rsrc.Closed())
	}
}
