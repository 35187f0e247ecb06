// Package burleigh drives Burleigh WA-1000 and WA-1500 wavemeters.
//
// The wavemeter has no *IDN?. It is controlled by emulating front-panel
// button presses and read by polling a "display, display LEDs, system
// LEDs" status line, so every facet first moves the display to the
// quantity it wants and then reads the display string.
package burleigh

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// ModuleName is the registry name of this driver.
const ModuleName = "wavemeters.burleigh"

// Button and mode commands.
const (
	btnClear       = "@\x0A"
	btnDot         = "@\x0B"
	btnEnter       = "@\x0C"
	btnRemote      = "@\x0D"
	btnHumidity    = "@\x20"
	btnPressure    = "@\x21"
	btnTemperature = "@\x22"
	btnNumAveraged = "@\x23"
	btnAnalogRes   = "@\x24"
	btnSetpoint    = "@\x26"
	btnUnits       = "@\x27"
	btnDisplay     = "@\x28"
	btnMedium      = "@\x29"
	btnResolution  = "@\x2A"
	btnAveraging   = "@\x2B"

	setQuery = "@\x51"
)

// Display LED masks.
const (
	maskUnitsWavenumber  = 0x0012
	maskUnitsGHz         = 0x0024
	maskDisplayWavelen   = 0x0040
	maskDisplayDeviation = 0x0080
	maskMediumAir        = 0x0100
	maskAveragingOn      = 0x1000
)

// System LED masks.
const (
	maskDisplayRes  = 0x0001
	maskSetpoint    = 0x0002
	maskNumAveraged = 0x0004
	maskAnalogRes   = 0x0008
	maskPressure    = 0x0010
	maskTemperature = 0x0020
	maskHumidity    = 0x0040
	maskRemote      = 0x0100

	// maskDisplayingStates covers the system modes that replace the main
	// readout. Pressure and temperature are not in it and are left as they are.
	maskDisplayingStates = 0x004F
)

var sysMaskButton = map[int]string{
	maskDisplayRes:  btnResolution,
	maskSetpoint:    btnSetpoint,
	maskNumAveraged: btnNumAveraged,
	maskAnalogRes:   btnAnalogRes,
	maskPressure:    btnPressure,
	maskTemperature: btnTemperature,
	maskHumidity:    btnHumidity,
}

var (
	// ErrLowSignal means the input power is below the measurement threshold.
	ErrLowSignal = errors.New("burleigh: input signal power is too low")
	// ErrHighSignal means the input power saturates the detector.
	ErrHighSignal = errors.New("burleigh: input signal power is too high")
	// ErrDisplay is returned for an unrecognized display string.
	ErrDisplay = errors.New("burleigh: unrecognized display")
)

// identifyTimeout bounds the identification query.
const identifyTimeout = 50 * time.Millisecond

// defaultKeyDelay lets a simulated button press register.
const defaultKeyDelay = 10 * time.Millisecond

// WA1000 is the WA-1000/1500 class.
var WA1000 = &instrument.Class{
	Module: ModuleName,
	Name:   "WA1000",
	Params: []string{instrument.KeyVisaAddress},
	Doc:    "Burleigh WA-1000/1500 wavemeter",
	Facets: []*facet.Facet{
		facet.New("wavelength", facet.WithUnits("nm"), facet.WithDoc("vacuum wavelength of the input")).
			Getter(facet.GetterOf(func(w *Wavemeter) (any, error) { return w.wavelengthOrDeviation(false) })),
		facet.New("deviation", facet.WithUnits("nm"), facet.WithDoc("input wavelength minus the setpoint")).
			Getter(facet.GetterOf(func(w *Wavemeter) (any, error) { return w.wavelengthOrDeviation(true) })),
		facet.New("setpoint", facet.WithUnits("nm"), facet.WithLimits(facet.Lit(0), facet.NoLimit, facet.NoLimit)).
			Getter(facet.GetterOf((*Wavemeter).setpoint)).
			Setter(facet.SetterOf((*Wavemeter).setSetpoint)),
		facet.New("num_averaged", facet.WithType(facet.ToInt), facet.WithLimits(facet.Lit(2), facet.Lit(50), facet.Lit(1))).
			Getter(facet.GetterOf((*Wavemeter).numAveraged)).
			Setter(facet.SetterOf((*Wavemeter).setNumAveraged)),
		facet.New("averaging", facet.WithType(facet.ToBool)).
			Getter(facet.GetterOf((*Wavemeter).averaging)).
			Setter(facet.SetterOf((*Wavemeter).setAveraging)),
		facet.New("temperature", facet.WithUnits("K")).
			Getter(facet.GetterOf((*Wavemeter).temperature)),
		facet.New("pressure", facet.WithUnits("Torr")).
			Getter(facet.GetterOf((*Wavemeter).pressure)),
		facet.New("locked", facet.WithType(facet.ToBool), facet.WithDoc("front panel locked for remote control")).
			Getter(facet.GetterOf((*Wavemeter).locked)).
			Setter(facet.SetterOf((*Wavemeter).setLocked)),
	},
	New: func() instrument.Instrument { return &Wavemeter{keyDelay: defaultKeyDelay} },
}

func init() {
	driver.MustRegister(&driver.Module{
		Name:             ModuleName,
		Priority:         9,
		Classes:          []*instrument.Class{WA1000},
		CheckVisaSupport: CheckVisaSupport,
		CloseResource:    CloseResource,
		Doc:              "Burleigh WA-1000/1500 wavemeters",
	})
}

// CheckVisaSupport reports WA1000 when r answers the status query with a
// three-field line.
func CheckVisaSupport(r visa.Resource) string {
	if err := r.SetTimeout(identifyTimeout); err != nil {
		return ""
	}
	resp, err := r.Query(setQuery)
	if err != nil || strings.Count(resp, ",") != 2 {
		return ""
	}
	if err := r.Clear(); err != nil {
		return ""
	}
	return WA1000.Name
}

// CloseResource leaves an identified meter in query mode with an empty buffer,
// so the next session does not read stale broadcast lines.
func CloseResource(r visa.Resource) error {
	if _, err := r.Query(setQuery); err != nil {
		return err
	}
	return r.Clear()
}

// Wavemeter is an open WA-1000/1500.
type Wavemeter struct {
	instrument.Base
	visa.Mixin

	keyDelay time.Duration

	dispStr  string
	dispLEDs int
	sysLEDs  int
	reload   bool
}

// Initialize disables broadcast mode and clears the buffer.
func (w *Wavemeter) Initialize(map[string]any) error {
	r := w.Resource()
	r.SetTermination("\r\n", "\r\n")
	w.reload = false
	if _, err := r.Query(setQuery); err != nil {
		return fmt.Errorf("burleigh: leaving broadcast mode: %w", err)
	}
	return r.Clear()
}

func (w *Wavemeter) loadState() error {
	resp, err := w.Query(setQuery)
	if err != nil {
		return err
	}
	parts := strings.Split(strings.TrimRight(resp, "\r\n"), ",")
	if len(parts) != 3 {
		return fmt.Errorf("%w: status %q", ErrDisplay, resp)
	}
	disp, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 16, 32)
	if err != nil {
		return fmt.Errorf("%w: display LEDs %q", ErrDisplay, parts[1])
	}
	sys, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 16, 32)
	if err != nil {
		return fmt.Errorf("%w: system LEDs %q", ErrDisplay, parts[2])
	}
	w.dispStr = parts[0]
	w.dispLEDs = int(disp)
	w.sysLEDs = int(sys)
	w.reload = false
	return nil
}

func (w *Wavemeter) reloadIfNeeded() error {
	if w.reload {
		return w.loadState()
	}
	return nil
}

// press sends one button and marks the cached state stale.
func (w *Wavemeter) press(btn string) error {
	w.reload = true
	return w.Write(btn)
}

func (w *Wavemeter) typeNumber(s string) error {
	if err := w.Write(btnClear); err != nil {
		return err
	}
	for _, c := range s {
		btn := btnDot
		if c != '.' {
			btn = "@" + string(rune(c-'0'))
		}
		if err := w.Write(btn); err != nil {
			return err
		}
		time.Sleep(w.keyDelay)
	}
	return w.Write(btnEnter)
}

func (w *Wavemeter) clearSysState() error {
	if btn, ok := sysMaskButton[w.sysLEDs&maskDisplayingStates]; ok {
		return w.press(btn)
	}
	return nil
}

func (w *Wavemeter) show(mask int, btn string) error {
	if w.sysLEDs&mask == 0 {
		return w.press(btn)
	}
	return nil
}

func (w *Wavemeter) unitsToNM() error {
	switch {
	case w.dispLEDs&maskUnitsWavenumber != 0:
		if err := w.press(btnUnits); err != nil {
			return err
		}
		return w.press(btnUnits)
	case w.dispLEDs&maskUnitsGHz != 0:
		return w.press(btnUnits)
	}
	return nil
}

func (w *Wavemeter) displayValue() (float64, error) {
	s := strings.TrimSpace(w.dispStr)
	if len(w.dispStr) > 0 && (w.dispStr[0] == '~' || w.dispStr[0] == ' ' || w.dispStr[0] == '+' || w.dispStr[0] == '-') {
		s = strings.TrimSpace(w.dispStr[1:])
		if w.dispStr[0] == '-' {
			s = "-" + s
		}
	}
	switch s {
	case "LO SIG":
		return 0, ErrLowSignal
	case "HI SIG":
		return 0, ErrHighSignal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrDisplay, w.dispStr)
	}
	return v, nil
}

// Unstable reports whether the last reading was flagged as uncertain.
func (w *Wavemeter) Unstable() bool {
	return strings.HasPrefix(w.dispStr, "~")
}

func (w *Wavemeter) wavelengthOrDeviation(deviation bool) (any, error) {
	if err := w.loadState(); err != nil {
		return nil, err
	}
	if err := w.clearSysState(); err != nil {
		return nil, err
	}
	if err := w.unitsToNM(); err != nil {
		return nil, err
	}
	if w.dispLEDs&maskMediumAir != 0 {
		if err := w.press(btnMedium); err != nil {
			return nil, err
		}
	}
	toggle := maskDisplayDeviation
	if deviation {
		toggle = maskDisplayWavelen
	}
	if w.dispLEDs&toggle != 0 {
		if err := w.press(btnDisplay); err != nil {
			return nil, err
		}
	}
	if err := w.reloadIfNeeded(); err != nil {
		return nil, err
	}
	return w.displayValue()
}

func (w *Wavemeter) setpoint() (any, error) {
	if err := w.loadState(); err != nil {
		return nil, err
	}
	if err := w.show(maskSetpoint, btnSetpoint); err != nil {
		return nil, err
	}
	if err := w.unitsToNM(); err != nil {
		return nil, err
	}
	if err := w.reloadIfNeeded(); err != nil {
		return nil, err
	}
	return w.displayValue()
}

func (w *Wavemeter) setSetpoint(v any) error {
	nm, ok := v.(float64)
	if !ok {
		return fmt.Errorf("%w: setpoint %v", facet.ErrBadValue, v)
	}
	if err := w.loadState(); err != nil {
		return err
	}
	if err := w.show(maskSetpoint, btnSetpoint); err != nil {
		return err
	}
	if err := w.unitsToNM(); err != nil {
		return err
	}
	return w.typeNumber(strconv.FormatFloat(nm, 'f', 4, 64))
}

func (w *Wavemeter) numAveraged() (any, error) {
	if err := w.loadState(); err != nil {
		return nil, err
	}
	if err := w.show(maskNumAveraged, btnNumAveraged); err != nil {
		return nil, err
	}
	if err := w.reloadIfNeeded(); err != nil {
		return nil, err
	}
	n, err := w.displayValue()
	if err != nil {
		return nil, err
	}
	return int64(n), nil
}

func (w *Wavemeter) setNumAveraged(v any) error {
	n, ok := v.(int64)
	if !ok {
		return fmt.Errorf("%w: num_averaged %v", facet.ErrBadValue, v)
	}
	if err := w.loadState(); err != nil {
		return err
	}
	if err := w.show(maskNumAveraged, btnNumAveraged); err != nil {
		return err
	}
	return w.typeNumber(strconv.FormatInt(n, 10))
}

func (w *Wavemeter) averaging() (any, error) {
	if err := w.loadState(); err != nil {
		return nil, err
	}
	return w.dispLEDs&maskAveragingOn != 0, nil
}

func (w *Wavemeter) setAveraging(v any) error {
	enable, _ := v.(bool)
	on, err := w.averaging()
	if err != nil {
		return err
	}
	if on == enable {
		return nil
	}
	if err := w.clearSysState(); err != nil {
		return err
	}
	return w.press(btnAveraging)
}

func (w *Wavemeter) readSystem(mask int, btn string) (float64, error) {
	if err := w.loadState(); err != nil {
		return 0, err
	}
	if err := w.show(mask, btn); err != nil {
		return 0, err
	}
	if err := w.reloadIfNeeded(); err != nil {
		return 0, err
	}
	return w.displayValue()
}

func (w *Wavemeter) temperature() (any, error) {
	c, err := w.readSystem(maskTemperature, btnTemperature)
	if err != nil {
		return nil, err
	}
	return c + 273.15, nil
}

func (w *Wavemeter) pressure() (any, error) {
	return w.readSystem(maskPressure, btnPressure)
}

func (w *Wavemeter) locked() (any, error) {
	if err := w.loadState(); err != nil {
		return nil, err
	}
	return w.sysLEDs&maskRemote != 0, nil
}

func (w *Wavemeter) setLocked(v any) error {
	lock, _ := v.(bool)
	cur, err := w.locked()
	if err != nil {
		return err
	}
	if cur == lock {
		return nil
	}
	return w.press(btnRemote)
}

// Close releases the resource and unregisters the instrument.
func (w *Wavemeter) Close() error {
	err := w.CloseResource()
	if cerr := w.Base.Close(); err == nil {
		err = cerr
	}
	return err
}
