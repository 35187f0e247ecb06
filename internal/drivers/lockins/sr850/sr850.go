// Package sr850 drives the Stanford Research Systems SR850 lock-in
// amplifier over RS-232 or GPIB.
//
// The SR850 rarely shows up in a plain VISA scan: over RS-232 it uses a
// carriage-return termination and does not answer until OUTX selects the
// output interface. Open it by address instead:
//
//	inst, err := engine.Open(ctx, map[string]any{"visa_address": "ASRL/dev/ttyUSB0::INSTR"})
package sr850

import (
	"fmt"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// ModuleName is the registry name of this driver.
const ModuleName = "lockins.sr850"

// SettingRS232 selects the output interface in Initialize. It defaults to true.
const SettingRS232 = "rs232"

// Sensitivities are the full-scale settings in SENS code order.
var Sensitivities = []any{
	"2nV/fA", "5nV/fA", "10nV/fA", "20nV/fA", "50nV/fA", "100nV/fA", "200nV/fA", "500nV/fA",
	"1uV/pA", "2uV/pA", "5uV/pA", "10uV/pA", "20uV/pA", "50uV/pA", "100uV/pA", "200uV/pA", "500uV/pA",
	"1mV/nA", "2mV/nA", "5mV/nA", "10mV/nA", "20mV/nA", "50mV/nA", "100mV/nA", "200mV/nA", "500mV/nA",
	"1V/uA",
}

// TimeConstants are the low-pass time constants in OFLT code order.
var TimeConstants = []any{
	"10us", "30us", "100us", "300us", "1ms", "3ms", "10ms", "30ms", "100ms", "300ms",
	"1s", "3s", "10s", "30s", "100s", "300s", "1ks", "3ks", "10ks", "30ks",
}

var referenceSources = map[any]any{
	"internal":       0,
	"internal_sweep": 1,
	"external":       2,
}

// Class is the SR850 driver class.
var Class = &instrument.Class{
	Module:   ModuleName,
	Name:     "SR850",
	Params:   []string{instrument.KeyVisaAddress},
	VisaInfo: &instrument.VisaID{Manufacturer: "Stanford_Research_Systems", Models: []string{"SR850"}},
	Doc:      "SRS SR850 DSP lock-in amplifier",
	Facets: []*facet.Facet{
		facet.Message("frequency", "FREQ?", "FREQ %v",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("Hz"),
			facet.WithLimits(facet.Lit(0.001), facet.Lit(102000), facet.NoLimit),
			facet.WithDoc("reference frequency")),
		facet.Message("phase", "PHAS?", "PHAS %v",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("deg"),
			facet.WithLimits(facet.Lit(-360), facet.Lit(729.99), facet.NoLimit),
			facet.WithDoc("reference phase shift")),
		facet.Message("harmonic", "HARM?", "HARM %v",
			facet.WithConvert(facet.ToInt), facet.WithType(facet.ToInt),
			facet.WithLimits(facet.Lit(1), facet.Lit(32767), facet.Lit(1)),
			facet.WithDoc("detection harmonic")),
		facet.Message("sine_amplitude", "SLVL?", "SLVL %v",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("V"),
			facet.WithLimits(facet.Lit(0.004), facet.Lit(5), facet.Lit(0.002)),
			facet.WithDoc("sine output amplitude, rounded to 2 mV")),
		facet.Message("sensitivity", "SENS?", "SENS %v",
			facet.WithConvert(facet.ToInt), facet.WithValueList(Sensitivities...),
			facet.WithDoc("full-scale sensitivity")),
		facet.Message("time_constant", "OFLT?", "OFLT %v",
			facet.WithConvert(facet.ToInt), facet.WithValueList(TimeConstants...),
			facet.WithDoc("low-pass filter time constant")),
		facet.Message("reference_source", "FMOD?", "FMOD %v",
			facet.WithConvert(facet.ToInt), facet.WithValues(referenceSources),
			facet.WithDoc("reference frequency source")),
		facet.Message("x", "OUTP? 1", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("V")),
		facet.Message("y", "OUTP? 2", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("V")),
		facet.Message("r", "OUTP? 3", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("V")),
		facet.Message("theta", "OUTP? 4", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("deg")),
	},
	New: func() instrument.Instrument { return &SR850{} },
}

func init() {
	driver.MustRegister(&driver.Module{
		Name:    ModuleName,
		Classes: []*instrument.Class{Class},
		Doc:     "Stanford Research Systems SR850 lock-in amplifier",
	})
}

// SR850 is an open SR850.
type SR850 struct {
	instrument.Base
	visa.Mixin

	idn visa.IDN
}

// Initialize selects the output interface and checks the identification.
func (s *SR850) Initialize(settings map[string]any) error {
	rs232 := true
	if v, ok := settings[SettingRS232]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: setting %s must be a bool, got %T", instrument.ErrConfig, SettingRS232, v)
		}
		rs232 = b
	}
	if err := s.SetOutputInterface(rs232); err != nil {
		return err
	}

	resp, err := s.Query("*IDN?")
	if err != nil {
		return fmt.Errorf("sr850: identifying: %w", err)
	}
	idn, ok := visa.ParseIDNFields(resp)
	if !ok || idn.Model != "SR850" {
		return fmt.Errorf("%w: %s is not an SR850 (%q)", instrument.ErrInstrumentType, s.Resource().Address(), resp)
	}
	s.idn = idn
	return nil
}

// SetOutputInterface directs responses to RS-232 or to GPIB.
func (s *SR850) SetOutputInterface(rs232 bool) error {
	code := 1
	if rs232 {
		code = 0
		s.Resource().SetTermination("\r", "\r")
	}
	return s.Writef("OUTX %d", code)
}

// IDN returns the identification read during Initialize.
func (s *SR850) IDN() visa.IDN { return s.idn }

// AutoGain runs the automatic gain adjustment.
func (s *SR850) AutoGain() error { return s.Write("AGAN") }

// AutoPhase shifts the reference phase to zero the current phase reading.
func (s *SR850) AutoPhase() error { return s.Write("APHS") }

// Close releases the resource and unregisters the instrument.
func (s *SR850) Close() error {
	err := s.CloseResource()
	if cerr := s.Base.Close(); err == nil {
		err = cerr
	}
	return err
}
