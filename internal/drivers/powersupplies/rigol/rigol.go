// Package rigol drives RIGOL DP700-series programmable power supplies.
package rigol

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/units"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// ModuleName is the registry name of this driver.
const ModuleName = "powersupplies.rigol"

// Manufacturer is the IDN manufacturer field of RIGOL devices.
const Manufacturer = "RIGOL TECHNOLOGIES"

// Extra ParamSet keys filled in by ListInstruments.
const (
	KeyManufacturer = "manufacturer"
	KeyModel        = "model"
	KeySerial       = "serial"
	KeyVersion      = "version"
)

var dp7Model = regexp.MustCompile(`^DP7[0-9]{2}$`)

var onOff = map[any]any{true: "ON", false: "OFF"}

// DP700 is the DP711/DP712 class.
var DP700 = &instrument.Class{
	Module:   ModuleName,
	Name:     "DP700",
	Params:   []string{instrument.KeyVisaAddress},
	VisaInfo: &instrument.VisaID{Manufacturer: Manufacturer, Models: []string{"DP711", "DP712"}},
	Doc:      "RIGOL DP700 single-output DC power supply",
	Facets: []*facet.Facet{
		facet.SCPI("voltage", "SOURce:VOLTage:LEVel:IMMediate:AMPLitude",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("V"), facet.WithLimits(facet.Lit(0), facet.NoLimit, facet.NoLimit)),
		facet.SCPI("current", "SOURce:CURRent:LEVel:IMMediate:AMPLitude",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("A"), facet.WithLimits(facet.Lit(0), facet.NoLimit, facet.NoLimit)),
		facet.SCPI("current_protection", "SOURce:CURRent:PROTection",
			facet.WithConvert(facet.ToFloat), facet.WithUnits("A")),
		facet.SCPI("current_protection_state", "SOURce:CURRent:PROTection:STATe",
			facet.WithType(facet.ToBool), facet.WithValues(onOff)),
		facet.SCPI("output", "OUTPut:STATe", facet.WithType(facet.ToBool), facet.WithValues(onOff)),
		facet.SCPI("beeper", "SYSTem:BEEPer", facet.WithType(facet.ToBool), facet.WithValues(onOff)),
		facet.Message("measured_voltage", ":MEASure:VOLTage?", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("V")),
		facet.Message("measured_current", ":MEASure:CURRent?", "", facet.WithConvert(facet.ToFloat), facet.WithUnits("A")),
	},
	New: func() instrument.Instrument { return &PowerSupply{} },
}

func init() {
	driver.MustRegister(&driver.Module{
		Name:            ModuleName,
		Classes:         []*instrument.Class{DP700},
		ListInstruments: ListInstruments,
		Doc:             "RIGOL DP700-series power supplies",
	})
}

var (
	rmMu      sync.Mutex
	resources visa.ResourceManager
)

// UseResources sets the resource manager ListInstruments scans. Without
// one a default visa.Manager is created on first use.
func UseResources(rm visa.ResourceManager) {
	rmMu.Lock()
	defer rmMu.Unlock()
	resources = rm
}

func resourceManager() visa.ResourceManager {
	rmMu.Lock()
	defer rmMu.Unlock()
	if resources == nil {
		resources = visa.NewManager(visa.Options{})
	}
	return resources
}

// ListInstruments scans serial VISA resources for DP700-series supplies.
// Ports that do not answer are skipped.
func ListInstruments(ctx context.Context) ([]*instrument.ParamSet, error) {
	rm := resourceManager()
	addrs, err := rm.ListResources(ctx, "ASRL?*")
	if err != nil {
		return nil, fmt.Errorf("rigol: listing serial resources: %w", err)
	}

	var out []*instrument.ParamSet
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ps, err := identify(ctx, rm, addr)
		if err != nil {
			if visa.IsSoft(err) {
				continue
			}
			return nil, err
		}
		if ps != nil {
			out = append(out, ps)
		}
	}
	return out, nil
}

func identify(ctx context.Context, rm visa.ResourceManager, addr string) (*instrument.ParamSet, error) {
	r, err := rm.Open(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	r.SetTermination("\n", "\n")

	resp, err := r.Query("*IDN?")
	if err != nil {
		return nil, err
	}
	idn, ok := visa.ParseIDNFields(resp)
	if !ok || !dp7Model.MatchString(idn.Model) {
		return nil, nil
	}
	return instrument.NewParamSet(
		instrument.KeyModule, ModuleName,
		instrument.KeyClassname, DP700.Name,
		instrument.KeyVisaAddress, addr,
		KeyManufacturer, idn.Manufacturer,
		KeySerial, idn.Serial,
		KeyModel, idn.Model,
		KeyVersion, idn.Firmware,
	), nil
}

// PowerSupply is an open DP700-series supply.
type PowerSupply struct {
	instrument.Base
	visa.Mixin
}

// Initialize sets the line terminations the DP700 expects.
func (p *PowerSupply) Initialize(map[string]any) error {
	p.Resource().SetTermination("\n", "\n")
	return nil
}

// IDN queries the identification string.
func (p *PowerSupply) IDN() (visa.IDN, error) {
	resp, err := p.Query("*IDN?")
	if err != nil {
		return visa.IDN{}, err
	}
	idn, ok := visa.ParseIDNFields(resp)
	if !ok {
		return visa.IDN{}, fmt.Errorf("rigol: malformed identification %q", resp)
	}
	return idn, nil
}

// Apply sets voltage and current in one transaction.
func (p *PowerSupply) Apply(voltage, current units.Quantity) error {
	return p.Transaction(func() error {
		if err := p.Set("voltage", voltage); err != nil {
			return err
		}
		return p.Set("current", current)
	})
}

// Local returns the front panel to local control.
func (p *PowerSupply) Local() error { return p.Write("SYSTem:LOCal") }

// Remote locks the front panel for remote control.
func (p *PowerSupply) Remote() error { return p.Write("SYSTem:REMote") }

// Close releases the resource and unregisters the instrument.
func (p *PowerSupply) Close() error {
	err := p.CloseResource()
	if cerr := p.Base.Close(); err == nil {
		err = cerr
	}
	return err
}
