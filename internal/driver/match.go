package driver

import (
	"strings"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// LegacyParams maps parameter names from older saved configurations onto
// their current "filter_base" form.
var LegacyParams = map[string]string{
	"ueye_cam_id":      "ueye_id",
	"pixelfly_cam_num": "pixelfly_number",
	"pco_cam_num":      "pco_number",
	"tsi_cam_ser":      "tsi_serial",
	"nidaq_devname":    "ni_name",
	"oven_port":        "serialoven_port",
}

// reservedParams never take part in driver matching.
var reservedParams = map[string]bool{
	instrument.KeyModule:       true,
	instrument.KeyClassname:    true,
	instrument.KeySettings:     true,
	instrument.KeyServer:       true,
	instrument.KeyReopenPolicy: true,
}

// splits returns the ways to read name as an optional filter prefix of up
// to two tokens followed by a base name. The unsplit name comes first.
func splits(name string) (out []paramSplit) {
	if legacy, ok := LegacyParams[name]; ok {
		name = legacy
	}
	tokens := strings.Split(name, "_")
	out = append(out, paramSplit{base: name})
	for n := 1; n <= 2 && n < len(tokens); n++ {
		out = append(out, paramSplit{
			filters: tokens[:n],
			base:    strings.Join(tokens[n:], "_"),
		})
	}
	return out
}

type paramSplit struct {
	filters []string
	base    string
}

func (s paramSplit) satisfiedBy(m *Module) bool {
	for _, f := range s.filters {
		if !strings.Contains(m.Name, f) {
			return false
		}
	}
	for _, p := range m.Params {
		if strings.Contains(p, s.base) {
			return true
		}
	}
	return false
}

// accepts reports whether m can take the parameter name under any split.
func accepts(m *Module, name string) bool {
	for _, s := range splits(name) {
		if s.satisfiedBy(m) {
			return true
		}
	}
	return false
}

// FindMatchingDrivers returns, in resolution order, the modules that can
// take every non-reserved parameter of params. A parameter matches a module
// when the module declares a parameter containing its base name and every
// filter token occurs in the module name; "ueye_serial" thus selects
// modules named like "cameras.ueye" that accept "serial".
//
// Ties are not broken by filter specificity; registry order decides.
func (r *Registry) FindMatchingDrivers(params *instrument.ParamSet) []*Module {
	var names []string
	for _, key := range params.Keys() {
		if !reservedParams[key] {
			names = append(names, key)
		}
	}
	if len(names) == 0 {
		return nil
	}

	var out []*Module
	for _, m := range r.Modules() {
		ok := true
		for _, name := range names {
			if !accepts(m, name) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// NormalizeParams returns a copy of params with legacy names replaced and
// filter prefixes stripped where m declares the base name, so the result
// can be matched against the module's enumerated ParamSets.
func NormalizeParams(m *Module, params *instrument.ParamSet) *instrument.ParamSet {
	out := instrument.NewParamSet()
	for _, item := range params.Items() {
		key := item.Key
		if !reservedParams[key] && !m.AcceptsParam(key) {
			for _, s := range splits(key) {
				if s.satisfiedBy(m) && m.AcceptsParam(s.base) {
					key = s.base
					break
				}
			}
		}
		out.Set(key, item.Value)
	}
	return out
}
