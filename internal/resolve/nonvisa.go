package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/instrument"
)

// FindNonVisaInstrument resolves parameters without a visa_address. An
// explicit module is tried alone; otherwise every module accepting all
// given parameters is tried in registry order. Only "wrong type" and "not
// found" failures move on to the next candidate, and a sole candidate's
// error is always returned as is.
func (e *Engine) FindNonVisaInstrument(ctx context.Context, b *builder, params *instrument.ParamSet) (instrument.Instrument, error) {
	if name := params.GetString(instrument.KeyModule); name != "" {
		m, err := e.registry.Module(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", instrument.ErrConfig, err)
		}
		if err := m.CheckAvailable(); err != nil {
			return nil, fmt.Errorf("%w: module %s is unavailable: %v", instrument.ErrConfig, m.Name, err)
		}
		at := e.tryModule(ctx, b, m, params, true)
		if at.Outcome == Matched {
			return at.Instrument, nil
		}
		return nil, at.Err
	}

	candidates := e.registry.FindMatchingDrivers(params)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: parameters %s match no registered driver module", instrument.ErrConfig, params)
	}

	sole := len(candidates) == 1
	var tried []string
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.CheckAvailable(); err != nil {
			if sole {
				return nil, fmt.Errorf("%w: module %s is unavailable: %v", instrument.ErrConfig, m.Name, err)
			}
			e.logger.Debug("skipping unavailable module", "module", m.Name, "error", err)
			continue
		}
		tried = append(tried, m.Name)
		at := e.tryModule(ctx, b, m, driver.NormalizeParams(m, params), sole)
		switch at.Outcome {
		case Matched:
			return at.Instrument, nil
		case Failed:
			return nil, at.Err
		}
		e.logger.Debug("module did not match", "module", m.Name, "error", at.Err)
	}
	return nil, fmt.Errorf("%w: no instrument matching %s (tried %s)", instrument.ErrInstrumentNotFound, params, strings.Join(tried, ", "))
}

// tryModule attempts to build an instrument from one module: through its
// Instrument hook, from its enumerated devices, or by constructing each
// class directly.
func (e *Engine) tryModule(ctx context.Context, b *builder, m *driver.Module, params *instrument.ParamSet, sole bool) Attempt {
	if m.Instrument != nil {
		inst, err := m.Instrument(ctx, b, params)
		return classify(inst, err, sole)
	}

	classes := m.Classes
	if name := params.GetString(instrument.KeyClassname); name != "" {
		cls, ok := m.Class(name)
		if !ok {
			return Attempt{Outcome: Failed, Err: fmt.Errorf("%w: module %s has no class %q", instrument.ErrConfig, m.Name, name)}
		}
		classes = []*instrument.Class{cls}
	}
	if len(classes) == 0 {
		return classify(nil, fmt.Errorf("%w: module %s declares no classes", instrument.ErrConfig, m.Name), sole)
	}
	soleClass := sole && len(classes) == 1

	if m.ListInstruments == nil {
		for _, cls := range classes {
			inst, err := b.Create(ctx, cls, params)
			at := classify(inst, err, soleClass)
			if at.Outcome != NotApplicable {
				return at
			}
		}
		return Attempt{Outcome: NotApplicable, Err: fmt.Errorf("%w: %s", instrument.ErrInstrumentNotFound, params)}
	}

	listed, err := m.ListInstruments(ctx)
	if err != nil {
		return classify(nil, fmt.Errorf("listing %s instruments: %w", m.Name, err), sole)
	}
	for _, cls := range classes {
		for _, ps := range listed {
			if cn := ps.GetString(instrument.KeyClassname); cn != "" && cn != cls.Name {
				continue
			}
			if !params.Matches(ps) {
				continue
			}
			merged := ps.Clone()
			merged.Update(params)
			inst, err := b.Create(ctx, cls, merged)
			at := classify(inst, err, soleClass)
			if at.Outcome != NotApplicable {
				return at
			}
		}
	}
	err = fmt.Errorf("%w: no %s instrument matches %s", instrument.ErrInstrumentNotFound, m.Name, params)
	if sole {
		return Attempt{Outcome: Failed, Err: err}
	}
	return Attempt{Outcome: NotApplicable, Err: err}
}

// ListInstruments enumerates every connectable device: a VISA scan over
// the VISA modules without their own enumeration plus every module's
// ListInstruments hook.
// Blacklisted and unavailable modules are skipped and per-module failures
// are logged.
func (e *Engine) ListInstruments(ctx context.Context) ([]*instrument.ParamSet, error) {
	// VISA modules with their own enumeration are listed through it below.
	var visaModules []*driver.Module
	for _, m := range e.registry.VisaModules() {
		if !e.blacklist[m.Name] && m.ListInstruments == nil {
			visaModules = append(visaModules, m)
		}
	}

	var out []*instrument.ParamSet
	if len(visaModules) > 0 {
		for ps, err := range e.VisaInstruments(ctx, visaModules) {
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Warn("VISA enumeration error", "error", err)
				continue
			}
			out = append(out, ps)
		}
	}

	for _, m := range e.registry.Modules() {
		if e.blacklist[m.Name] || m.ListInstruments == nil {
			continue
		}
		if err := m.CheckAvailable(); err != nil {
			e.logger.Debug("skipping unavailable module", "module", m.Name, "error", err)
			continue
		}
		listed, err := m.ListInstruments(ctx)
		if err != nil {
			e.logger.Warn("listing instruments failed", "module", m.Name, "error", err)
			continue
		}
		for _, ps := range listed {
			if !ps.Has(instrument.KeyModule) {
				ps.Set(instrument.KeyModule, m.Name)
			}
			out = append(out, ps)
		}
	}
	return out, nil
}
