package resolve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// openVisa resolves parameters carrying a visa_address.
func (e *Engine) openVisa(ctx context.Context, b *builder, params *instrument.ParamSet) (instrument.Instrument, error) {
	addr := params.GetString(instrument.KeyVisaAddress)
	if addr == "" {
		return nil, fmt.Errorf("%w: empty visa_address", instrument.ErrConfig)
	}

	modules := e.registry.VisaModules()
	if name := params.GetString(instrument.KeyModule); name != "" {
		m, err := e.registry.Module(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", instrument.ErrConfig, err)
		}
		if m.Instrument != nil {
			return m.Instrument(ctx, b, params)
		}
		modules = []*driver.Module{m}
	}

	// The class can be named before touching the bus.
	var cls *instrument.Class
	if classname := params.GetString(instrument.KeyClassname); classname != "" {
		c, err := e.classByName(modules, classname)
		if err != nil {
			return nil, err
		}
		cls = c
	}

	// A known class that is already open needs no second connection;
	// serial ports in particular cannot be opened twice.
	if cls != nil && (b.policy == instrument.PolicyReuse || b.policy == instrument.PolicyStrict) {
		if _, open := e.manager.Find(cls, params); open {
			return b.Create(ctx, cls, params)
		}
	}

	rsrc, err := e.rm.Open(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening VISA resource %s: %w", instrument.ErrInstrumentNotFound, addr, err)
	}
	if cls == nil {
		cls, err = e.FindVisaDriverClass(ctx, rsrc, modules)
		if err != nil {
			if cerr := rsrc.Close(); cerr != nil {
				e.logger.Warn("closing resource", "address", addr, "error", cerr)
			}
			return nil, err
		}
	}
	return b.Create(ctx, cls, params, instrument.WithResource(rsrc))
}

func (e *Engine) classByName(modules []*driver.Module, classname string) (*instrument.Class, error) {
	for _, m := range modules {
		if cls, ok := m.Class(classname); ok {
			return cls, nil
		}
	}
	return nil, fmt.Errorf("%w: no VISA driver declares class %q", instrument.ErrConfig, classname)
}

// FindVisaDriverClass identifies the driver class for an open resource.
// Classes are first matched exactly against the *IDN? response; failing
// that, each module's CheckVisaSupport hook is asked in order.
func (e *Engine) FindVisaDriverClass(ctx context.Context, rsrc visa.Resource, modules []*driver.Module) (*instrument.Class, error) {
	var manufacturer, model string
	for _, m := range modules {
		if !m.HasVisaInfo() {
			continue
		}
		var err error
		manufacturer, model, err = visa.QueryIDN(rsrc)
		if err != nil {
			e.logger.Debug("IDN query failed", "address", rsrc.Address(), "error", err)
		}
		break
	}
	if manufacturer != "" {
		for _, m := range modules {
			if cls := m.MatchIDN(manufacturer, model); cls != nil {
				e.logger.Debug("driver identified by IDN", "address", rsrc.Address(), "class", cls.FullName())
				return cls, nil
			}
		}
	}

	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.CheckVisaSupport == nil {
			continue
		}
		if err := m.CheckAvailable(); err != nil {
			e.logger.Debug("skipping unavailable module", "module", m.Name, "error", err)
			continue
		}
		name := m.CheckVisaSupport(rsrc)
		if name == "" {
			continue
		}
		cls, ok := m.Class(name)
		if !ok {
			e.logger.Warn("support check returned an undeclared class", "module", m.Name, "class", name)
			continue
		}
		e.logger.Debug("driver identified by support check", "address", rsrc.Address(), "class", cls.FullName())
		return cls, nil
	}

	if manufacturer != "" {
		return nil, fmt.Errorf("%w: %s identifies as %s %s", instrument.ErrDriverNotIdentified, rsrc.Address(), manufacturer, model)
	}
	return nil, fmt.Errorf("%w: %s", instrument.ErrDriverNotIdentified, rsrc.Address())
}

// discoverVisa scans live VISA resources for a device of module m
// matching params.
func (e *Engine) discoverVisa(ctx context.Context, b *builder, m *driver.Module, params *instrument.ParamSet) (instrument.Instrument, error) {
	var found *instrument.ParamSet
	if m.ListInstruments != nil {
		listed, err := m.ListInstruments(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s instruments: %w", m.Name, err)
		}
		for _, ps := range listed {
			if params.Matches(ps) {
				found = ps
				break
			}
		}
	} else {
		for ps, err := range e.VisaInstruments(ctx, []*driver.Module{m}) {
			if err != nil {
				return nil, err
			}
			if params.Matches(ps) {
				found = ps
				break
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no live %s instrument matches %s", instrument.ErrInstrumentNotFound, m.Name, params)
	}
	// The enumerated resource is closed once the loop exits, so open afresh.
	found.LazyUpdate(params)
	return e.openVisa(ctx, b, found)
}

// VisaInstruments enumerates live VISA resources handled by modules.
//
// An address that is a prefix of the previous one is a duplicate interface
// of the same device and is skipped. Absent or silent devices are skipped;
// other errors are yielded. Every enumerated resource is closed before the
// next is opened, after the matched module's CloseResource hook runs.
func (e *Engine) VisaInstruments(ctx context.Context, modules []*driver.Module) iter.Seq2[*instrument.ParamSet, error] {
	return func(yield func(*instrument.ParamSet, error) bool) {
		addrs, err := e.rm.ListResources(ctx, e.listQuery)
		if err != nil {
			yield(nil, fmt.Errorf("listing VISA resources: %w", err))
			return
		}

		var prev string
		for _, addr := range addrs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			dup := prev != "" && strings.HasPrefix(prev, strings.TrimSuffix(addr, "::"+visa.ClassInstr))
			prev = addr
			if dup {
				e.logger.Debug("skipping duplicate address", "address", addr)
				continue
			}
			if !e.identifyAt(ctx, addr, modules, yield) {
				return
			}
		}
	}
}

// identifyAt identifies the device at addr and yields its ParamSet. It returns
// false when the consumer stopped.
func (e *Engine) identifyAt(ctx context.Context, addr string, modules []*driver.Module, yield func(*instrument.ParamSet, error) bool) bool {
	rsrc, err := e.rm.Open(ctx, addr)
	if err != nil {
		if visa.IsSoft(err) || errors.Is(err, visa.ErrUnsupported) {
			e.logger.Debug("resource not present", "address", addr, "error", err)
			return true
		}
		return yield(nil, fmt.Errorf("opening %s: %w", addr, err))
	}

	var owner *driver.Module
	defer func() {
		if owner != nil && owner.CloseResource != nil {
			if err := owner.CloseResource(rsrc); err != nil {
				e.logger.Warn("module resource teardown failed", "module", owner.Name, "address", addr, "error", err)
			}
		}
		if err := rsrc.Close(); err != nil {
			e.logger.Warn("closing enumerated resource", "address", addr, "error", err)
		}
	}()

	cls, err := e.FindVisaDriverClass(ctx, rsrc, modules)
	switch {
	case err == nil:
		owner, _ = e.registry.Module(cls.Module)
		return yield(instrument.ForClass(cls, instrument.KeyVisaAddress, addr), nil)
	case errors.Is(err, instrument.ErrDriverNotIdentified), visa.IsSoft(err):
		e.logger.Debug("no driver for resource", "address", addr, "error", err)
		return true
	}
	return yield(nil, err)
}
