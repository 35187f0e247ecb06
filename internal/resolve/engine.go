package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/infrastructure/metrics"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// DefaultListQuery is the VISA search expression used for enumeration.
const DefaultListQuery = "?*::INSTR"

// Dispatch paths, used in errors and metrics.
const (
	pathExisting  = "existing"
	pathVisa      = "visa"
	pathDiscovery = "visa_discovery"
	pathNonVisa   = "nonvisa"
)

// Engine turns partial identifying parameters into open instruments.
type Engine struct {
	registry  *driver.Registry
	manager   *instrument.Manager
	rm        visa.ResourceManager
	store     instrument.Store
	blacklist map[string]bool
	listQuery string
	policy    instrument.ReopenPolicy
	logger    Logger
}

// New creates an Engine over a driver registry, an instrument manager and
// a VISA resource manager.
func New(registry *driver.Registry, manager *instrument.Manager, rm visa.ResourceManager, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		manager:   manager,
		rm:        rm,
		blacklist: make(map[string]bool),
		listQuery: DefaultListQuery,
		policy:    instrument.DefaultReopenPolicy,
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	switch {
	case e.store == nil:
		e.store = manager.Store()
	case manager.Store() == nil:
		manager.SetStore(e.store)
	}
	return e
}

// Registry returns the driver registry.
func (e *Engine) Registry() *driver.Registry { return e.registry }

// Resources returns the VISA resource manager.
func (e *Engine) Resources() visa.ResourceManager { return e.rm }

// ListQuery returns the VISA search expression used for enumeration.
func (e *Engine) ListQuery() string { return e.listQuery }

// Manager returns the instrument manager.
func (e *Engine) Manager() *instrument.Manager { return e.manager }

// Resolve implements instrument.Resolver.
func (e *Engine) Resolve(ctx context.Context, params *instrument.ParamSet) (instrument.Instrument, error) {
	return e.Open(ctx, params)
}

// Open returns the instrument described by inst, which may be an open
// instrument.Instrument (returned unchanged), a *instrument.ParamSet, a
// map[string]any, a string or nil.
//
// A string is looked up as a saved alias first, then as a substring of the
// string form of every live enumerated instrument.
func (e *Engine) Open(ctx context.Context, inst any, opts ...OpenOption) (instrument.Instrument, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		params *instrument.ParamSet
		alias  string
	)
	switch v := inst.(type) {
	case instrument.Instrument:
		metrics.Resolutions.WithLabelValues(pathExisting, Matched.String()).Inc()
		return v, nil
	case *instrument.ParamSet:
		params = v.Clone()
	case map[string]any:
		params = instrument.ParamSetFromMap(v)
	case string:
		ps, fromAlias, err := e.lookupName(ctx, v)
		if err != nil {
			return nil, err
		}
		params = ps
		if fromAlias {
			alias = v
		}
	case nil:
		params = instrument.NewParamSet()
	default:
		return nil, fmt.Errorf("%w: cannot open an instrument from %T", instrument.ErrConfig, inst)
	}
	if o.params != nil {
		params.Update(o.params)
	}

	policy := e.policy
	if raw, ok := params.Pop(instrument.KeyReopenPolicy); ok {
		p, err := instrument.ParseReopenPolicy(fmt.Sprint(raw))
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if o.hasPolicy {
		policy = o.policy
	}
	if o.settings != nil {
		params.Set(instrument.KeySettings, o.settings)
	}

	b := &builder{engine: e, policy: policy, alias: alias}
	path, result, err := e.dispatch(ctx, b, params)
	if err != nil {
		metrics.Resolutions.WithLabelValues(path, Failed.String()).Inc()
		return nil, err
	}
	metrics.Resolutions.WithLabelValues(path, Matched.String()).Inc()
	result.SetAlias(alias)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, b *builder, params *instrument.ParamSet) (string, instrument.Instrument, error) {
	start := time.Now()
	path := pathNonVisa
	defer func() {
		metrics.ResolutionDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	if params.Has(instrument.KeyServer) {
		return path, nil, fmt.Errorf("%w: remote instruments are not supported (server=%s)", instrument.ErrConfig, params.GetString(instrument.KeyServer))
	}

	if params.Has(instrument.KeyVisaAddress) {
		path = pathVisa
		inst, err := e.openVisa(ctx, b, params)
		return path, inst, err
	}

	if name := params.GetString(instrument.KeyModule); name != "" {
		m, err := e.registry.Module(name)
		if err != nil {
			return path, nil, fmt.Errorf("%w: %v", instrument.ErrConfig, err)
		}
		if m.IsVisa() && m.Instrument == nil {
			path = pathDiscovery
			inst, err := e.discoverVisa(ctx, b, m, params)
			return path, inst, err
		}
	}

	inst, err := e.FindNonVisaInstrument(ctx, b, params)
	return path, inst, err
}

// lookupName resolves a string to parameters. The second result reports
// whether the string was a saved alias.
func (e *Engine) lookupName(ctx context.Context, name string) (*instrument.ParamSet, bool, error) {
	if e.store != nil {
		ps, err := e.store.LoadAlias(ctx, name)
		switch {
		case err == nil:
			return ps.Clone(), true, nil
		case !errors.Is(err, instrument.ErrAliasNotFound):
			return nil, false, fmt.Errorf("looking up alias %q: %w", name, err)
		}
	}

	live, err := e.ListInstruments(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, ps := range live {
		if strings.Contains(ps.String(), name) {
			e.logger.Debug("name matched live instrument", "name", name, "params", ps.String())
			return ps, false, nil
		}
	}
	return nil, false, fmt.Errorf("%w: no saved alias or live instrument matches %q", instrument.ErrInstrumentNotFound, name)
}

// builder creates instruments with the policy and alias of one Open call.
type builder struct {
	engine *Engine
	policy instrument.ReopenPolicy
	alias  string
}

func (b *builder) Create(ctx context.Context, cls *instrument.Class, params *instrument.ParamSet, opts ...instrument.CreateOption) (instrument.Instrument, error) {
	if b.alias != "" {
		opts = append(opts, instrument.WithAlias(b.alias))
	}
	inst, err := b.engine.manager.Create(ctx, cls, params, b.policy, opts...)
	if err == nil {
		metrics.InstrumentsOpen.Set(float64(len(b.engine.manager.Instances())))
	}
	return inst, err
}

func (b *builder) Resources() visa.ResourceManager { return b.engine.rm }
