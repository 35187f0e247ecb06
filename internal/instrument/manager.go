package instrument

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// ReopenPolicy decides what Create does when a matching instrument is
// already open.
type ReopenPolicy int

const (
	// PolicyUnset is used for construction outside resolution; it behaves
	// like PolicyNew.
	PolicyUnset ReopenPolicy = iota
	// PolicyStrict fails with ErrInstrumentExists.
	PolicyStrict
	// PolicyReuse returns the open instance.
	PolicyReuse
	// PolicyNew opens a second, independent instance.
	PolicyNew
)

// DefaultReopenPolicy applies when the caller does not choose one.
const DefaultReopenPolicy = PolicyReuse

func (p ReopenPolicy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyReuse:
		return "reuse"
	case PolicyNew:
		return "new"
	}
	return "unset"
}

// ParseReopenPolicy parses "strict", "reuse" or "new". The empty string
// yields DefaultReopenPolicy.
func ParseReopenPolicy(s string) (ReopenPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultReopenPolicy, nil
	case "strict":
		return PolicyStrict, nil
	case "reuse":
		return PolicyReuse, nil
	case "new":
		return PolicyNew, nil
	}
	return PolicyUnset, fmt.Errorf("%w: unknown reopen policy %q", ErrConfig, s)
}

// CreateOption configures a single Create call.
type CreateOption func(*createOptions)

type createOptions struct {
	resource visa.Resource
	alias    string
}

// WithResource hands an open VISA resource to the new instance. The manager
// closes it if no new instance takes it over.
func WithResource(r visa.Resource) CreateOption {
	return func(o *createOptions) { o.resource = r }
}

// WithAlias names the instance for state persistence. Saved state is
// loaded once initialization succeeds.
func WithAlias(alias string) CreateOption {
	return func(o *createOptions) { o.alias = alias }
}

// Manager owns every live instrument of a session. It replaces per-class
// instance tracking: instances register after a successful Initialize and
// unregister on Close.
type Manager struct {
	mu        sync.Mutex
	instances []Instrument
	byID      map[string]Instrument
	cleanups  []func() error
	store     Store
	logger    Logger
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byID:   make(map[string]Instrument),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetStore sets the persistence backend for aliases and state.
func (m *Manager) SetStore(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = s
}

// Store returns the persistence backend, or nil.
func (m *Manager) Store() Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Create instantiates cls for params under the given reopen policy.
//
// An open instance of cls whose ParamSet agrees with params on every shared
// key counts as a match. The settings key of params is removed and passed
// to the Initialize hook. A failed hook leaves nothing registered.
func (m *Manager) Create(ctx context.Context, cls *Class, params *ParamSet, policy ReopenPolicy, opts ...CreateOption) (Instrument, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	inst, err := m.create(ctx, cls, params, policy, &o)
	if err != nil && o.resource != nil {
		if cerr := o.resource.Close(); cerr != nil {
			m.log().Warn("closing unused resource", "address", o.resource.Address(), "error", cerr)
		}
	}
	return inst, err
}

func (m *Manager) create(ctx context.Context, cls *Class, params *ParamSet, policy ReopenPolicy, o *createOptions) (Instrument, error) {
	if err := cls.Validate(); err != nil {
		return nil, err
	}

	ps := params.Clone()
	var settings map[string]any
	if raw, ok := ps.Pop(KeySettings); ok && raw != nil {
		s, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: settings must be a map, got %T", ErrConfig, raw)
		}
		settings = s
	}
	ps.Set(KeyModule, cls.Module)
	ps.Set(KeyClassname, cls.Name)

	if existing := m.match(cls, ps); existing != nil {
		switch policy {
		case PolicyStrict:
			return nil, fmt.Errorf("%w: %s matches open instrument %s", ErrInstrumentExists, ps, existing.ID())
		case PolicyReuse:
			m.log().Debug("reusing open instrument", "id", existing.ID(), "class", cls.FullName())
			if o.resource != nil {
				if err := o.resource.Close(); err != nil {
					m.log().Warn("closing unused resource", "address", o.resource.Address(), "error", err)
				}
				o.resource = nil
			}
			return existing, nil
		}
	}

	inst := cls.New()
	if inst == nil {
		return nil, fmt.Errorf("%w: %s constructor returned nil", ErrInvalidClass, cls.FullName())
	}
	b := inst.base()
	b.self = inst
	b.class = cls
	b.params = ps
	b.manager = m
	b.alias = o.alias

	if err := m.beforeInit(inst, cls); err != nil {
		return nil, err
	}
	if o.resource != nil {
		ra, ok := inst.(ResourceAttacher)
		if !ok {
			return nil, fmt.Errorf("%w: %s does not take a VISA resource", ErrConfig, cls.FullName())
		}
		ra.AttachResource(o.resource)
	}
	if h, ok := inst.(Initializer); ok {
		if err := h.Initialize(settings); err != nil {
			return nil, err
		}
	}
	// The instance owns the resource from here on.
	o.resource = nil

	if h, ok := inst.(AfterIniter); ok {
		if err := h.AfterInit(); err != nil {
			_ = inst.Close()
			return nil, err
		}
	}
	if b.alias != "" {
		if err := b.LoadState(ctx); err != nil {
			m.log().Warn("loading instrument state", "alias", b.alias, "error", err)
		}
	}

	m.register(inst)
	m.log().Info("instrument opened", "id", b.id, "class", cls.FullName(), "params", ps.String())
	return inst, nil
}

func (m *Manager) beforeInit(inst Instrument, cls *Class) error {
	b := inst.base()
	b.driver = cls.Module
	g, err := facet.NewGroup(inst, cls.Facets)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidClass, cls.FullName(), err)
	}
	b.facets = g
	if h, ok := inst.(BeforeIniter); ok {
		return h.BeforeInit()
	}
	return nil
}

// Find returns the open instance of cls that Create would consider a match
// for params.
func (m *Manager) Find(cls *Class, params *ParamSet) (Instrument, bool) {
	ps := params.Clone()
	_ = ps.Delete(KeySettings)
	ps.Set(KeyModule, cls.Module)
	ps.Set(KeyClassname, cls.Name)
	inst := m.match(cls, ps)
	return inst, inst != nil
}

func (m *Manager) match(cls *Class, ps *ParamSet) Instrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.Class() == cls && ps.Matches(inst.ParamSet()) {
			return inst
		}
	}
	return nil
}

func (m *Manager) register(inst Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := inst.base()
	b.id = uuid.NewString()
	m.instances = append(m.instances, inst)
	m.byID[b.id] = inst
}

func (m *Manager) unregister(inst Instrument) {
	if inst == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.instances {
		if other == inst {
			m.instances = append(m.instances[:i], m.instances[i+1:]...)
			break
		}
	}
	delete(m.byID, inst.ID())
}

// Close closes inst, which unregisters it.
func (m *Manager) Close(inst Instrument) error {
	return inst.Close()
}

// Instances returns the live instruments in registration order.
func (m *Manager) Instances() []Instrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instrument, len(m.instances))
	copy(out, m.instances)
	return out
}

// ByDriver groups live instruments by driver module, then class name.
func (m *Manager) ByDriver() map[string]map[string][]Instrument {
	out := make(map[string]map[string][]Instrument)
	for _, inst := range m.Instances() {
		classes, ok := out[inst.DriverName()]
		if !ok {
			classes = make(map[string][]Instrument)
			out[inst.DriverName()] = classes
		}
		classes[inst.ClassName()] = append(classes[inst.ClassName()], inst)
	}
	return out
}

// Lookup returns the live instrument with the given handle.
func (m *Manager) Lookup(id string) (Instrument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byID[id]
	return inst, ok
}

// RegisterCleanup adds fn to run at Shutdown after every instrument is closed.
func (m *Manager) RegisterCleanup(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Shutdown closes every live instrument, then runs the cleanup functions in
// registration order. Failures are logged and do not stop the sequence.
func (m *Manager) Shutdown() {
	for _, inst := range m.Instances() {
		if err := inst.Close(); err != nil {
			m.log().Error("closing instrument", "id", inst.ID(), "class", inst.Class().FullName(), "error", err)
		}
		// A driver Close that skipped Base.Close must not stay registered.
		m.unregister(inst)
	}

	m.mu.Lock()
	cleanups := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()

	for _, fn := range cleanups {
		if err := fn(); err != nil {
			m.log().Error("cleanup failed", "error", err)
		}
	}
}

func (m *Manager) log() Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logger
}
