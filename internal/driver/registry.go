package driver

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry holds the driver modules known to the process, ordered by
// priority and then registration order.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	modules []*Module
	byName  map[string]*Module
	seq     int
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Module),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Register adds a module and its classes. Classes must name the module.
func (r *Registry) Register(m *Module) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("%w: module name is required", ErrInvalidModule)
	}
	for _, cls := range m.Classes {
		if err := cls.Validate(); err != nil {
			return fmt.Errorf("registering %s: %w", m.Name, err)
		}
		if cls.Module != m.Name {
			return fmt.Errorf("%w: class %s belongs to %q, not %q", ErrInvalidModule, cls.Name, cls.Module, m.Name)
		}
	}
	for _, cls := range m.Classes {
		for _, p := range cls.Params {
			if !slices.Contains(m.Params, p) {
				m.Params = append(m.Params, p)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
	}
	r.insert(m)
	r.logger.Debug("driver module registered", "module", m.Name, "classes", m.ClassNames(), "caps", m.Caps())
	return nil
}

// RegisterClass adds a class to its module, creating the module record
// when no module of that name exists yet.
func (r *Registry) RegisterClass(cls *instrument.Class) error {
	if err := cls.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[cls.Module]
	if !ok {
		m = &Module{Name: cls.Module}
		r.insert(m)
	}
	if _, dup := m.Class(cls.Name); dup {
		return fmt.Errorf("%w: %s", ErrDuplicateClass, cls.FullName())
	}
	m.Classes = append(m.Classes, cls)
	for _, p := range cls.Params {
		if !slices.Contains(m.Params, p) {
			m.Params = append(m.Params, p)
		}
	}
	r.logger.Debug("driver class registered", "class", cls.FullName())
	return nil
}

// insert adds m keeping priority order. The caller holds r.mu.
func (r *Registry) insert(m *Module) {
	r.seq++
	m.seq = r.seq
	r.byName[m.Name] = m
	r.modules = append(r.modules, m)
	sort.SliceStable(r.modules, func(i, j int) bool {
		pi, pj := r.modules[i].EffectivePriority(), r.modules[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return r.modules[i].seq < r.modules[j].seq
	})
}

// Module returns the module with the given name.
func (r *Registry) Module(name string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return m, nil
}

// Class returns a registered class by module and class name.
func (r *Registry) Class(module, name string) (*instrument.Class, error) {
	m, err := r.Module(module)
	if err != nil {
		return nil, err
	}
	cls, ok := m.Class(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownClass, module, name)
	}
	return cls, nil
}

// Modules returns every module in resolution order.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// VisaModules returns the modules whose devices take a visa_address.
func (r *Registry) VisaModules() []*Module {
	var out []*Module
	for _, m := range r.Modules() {
		if m.IsVisa() {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry drivers register into.
func Default() *Registry { return defaultRegistry }

// Register adds m to the default registry.
func Register(m *Module) error { return defaultRegistry.Register(m) }

// MustRegister adds m to the default registry and panics on error. It is
// meant for driver package init functions.
func MustRegister(m *Module) {
	if err := Register(m); err != nil {
		panic(err)
	}
}

// RegisterClass adds cls to the default registry.
func RegisterClass(cls *instrument.Class) error { return defaultRegistry.RegisterClass(cls) }
