package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// Instrument is one open connection to one physical device.
//
// Concrete drivers embed Base, which supplies every method here. The
// unexported base method restricts implementations to types embedding it.
type Instrument interface {
	facet.Owner

	ID() string
	Class() *Class
	ParamSet() *ParamSet
	DriverName() string
	ClassName() string
	Alias() string
	SetAlias(alias string)
	Get(name string, opts ...facet.CallOption) (any, error)
	Set(name string, value any, opts ...facet.CallOption) error
	SaveInstrument(ctx context.Context, name string, force bool) error
	SaveState(ctx context.Context) error
	LoadState(ctx context.Context) error
	Close() error

	base() *Base
}

// Lifecycle hooks. A driver implements whichever it needs; the Manager
// calls them in the order BeforeInit, AttachResource, Initialize, AfterInit.
type (
	BeforeIniter interface {
		BeforeInit() error
	}

	// Initializer performs the hardware-specific setup. Settings are the
	// caller's driver settings, possibly nil.
	Initializer interface {
		Initialize(settings map[string]any) error
	}

	AfterIniter interface {
		AfterInit() error
	}

	// ResourceAttacher takes ownership of an open VISA resource.
	ResourceAttacher interface {
		AttachResource(r visa.Resource)
	}

	// StateMarshaler contributes driver state beyond manual facets to
	// SaveState and LoadState.
	StateMarshaler interface {
		MarshalState() (json.RawMessage, error)
		UnmarshalState(data json.RawMessage) error
	}
)

// Base holds the identity and facet state shared by every instrument.
type Base struct {
	self    Instrument
	class   *Class
	params  *ParamSet
	driver  string
	alias   string
	facets  *facet.Group
	manager *Manager
	id      string
	closed  bool
}

func (b *Base) base() *Base { return b }

// ID returns the handle assigned at registration, or "" before.
func (b *Base) ID() string { return b.id }

// Class returns the driver class.
func (b *Base) Class() *Class { return b.class }

// ParamSet returns the identifying parameters. Callers must not modify it.
func (b *Base) ParamSet() *ParamSet { return b.params }

// DriverName returns the driver module name.
func (b *Base) DriverName() string { return b.driver }

// ClassName returns the class name within the driver module.
func (b *Base) ClassName() string {
	if b.class == nil {
		return ""
	}
	return b.class.Name
}

// Alias returns the saved name the instrument was opened by, if any.
func (b *Base) Alias() string { return b.alias }

// SetAlias sets the name used for state persistence.
func (b *Base) SetAlias(alias string) { b.alias = alias }

// Facets returns the per-instance facet state.
func (b *Base) Facets() *facet.Group { return b.facets }

// Get reads a facet by name.
func (b *Base) Get(name string, opts ...facet.CallOption) (any, error) {
	if b.facets == nil {
		return nil, ErrNotInitialized
	}
	return b.facets.Get(name, opts...)
}

// Set writes a facet by name.
func (b *Base) Set(name string, value any, opts ...facet.CallOption) error {
	if b.facets == nil {
		return ErrNotInitialized
	}
	return b.facets.Set(name, value, opts...)
}

// Closed reports whether Close has run.
func (b *Base) Closed() bool { return b.closed }

// Close unregisters the instrument. It is idempotent. Drivers that hold
// resources override Close and call Base.Close last.
func (b *Base) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.manager != nil {
		b.manager.unregister(b.self)
	}
	return nil
}

// SaveInstrument stores the ParamSet under name and adopts name as the alias.
// With force unset an existing entry yields ErrAliasExists.
func (b *Base) SaveInstrument(ctx context.Context, name string, force bool) error {
	store, err := b.store()
	if err != nil {
		return err
	}
	if b.params == nil {
		return ErrNotInitialized
	}
	if err := store.SaveAlias(ctx, name, b.params, force); err != nil {
		return err
	}
	b.alias = name
	return nil
}

type savedState struct {
	Manual map[string]any  `json:"manual,omitempty"`
	Driver json.RawMessage `json:"driver,omitempty"`
}

// SaveState persists manual facet values and driver state under the alias.
// Instruments without an alias have nothing to save.
func (b *Base) SaveState(ctx context.Context) error {
	if b.alias == "" {
		return nil
	}
	store, err := b.store()
	if err != nil {
		return err
	}
	var st savedState
	if b.facets != nil {
		st.Manual = b.facets.ManualState()
	}
	if m, ok := b.self.(StateMarshaler); ok {
		raw, err := m.MarshalState()
		if err != nil {
			return fmt.Errorf("marshaling %s state: %w", b.alias, err)
		}
		st.Driver = raw
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding %s state: %w", b.alias, err)
	}
	return store.SaveState(ctx, b.alias, data)
}

// LoadState restores state saved by SaveState. A missing state entry is
// not an error.
func (b *Base) LoadState(ctx context.Context) error {
	if b.alias == "" {
		return nil
	}
	store, err := b.store()
	if err != nil {
		return err
	}
	data, err := store.LoadState(ctx, b.alias)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decoding %s state: %w", b.alias, err)
	}
	if b.facets != nil {
		b.facets.RestoreManualState(st.Manual)
	}
	if m, ok := b.self.(StateMarshaler); ok && len(st.Driver) > 0 {
		if err := m.UnmarshalState(st.Driver); err != nil {
			return fmt.Errorf("restoring %s state: %w", b.alias, err)
		}
	}
	return nil
}

func (b *Base) store() (Store, error) {
	if b.manager == nil {
		return nil, ErrNotInitialized
	}
	if s := b.manager.Store(); s != nil {
		return s, nil
	}
	return nil, ErrNoStore
}

func (b *Base) String() string {
	if b.class == nil {
		return "<uninitialized instrument>"
	}
	if b.alias != "" {
		return fmt.Sprintf("<%s %q>", b.class.FullName(), b.alias)
	}
	return fmt.Sprintf("<%s %s>", b.class.FullName(), b.params)
}
