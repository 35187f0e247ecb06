package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// Memory is an in-process instrument.Store.
type Memory struct {
	mu      sync.RWMutex
	aliases map[string]*instrument.ParamSet
	states  map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		aliases: make(map[string]*instrument.ParamSet),
		states:  make(map[string][]byte),
	}
}

// SaveAlias stores a copy of ps under name.
func (m *Memory) SaveAlias(_ context.Context, name string, ps *instrument.ParamSet, force bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.aliases[name]; exists && !force {
		return fmt.Errorf("%w: %q", instrument.ErrAliasExists, name)
	}
	saved := ps.Clone()
	_ = saved.Delete(instrument.KeySettings) //nolint:errcheck // absent is fine
	m.aliases[name] = saved
	return nil
}

// LoadAlias returns a copy of the ParamSet saved as name.
func (m *Memory) LoadAlias(_ context.Context, name string) (*instrument.ParamSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.aliases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", instrument.ErrAliasNotFound, name)
	}
	return ps.Clone(), nil
}

// ListAliases returns copies of every saved alias.
func (m *Memory) ListAliases(_ context.Context) (map[string]*instrument.ParamSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*instrument.ParamSet, len(m.aliases))
	for name, ps := range m.aliases {
		out[name] = ps.Clone()
	}
	return out, nil
}

// SaveState replaces the state blob of alias.
func (m *Memory) SaveState(_ context.Context, alias string, state []byte) error {
	if err := validateName(alias); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[alias] = append([]byte(nil), state...)
	return nil
}

// LoadState returns the state blob of alias.
func (m *Memory) LoadState(_ context.Context, alias string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", instrument.ErrStateNotFound, alias)
	}
	return append([]byte(nil), state...), nil
}
