package instrument

import "context"

// Store persists saved instrument aliases and per-alias state.
type Store interface {
	// SaveAlias stores ps under name. Without force an existing name
	// yields ErrAliasExists.
	SaveAlias(ctx context.Context, name string, ps *ParamSet, force bool) error
	// LoadAlias returns the ParamSet saved as name or ErrAliasNotFound.
	LoadAlias(ctx context.Context, name string) (*ParamSet, error)
	// ListAliases returns every saved alias.
	ListAliases(ctx context.Context) (map[string]*ParamSet, error)
	// SaveState replaces the state blob of alias.
	SaveState(ctx context.Context, alias string, state []byte) error
	// LoadState returns the state blob of alias or ErrStateNotFound.
	LoadState(ctx context.Context, alias string) ([]byte, error)
}
