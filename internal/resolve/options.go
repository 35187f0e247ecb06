package resolve

import "github.com/mabuchilab/instrumental/internal/instrument"

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets where saved aliases are looked up.
func WithStore(s instrument.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBlacklist excludes modules from ListInstruments.
func WithBlacklist(modules []string) Option {
	return func(e *Engine) {
		for _, m := range modules {
			e.blacklist[m] = true
		}
	}
}

// WithListQuery sets the VISA search expression used for enumeration.
func WithListQuery(q string) Option {
	return func(e *Engine) { e.listQuery = q }
}

// WithDefaultReopen sets the policy used when neither the parameters nor
// the Open call choose one. PolicyUnset keeps DefaultReopenPolicy.
func WithDefaultReopen(p instrument.ReopenPolicy) Option {
	return func(e *Engine) {
		if p != instrument.PolicyUnset {
			e.policy = p
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// OpenOption adjusts one Open call.
type OpenOption func(*openOptions)

type openOptions struct {
	params    *instrument.ParamSet
	policy    instrument.ReopenPolicy
	hasPolicy bool
	settings  map[string]any
}

// WithParams merges ps into the parameters, overriding existing keys.
func WithParams(ps *instrument.ParamSet) OpenOption {
	return func(o *openOptions) {
		if o.params == nil {
			o.params = instrument.NewParamSet()
		}
		o.params.Update(ps)
	}
}

// WithParam sets a single parameter.
func WithParam(key string, value any) OpenOption {
	return func(o *openOptions) {
		if o.params == nil {
			o.params = instrument.NewParamSet()
		}
		o.params.Set(key, value)
	}
}

// WithReopen chooses the reopen policy. It takes precedence over a
// reopen_policy parameter.
func WithReopen(p instrument.ReopenPolicy) OpenOption {
	return func(o *openOptions) {
		o.policy = p
		o.hasPolicy = true
	}
}

// WithSettings passes driver settings to the Initialize hook.
func WithSettings(settings map[string]any) OpenOption {
	return func(o *openOptions) { o.settings = settings }
}
