package main

import (
	"fmt"
	"strings"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

func isAssignment(arg string) bool {
	i := strings.IndexByte(arg, '=')
	return i > 0
}

// parseParams builds a ParamSet from key=value arguments. Values stay
// strings: serial numbers and addresses must not be reinterpreted as numbers.
func parseParams(args []string) (*instrument.ParamSet, error) {
	ps := instrument.NewParamSet()
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", instrument.ErrConfig, arg)
		}
		if ps.Has(key) {
			return nil, fmt.Errorf("%w: parameter %q given twice", instrument.ErrConfig, key)
		}
		ps.Set(key, strings.TrimSpace(value))
	}
	return ps, nil
}
