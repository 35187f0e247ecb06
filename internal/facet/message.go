package facet

import (
	"fmt"
	"strings"
)

// Messenger is implemented by owners that speak a textual command set.
// visa.Mixin provides it.
type Messenger interface {
	Query(msg string) (string, error)
	Write(msg string) error
}

// WithConvert sets the conversion applied to raw query responses of a
// message facet, before the facet's own value pipeline.
func WithConvert(c Converter) Option {
	return func(f *Facet) { f.convert = c }
}

// ReadOnly drops the setter of a message facet.
func ReadOnly() Option {
	return func(f *Facet) { f.readOnly = true }
}

// Message declares a facet read by querying getMsg and written by sending
// setMsg formatted with the internal value (one fmt verb). An empty message
// leaves that direction undefined.
func Message(name, getMsg, setMsg string, opts ...Option) *Facet {
	f := New(name, opts...)
	if getMsg != "" {
		f.fget = func(o Owner) (any, error) {
			m, ok := o.(Messenger)
			if !ok {
				return nil, fmt.Errorf("%w: %T cannot send messages", ErrBadValue, o)
			}
			resp, err := m.Query(getMsg)
			if err != nil {
				return nil, err
			}
			resp = strings.TrimSpace(resp)
			if f.convert != nil {
				return f.convert(resp)
			}
			return resp, nil
		}
	}
	if setMsg != "" && !f.readOnly {
		f.fset = func(o Owner, v any) error {
			m, ok := o.(Messenger)
			if !ok {
				return fmt.Errorf("%w: %T cannot send messages", ErrBadValue, o)
			}
			return m.Write(fmt.Sprintf(setMsg, v))
		}
	}
	return f
}

// SCPI declares a facet for an SCPI header: reads send "msg?" and writes
// send "msg <value>".
func SCPI(name, msg string, opts ...Option) *Facet {
	return Message(name, msg+"?", msg+" %v", opts...)
}
