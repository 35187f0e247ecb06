package instrument

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Reserved parameter names.
const (
	KeyModule       = "module"
	KeyClassname    = "classname"
	KeySettings     = "settings"
	KeyVisaAddress  = "visa_address"
	KeyServer       = "server"
	KeyReopenPolicy = "reopen_policy"
)

// ParamSet is an ordered parameter bag identifying a device and optionally
// its driver class. Missing keys act as wildcards when matching.
type ParamSet struct {
	keys   []string
	values map[string]any
}

// NewParamSet builds a ParamSet from alternating keys and values.
// It panics on an odd argument count or a non-string key.
func NewParamSet(kv ...any) *ParamSet {
	if len(kv)%2 != 0 {
		panic("instrument: NewParamSet needs key/value pairs")
	}
	p := &ParamSet{values: make(map[string]any, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("instrument: NewParamSet key %v is not a string", kv[i]))
		}
		p.Set(key, kv[i+1])
	}
	return p
}

// ForClass builds a ParamSet naming cls as its driver class.
func ForClass(cls *Class, kv ...any) *ParamSet {
	p := NewParamSet(KeyModule, cls.Module, KeyClassname, cls.Name)
	p.Update(NewParamSet(kv...))
	return p
}

// ParamSetFromMap builds a ParamSet from a map. Reserved keys come first,
// the rest in sorted order.
func ParamSetFromMap(m map[string]any) *ParamSet {
	p := &ParamSet{values: make(map[string]any, len(m))}
	for _, key := range []string{KeyModule, KeyClassname} {
		if v, ok := m[key]; ok {
			p.Set(key, v)
		}
	}
	rest := make([]string, 0, len(m))
	for key := range m {
		if key != KeyModule && key != KeyClassname {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		p.Set(key, m[key])
	}
	return p
}

func (p *ParamSet) init() {
	if p.values == nil {
		p.values = make(map[string]any)
	}
}

// Len returns the number of parameters.
func (p *ParamSet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Get returns the value for key or ErrKeyNotFound.
func (p *ParamSet) Get(key string) (any, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// Lookup returns the value for key and whether it is present.
func (p *ParamSet) Lookup(key string) (any, bool) {
	if p == nil || p.values == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present.
func (p *ParamSet) Has(key string) bool {
	_, ok := p.Lookup(key)
	return ok
}

// GetString returns the value for key formatted as a string, or "".
func (p *ParamSet) GetString(key string) string {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Set stores value under key, keeping the original position of existing keys.
func (p *ParamSet) Set(key string, value any) {
	p.init()
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = normalizeValue(value)
}

// Delete removes key or returns ErrKeyNotFound.
func (p *ParamSet) Delete(key string) error {
	if !p.Has(key) {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return nil
}

// Pop removes key and returns its value, if present.
func (p *ParamSet) Pop(key string) (any, bool) {
	v, ok := p.Lookup(key)
	if ok {
		_ = p.Delete(key)
	}
	return v, ok
}

// Update copies every parameter of other, overwriting existing values.
func (p *ParamSet) Update(other *ParamSet) {
	for _, key := range other.Keys() {
		p.Set(key, other.values[key])
	}
}

// LazyUpdate copies only the parameters of other that p is missing.
func (p *ParamSet) LazyUpdate(other *ParamSet) {
	for _, key := range other.Keys() {
		if !p.Has(key) {
			p.Set(key, other.values[key])
		}
	}
}

// Keys returns parameter names in insertion order.
func (p *ParamSet) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Values returns parameter values in insertion order.
func (p *ParamSet) Values() []any {
	out := make([]any, 0, p.Len())
	for _, key := range p.Keys() {
		out = append(out, p.values[key])
	}
	return out
}

// Item is one key/value pair.
type Item struct {
	Key   string
	Value any
}

// Items returns key/value pairs in insertion order.
func (p *ParamSet) Items() []Item {
	out := make([]Item, 0, p.Len())
	for _, key := range p.Keys() {
		out = append(out, Item{Key: key, Value: p.values[key]})
	}
	return out
}

// Map returns a copy of the parameters as a map.
func (p *ParamSet) Map() map[string]any {
	out := make(map[string]any, p.Len())
	for _, key := range p.Keys() {
		out[key] = p.values[key]
	}
	return out
}

// Clone returns an independent copy.
func (p *ParamSet) Clone() *ParamSet {
	c := &ParamSet{values: make(map[string]any, p.Len())}
	for _, key := range p.Keys() {
		c.Set(key, p.values[key])
	}
	return c
}

// Matches reports whether every key of p that also exists in other has an
// equal value. Keys present in only one of the two are ignored.
func (p *ParamSet) Matches(other *ParamSet) bool {
	for _, key := range p.Keys() {
		ov, ok := other.Lookup(key)
		if !ok {
			continue
		}
		if !valuesEqual(p.values[key], ov) {
			return false
		}
	}
	return true
}

// Resolver resolves a ParamSet to an open instrument.
// *resolve.Engine implements it.
type Resolver interface {
	Resolve(ctx context.Context, params *ParamSet) (Instrument, error)
}

// Create resolves p to an instrument, passing settings to the driver's
// Initialize hook.
func (p *ParamSet) Create(ctx context.Context, r Resolver, settings map[string]any) (Instrument, error) {
	params := p.Clone()
	if len(settings) > 0 {
		params.Set(KeySettings, settings)
	}
	return r.Resolve(ctx, params)
}

// String renders the ParamSet as ParamSet(Class, key='value', ...).
// Alias lookup matches substrings of this text.
func (p *ParamSet) String() string {
	var parts []string
	if cls := p.GetString(KeyClassname); cls != "" {
		if mod := p.GetString(KeyModule); mod != "" {
			cls = mod + "." + cls
		}
		parts = append(parts, cls)
	}
	for _, key := range p.Keys() {
		if key == KeyClassname || (key == KeyModule && p.Has(KeyClassname)) || key == KeySettings {
			continue
		}
		parts = append(parts, key+"="+literal(p.values[key]))
	}
	return "ParamSet(" + strings.Join(parts, ", ") + ")"
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case fmt.Stringer:
		return x.String()
	}
	return v
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

// literal formats a value the way the INI representation stores it.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return quote(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	}
	return quote(fmt.Sprint(v))
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
