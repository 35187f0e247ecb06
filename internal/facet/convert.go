package facet

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/mabuchilab/instrumental/internal/units"
)

// Converter coerces a value to a facet's type.
type Converter func(v any) (any, error)

// ToFloat converts numbers, numeric strings and dimensionless quantities to float64.
func ToFloat(v any) (any, error) {
	f, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ToInt converts to int64, truncating floats.
func ToInt(v any) (any, error) {
	switch x := normalize(v).(type) {
	case int64:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := asFloat(v)
	if err != nil {
		return nil, err
	}
	return int64(f), nil
}

// ToBool accepts bools, numbers and the strings 1/0, on/off, true/false.
func ToBool(v any) (any, error) {
	switch x := normalize(v).(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "on", "true", "yes":
			return true, nil
		case "0", "off", "false", "no":
			return false, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %v (%T) to bool", ErrBadValue, v, v)
}

// ToString formats any value with %v, trimming whitespace from strings.
func ToString(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return fmt.Sprint(v), nil
}

func asFloat(v any) (float64, error) {
	switch x := normalize(v).(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrBadValue, x)
		}
		return f, nil
	case units.Quantity:
		if x.Dimensionless() {
			return x.Magnitude, nil
		}
		return 0, fmt.Errorf("%w: %v is not dimensionless", units.ErrDimensionality, x)
	}
	return 0, fmt.Errorf("%w: cannot convert %v (%T) to a number", ErrBadValue, v, v)
}

// normalize collapses integer kinds to int64 and float32 to float64 so that
// value-map lookups and equality do not depend on the literal's Go type.
func normalize(v any) any {
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
	}
	return v
}

// Equal compares facet values: quantities physically, numbers numerically,
// everything else with reflect.DeepEqual.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if qa, ok := a.(units.Quantity); ok {
		qb, ok := b.(units.Quantity)
		return ok && qa.Equal(qb)
	}
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
			return x == y || (math.IsNaN(x) && math.IsNaN(y))
		}
	}
	return reflect.DeepEqual(a, b)
}
