package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Quantity is a magnitude with a unit.
type Quantity struct {
	Magnitude float64
	Unit      Unit
}

// New builds a Quantity, parsing the unit expression.
func New(magnitude float64, unit string) (Quantity, error) {
	u, err := ParseUnit(unit)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Magnitude: magnitude, Unit: u}, nil
}

// Q is New for unit literals known to be valid; it panics otherwise.
func Q(magnitude float64, unit string) Quantity {
	q, err := New(magnitude, unit)
	if err != nil {
		panic(err)
	}
	return q
}

// Parse reads "12.5 mV", "12.5mV", "1e-3 A" or a bare number.
func Parse(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Quantity{}, fmt.Errorf("%w: empty quantity", ErrParse)
	}

	end := numberPrefix(s)
	if end == 0 {
		return Quantity{}, fmt.Errorf("%w: quantity %q has no magnitude", ErrParse, s)
	}
	mag, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: quantity %q: %v", ErrParse, s, err)
	}
	return New(mag, s[end:])
}

// numberPrefix returns the length of the leading float literal in s.
func numberPrefix(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
		digits++
	}
	if digits == 0 {
		return 0
	}
	// Exponent only when followed by digits, so "5 m" and "5em" stay units.
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && s[k] >= '0' && s[k] <= '9' {
			k++
		}
		if k > j {
			i = k
		}
	}
	return i
}

// Dimensionless reports whether q is a plain number.
func (q Quantity) Dimensionless() bool {
	return q.Unit.Dim.IsZero()
}

// base returns the magnitude in coherent SI units.
func (q Quantity) base() float64 {
	scale := q.Unit.Scale
	if scale == 0 {
		scale = 1
	}
	return q.Magnitude * scale
}

// ToUnit converts q into u.
func (q Quantity) ToUnit(u Unit) (Quantity, error) {
	if !q.Unit.Compatible(u) {
		return Quantity{}, fmt.Errorf("%w: cannot convert from %q (%s) to %q (%s)",
			ErrDimensionality, q.Unit.Symbol, q.Unit.Dim, u.Symbol, u.Dim)
	}
	scale := u.Scale
	if scale == 0 {
		scale = 1
	}
	return Quantity{Magnitude: q.base() / scale, Unit: u}, nil
}

// To converts q into the unit expression.
func (q Quantity) To(unit string) (Quantity, error) {
	u, err := ParseUnit(unit)
	if err != nil {
		return Quantity{}, err
	}
	return q.ToUnit(u)
}

// In returns the magnitude of q expressed in unit.
func (q Quantity) In(unit string) (float64, error) {
	c, err := q.To(unit)
	if err != nil {
		return 0, err
	}
	return c.Magnitude, nil
}

// Equal reports whether two quantities describe the same physical value.
func (q Quantity) Equal(o Quantity) bool {
	if !q.Unit.Compatible(o.Unit) {
		return false
	}
	a, b := q.base(), o.base()
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-12*math.Max(math.Abs(a), math.Abs(b))
}

func (q Quantity) String() string {
	mag := strconv.FormatFloat(q.Magnitude, 'g', -1, 64)
	if q.Unit.Symbol == "" {
		return mag
	}
	return mag + " " + q.Unit.Symbol
}

// MarshalText encodes q as "12.5 mV".
func (q Quantity) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (q *Quantity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
