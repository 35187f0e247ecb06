package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Dimension holds the exponents of the base dimensions:
// length, mass, time, current, temperature, amount, luminosity, angle.
type Dimension [8]int8

var dimensionNames = [8]string{"m", "kg", "s", "A", "K", "mol", "cd", "rad"}

func (d Dimension) add(o Dimension, sign int8) Dimension {
	for i := range d {
		d[i] += sign * o[i]
	}
	return d
}

func (d Dimension) scale(n int8) Dimension {
	for i := range d {
		d[i] *= n
	}
	return d
}

// IsZero reports whether the dimension is dimensionless.
func (d Dimension) IsZero() bool {
	return d == Dimension{}
}

func (d Dimension) String() string {
	if d.IsZero() {
		return "dimensionless"
	}
	var parts []string
	for i, exp := range d {
		switch {
		case exp == 0:
		case exp == 1:
			parts = append(parts, dimensionNames[i])
		default:
			parts = append(parts, fmt.Sprintf("%s^%d", dimensionNames[i], exp))
		}
	}
	return strings.Join(parts, "*")
}

// Unit is a parsed unit expression.
// Scale converts a magnitude in this unit to the coherent SI unit of Dim.
type Unit struct {
	Symbol string
	Scale  float64
	Dim    Dimension
}

// Dimensionless is the unit of plain numbers.
var Dimensionless = Unit{Scale: 1}

func dim(pairs ...int) Dimension {
	var d Dimension
	for i := 0; i+1 < len(pairs); i += 2 {
		d[pairs[i]] = int8(pairs[i+1])
	}
	return d
}

const (
	dLength = iota
	dMass
	dTime
	dCurrent
	dTemperature
	dAmount
	dLuminosity
	dAngle
)

type baseUnit struct {
	scale    float64
	dim      Dimension
	prefixed bool
}

// Mass is tracked in kilograms, so the gram carries a 1e-3 scale.
var baseUnits = map[string]baseUnit{
	"m":   {1, dim(dLength, 1), true},
	"g":   {1e-3, dim(dMass, 1), true},
	"s":   {1, dim(dTime, 1), true},
	"A":   {1, dim(dCurrent, 1), true},
	"K":   {1, dim(dTemperature, 1), true},
	"mol": {1, dim(dAmount, 1), true},
	"cd":  {1, dim(dLuminosity, 1), true},
	"rad": {1, dim(dAngle, 1), true},

	"Hz":  {1, dim(dTime, -1), true},
	"N":   {1, dim(dMass, 1, dLength, 1, dTime, -2), true},
	"Pa":  {1, dim(dMass, 1, dLength, -1, dTime, -2), true},
	"J":   {1, dim(dMass, 1, dLength, 2, dTime, -2), true},
	"W":   {1, dim(dMass, 1, dLength, 2, dTime, -3), true},
	"C":   {1, dim(dCurrent, 1, dTime, 1), true},
	"V":   {1, dim(dMass, 1, dLength, 2, dTime, -3, dCurrent, -1), true},
	"F":   {1, dim(dMass, -1, dLength, -2, dTime, 4, dCurrent, 2), true},
	"ohm": {1, dim(dMass, 1, dLength, 2, dTime, -3, dCurrent, -2), true},
	"Ω":   {1, dim(dMass, 1, dLength, 2, dTime, -3, dCurrent, -2), true},
	"S":   {1, dim(dMass, -1, dLength, -2, dTime, 3, dCurrent, 2), true},
	"H":   {1, dim(dMass, 1, dLength, 2, dTime, -2, dCurrent, -2), true},
	"T":   {1, dim(dMass, 1, dTime, -2, dCurrent, -1), true},
	"bar": {1e5, dim(dMass, 1, dLength, -1, dTime, -2), true},

	"min":     {60, dim(dTime, 1), false},
	"h":       {3600, dim(dTime, 1), false},
	"hour":    {3600, dim(dTime, 1), false},
	"Torr":    {101325.0 / 760, dim(dMass, 1, dLength, -1, dTime, -2), true},
	"deg":     {3.141592653589793 / 180, dim(dAngle, 1), false},
	"degree":  {3.141592653589793 / 180, dim(dAngle, 1), false},
	"degrees": {3.141592653589793 / 180, dim(dAngle, 1), false},
	"°":       {3.141592653589793 / 180, dim(dAngle, 1), false},
}

var prefixes = []struct {
	symbol string
	scale  float64
}{
	// "da" must be tried before "d".
	{"da", 1e1},
	{"Y", 1e24}, {"Z", 1e21}, {"E", 1e18}, {"P", 1e15}, {"T", 1e12},
	{"G", 1e9}, {"M", 1e6}, {"k", 1e3}, {"h", 1e2},
	{"d", 1e-1}, {"c", 1e-2}, {"m", 1e-3}, {"u", 1e-6}, {"µ", 1e-6},
	{"n", 1e-9}, {"p", 1e-12}, {"f", 1e-15}, {"a", 1e-18},
}

func lookupSymbol(sym string) (baseUnit, bool) {
	if b, ok := baseUnits[sym]; ok {
		return b, true
	}
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(sym, p.symbol)
		if !ok || rest == "" {
			continue
		}
		if b, ok := baseUnits[rest]; ok && b.prefixed {
			return baseUnit{scale: p.scale * b.scale, dim: b.dim}, true
		}
	}
	return baseUnit{}, false
}

// ParseUnit parses a unit expression such as "mV", "V/s" or "m*s^-2".
// The empty string parses as Dimensionless.
func ParseUnit(expr string) (Unit, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "dimensionless" {
		return Dimensionless, nil
	}

	u := Unit{Symbol: expr, Scale: 1}
	sign := int8(1)
	rest := expr
	for {
		idx := strings.IndexAny(rest, "*/")
		term := rest
		if idx >= 0 {
			term = rest[:idx]
		}
		scale, d, err := parseTerm(strings.TrimSpace(term))
		if err != nil {
			return Unit{}, fmt.Errorf("%w: unit %q: %v", ErrParse, expr, err)
		}
		if sign > 0 {
			u.Scale *= scale
		} else {
			u.Scale /= scale
		}
		u.Dim = u.Dim.add(d, sign)

		if idx < 0 {
			break
		}
		if rest[idx] == '/' {
			sign = -1
		} else {
			sign = 1
		}
		rest = rest[idx+1:]
	}
	return u, nil
}

func parseTerm(term string) (float64, Dimension, error) {
	if term == "" {
		return 0, Dimension{}, fmt.Errorf("empty term")
	}
	sym, expText, hasExp := strings.Cut(term, "^")
	if !hasExp {
		sym, expText, hasExp = strings.Cut(term, "**")
	}
	exp := 1
	if hasExp {
		n, err := strconv.Atoi(expText)
		if err != nil {
			return 0, Dimension{}, fmt.Errorf("bad exponent %q", expText)
		}
		exp = n
	}
	b, ok := lookupSymbol(sym)
	if !ok {
		return 0, Dimension{}, fmt.Errorf("unknown symbol %q", sym)
	}
	scale := 1.0
	for i := 0; i < abs(exp); i++ {
		scale *= b.scale
	}
	if exp < 0 {
		scale = 1 / scale
	}
	return scale, b.dim.scale(int8(exp)), nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Compatible reports whether values in u can be converted to o.
func (u Unit) Compatible(o Unit) bool {
	return u.Dim == o.Dim
}

func (u Unit) String() string {
	return u.Symbol
}
