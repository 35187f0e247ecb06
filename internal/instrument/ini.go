package instrument

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// iniLexer tokenizes one `name = {'key': value, ...}` entry of the
// [instruments] section.
var iniLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[\s\t\r\n]+`},
	{Name: "String", Pattern: `'(?:\\.|[^'\\])*'|"(?:\\.|[^"\\])*"`},
	{Name: "Float", Pattern: `[-+]?(?:\d+\.\d*(?:[eE][-+]?\d+)?|\d+[eE][-+]?\d+)`},
	{Name: "Int", Pattern: `[-+]?\d+`},
	{Name: "KwTrue", Pattern: `\bTrue\b`},
	{Name: "KwFalse", Pattern: `\bFalse\b`},
	{Name: "KwNone", Pattern: `\bNone\b`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_.\-]*`},
	{Name: "Assign", Pattern: `=`},
	{Name: "Colon", Pattern: `:`},
	{Name: "Comma", Pattern: `,`},
	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},
})

type iniEntry struct {
	Name  string     `@Ident Assign`
	Items []*iniItem `LBrace ( @@ ( Comma @@ )* Comma? )? RBrace`
}

type iniItem struct {
	Key   string    `@String Colon`
	Value *iniValue `@@`
}

type iniValue struct {
	Str   *string  `  @String`
	Float *float64 `| @Float`
	Int   *int64   `| @Int`
	True  bool     `| @KwTrue`
	False bool     `| @KwFalse`
	None  bool     `| @KwNone`
}

var iniParser = participle.MustBuild[iniEntry](
	participle.Lexer(iniLexer),
	participle.Elide("Whitespace"),
)

// ParseINILine parses `name = {'module': 'lockins.sr850', ...}` as written
// by ToINI.
func ParseINILine(line string) (string, *ParamSet, error) {
	entry, err := iniParser.ParseString("", line)
	if err != nil {
		return "", nil, fmt.Errorf("%w: parsing instrument entry: %v", ErrConfig, err)
	}

	ps := NewParamSet()
	for _, item := range entry.Items {
		key, err := unquote(item.Key)
		if err != nil {
			return "", nil, fmt.Errorf("%w: entry %s: %v", ErrConfig, entry.Name, err)
		}
		if ps.Has(key) {
			return "", nil, fmt.Errorf("%w: entry %s: duplicate key %q", ErrConfig, entry.Name, key)
		}
		v, err := item.Value.value()
		if err != nil {
			return "", nil, fmt.Errorf("%w: entry %s: %v", ErrConfig, entry.Name, err)
		}
		ps.Set(key, v)
	}
	return entry.Name, ps, nil
}

func (v *iniValue) value() (any, error) {
	switch {
	case v.Str != nil:
		return unquote(*v.Str)
	case v.Float != nil:
		return *v.Float, nil
	case v.Int != nil:
		return *v.Int, nil
	case v.True:
		return true, nil
	case v.False:
		return false, nil
	}
	return nil, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("bad string literal %s", s)
	}
	q := s[0]
	body := s[1 : len(s)-1]
	var b strings.Builder
	for body != "" {
		r, _, tail, err := strconv.UnquoteChar(body, q)
		if err != nil {
			return "", fmt.Errorf("bad string literal %s: %v", s, err)
		}
		b.WriteRune(r)
		body = tail
	}
	return b.String(), nil
}

// ToINI serializes p as one line of the [instruments] section.
// The settings sub-map is not persisted.
func (p *ParamSet) ToINI(name string) string {
	var parts []string
	for _, key := range p.Keys() {
		if key == KeySettings {
			continue
		}
		parts = append(parts, quote(key)+": "+literal(p.values[key]))
	}
	return name + " = {" + strings.Join(parts, ", ") + "}"
}

// ParseINISection parses every entry line of an [instruments] section body.
// Blank lines and ';' or '#' comments are skipped.
func ParseINISection(body string) (map[string]*ParamSet, error) {
	out := make(map[string]*ParamSet)
	for n, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		name, ps, err := ParseINILine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		out[name] = ps
	}
	return out, nil
}

// SortedNames returns the keys of a parsed section in order.
func SortedNames(entries map[string]*ParamSet) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
