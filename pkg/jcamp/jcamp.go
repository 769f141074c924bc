// Package jcamp reads ParaVision parameter files (acqp, method, visu_pars,
// reco). They follow the JCAMP-DX layout: "##$KEY=value" records, "$$"
// comments and array bodies that continue over the following lines.
package jcamp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
)

// ParseError reports malformed parameter syntax.
type ParseError struct {
	File string // file name, may be empty for readers
	Line int    // 1-based line of the offending record, 0 if unknown
	Key  string // parameter key when the error concerns one value
	Msg  string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("jcamp: ")
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Key != "" {
		fmt.Fprintf(&b, "%s: ", e.Key)
	}
	b.WriteString(e.Msg)
	return b.String()
}

// Is makes ParseError match models.ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == models.ErrParse
}

// Value is one decoded parameter.
type Value struct {
	// Shape is the declared array shape, nil for scalars and structs
	Shape []int

	// Items are the tokens of the value. Strings keep their <> delimiters,
	// structs keep their parentheses.
	Items []string

	// Raw is the value text as it appeared in the file
	Raw string
}

// IsArray reports whether the value carried an array shape header.
func (v Value) IsArray() bool {
	return v.Shape != nil
}

// Len returns the number of items.
func (v Value) Len() int {
	return len(v.Items)
}

// ParameterSet is the immutable content of one parameter file.
type ParameterSet struct {
	name   string
	keys   []string
	params map[string]Value
}

// Name returns the file name the set was read from.
func (p *ParameterSet) Name() string {
	return p.name
}

// Keys returns the parameter keys in file order.
func (p *ParameterSet) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Has reports whether key is present.
func (p *ParameterSet) Has(key string) bool {
	_, ok := p.params[key]
	return ok
}

// Get returns the raw value for key.
func (p *ParameterSet) Get(key string) (Value, bool) {
	v, ok := p.params[key]
	return v, ok
}

func (p *ParameterSet) lookup(key string) (Value, error) {
	v, ok := p.params[key]
	if !ok {
		return Value{}, fmt.Errorf("%s: %w: %s", p.name, models.ErrMissingKey, key)
	}
	return v, nil
}

func (p *ParameterSet) typeError(key, msg string) error {
	return &ParseError{File: p.name, Key: key, Msg: msg}
}

// String returns a single string value with delimiters removed. Values with
// several tokens, such as header records, are returned as written.
func (p *ParameterSet) String(key string) (string, error) {
	v, err := p.lookup(key)
	if err != nil {
		return "", err
	}
	if len(v.Items) == 1 {
		return unquote(v.Items[0]), nil
	}
	return strings.TrimSpace(v.Raw), nil
}

// Strings returns every item with string delimiters removed.
func (p *ParameterSet) Strings(key string) ([]string, error) {
	v, err := p.lookup(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(v.Items))
	for i, it := range v.Items {
		out[i] = unquote(it)
	}
	return out, nil
}

// Float returns a scalar number.
func (p *ParameterSet) Float(key string) (float64, error) {
	vals, err := p.Floats(key)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, p.typeError(key, fmt.Sprintf("expected one number, found %d", len(vals)))
	}
	return vals[0], nil
}

// Floats returns every item as a number.
func (p *ParameterSet) Floats(key string) ([]float64, error) {
	v, err := p.lookup(key)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(v.Items))
	for i, it := range v.Items {
		f, err := strconv.ParseFloat(it, 64)
		if err != nil {
			return nil, p.typeError(key, fmt.Sprintf("item %d %q is not a number", i, it))
		}
		out[i] = f
	}
	return out, nil
}

// Int returns a scalar integer.
func (p *ParameterSet) Int(key string) (int, error) {
	is, err := p.Ints(key)
	if err != nil {
		return 0, err
	}
	if len(is) != 1 {
		return 0, p.typeError(key, fmt.Sprintf("expected one integer, found %d", len(is)))
	}
	return is[0], nil
}

// Ints returns every item as an integer. Integral floats such as "64.0"
// are accepted.
func (p *ParameterSet) Ints(key string) ([]int, error) {
	v, err := p.lookup(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(v.Items))
	for i, it := range v.Items {
		n, err := strconv.Atoi(it)
		if err != nil {
			f, ferr := strconv.ParseFloat(it, 64)
			if ferr != nil || f != float64(int(f)) {
				return nil, p.typeError(key, fmt.Sprintf("item %d %q is not an integer", i, it))
			}
			n = int(f)
		}
		out[i] = n
	}
	return out, nil
}

// IntOr returns the integer for key, or def when the key is absent.
func (p *ParameterSet) IntOr(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Int(key)
}

// Load reads and parses the parameter file at path.
func Load(path string) (*ParameterSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer f.Close()

	ps, err := Parse(f, path)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"file":   path,
		"params": len(ps.keys),
	}).Debug("Loaded parameter file")

	return ps, nil
}

// record is a "##" entry being accumulated.
type record struct {
	key  string
	head string
	body []string
	line int
}

// Parse reads a parameter set from r. name is used in errors only.
func Parse(r io.Reader, name string) (*ParameterSet, error) {
	ps := &ParameterSet{name: name, params: make(map[string]Value)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var cur *record
	flush := func() error {
		if cur == nil {
			return nil
		}
		v, err := parseValue(cur)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.File = name
			}
			return err
		}
		if _, dup := ps.params[cur.key]; !dup {
			ps.keys = append(ps.keys, cur.key)
		}
		ps.params[cur.key] = v
		cur = nil
		return nil
	}

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		switch {
		case line == "", strings.HasPrefix(line, "$$"):
			continue

		case strings.HasPrefix(line, "##"):
			if err := flush(); err != nil {
				return nil, err
			}
			eq := strings.IndexByte(line, '=')
			if eq < 0 {
				return nil, &ParseError{File: name, Line: lineNo, Msg: "record without '='"}
			}
			key := strings.TrimSpace(strings.TrimPrefix(line[2:eq], "$"))
			if key == "" {
				return nil, &ParseError{File: name, Line: lineNo, Msg: "empty key"}
			}
			if key == "END" {
				return ps, nil
			}
			cur = &record{key: key, head: strings.TrimSpace(line[eq+1:]), line: lineNo}

		default:
			if cur == nil {
				return nil, &ParseError{File: name, Line: lineNo, Msg: "text outside of a record"}
			}
			cur.body = append(cur.body, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrIO, name, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ps, nil
}

func parseValue(rec *record) (Value, error) {
	fail := func(msg string) (Value, error) {
		return Value{}, &ParseError{Line: rec.line, Key: rec.key, Msg: msg}
	}

	if len(rec.body) > 0 && isShapeHeader(rec.head) {
		shape, err := parseShape(rec.head)
		if err != nil {
			return fail(err.Error())
		}
		raw := strings.Join(rec.body, "\n")
		items, err := tokenize(raw)
		if err != nil {
			return fail(err.Error())
		}
		if !countMatches(shape, items) {
			return fail(fmt.Sprintf("shape %v declares %d items, found %d", shape, models.Product(shape), len(items)))
		}
		return Value{Shape: shape, Items: items, Raw: raw}, nil
	}

	raw := rec.head
	if len(rec.body) > 0 {
		raw = strings.Join(append([]string{rec.head}, rec.body...), " ")
	}
	items, err := tokenize(raw)
	if err != nil {
		return fail(err.Error())
	}
	return Value{Items: items, Raw: raw}, nil
}

func isShapeHeader(s string) bool {
	return strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
}

func parseShape(s string) ([]int, error) {
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, errors.New("empty array shape")
	}
	parts := strings.Split(inner, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid array shape %q", s)
		}
		shape[i] = n
	}
	return shape, nil
}

// countMatches checks the item count against the declared shape. String
// arrays declare their character length as the last dimension.
func countMatches(shape []int, items []string) bool {
	if len(items) == models.Product(shape) {
		return true
	}
	for _, it := range items {
		if !strings.HasPrefix(it, "<") {
			return false
		}
	}
	return len(items) == models.Product(shape[:len(shape)-1])
}

// tokenize splits a value body into items: <strings>, (structs), @N*(v)
// runs and bare whitespace-separated tokens.
func tokenize(s string) ([]string, error) {
	var items []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '<':
			j := strings.IndexByte(s[i:], '>')
			if j < 0 {
				return nil, errors.New("unterminated string")
			}
			items = append(items, s[i:i+j+1])
			i += j + 1

		case c == '(':
			j, err := matchParen(s, i)
			if err != nil {
				return nil, err
			}
			items = append(items, s[i:j+1])
			i = j + 1

		case c == ')':
			return nil, errors.New("unbalanced ')'")

		case c == '@':
			star := strings.IndexByte(s[i:], '*')
			if star < 0 {
				return nil, errors.New("run-length item without '*'")
			}
			n, err := strconv.Atoi(s[i+1 : i+star])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid run-length count %q", s[i+1:i+star])
			}
			open := i + star + 1
			if open >= len(s) || s[open] != '(' {
				return nil, errors.New("run-length item without '('")
			}
			end, err := matchParen(s, open)
			if err != nil {
				return nil, err
			}
			v := strings.TrimSpace(s[open+1 : end])
			for k := 0; k < n; k++ {
				items = append(items, v)
			}
			i = end + 1

		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n\r", rune(s[j])) {
				j++
			}
			items = append(items, s[i:j])
			i = j
		}
	}
	return items, nil
}

// matchParen returns the index of the ')' closing the '(' at open.
func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '<':
			j := strings.IndexByte(s[i:], '>')
			if j < 0 {
				return 0, errors.New("unterminated string")
			}
			i += j
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.New("unbalanced '('")
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}
