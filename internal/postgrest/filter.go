// Package postgrest encodes and parses the backend's row-query dialect:
// column filters, boolean groups, ordering, limits and embedded selects.
package postgrest

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"betapp/internal/domain"
)

// ErrSyntax is returned for malformed query parameters.
var ErrSyntax = errors.New("postgrest: syntax error")

var reservedParams = map[string]struct{}{
	"select": {}, "order": {}, "limit": {}, "offset": {},
	"or": {}, "and": {}, "on_conflict": {}, "columns": {},
}

var knownOps = map[domain.Op]struct{}{
	domain.OpEq: {}, domain.OpNeq: {}, domain.OpILike: {}, domain.OpGt: {}, domain.OpLt: {},
}

// Encode renders q as URL query parameters (the table goes in the path).
func Encode(q domain.Query) url.Values {
	v := url.Values{}
	if q.Select != "" {
		v.Set("select", compactSelect(q.Select))
	}
	encodeTop(v, q.Filter)
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "asc"
			if o.Descending {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func encodeTop(v url.Values, f domain.Filter) {
	switch {
	case f.IsZero():
	case f.IsCondition():
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	case len(f.Any) > 0:
		v.Add("or", "("+encodeList(f.Any)+")")
	default:
		for _, c := range f.All {
			if !c.IsCondition() {
				v.Add("and", "("+encodeList(f.All)+")")
				return
			}
		}
		for _, c := range f.All {
			v.Add(c.Column, string(c.Op)+"."+c.Value)
		}
	}
}

func encodeList(fs []domain.Filter) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		switch {
		case f.IsCondition():
			parts = append(parts, f.Column+"."+string(f.Op)+"."+quote(f.Value))
		case len(f.Any) > 0:
			parts = append(parts, "or("+encodeList(f.Any)+")")
		case len(f.All) > 0:
			parts = append(parts, "and("+encodeList(f.All)+")")
		}
	}
	return strings.Join(parts, ",")
}

func quote(s string) string {
	if !strings.ContainsAny(s, ",().:\"\\ ") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func compactSelect(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// Parse reads query parameters back into a Query for table.
func Parse(table string, v url.Values) (domain.Query, error) {
	q := domain.Query{Table: table, Select: v.Get("select")}

	keys := make([]string, 0, len(v))
	for key := range v {
		if _, ok := reservedParams[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var all []domain.Filter
	for _, key := range keys {
		for _, raw := range v[key] {
			op, value, ok := strings.Cut(raw, ".")
			if !ok {
				return q, fmt.Errorf("%w: filter %s=%s", ErrSyntax, key, raw)
			}
			if _, known := knownOps[domain.Op(op)]; !known {
				return q, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
			}
			all = append(all, domain.Filter{Column: key, Op: domain.Op(op), Value: value})
		}
	}
	for _, group := range []string{"or", "and"} {
		for _, raw := range v[group] {
			p := &groupParser{s: raw}
			children, err := p.parenList()
			if err != nil {
				return q, err
			}
			if p.pos != len(p.s) {
				return q, fmt.Errorf("%w: trailing input in %s", ErrSyntax, group)
			}
			if group == "or" {
				all = append(all, domain.Or(children...))
			} else {
				all = append(all, children...)
			}
		}
	}
	switch len(all) {
	case 0:
	case 1:
		q.Filter = all[0]
	default:
		q.Filter = domain.And(all...)
	}

	if raw := v.Get("order"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			col, dir, _ := strings.Cut(part, ".")
			if col == "" {
				return q, fmt.Errorf("%w: order %q", ErrSyntax, raw)
			}
			q.Order = append(q.Order, domain.Order{Column: col, Descending: strings.HasPrefix(dir, "desc")})
		}
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: limit %q", ErrSyntax, raw)
		}
		q.Limit = n
	}
	return q, nil
}

type groupParser struct {
	s   string
	pos int
}

func (p *groupParser) parenList() ([]domain.Filter, error) {
	if !p.consume('(') {
		return nil, fmt.Errorf("%w: expected ( at %d", ErrSyntax, p.pos)
	}
	var out []domain.Filter
	for {
		f, err := p.item()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
		if p.consume(',') {
			continue
		}
		if p.consume(')') {
			return out, nil
		}
		return nil, fmt.Errorf("%w: expected , or ) at %d", ErrSyntax, p.pos)
	}
}

func (p *groupParser) item() (domain.Filter, error) {
	for _, kw := range []string{"or", "and"} {
		if strings.HasPrefix(p.s[p.pos:], kw+"(") {
			p.pos += len(kw)
			children, err := p.parenList()
			if err != nil {
				return domain.Filter{}, err
			}
			if kw == "or" {
				return domain.Or(children...), nil
			}
			return domain.And(children...), nil
		}
	}
	col := p.until('.')
	if !p.consume('.') || col == "" {
		return domain.Filter{}, fmt.Errorf("%w: expected column at %d", ErrSyntax, p.pos)
	}
	op := domain.Op(p.until('.'))
	if _, known := knownOps[op]; !known || !p.consume('.') {
		return domain.Filter{}, fmt.Errorf("%w: bad operator %q", ErrSyntax, op)
	}
	value, err := p.value()
	if err != nil {
		return domain.Filter{}, err
	}
	return domain.Filter{Column: col, Op: op, Value: value}, nil
}

func (p *groupParser) value() (string, error) {
	if !p.consume('"') {
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != ',' && p.s[p.pos] != ')' {
			p.pos++
		}
		return p.s[start:p.pos], nil
	}
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '\\':
			if p.pos < len(p.s) {
				b.WriteByte(p.s[p.pos])
				p.pos++
			}
		case '"':
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("%w: unterminated quote", ErrSyntax)
}

func (p *groupParser) until(c byte) string {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != c && p.s[p.pos] != ',' && p.s[p.pos] != ')' {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *groupParser) consume(c byte) bool {
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}
