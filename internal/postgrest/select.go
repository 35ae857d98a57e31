package postgrest

import (
	"fmt"
	"strings"
)

// Field is one entry of a select list: a column, "*", or an embedded relation.
type Field struct {
	Name  string
	Alias string
	Hint  string
	Embed []Field
}

// IsEmbed reports whether the field selects a related table.
func (f Field) IsEmbed() bool {
	return f.Embed != nil
}

// Key is the name the field has in a result row.
func (f Field) Key() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// ParseSelect parses a select list such as
// "id,user1:profiles!chats_user_id_fkey(id,name)".
func ParseSelect(sel string) ([]Field, error) {
	sel = compactSelect(sel)
	if sel == "" {
		return []Field{{Name: "*"}}, nil
	}
	fields, rest, err := parseFields(sel)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: unexpected %q in select", ErrSyntax, rest)
	}
	return fields, nil
}

// EmbedKeys returns the row keys of embedded relations in sel.
func EmbedKeys(sel string) []string {
	fields, err := ParseSelect(sel)
	if err != nil {
		return nil
	}
	var keys []string
	for _, f := range fields {
		if f.IsEmbed() {
			keys = append(keys, f.Key())
		}
	}
	return keys
}

func parseFields(s string) ([]Field, string, error) {
	var out []Field
	for {
		f, rest, err := parseField(s)
		if err != nil {
			return nil, "", err
		}
		out = append(out, f)
		if strings.HasPrefix(rest, ",") {
			s = rest[1:]
			continue
		}
		return out, rest, nil
	}
}

func parseField(s string) (Field, string, error) {
	end := strings.IndexAny(s, ",()")
	if end < 0 {
		end = len(s)
	}
	head, rest := s[:end], s[end:]
	if head == "" {
		return Field{}, "", fmt.Errorf("%w: empty select item", ErrSyntax)
	}

	var f Field
	if alias, name, ok := strings.Cut(head, ":"); ok {
		f.Alias, head = alias, name
	}
	if name, hint, ok := strings.Cut(head, "!"); ok {
		f.Hint, head = hint, name
	}
	f.Name = head

	if strings.HasPrefix(rest, "(") {
		inner, after, err := parseFields(rest[1:])
		if err != nil {
			return Field{}, "", err
		}
		if !strings.HasPrefix(after, ")") {
			return Field{}, "", fmt.Errorf("%w: unclosed embed %q", ErrSyntax, f.Name)
		}
		f.Embed = inner
		rest = after[1:]
	}
	return f, rest, nil
}
