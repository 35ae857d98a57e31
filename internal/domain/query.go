package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is a single backend row keyed by column (or embed alias).
type Record map[string]json.RawMessage

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// String returns the column as a string, or "" if it is absent, null or not a string.
func (r Record) String(col string) string {
	raw, ok := r[col]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// RecordOf encodes v (a struct or map) as a Record.
func RecordOf(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return r, nil
}

// Op is a comparison operator understood by the backend.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpILike Op = "ilike"
	OpGt    Op = "gt"
	OpLt    Op = "lt"
)

// Filter is either a single column condition or a boolean group.
// The zero Filter matches everything.
type Filter struct {
	Column string
	Op     Op
	Value  string

	Any []Filter
	All []Filter
}

func Eq(col, value string) Filter    { return Filter{Column: col, Op: OpEq, Value: value} }
func Neq(col, value string) Filter   { return Filter{Column: col, Op: OpNeq, Value: value} }
func ILike(col, value string) Filter { return Filter{Column: col, Op: OpILike, Value: value} }
func Or(fs ...Filter) Filter         { return Filter{Any: fs} }
func And(fs ...Filter) Filter        { return Filter{All: fs} }

// IsZero reports whether the filter places no constraint.
func (f Filter) IsZero() bool {
	return f.Column == "" && len(f.Any) == 0 && len(f.All) == 0
}

// IsCondition reports whether the filter is a single column condition.
func (f Filter) IsCondition() bool {
	return f.Column != ""
}

// Order sorts query results by a column.
type Order struct {
	Column     string
	Descending bool
}

// Query describes a row read against one table.
// Select lists columns and embedded relations, e.g.
// "id,user1:profiles!chats_user_id_fkey(id,name)".
// Joins names the embedded relations that hold at most one row; the
// gateway returns each of them as an object or null.
type Query struct {
	Table  string
	Select string
	Joins  []string
	Filter Filter
	Order  []Order
	Limit  int
}

// EventType is a row change kind.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Scope describes which row changes a subscription receives.
// Filter must be zero or a single condition.
type Scope struct {
	Table  string
	Events []EventType
	Filter Filter
}

func (s Scope) String() string {
	events := make([]string, len(s.Events))
	for i, e := range s.Events {
		events[i] = string(e)
	}
	if s.Filter.IsCondition() {
		return fmt.Sprintf("%s[%s] %s=%s.%s", s.Table, strings.Join(events, ","), s.Filter.Column, s.Filter.Op, s.Filter.Value)
	}
	return fmt.Sprintf("%s[%s]", s.Table, strings.Join(events, ","))
}

// Event is a server-pushed row change.
type Event struct {
	Type            EventType
	Table           string
	New             Record
	Old             Record
	CommitTimestamp time.Time
}

// Row returns the new row, or the old row for deletes.
func (e Event) Row() Record {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}
