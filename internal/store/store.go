// Package store persists the development backend's tables in SQL and
// answers row queries expressed as domain.Query.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"betapp/internal/domain"
	"betapp/internal/postgrest"
)

// Dialect hides the differences between the supported SQL engines.
// Queries are written with ? placeholders and passed through Rebind.
type Dialect interface {
	Rebind(query string) string
	// ILike returns a case-insensitive pattern match of column against one
	// placeholder, with backslash as the escape character.
	ILike(column string) string
	Time(t time.Time) any
	IsUniqueViolation(err error) bool
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Change is a committed row change, ready to be published.
type Change struct {
	Table string
	Type  domain.EventType
	Row   domain.Record
	Old   domain.Record
}

type Store struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d, now: time.Now}
}

// Select runs q on behalf of me with the table's read policy applied.
func (s *Store) Select(ctx context.Context, me string, q domain.Query) ([]domain.Record, error) {
	t, err := lookup(q.Table)
	if err != nil {
		return nil, err
	}
	fields, err := postgrest.ParseSelect(q.Select)
	if err != nil {
		return nil, &domain.Error{Kind: domain.ErrValidation, Code: "PGRST100", Message: err.Error()}
	}
	return s.selectRows(ctx, s.db, me, t, fields, q.Filter, q.Order, q.Limit)
}

type output struct {
	col    Column
	key    string
	hidden bool
}

type embedField struct {
	key      string
	localKey string
	embed    Embed
	fields   []postgrest.Field
}

func (s *Store) selectRows(ctx context.Context, db querier, me string, t *Table, fields []postgrest.Field,
	f domain.Filter, order []domain.Order, limit int) ([]domain.Record, error) {
	var outs []output
	var embeds []embedField
	keyOf := func(col string) (string, bool) {
		for _, o := range outs {
			if o.col.Name == col {
				return o.key, true
			}
		}
		return "", false
	}

	for _, fld := range fields {
		switch {
		case fld.IsEmbed():
			name := fld.Name
			if fld.Hint != "" {
				name += "!" + fld.Hint
			}
			e, ok := t.Embeds[name]
			if !ok {
				return nil, &domain.Error{Kind: domain.ErrValidation, Code: "PGRST200",
					Message: fmt.Sprintf("could not find a relationship between %s and %s", t.Name, name)}
			}
			embeds = append(embeds, embedField{key: fld.Key(), embed: e, fields: fld.Embed})
		case fld.Name == "*":
			for _, c := range t.Columns {
				if _, dup := keyOf(c.Name); !dup {
					outs = append(outs, output{col: c, key: c.Name})
				}
			}
		default:
			c, ok := t.column(fld.Name)
			if !ok {
				return nil, unknownColumn(t.Name, fld.Name)
			}
			outs = append(outs, output{col: c, key: fld.Key()})
		}
	}
	for i := range embeds {
		key, ok := keyOf(embeds[i].embed.Local)
		if !ok {
			c, _ := t.column(embeds[i].embed.Local)
			key = embeds[i].embed.Local
			outs = append(outs, output{col: c, key: key, hidden: true})
		}
		embeds[i].localKey = key
	}

	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.col.Name
	}
	var b strings.Builder
	b.WriteString("SELECT " + strings.Join(names, ", ") + " FROM " + t.Name)

	cond, args, err := s.where(t, f)
	if err != nil {
		return nil, err
	}
	policy, pargs := readPolicy(t.Name, me)
	var clauses []string
	if cond != "" {
		clauses = append(clauses, cond)
	}
	if policy != "" {
		clauses = append(clauses, policy)
		args = append(args, pargs...)
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	if len(order) > 0 {
		parts := make([]string, len(order))
		for i, o := range order {
			if _, ok := t.column(o.Column); !ok {
				return nil, unknownColumn(t.Name, o.Column)
			}
			parts[i] = o.Column + " ASC"
			if o.Descending {
				parts[i] = o.Column + " DESC"
			}
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(limit))
	}

	rows, err := db.QueryContext(ctx, s.d.Rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", domain.ErrInternal, t.Name, err)
	}
	records, err := scan(rows, outs)
	if err != nil {
		return nil, err
	}

	for _, e := range embeds {
		if err := s.attach(ctx, db, me, records, e); err != nil {
			return nil, err
		}
	}
	for _, o := range outs {
		if o.hidden {
			for _, r := range records {
				delete(r, o.key)
			}
		}
	}
	return records, nil
}

// attach resolves one embed for every record with a single query on the
// related table; missing or unreadable related rows become null.
func (s *Store) attach(ctx context.Context, db querier, me string, records []domain.Record, e embedField) error {
	target, err := lookup(e.embed.Table)
	if err != nil {
		return err
	}
	var ids []domain.Filter
	seen := make(map[string]bool)
	for _, r := range records {
		if v := r.String(e.localKey); v != "" && !seen[v] {
			seen[v] = true
			ids = append(ids, domain.Eq(e.embed.Remote, v))
		}
	}

	related := make(map[string]json.RawMessage)
	if len(ids) > 0 {
		fields := e.fields
		if !selects(fields, e.embed.Remote) {
			fields = append(append([]postgrest.Field{}, fields...), postgrest.Field{Name: e.embed.Remote})
		}
		rows, err := s.selectRows(ctx, db, me, target, fields, domain.Or(ids...), nil, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			b, err := json.Marshal(row)
			if err != nil {
				return err
			}
			related[row.String(e.embed.Remote)] = b
		}
	}
	for _, r := range records {
		if b, ok := related[r.String(e.localKey)]; ok {
			r[e.key] = b
		} else {
			r[e.key] = json.RawMessage("null")
		}
	}
	return nil
}

func selects(fields []postgrest.Field, col string) bool {
	for _, f := range fields {
		if f.Name == "*" || (!f.IsEmbed() && f.Name == col && f.Alias == "") {
			return true
		}
	}
	return false
}

var sqlOps = map[domain.Op]string{
	domain.OpEq:  "=",
	domain.OpNeq: "<>",
	domain.OpGt:  ">",
	domain.OpLt:  "<",
}

func (s *Store) where(t *Table, f domain.Filter) (string, []any, error) {
	switch {
	case f.IsZero():
		return "", nil, nil
	case f.IsCondition():
		c, ok := t.column(f.Column)
		if !ok {
			return "", nil, unknownColumn(t.Name, f.Column)
		}
		v, err := s.value(c, f.Value)
		if err != nil {
			return "", nil, err
		}
		if f.Op == domain.OpILike {
			return s.d.ILike(c.Name), []any{v}, nil
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported operator %q", domain.ErrValidation, f.Op)
		}
		return c.Name + " " + op + " ?", []any{v}, nil
	default:
		children, joiner := f.All, " AND "
		if len(f.Any) > 0 {
			children, joiner = f.Any, " OR "
		}
		var parts []string
		var args []any
		for _, child := range children {
			part, a, err := s.where(t, child)
			if err != nil {
				return "", nil, err
			}
			if part != "" {
				parts = append(parts, part)
				args = append(args, a...)
			}
		}
		if len(parts) == 0 {
			return "", nil, nil
		}
		return "(" + strings.Join(parts, joiner) + ")", args, nil
	}
}

func (s *Store) value(c Column, raw string) (any, error) {
	if c.Kind != KindTime {
		return raw, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a timestamp", domain.ErrValidation, raw)
	}
	return s.d.Time(t.UTC()), nil
}

func (s *Store) arg(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return s.d.Time(t), nil
		case string:
			return s.value(c, t)
		}
		return nil, fmt.Errorf("%w: column %s expects a timestamp", domain.ErrValidation, c.Name)
	case KindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s: %v", domain.ErrValidation, c.Name, err)
		}
		return string(b), nil
	default:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: column %s expects text", domain.ErrValidation, c.Name)
		}
		return str, nil
	}
}

// Insert adds one row on behalf of me. The returned changes start with the
// inserted row, followed by any parent row the insert touched.
func (s *Store) Insert(ctx context.Context, me, table string, values map[string]any) ([]Change, error) {
	t, err := lookup(table)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	row := make(map[string]any, len(t.Columns))
	for k, v := range values {
		c, ok := t.column(k)
		if !ok {
			return nil, unknownColumn(t.Name, k)
		}
		if c.Kind != KindTime {
			row[k] = v
		}
	}
	if id, _ := row["id"].(string); id == "" {
		row["id"] = uuid.NewString()
	}
	for _, c := range t.Columns {
		if c.Kind == KindTime {
			row[c.Name] = now
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", domain.ErrInternal, err)
	}
	defer tx.Rollback()

	if err := s.checkInsert(ctx, tx, me, t, row); err != nil {
		return nil, err
	}

	var names, marks []string
	var args []any
	for _, c := range t.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		a, err := s.arg(c, v)
		if err != nil {
			return nil, err
		}
		names = append(names, c.Name)
		marks = append(marks, "?")
		args = append(args, a)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, s.d.Rebind(stmt), args...); err != nil {
		return nil, s.mapError(err)
	}

	id := row["id"].(string)
	inserted, err := s.rowByID(ctx, tx, me, t, id)
	if err != nil {
		return nil, err
	}
	changes := []Change{{Table: t.Name, Type: domain.EventInsert, Row: inserted}}

	if t.Touch != nil {
		parent, err := lookup(t.Touch.Table)
		if err != nil {
			return nil, err
		}
		parentID, _ := row[t.Touch.Column].(string)
		old, err := s.rowByID(ctx, tx, me, parent, parentID)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", parent.Name, t.Touch.Stamp)
		if _, err := tx.ExecContext(ctx, s.d.Rebind(stmt), s.d.Time(now), parentID); err != nil {
			return nil, s.mapError(err)
		}
		touched, err := s.rowByID(ctx, tx, me, parent, parentID)
		if err != nil {
			return nil, err
		}
		if touched != nil {
			changes = append(changes, Change{Table: parent.Name, Type: domain.EventUpdate, Row: touched, Old: old})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapError(err)
	}
	return changes, nil
}

// Update patches the rows matching f that me may modify.
func (s *Store) Update(ctx context.Context, me, table string, f domain.Filter, patch map[string]any) ([]Change, error) {
	t, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if me == "" {
		return nil, forbidden("anonymous update of %s", t.Name)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrValidation)
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sets []string
	var setArgs []any
	for _, k := range keys {
		c, ok := t.column(k)
		if !ok {
			return nil, unknownColumn(t.Name, k)
		}
		if !t.updatable(k) {
			return nil, forbidden("column %s of %s is not updatable", k, t.Name)
		}
		a, err := s.arg(c, patch[k])
		if err != nil {
			return nil, err
		}
		sets = append(sets, k+" = ?")
		setArgs = append(setArgs, a)
	}

	cond, args, err := s.where(t, f)
	if err != nil {
		return nil, err
	}
	policy, pargs := updatePolicy(t.Name, me)
	var clauses []string
	if cond != "" {
		clauses = append(clauses, cond)
	}
	clauses = append(clauses, policy)
	args = append(args, pargs...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", domain.ErrInternal, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.d.Rebind("SELECT id FROM "+t.Name+" WHERE "+strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", domain.ErrInternal, t.Name, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan id: %v", domain.ErrInternal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", domain.ErrInternal, t.Name, err)
	}

	var changes []Change
	stmt := s.d.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.Name, strings.Join(sets, ", ")))
	for _, id := range ids {
		old, err := s.rowByID(ctx, tx, me, t, id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt, append(append([]any{}, setArgs...), id)...); err != nil {
			return nil, s.mapError(err)
		}
		updated, err := s.rowByID(ctx, tx, me, t, id)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Table: t.Name, Type: domain.EventUpdate, Row: updated, Old: old})
	}
	if err := tx.Commit(); err != nil {
		return nil, s.mapError(err)
	}
	return changes, nil
}

// Visible reports whether me may read the row of table with id.
func (s *Store) Visible(ctx context.Context, me, table, id string) (bool, error) {
	t, err := lookup(table)
	if err != nil {
		return false, err
	}
	return s.visible(ctx, s.db, me, t, id)
}

func (s *Store) visible(ctx context.Context, q querier, me string, t *Table, id string) (bool, error) {
	policy, pargs := readPolicy(t.Name, me)
	query := "SELECT 1 FROM " + t.Name + " WHERE id = ?"
	if policy != "" {
		query += " AND " + policy
	}
	rows, err := q.QueryContext(ctx, s.d.Rebind(query), append([]any{id}, pargs...)...)
	if err != nil {
		return false, fmt.Errorf("%w: visibility of %s: %v", domain.ErrInternal, t.Name, err)
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

func (s *Store) rowByID(ctx context.Context, q querier, me string, t *Table, id string) (domain.Record, error) {
	rows, err := s.selectRows(ctx, q, me, t, []postgrest.Field{{Name: "*"}}, domain.Eq("id", id), nil, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *Store) mapError(err error) error {
	if s.d.IsUniqueViolation(err) {
		return &domain.Error{Kind: domain.ErrConflict, Code: postgrest.CodeUniqueViolation, Message: "duplicate key value violates unique constraint"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrInternal, err)
}

func scan(rows *sql.Rows, outs []output) ([]domain.Record, error) {
	defer rows.Close()
	out := []domain.Record{}
	for rows.Next() {
		vals := make([]any, len(outs))
		ptrs := make([]any, len(outs))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrInternal, err)
		}
		rec := make(domain.Record, len(outs))
		for i, o := range outs {
			raw, err := encodeValue(o.col.Kind, vals[i])
			if err != nil {
				return nil, err
			}
			rec[o.key] = raw
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrInternal, err)
	}
	return out, nil
}

func encodeValue(kind Kind, v any) (json.RawMessage, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return json.RawMessage("null"), nil
	}
	switch kind {
	case KindTime:
		t, err := scanTime(v)
		if err != nil {
			return nil, err
		}
		v = t
	case KindJSON:
		if str, ok := v.(string); ok && json.Valid([]byte(str)) {
			return json.RawMessage(str), nil
		}
	}
	return json.Marshal(v)
}

func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: stored time %q: %v", domain.ErrInternal, t, err)
		}
		return parsed.UTC(), nil
	case []byte:
		return scanTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("%w: stored time of type %T", domain.ErrInternal, v)
	}
}
