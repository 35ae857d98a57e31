package store

import (
	"fmt"

	"betapp/internal/domain"
)

type Kind int

const (
	KindText Kind = iota
	KindTime
	KindJSON
)

type Column struct {
	Name string
	Kind Kind
}

// Embed is a many-to-one relation: Local on the owning table references
// Remote on Table.
type Embed struct {
	Table  string
	Local  string
	Remote string
}

// Touch stamps a parent row whenever a child row is inserted.
type Touch struct {
	Column string
	Table  string
	Stamp  string
}

type Table struct {
	Name      string
	Columns   []Column
	Embeds    map[string]Embed
	Updatable []string
	Touch     *Touch
}

func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) updatable(name string) bool {
	for _, c := range t.Updatable {
		if c == name {
			return true
		}
	}
	return false
}

// Tables lists every table the REST surface exposes.
var Tables = map[string]*Table{
	"profiles": {
		Name: "profiles",
		Columns: []Column{
			{Name: "id"}, {Name: "name"}, {Name: "username"}, {Name: "email"},
			{Name: "avatar_url"}, {Name: "created_at", Kind: KindTime},
		},
		Updatable: []string{"name", "username", "avatar_url"},
	},
	"chats": {
		Name: "chats",
		Columns: []Column{
			{Name: "id"}, {Name: "user_id"}, {Name: "user_id2"},
			{Name: "created_at", Kind: KindTime}, {Name: "updated_at", Kind: KindTime},
		},
		Embeds: map[string]Embed{
			"profiles!chats_user_id_fkey":  {Table: "profiles", Local: "user_id", Remote: "id"},
			"profiles!chats_user_id2_fkey": {Table: "profiles", Local: "user_id2", Remote: "id"},
		},
	},
	"messages": {
		Name: "messages",
		Columns: []Column{
			{Name: "id"}, {Name: "chat_id"}, {Name: "sent_by"}, {Name: "text"},
			{Name: "media", Kind: KindJSON}, {Name: "created_at", Kind: KindTime},
		},
		Embeds: map[string]Embed{
			"chats":                          {Table: "chats", Local: "chat_id", Remote: "id"},
			"profiles":                       {Table: "profiles", Local: "sent_by", Remote: "id"},
			"profiles!messages_sent_by_fkey": {Table: "profiles", Local: "sent_by", Remote: "id"},
		},
		Touch: &Touch{Column: "chat_id", Table: "chats", Stamp: "updated_at"},
	},
}

func lookup(name string) (*Table, error) {
	t, ok := Tables[name]
	if !ok {
		return nil, &domain.Error{Kind: domain.ErrNotFound, Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", name)}
	}
	return t, nil
}

func unknownColumn(table, col string) error {
	return &domain.Error{Kind: domain.ErrValidation, Code: "42703", Message: fmt.Sprintf("column %s.%s does not exist", table, col)}
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.column(name)
	return ok
}
