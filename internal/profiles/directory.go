// Package profiles looks up other users to start a conversation with.
package profiles

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"betapp/internal/domain"
)

const (
	TableProfiles = "profiles"

	MinSearchLength = 2
	SearchLimit     = 20

	columns = "id,name,username,avatar_url"
)

type Directory struct {
	gw      domain.Gateway
	session domain.Session
}

func NewDirectory(gw domain.Gateway, session domain.Session) *Directory {
	return &Directory{gw: gw, session: session}
}

// Search matches term case-insensitively against username, name and email,
// leaving out the caller. Terms shorter than MinSearchLength return no rows
// without querying.
func (d *Directory) Search(ctx context.Context, term string) ([]domain.Profile, error) {
	me := d.session.CurrentIdentity()
	if me == "" {
		return nil, domain.ErrNotAuthenticated
	}
	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < MinSearchLength {
		return nil, nil
	}

	pattern := "%" + escapeLike(term) + "%"
	rows, err := d.gw.Query(ctx, domain.Query{
		Table:  TableProfiles,
		Select: columns,
		Filter: domain.And(
			domain.Or(
				domain.ILike("username", pattern),
				domain.ILike("name", pattern),
				domain.ILike("email", pattern),
			),
			domain.Neq("id", string(me)),
		),
		Order: []domain.Order{{Column: "username"}},
		Limit: SearchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	return decode(rows)
}

// Get returns a single profile by id.
func (d *Directory) Get(ctx context.Context, id domain.Identity) (domain.Profile, error) {
	if id == "" {
		return domain.Profile{}, fmt.Errorf("%w: profile id is required", domain.ErrValidation)
	}
	rows, err := d.gw.Query(ctx, domain.Query{
		Table:  TableProfiles,
		Select: columns,
		Filter: domain.Eq("id", string(id)),
		Limit:  1,
	})
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if len(rows) == 0 {
		return domain.Profile{}, domain.ErrNotFound
	}
	var p domain.Profile
	if err := rows[0].Decode(&p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func decode(rows []domain.Record) ([]domain.Profile, error) {
	out := make([]domain.Profile, 0, len(rows))
	for _, row := range rows {
		var p domain.Profile
		if err := row.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// escapeLike keeps user-typed wildcards literal.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
