package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS auth_users (
			id               TEXT         PRIMARY KEY,
			email            VARCHAR(255) UNIQUE NOT NULL,
			hashed_password  VARCHAR(255) NOT NULL,
			created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			id          TEXT         PRIMARY KEY REFERENCES auth_users(id) ON DELETE CASCADE,
			name        VARCHAR(100),
			username    VARCHAR(50)  UNIQUE,
			email       VARCHAR(255),
			avatar_url  TEXT,
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS chats (
			id          TEXT         PRIMARY KEY,
			user_id     TEXT         NOT NULL REFERENCES profiles(id),
			user_id2    TEXT         NOT NULL REFERENCES profiles(id),
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			CHECK (user_id <> user_id2)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id          TEXT         PRIMARY KEY,
			chat_id     TEXT         NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sent_by     TEXT         NOT NULL REFERENCES profiles(id),
			text        TEXT         NOT NULL,
			media       JSONB,
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// One chat per unordered pair
		`CREATE UNIQUE INDEX IF NOT EXISTS chats_pair_key ON chats (LEAST(user_id, user_id2), GREATEST(user_id, user_id2))`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_id2 ON chats(user_id2)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles(username)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// Dialect is the PostgreSQL flavour of store.Dialect.
type Dialect struct{}

// Rebind numbers ? placeholders as $1, $2, ...
func (Dialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (Dialect) ILike(column string) string {
	return column + " ILIKE ?"
}

func (Dialect) Time(t time.Time) any {
	return t.UTC()
}

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
