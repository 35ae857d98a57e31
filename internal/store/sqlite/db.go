package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// TimeLayout keeps stored timestamps fixed-width so text order is time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Open opens a SQLite database with the given DSN. Writes are serialized
// on a single connection, which also keeps ":memory:" databases shared.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / CREATE INDEX statements.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS auth_users (
			id TEXT PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			hashed_password VARCHAR(255) NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name VARCHAR(100),
			username VARCHAR(50) UNIQUE,
			email VARCHAR(255),
			avatar_url TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (id) REFERENCES auth_users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_id2 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (user_id <> user_id2),
			FOREIGN KEY (user_id) REFERENCES profiles(id),
			FOREIGN KEY (user_id2) REFERENCES profiles(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sent_by TEXT NOT NULL,
			text TEXT NOT NULL,
			media TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
			FOREIGN KEY (sent_by) REFERENCES profiles(id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS chats_pair_key ON chats (min(user_id, user_id2), max(user_id, user_id2));`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_id2 ON chats(user_id2);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles(username);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Dialect is the SQLite flavour of store.Dialect.
type Dialect struct{}

func (Dialect) Rebind(query string) string {
	return query
}

// ILike relies on LIKE being case-insensitive for ASCII in SQLite.
func (Dialect) ILike(column string) string {
	return column + ` LIKE ? ESCAPE '\'`
}

func (Dialect) Time(t time.Time) any {
	return t.UTC().Format(TimeLayout)
}

func (Dialect) IsUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
