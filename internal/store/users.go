package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"betapp/internal/domain"
)

// User is an identity-provider account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser registers an account and its public profile in one transaction.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, meta map[string]string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	if u.Email == "" {
		return User{}, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("%w: begin tx: %v", domain.ErrInternal, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.Rebind(`
		INSERT INTO auth_users (id, email, hashed_password, created_at)
		VALUES (?, ?, ?, ?)
	`), u.ID, u.Email, u.PasswordHash, s.d.Time(u.CreatedAt)); err != nil {
		return User{}, s.mapError(err)
	}
	if _, err := tx.ExecContext(ctx, s.d.Rebind(`
		INSERT INTO profiles (id, name, username, email, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), u.ID, nullString(meta["name"]), nullString(meta["username"]), u.Email, s.d.Time(u.CreatedAt)); err != nil {
		return User{}, s.mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, s.mapError(err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	return s.userWhere(ctx, "email = ?", normalizeEmail(email))
}

func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	return s.userWhere(ctx, "id = ?", id)
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (User, error) {
	query := s.d.Rebind(`
		SELECT id, email, hashed_password, created_at
		FROM auth_users
		WHERE ` + cond)
	var u User
	var created any
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, domain.ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: get user: %v", domain.ErrInternal, err)
	}
	if u.CreatedAt, err = scanTime(created); err != nil {
		return User{}, err
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullString(s string) any {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}
