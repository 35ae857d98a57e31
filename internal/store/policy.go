package store

import (
	"context"
	"fmt"

	"betapp/internal/domain"
)

const codeInsufficientPrivilege = "42501"

func forbidden(format string, args ...any) error {
	return &domain.Error{Kind: domain.ErrNotAuthenticated, Code: codeInsufficientPrivilege, Message: fmt.Sprintf(format, args...)}
}

// readPolicy returns the row predicate restricting what me may read.
func readPolicy(table, me string) (string, []any) {
	switch table {
	case "profiles":
		return "", nil
	case "chats":
		if me == "" {
			return "1 = 0", nil
		}
		return "(user_id = ? OR user_id2 = ?)", []any{me, me}
	case "messages":
		if me == "" {
			return "1 = 0", nil
		}
		return "chat_id IN (SELECT id FROM chats WHERE user_id = ? OR user_id2 = ?)", []any{me, me}
	default:
		return "1 = 0", nil
	}
}

func (s *Store) checkInsert(ctx context.Context, q querier, me string, t *Table, row map[string]any) error {
	if me == "" {
		return forbidden("anonymous insert into %s", t.Name)
	}
	switch t.Name {
	case "chats":
		if row["user_id"] != me {
			return forbidden("new row violates row-level security policy for table %q", t.Name)
		}
		if peer, _ := row["user_id2"].(string); peer == "" || peer == me {
			return &domain.Error{Kind: domain.ErrValidation, Code: "23514", Message: "chat requires two distinct participants"}
		}
	case "messages":
		if row["sent_by"] != me {
			return forbidden("new row violates row-level security policy for table %q", t.Name)
		}
		chatID, _ := row["chat_id"].(string)
		ok, err := s.visible(ctx, q, me, Tables["chats"], chatID)
		if err != nil {
			return err
		}
		if !ok {
			return forbidden("new row violates row-level security policy for table %q", t.Name)
		}
	default:
		return forbidden("permission denied for table %s", t.Name)
	}
	return nil
}

// updatePolicy restricts which rows me may patch.
func updatePolicy(table, me string) (string, []any) {
	switch table {
	case "profiles":
		return "id = ?", []any{me}
	default:
		return "1 = 0", nil
	}
}
