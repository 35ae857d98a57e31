package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"betapp/internal/domain"
)

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = fmt.Errorf("%w: message text is empty", domain.ErrValidation)

// MessageStore holds the ordered log of the active conversation.
type MessageStore struct {
	gw      domain.Gateway
	session domain.Session
	log     *slog.Logger
	feed    feed

	mu     sync.RWMutex
	active string
	gen    uint64
	msgs   []domain.Message
	ids    map[string]struct{}
	status Status
}

type newMessage struct {
	ID     string          `json:"id"`
	ChatID string          `json:"chat_id"`
	SentBy domain.Identity `json:"sent_by"`
	Text   string          `json:"text"`
	Media  json.RawMessage `json:"media,omitempty"`
}

func NewMessageStore(gw domain.Gateway, session domain.Session, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		gw:      gw,
		session: session,
		log:     logger.With("component", "messages"),
		ids:     make(map[string]struct{}),
	}
}

// OnChange registers fn to run after the log or its status changes.
func (s *MessageStore) OnChange(fn func()) func() {
	return s.feed.subscribe(fn)
}

// Active returns the id of the open conversation, or "".
func (s *MessageStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Messages returns a snapshot of the log in createdAt order.
func (s *MessageStore) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *MessageStore) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetActive switches the open conversation, clearing the log, and loads the
// new conversation's history when id is not empty.
func (s *MessageStore) SetActive(ctx context.Context, id string) error {
	s.Activate(id)
	if id == "" {
		return nil
	}
	return s.Load(ctx, id)
}

// Activate switches the open conversation and clears the log without
// loading. Results of loads started before the switch are discarded.
func (s *MessageStore) Activate(id string) {
	s.mu.Lock()
	s.gen++
	s.active = id
	s.msgs = nil
	s.ids = make(map[string]struct{})
	s.status = Status{}
	s.mu.Unlock()
	s.feed.emit()
}

// Reset closes the active conversation.
func (s *MessageStore) Reset() {
	s.Activate("")
}

// Load fetches the full history of conversationID and replaces the log with
// it. Messages appended while the request was in flight are kept. Load does
// nothing when conversationID is not the active conversation, and its
// result is dropped if the conversation is switched or reloaded meanwhile.
func (s *MessageStore) Load(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if conversationID == "" || conversationID != s.active {
		s.mu.Unlock()
		s.log.Debug("skipping load for inactive conversation", "conversation", conversationID)
		return nil
	}
	s.gen++
	gen := s.gen
	s.status = Status{Loading: true}
	s.mu.Unlock()
	s.feed.emit()

	rows, err := s.gw.Query(ctx, domain.Query{
		Table:  TableMessages,
		Select: "*",
		Filter: domain.Eq("chat_id", conversationID),
		Order:  []domain.Order{{Column: "created_at"}},
	})

	var loaded []domain.Message
	if err == nil {
		loaded = make([]domain.Message, 0, len(rows))
		for _, row := range rows {
			var m domain.Message
			if derr := row.Decode(&m); derr != nil {
				err = derr
				break
			}
			loaded = append(loaded, m)
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discarding stale message load", "conversation", conversationID)
		return nil
	}
	if err != nil {
		s.status = Status{Err: err}
		s.mu.Unlock()
		s.feed.emit()
		return fmt.Errorf("load messages: %w", err)
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})
	ids := make(map[string]struct{}, len(loaded))
	for _, m := range loaded {
		ids[m.ID] = struct{}{}
	}
	for _, m := range s.msgs {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		loaded = insertSorted(loaded, m)
		ids[m.ID] = struct{}{}
	}
	s.msgs = loaded
	s.ids = ids
	s.status = Status{}
	s.mu.Unlock()
	s.feed.emit()
	return nil
}

// Append adds m to the log at its createdAt position. It reports false and
// changes nothing when m is already present or belongs to another
// conversation.
func (s *MessageStore) Append(m domain.Message) bool {
	s.mu.Lock()
	if s.active == "" || m.ConversationID != s.active {
		s.mu.Unlock()
		s.log.Debug("dropping message for inactive conversation", "conversation", m.ConversationID, "id", m.ID)
		return false
	}
	if _, dup := s.ids[m.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.msgs = insertSorted(s.msgs, m)
	s.mu.Unlock()
	s.feed.emit()
	return true
}

// Send inserts a message from the current identity and appends the row the
// backend confirmed. Nothing changes locally if the insert fails.
func (s *MessageStore) Send(ctx context.Context, conversationID, text string) (domain.Message, error) {
	text, err := validText(text)
	if err != nil {
		return domain.Message{}, err
	}
	me := s.session.CurrentIdentity()
	if me == "" {
		return domain.Message{}, domain.ErrNotAuthenticated
	}
	if conversationID == "" {
		return domain.Message{}, fmt.Errorf("%w: conversation is required", domain.ErrValidation)
	}

	row, err := s.gw.Insert(ctx, TableMessages, newMessage{
		ID:     uuid.NewString(),
		ChatID: conversationID,
		SentBy: me,
		Text:   text,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	var confirmed domain.Message
	if err := row.Decode(&confirmed); err != nil {
		return domain.Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	s.Append(confirmed)
	return confirmed, nil
}

func validText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

// insertSorted places m after every message with CreatedAt <= m.CreatedAt.
func insertSorted(msgs []domain.Message, m domain.Message) []domain.Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	msgs = append(msgs, domain.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
