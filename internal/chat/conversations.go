// Package chat keeps a live view of the signed-in user's direct-message
// conversations and the messages of the conversation being viewed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"betapp/internal/domain"
)

const (
	TableConversations = "chats"
	TableMessages      = "messages"

	profileColumns     = "id,name,username,avatar_url"
	conversationSelect = "id,user_id,user_id2,created_at,updated_at," +
		"user1:profiles!chats_user_id_fkey(" + profileColumns + ")," +
		"user2:profiles!chats_user_id2_fkey(" + profileColumns + ")"
)

// Status is the loading/error flag of a store's last read.
type Status struct {
	Loading bool
	Err     error
}

// ConversationStore holds the conversations visible to the current identity,
// newest activity first.
type ConversationStore struct {
	gw      domain.Gateway
	session domain.Session
	log     *slog.Logger
	feed    feed

	mu      sync.RWMutex
	byID    map[string]domain.ConversationWithPeer
	ordered []domain.ConversationWithPeer
	gen     uint64
	status  Status
}

func NewConversationStore(gw domain.Gateway, session domain.Session, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		gw:      gw,
		session: session,
		log:     logger.With("component", "conversations"),
		byID:    make(map[string]domain.ConversationWithPeer),
	}
}

// OnChange registers fn to run after the list or its status changes.
func (s *ConversationStore) OnChange(fn func()) func() {
	return s.feed.subscribe(fn)
}

// List returns a snapshot ordered by UpdatedAt descending.
func (s *ConversationStore) List() []domain.ConversationWithPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConversationWithPeer, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func (s *ConversationStore) Get(id string) (domain.ConversationWithPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

func (s *ConversationStore) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Refresh refetches every conversation of the current identity and replaces
// the list in one step. Failures keep the previous list and are reported
// through Status only. A refresh that finishes after a newer one started,
// or after the identity changed, is discarded.
func (s *ConversationStore) Refresh(ctx context.Context) {
	me := s.session.CurrentIdentity()
	if me == "" {
		s.setStatus(Status{Err: domain.ErrNotAuthenticated})
		return
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.status.Loading = true
	s.mu.Unlock()
	s.feed.emit()

	rows, err := s.gw.Query(ctx, domain.Query{
		Table:  TableConversations,
		Select: conversationSelect,
		Joins:  []string{"user1", "user2"},
		Filter: domain.Or(domain.Eq("user_id", string(me)), domain.Eq("user_id2", string(me))),
		Order:  []domain.Order{{Column: "updated_at", Descending: true}},
	})

	var list []domain.ConversationWithPeer
	if err == nil {
		list = make([]domain.ConversationWithPeer, 0, len(rows))
		for _, row := range rows {
			var c domain.ConversationWithPeer
			if derr := row.Decode(&c); derr != nil {
				s.log.Warn("skipping undecodable conversation", "id", row.String("id"), "error", derr)
				continue
			}
			list = append(list, c)
		}
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		})
	}

	s.mu.Lock()
	if gen != s.gen || s.session.CurrentIdentity() != me {
		s.mu.Unlock()
		s.log.Debug("discarding stale conversation refresh", "identity", string(me))
		return
	}
	if err != nil {
		s.status = Status{Err: err}
		s.mu.Unlock()
		s.log.Warn("refresh conversations failed", "error", err)
		s.feed.emit()
		return
	}
	s.byID = make(map[string]domain.ConversationWithPeer, len(list))
	for _, c := range list {
		s.byID[c.ID] = c
	}
	s.ordered = list
	s.status = Status{}
	s.mu.Unlock()
	s.feed.emit()
}

// Reset empties the store and invalidates in-flight refreshes.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.gen++
	s.byID = make(map[string]domain.ConversationWithPeer)
	s.ordered = nil
	s.status = Status{}
	s.mu.Unlock()
	s.feed.emit()
}

// UpsertOrCreate returns the conversation between the current identity and
// peer, creating it if neither side has yet. A concurrent creation from the
// peer's side is resolved by re-reading the pair.
func (s *ConversationStore) UpsertOrCreate(ctx context.Context, peer domain.Identity) (domain.Conversation, error) {
	me := s.session.CurrentIdentity()
	if me == "" {
		return domain.Conversation{}, domain.ErrNotAuthenticated
	}
	if peer == "" {
		return domain.Conversation{}, fmt.Errorf("%w: peer is required", domain.ErrValidation)
	}
	if peer == me {
		return domain.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", domain.ErrInvalidOperation)
	}

	existing, err := s.findPair(ctx, me, peer)
	if err != nil {
		return domain.Conversation{}, err
	}
	if existing != nil {
		if _, known := s.Get(existing.ID); !known {
			s.Refresh(ctx)
		}
		return *existing, nil
	}

	row, err := s.gw.Insert(ctx, TableConversations, map[string]string{
		"user_id":  string(me),
		"user_id2": string(peer),
	})
	var created domain.Conversation
	switch {
	case err == nil:
		if err := row.Decode(&created); err != nil {
			return domain.Conversation{}, err
		}
	case errors.Is(err, domain.ErrConflict):
		s.log.Debug("conversation created concurrently, re-reading", "peer", string(peer))
		again, qerr := s.findPair(ctx, me, peer)
		if qerr != nil {
			return domain.Conversation{}, qerr
		}
		if again == nil {
			return domain.Conversation{}, fmt.Errorf("conflicting conversation is not visible: %w", err)
		}
		created = *again
	default:
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.Refresh(ctx)
	return created, nil
}

func (s *ConversationStore) findPair(ctx context.Context, me, peer domain.Identity) (*domain.Conversation, error) {
	rows, err := s.gw.Query(ctx, domain.Query{
		Table:  TableConversations,
		Select: "id,user_id,user_id2,created_at,updated_at",
		Filter: pairFilter(me, peer),
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var c domain.Conversation
	if err := rows[0].Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func pairFilter(a, b domain.Identity) domain.Filter {
	return domain.Or(
		domain.And(domain.Eq("user_id", string(a)), domain.Eq("user_id2", string(b))),
		domain.And(domain.Eq("user_id", string(b)), domain.Eq("user_id2", string(a))),
	)
}

func (s *ConversationStore) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.feed.emit()
}

// Peer returns the profile of whichever participant is not me, or nil when
// that profile has not been loaded or me is not a participant.
func Peer(c domain.ConversationWithPeer, me domain.Identity) *domain.Profile {
	switch me {
	case c.ParticipantA:
		return c.ProfileB
	case c.ParticipantB:
		return c.ProfileA
	default:
		return nil
	}
}

// PeerID returns the identity in the slot that is not me.
func PeerID(c domain.Conversation, me domain.Identity) domain.Identity {
	if c.ParticipantA == me {
		return c.ParticipantB
	}
	return c.ParticipantA
}
