package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"betapp/internal/chat"
	"betapp/internal/domain"
)

func conversationRow(t *testing.T, id, a, b string, updated time.Duration) domain.Record {
	return rec(t, domain.ConversationWithPeer{
		Conversation: domain.Conversation{
			ID:           id,
			ParticipantA: domain.Identity(a),
			ParticipantB: domain.Identity(b),
			CreatedAt:    t0,
			UpdatedAt:    t0.Add(updated),
		},
		ProfileA: profile(a, "name-"+a),
		ProfileB: profile(b, "name-"+b),
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("ReplacesAndOrders", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		gw.On("Query", mock.Anything, conversationList).Return([]domain.Record{
			conversationRow(t, "old", "me", "a", time.Minute),
			conversationRow(t, "new", "b", "me", time.Hour),
		}, nil).Once()

		store.Refresh(ctx)

		list := store.List()
		require.Len(t, list, 2)
		assert.Equal(t, "new", list[0].ID)
		assert.Equal(t, "old", list[1].ID)
		assert.Equal(t, chat.Status{}, store.Status())

		q := gw.Calls[0].Arguments.Get(1).(domain.Query)
		assert.Equal(t, domain.Or(domain.Eq("user_id", "me"), domain.Eq("user_id2", "me")), q.Filter)
	})

	t.Run("FailureKeepsLastGood", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		gw.On("Query", mock.Anything, conversationList).Return([]domain.Record{
			conversationRow(t, "c1", "me", "a", 0),
		}, nil).Once()
		gw.On("Query", mock.Anything, conversationList).Return(nil, domain.ErrTransport).Once()

		store.Refresh(ctx)
		store.Refresh(ctx)

		require.Len(t, store.List(), 1)
		assert.ErrorIs(t, store.Status().Err, domain.ErrTransport)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{}, nil)
		store.Refresh(ctx)
		assert.ErrorIs(t, store.Status().Err, domain.ErrNotAuthenticated)
		gw.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
	})

	t.Run("StaleRefreshDiscarded", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		started, release := make(chan struct{}), make(chan struct{})
		gw.On("Query", mock.Anything, conversationList).Run(func(mock.Arguments) { close(started); <-release }).
			Return([]domain.Record{conversationRow(t, "slow", "me", "a", 0)}, nil).Once()
		gw.On("Query", mock.Anything, conversationList).
			Return([]domain.Record{conversationRow(t, "fast", "me", "b", 0)}, nil).Once()

		done := make(chan struct{})
		go func() {
			store.Refresh(ctx)
			close(done)
		}()
		<-started

		store.Refresh(ctx)
		close(release)
		<-done

		list := store.List()
		require.Len(t, list, 1)
		assert.Equal(t, "fast", list[0].ID)
	})
}

func TestUpsertOrCreate(t *testing.T) {
	ctx := context.Background()
	existing := domain.Conversation{ID: "c1", ParticipantA: "peer", ParticipantB: "me", CreatedAt: t0, UpdatedAt: t0}

	t.Run("SelfChatRejected", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)

		_, err := store.UpsertOrCreate(ctx, "me")
		assert.ErrorIs(t, err, domain.ErrInvalidOperation)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, gw.Calls)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{}, nil)
		_, err := store.UpsertOrCreate(ctx, "peer")
		assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
		assert.Empty(t, gw.Calls)
	})

	t.Run("ExistingReturnedWithoutWrite", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		gw.On("Query", mock.Anything, pairLookup).Return([]domain.Record{rec(t, existing)}, nil).Once()
		gw.On("Query", mock.Anything, conversationList).Return([]domain.Record{conversationRow(t, "c1", "peer", "me", 0)}, nil).Once()

		got, err := store.UpsertOrCreate(ctx, "peer")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
		gw.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)

		q := gw.Calls[0].Arguments.Get(1).(domain.Query)
		assert.Equal(t, domain.Or(
			domain.And(domain.Eq("user_id", "me"), domain.Eq("user_id2", "peer")),
			domain.And(domain.Eq("user_id", "peer"), domain.Eq("user_id2", "me")),
		), q.Filter)
	})

	t.Run("CreatesThenRefreshes", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		created := domain.Conversation{ID: "c2", ParticipantA: "me", ParticipantB: "peer", CreatedAt: t0, UpdatedAt: t0}

		gw.On("Query", mock.Anything, pairLookup).Return([]domain.Record{}, nil).Once()
		gw.On("Insert", mock.Anything, "chats", map[string]string{"user_id": "me", "user_id2": "peer"}).
			Return(rec(t, created), nil).Once()
		gw.On("Query", mock.Anything, conversationList).Return([]domain.Record{conversationRow(t, "c2", "me", "peer", 0)}, nil).Once()

		got, err := store.UpsertOrCreate(ctx, "peer")
		require.NoError(t, err)
		assert.Equal(t, created, got)

		listed, ok := store.Get("c2")
		require.True(t, ok)
		require.NotNil(t, chat.Peer(listed, "me"))
		assert.Equal(t, domain.Identity("peer"), chat.Peer(listed, "me").ID)
		gw.AssertExpectations(t)
	})

	t.Run("ConflictResolvedByRequery", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)

		gw.On("Query", mock.Anything, pairLookup).Return([]domain.Record{}, nil).Once()
		gw.On("Insert", mock.Anything, "chats", mock.Anything).
			Return(nil, &domain.Error{Kind: domain.ErrConflict, Code: "23505", Message: "duplicate key"}).Once()
		gw.On("Query", mock.Anything, pairLookup).Return([]domain.Record{rec(t, existing)}, nil).Once()
		gw.On("Query", mock.Anything, conversationList).Return([]domain.Record{conversationRow(t, "c1", "peer", "me", 0)}, nil).Once()

		got, err := store.UpsertOrCreate(ctx, "peer")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
		gw.AssertExpectations(t)
	})

	t.Run("OtherInsertErrorSurfaced", func(t *testing.T) {
		gw := new(MockGateway)
		store := chat.NewConversationStore(gw, &fakeSession{id: "me"}, nil)
		gw.On("Query", mock.Anything, pairLookup).Return([]domain.Record{}, nil).Once()
		gw.On("Insert", mock.Anything, "chats", mock.Anything).Return(nil, domain.ErrTransport).Once()

		_, err := store.UpsertOrCreate(ctx, "peer")
		assert.ErrorIs(t, err, domain.ErrTransport)
		assert.Empty(t, store.List())
	})
}

func TestPeerIsSymmetric(t *testing.T) {
	me, peer := profile("me", "Me"), profile("peer", "Peer")

	forward := domain.ConversationWithPeer{
		Conversation: domain.Conversation{ParticipantA: "me", ParticipantB: "peer"},
		ProfileA:     me,
		ProfileB:     peer,
	}
	backward := domain.ConversationWithPeer{
		Conversation: domain.Conversation{ParticipantA: "peer", ParticipantB: "me"},
		ProfileA:     peer,
		ProfileB:     me,
	}

	assert.Same(t, peer, chat.Peer(forward, "me"))
	assert.Same(t, peer, chat.Peer(backward, "me"))

	unloaded := domain.ConversationWithPeer{Conversation: domain.Conversation{ParticipantA: "me", ParticipantB: "peer"}}
	assert.Nil(t, chat.Peer(unloaded, "me"))
	assert.Nil(t, chat.Peer(forward, "stranger"))
}

func TestDisplayName(t *testing.T) {
	username := "bettor"
	empty := ""
	assert.Equal(t, "Peer", chat.DisplayName(profile("p", "Peer"), "p"))
	assert.Equal(t, "bettor", chat.DisplayName(&domain.Profile{DisplayName: &empty, Username: &username}, "p"))
	assert.Equal(t, "0123abcd", chat.DisplayName(nil, "0123abcd-ffff-4444"))
	assert.Equal(t, "short", chat.DisplayName(nil, "short"))
}
