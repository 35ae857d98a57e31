package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betapp/internal/domain"
	"betapp/internal/gateway"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func newClient(t *testing.T, h http.Handler) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := gateway.New(gateway.Options{URL: srv.URL, AnonKey: "anon"})
	require.NoError(t, err)
	return c
}

func TestQueryNormalizesEmbeds(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/chats", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "(user_id.eq.me,user_id2.eq.me)", r.URL.Query().Get("or"))
		assert.Equal(t, "updated_at.desc", r.URL.Query().Get("order"))
		_, _ = io.WriteString(w, `[
			{"id":"c1","user1":[{"id":"me","name":"Me"}],"user2":{"id":"p","name":"Peer"}},
			{"id":"c2","user1":[],"user2":null}
		]`)
	}))
	c.SetTokenSource(staticToken("user-token"))

	rows, err := c.Query(context.Background(), domain.Query{
		Table:  "chats",
		Select: "id,user1:profiles!chats_user_id_fkey(id,name),user2:profiles!chats_user_id2_fkey(id,name)",
		Joins:  []string{"user1", "user2"},
		Filter: domain.Or(domain.Eq("user_id", "me"), domain.Eq("user_id2", "me")),
		Order:  []domain.Order{{Column: "updated_at", Descending: true}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var first domain.ConversationWithPeer
	require.NoError(t, rows[0].Decode(&first))
	require.NotNil(t, first.ProfileA)
	require.NotNil(t, first.ProfileB)
	assert.Equal(t, domain.Identity("me"), first.ProfileA.ID)
	assert.Equal(t, domain.Identity("p"), first.ProfileB.ID)

	var second domain.ConversationWithPeer
	require.NoError(t, rows[1].Decode(&second))
	assert.Nil(t, second.ProfileA)
	assert.Nil(t, second.ProfileB)
}

func TestQueryLeavesToManyEmbeds(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"b1","bet_options":[{"id":"o1"},{"id":"o2"}]}]`)
	}))
	rows, err := c.Query(context.Background(), domain.Query{Table: "bets", Select: "id,bet_options(id)"})
	require.NoError(t, err)

	var bet struct {
		Options []struct{ ID string } `json:"bet_options"`
	}
	require.NoError(t, rows[0].Decode(&bet))
	assert.Len(t, bet.Options, 2)
}

func TestInsertReturnsRepresentation(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": body["id"], "text": body["text"]}})
	}))

	row, err := c.Insert(context.Background(), "messages", map[string]string{"id": "m1", "text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m1", row.String("id"))
	assert.Equal(t, "hi", row.String("text"))
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusConflict, `{"code":"23505","message":"duplicate key value"}`, domain.ErrConflict},
		{http.StatusUnauthorized, `{"message":"JWT expired"}`, domain.ErrNotAuthenticated},
		{http.StatusBadRequest, `bad filter`, domain.ErrValidation},
		{http.StatusServiceUnavailable, ``, domain.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			_, err := c.Insert(context.Background(), "chats", map[string]string{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnreachableIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := gateway.New(gateway.Options{URL: url})
	require.NoError(t, err)
	_, err = c.Query(context.Background(), domain.Query{Table: "chats"})
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestUpdateMissingRowIsNotFound(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.b1", r.URL.Query().Get("id"))
		_, _ = io.WriteString(w, `[]`)
	}))
	_, err := c.Update(context.Background(), "bets", "b1", map[string]string{"status": "settled"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignUpWithoutSession(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/signup", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"u1","email":"a@b.c"}`)
	}))
	_, err := c.SignUp(context.Background(), "a@b.c", "secret123", map[string]string{"username": "ab"})
	assert.ErrorIs(t, err, gateway.ErrConfirmationRequired)
}

func TestSignInWithPassword(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		_, _ = io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":3600,"user":{"id":"u1"}}`)
	}))
	tokens, err := c.SignInWithPassword(context.Background(), "a@b.c", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, 3600, tokens.ExpiresIn)
}
