package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betapp/internal/domain"
	"betapp/internal/gateway"
)

// phoenixServer acknowledges joins and lets the test push changes or drop
// connections.
type phoenixServer struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	joins  chan gateway.JoinPayload
	topics map[string]*websocket.Conn
	reject bool
	down   bool
}

func newPhoenixServer(t *testing.T) (*phoenixServer, *httptest.Server) {
	ps := &phoenixServer{
		joins:  make(chan gateway.JoinPayload, 16),
		topics: make(map[string]*websocket.Conn),
	}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)
	return ps, srv
}

func (ps *phoenixServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	down := ps.down
	ps.mu.Unlock()
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ps.mu.Lock()
	ps.conns = append(ps.conns, conn)
	ps.mu.Unlock()

	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		reply := gateway.ReplyPayload{Status: "ok", Response: json.RawMessage("{}")}
		if f.Event == gateway.EventJoin {
			var join gateway.JoinPayload
			_ = json.Unmarshal(f.Payload, &join)
			ps.mu.Lock()
			if ps.reject {
				reply = gateway.ReplyPayload{Status: "error", Response: json.RawMessage(`{"reason":"bad token"}`)}
			} else {
				ps.topics[f.Topic] = conn
			}
			ps.mu.Unlock()
			ps.joins <- join
		}
		payload, _ := json.Marshal(reply)
		ps.mu.Lock()
		_ = conn.WriteJSON(gateway.Frame{Topic: f.Topic, Event: gateway.EventReply, Payload: payload, Ref: f.Ref})
		ps.mu.Unlock()
	}
}

func (ps *phoenixServer) push(record string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	payload := `{"data":{"type":"INSERT","schema":"public","table":"messages","record":` + record + `,"commit_timestamp":"2024-01-01T00:00:00Z"}}`
	for topic, conn := range ps.topics {
		_ = conn.WriteJSON(gateway.Frame{Topic: topic, Event: gateway.EventPostgresChanges, Payload: json.RawMessage(payload)})
	}
}

func (ps *phoenixServer) setDown(down bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.down = down
}

func (ps *phoenixServer) dropAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		_ = c.Close()
	}
	ps.conns = nil
	ps.topics = make(map[string]*websocket.Conn)
}

func startRealtime(t *testing.T, srv *httptest.Server) *gateway.Realtime {
	rt := gateway.NewRealtime(gateway.RealtimeOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          func() string { return "tok" },
		Heartbeat:      time.Second,
		ReconnectDelay: 20 * time.Millisecond,
	})
	rt.Start(context.Background())
	t.Cleanup(rt.Close)
	return rt
}

func TestRealtimeSubscribeAndDeliver(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	rt := startRealtime(t, srv)

	events := make(chan domain.Event, 4)
	scope := domain.Scope{Table: "messages", Events: []domain.EventType{domain.EventInsert}, Filter: domain.Eq("chat_id", "c1")}
	sub, err := rt.Subscribe(context.Background(), scope, func(e domain.Event) { events <- e })
	require.NoError(t, err)
	assert.Equal(t, scope, sub.Scope())

	join := <-ps.joins
	assert.Equal(t, "tok", join.AccessToken)
	require.Len(t, join.Config.PostgresChanges, 1)
	assert.Equal(t, "chat_id=eq.c1", join.Config.PostgresChanges[0].Filter)
	assert.Equal(t, "INSERT", join.Config.PostgresChanges[0].Event)

	ps.push(`{"id":"m1","chat_id":"c1"}`)
	select {
	case e := <-events:
		assert.Equal(t, domain.EventInsert, e.Type)
		assert.Equal(t, "m1", e.New.String("id"))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	ps.push(`{"id":"m2","chat_id":"c1"}`)
	select {
	case e := <-events:
		t.Fatalf("event after unsubscribe: %v", e.New.String("id"))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	ps.reject = true
	rt := startRealtime(t, srv)

	_, err := rt.Subscribe(context.Background(), domain.Scope{Table: "chats"}, func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestRealtimeRejectsCompoundFilter(t *testing.T) {
	_, srv := newPhoenixServer(t)
	rt := startRealtime(t, srv)

	scope := domain.Scope{Table: "chats", Filter: domain.Or(domain.Eq("user_id", "a"), domain.Eq("user_id2", "a"))}
	_, err := rt.Subscribe(context.Background(), scope, func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRealtimeReconnectNotifies(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	rt := startRealtime(t, srv)

	reconnected := make(chan struct{}, 1)
	unregister := rt.OnReconnect(func() { reconnected <- struct{}{} })
	defer unregister()

	_, err := rt.Subscribe(context.Background(), domain.Scope{Table: "chats"}, func(domain.Event) {})
	require.NoError(t, err)
	<-ps.joins

	ps.dropAll()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect listener not called")
	}

	_, err = rt.Subscribe(context.Background(), domain.Scope{Table: "chats"}, func(domain.Event) {})
	require.NoError(t, err)
}

func TestRealtimeSubscribeGivesUpWhileUnreachable(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	ps.setDown(true)
	rt := gateway.NewRealtime(gateway.RealtimeOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          func() string { return "tok" },
		Heartbeat:      time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		JoinTimeout:    100 * time.Millisecond,
	})
	rt.Start(context.Background())
	t.Cleanup(rt.Close)

	connected := make(chan struct{}, 1)
	unregister := rt.OnReconnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer unregister()

	began := time.Now()
	_, err := rt.Subscribe(context.Background(), domain.Scope{Table: "chats"}, func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Less(t, time.Since(began), 2*time.Second)

	// The first connect after a failed join must let listeners resubscribe.
	ps.setDown(false)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called on first connect after a failed join")
	}

	_, err = rt.Subscribe(context.Background(), domain.Scope{Table: "chats"}, func(domain.Event) {})
	require.NoError(t, err)
}
