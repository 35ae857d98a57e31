package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"betapp/internal/domain"
)

// MockGateway mocks the row calls and records push subscriptions.
type MockGateway struct {
	mock.Mock

	mu        sync.Mutex
	subs      []*fakeSub
	reconnect map[int]func()
	next      int

	// While hold is set, Subscribe signals entered and waits for hold to
	// close or its context to end.
	hold    chan struct{}
	entered chan struct{}
}

// holdSubscribes stalls every Subscribe until the returned release runs.
func (m *MockGateway) holdSubscribes() (entered <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold := make(chan struct{})
	m.hold = hold
	m.entered = make(chan struct{}, 16)
	var once sync.Once
	return m.entered, func() {
		once.Do(func() {
			m.mu.Lock()
			m.hold = nil
			m.mu.Unlock()
			close(hold)
		})
	}
}

func (m *MockGateway) Query(ctx context.Context, q domain.Query) ([]domain.Record, error) {
	args := m.Called(ctx, q)
	rows, _ := args.Get(0).([]domain.Record)
	return rows, args.Error(1)
}

func (m *MockGateway) Insert(ctx context.Context, table string, record any) (domain.Record, error) {
	args := m.Called(ctx, table, record)
	if echo, ok := args.Get(0).(func(any) domain.Record); ok {
		return echo(record), args.Error(1)
	}
	row, _ := args.Get(0).(domain.Record)
	return row, args.Error(1)
}

func (m *MockGateway) Update(ctx context.Context, table, id string, patch any) (domain.Record, error) {
	args := m.Called(ctx, table, id, patch)
	row, _ := args.Get(0).(domain.Record)
	return row, args.Error(1)
}

func (m *MockGateway) RPC(ctx context.Context, name string, params any) (json.RawMessage, error) {
	args := m.Called(ctx, name, params)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func (m *MockGateway) Subscribe(ctx context.Context, scope domain.Scope, onEvent func(domain.Event)) (domain.Subscription, error) {
	m.mu.Lock()
	hold, entered := m.hold, m.entered
	m.mu.Unlock()
	if hold != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &fakeSub{scope: scope, handler: onEvent}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *MockGateway) OnReconnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect == nil {
		m.reconnect = make(map[int]func())
	}
	id := m.next
	m.next++
	m.reconnect[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reconnect, id)
	}
}

func (m *MockGateway) fireReconnect() {
	m.mu.Lock()
	var fns []func()
	for _, fn := range m.reconnect {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// live returns the subscriptions on table that have not been released.
func (m *MockGateway) live(table string) []*fakeSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fakeSub
	for _, s := range m.subs {
		if s.scope.Table == table && !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockGateway) all(table string) []*fakeSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fakeSub
	for _, s := range m.subs {
		if s.scope.Table == table {
			out = append(out, s)
		}
	}
	return out
}

type fakeSub struct {
	scope   domain.Scope
	handler func(domain.Event)

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Scope() domain.Scope { return s.scope }

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push delivers ev the way a transport would, even after Unsubscribe, to
// model an event already in flight.
func (s *fakeSub) push(ev domain.Event) {
	s.handler(ev)
}

type fakeSession struct {
	mu        sync.Mutex
	id        domain.Identity
	listeners []func(domain.Identity)
}

func (s *fakeSession) CurrentIdentity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *fakeSession) OnChange(fn func(domain.Identity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}

func (s *fakeSession) set(id domain.Identity) {
	s.mu.Lock()
	s.id = id
	fns := append([]func(domain.Identity){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(id)
		}
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(t *testing.T, v any) domain.Record {
	t.Helper()
	r, err := domain.RecordOf(v)
	require.NoError(t, err)
	return r
}

func msg(id, conv string, at time.Duration) domain.Message {
	return domain.Message{ID: id, ConversationID: conv, SenderID: "u1", Text: id, CreatedAt: t0.Add(at)}
}

func msgRecords(t *testing.T, ms ...domain.Message) []domain.Record {
	out := make([]domain.Record, len(ms))
	for i, m := range ms {
		out[i] = rec(t, m)
	}
	return out
}

func ids(ms []domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func profile(id, name string) *domain.Profile {
	return &domain.Profile{ID: domain.Identity(id), DisplayName: &name}
}

func messagesOf(conv string) any {
	return mock.MatchedBy(func(q domain.Query) bool {
		return q.Table == "messages" && q.Filter.Value == conv
	})
}

var conversationList = mock.MatchedBy(func(q domain.Query) bool {
	return q.Table == "chats" && q.Limit == 0
})

var pairLookup = mock.MatchedBy(func(q domain.Query) bool {
	return q.Table == "chats" && q.Limit == 1
})

func insertEvent(t *testing.T, m domain.Message) domain.Event {
	return domain.Event{Type: domain.EventInsert, Table: "messages", New: rec(t, m)}
}
