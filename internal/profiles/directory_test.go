package profiles_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"betapp/internal/domain"
	"betapp/internal/profiles"
)

type MockGateway struct {
	mock.Mock
	domain.Gateway
}

func (m *MockGateway) Query(ctx context.Context, q domain.Query) ([]domain.Record, error) {
	args := m.Called(ctx, q)
	rows, _ := args.Get(0).([]domain.Record)
	return rows, args.Error(1)
}

type staticSession domain.Identity

func (s staticSession) CurrentIdentity() domain.Identity { return domain.Identity(s) }
func (s staticSession) OnChange(func(domain.Identity)) func() { return func() {} }

func record(t *testing.T, raw string) domain.Record {
	t.Helper()
	var r domain.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("BuildsCaseInsensitiveFilter", func(t *testing.T) {
		gw := new(MockGateway)
		dir := profiles.NewDirectory(gw, staticSession("me"))
		gw.On("Query", mock.Anything, mock.Anything).
			Return([]domain.Record{record(t, `{"id":"p1","name":"Alice","username":"alice"}`)}, nil).Once()

		got, err := dir.Search(ctx, "  ali ")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, domain.Identity("p1"), got[0].ID)

		q := gw.Calls[0].Arguments.Get(1).(domain.Query)
		assert.Equal(t, "profiles", q.Table)
		assert.Equal(t, profiles.SearchLimit, q.Limit)
		require.Len(t, q.Filter.All, 2)
		or := q.Filter.All[0]
		require.Len(t, or.Any, 3)
		for _, c := range or.Any {
			assert.Equal(t, domain.OpILike, c.Op)
			assert.Equal(t, "%ali%", c.Value)
		}
		assert.Equal(t, domain.Neq("id", "me"), q.Filter.All[1])
	})

	t.Run("ShortTermSkipsQuery", func(t *testing.T) {
		gw := new(MockGateway)
		dir := profiles.NewDirectory(gw, staticSession("me"))

		got, err := dir.Search(ctx, " a ")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, gw.Calls)
	})

	t.Run("WildcardsAreLiteral", func(t *testing.T) {
		gw := new(MockGateway)
		dir := profiles.NewDirectory(gw, staticSession("me"))
		gw.On("Query", mock.Anything, mock.Anything).Return([]domain.Record{}, nil).Once()

		_, err := dir.Search(ctx, "50%_off")
		require.NoError(t, err)
		q := gw.Calls[0].Arguments.Get(1).(domain.Query)
		assert.Equal(t, `%50\%\_off%`, q.Filter.All[0].Any[0].Value)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		gw := new(MockGateway)
		dir := profiles.NewDirectory(gw, staticSession(""))
		_, err := dir.Search(ctx, "alice")
		assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
		assert.Empty(t, gw.Calls)
	})

	t.Run("GatewayErrorWrapped", func(t *testing.T) {
		gw := new(MockGateway)
		dir := profiles.NewDirectory(gw, staticSession("me"))
		gw.On("Query", mock.Anything, mock.Anything).Return(nil, domain.ErrTransport).Once()

		_, err := dir.Search(ctx, "alice")
		assert.ErrorIs(t, err, domain.ErrTransport)
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	dir := profiles.NewDirectory(gw, staticSession("me"))
	gw.On("Query", mock.Anything, mock.MatchedBy(func(q domain.Query) bool { return q.Filter.Value == "p1" })).
		Return([]domain.Record{record(t, `{"id":"p1","username":"alice"}`)}, nil)
	gw.On("Query", mock.Anything, mock.MatchedBy(func(q domain.Query) bool { return q.Filter.Value == "nobody" })).
		Return([]domain.Record{}, nil)

	p, err := dir.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p.Username)
	assert.Equal(t, "alice", *p.Username)

	_, err = dir.Get(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
